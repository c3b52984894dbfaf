package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces reflexd environment variables.
	envPrefix = "REFLEXD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// sections are the top-level config keys, used to map environment variable
// names onto nested koanf paths.
var sections = []string{
	"server", "logging", "telemetry", "embedding", "store", "bus", "cache",
	"router", "salience", "learning", "confidence", "correlation", "formation",
}

// subsections are second-level keys that appear in env var names.
var subsections = []string{"qdrant", "habituation", "magnitudes", "weight_overrides", "sampling"}

// Load loads configuration from the YAML file at configPath (if it exists),
// then overrides with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (REFLEXD_ROUTER_FIRE_THRESHOLD, ...)
//  2. YAML config file (~/.config/reflexd/config.yaml by default)
//  3. Built-in defaults
//
// An empty configPath falls back to the default location. A missing file is
// not an error; a malformed or oversized one is.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "reflexd", "config.yaml")
	}

	var content []byte
	if f, err := os.Open(configPath); err == nil {
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
		}
		content, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening config file: %w", err)
	}

	return LoadBytes(content)
}

// LoadBytes loads configuration from raw YAML content plus environment
// variables. Used by Load and directly by tests.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToPath), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envToPath maps an environment variable name to a koanf path.
//
//	REFLEXD_SERVER_PORT            -> server.port
//	REFLEXD_ROUTER_FIRE_THRESHOLD  -> router.fire_threshold
//	REFLEXD_STORE_QDRANT_HOST      -> store.qdrant.host
func envToPath(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))

	for _, section := range sections {
		prefix := section + "_"
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := strings.TrimPrefix(s, prefix)
		for _, sub := range subsections {
			subPrefix := sub + "_"
			if strings.HasPrefix(rest, subPrefix) {
				return section + "." + sub + "." + strings.TrimPrefix(rest, subPrefix)
			}
		}
		return section + "." + rest
	}

	// Unknown variables map to themselves and are ignored by Unmarshal.
	return s
}
