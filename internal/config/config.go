// Package config provides configuration loading for reflexd.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// environment variables (highest precedence). Validation happens once at
// startup; a validation failure is the only fatal error class in the core.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete reflexd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Embedding   EmbeddingConfig   `koanf:"embedding"`
	Store       StoreConfig       `koanf:"store"`
	Bus         BusConfig         `koanf:"bus"`
	Cache       CacheConfig       `koanf:"cache"`
	Router      RouterConfig      `koanf:"router"`
	Salience    SalienceConfig    `koanf:"salience"`
	Learning    LearningConfig    `koanf:"learning"`
	Confidence  ConfidenceConfig  `koanf:"confidence"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Formation   FormationConfig   `koanf:"formation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level accepts zap's names plus "trace".
	Level  string `koanf:"level"`
	Format string `koanf:"format"`

	Sampling LogSamplingConfig `koanf:"sampling"`
}

// LogSamplingConfig bounds log volume below the Error level.
type LogSamplingConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Tick       Duration `koanf:"tick"`
	Initial    int      `koanf:"initial"`
	Thereafter int      `koanf:"thereafter"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	// Provider selects "fastembed" (local ONNX) or "tei" (HTTP service).
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`

	// Dimension is the expected vector size. Startup fails if it does not
	// match the dimension of stored condition embeddings.
	Dimension int `koanf:"dimension"`

	// Timeout bounds hot-path embedding calls. Exceeding it degrades the
	// event to "no match", it never blocks routing.
	Timeout Duration `koanf:"timeout"`

	CacheDir string `koanf:"cache_dir"`
	APIKey   Secret `koanf:"api_key"`
}

// StoreConfig holds heuristic store configuration.
type StoreConfig struct {
	// Backend selects "chromem" (embedded, default) or "qdrant".
	Backend    string       `koanf:"backend"`
	Path       string       `koanf:"path"`
	Collection string       `koanf:"collection"`
	WALPath    string       `koanf:"wal_path"`
	Timeout    Duration     `koanf:"timeout"`
	Qdrant     QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig holds connection settings for the Qdrant backend.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey Secret `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// BusConfig holds NATS configuration for cache invalidation messaging.
type BusConfig struct {
	URL string `koanf:"url"`

	// Embedded starts an in-process NATS server, for standalone deployments
	// and tests.
	Embedded bool `koanf:"embedded"`
}

// CacheConfig holds fast-path cache configuration.
type CacheConfig struct {
	// RefreshInterval is the full-refresh backstop; invalidation messages
	// keep the cache fresh between cycles. Bounded staleness: a mutated
	// heuristic is never served more than one interval stale.
	RefreshInterval Duration `koanf:"refresh_interval"`
}

// RouterConfig holds routing decision thresholds.
type RouterConfig struct {
	// ThreatThreshold triggers the emergency path. User-adjustable within
	// [MinThreatThreshold, MaxThreatThreshold]; the bounds keep the alarm
	// from being tuned out entirely.
	ThreatThreshold float64 `koanf:"threat_threshold"`

	// FireThreshold is the minimum winner confidence for the fast path.
	FireThreshold float64 `koanf:"fire_threshold"`

	// SalienceThreshold gates escalation to slow reasoning.
	SalienceThreshold float64 `koanf:"salience_threshold"`

	// EscalationsPerMinute and EscalationBurst bound the attention budget:
	// slow-path escalations beyond the budget degrade to store-only.
	EscalationsPerMinute float64 `koanf:"escalations_per_minute"`
	EscalationBurst      int     `koanf:"escalation_burst"`
}

// Safety bounds for the threat threshold.
const (
	MinThreatThreshold = 0.5
	MaxThreatThreshold = 0.95
)

// SalienceConfig holds salience evaluation configuration.
type SalienceConfig struct {
	// WeightOverrides are per-dimension multipliers applied to the built-in
	// weights, each clamped to [MinWeightOverride, MaxWeightOverride].
	WeightOverrides map[string]float64 `koanf:"weight_overrides"`

	Habituation HabituationConfig `koanf:"habituation"`
}

// Bounds for user weight overrides. A dimension can be de-emphasized but
// never zeroed out.
const (
	MinWeightOverride = 0.25
	MaxWeightOverride = 4.0
)

// HabituationConfig controls repetition suppression.
type HabituationConfig struct {
	// Window is how far back repeated exposures count.
	Window Duration `koanf:"window"`

	// HalfLife controls exponential decay of old exposures.
	HalfLife Duration `koanf:"half_life"`

	// Similarity is the cosine bar above which two events count as the
	// same pattern.
	Similarity float64 `koanf:"similarity"`

	// MaxEntries bounds the exposure ring.
	MaxEntries int `koanf:"max_entries"`
}

// LearningConfig holds feedback interpretation configuration.
type LearningConfig struct {
	// QuietWindow is the no-news-is-good-news horizon: a fire with no
	// complaint inside the window resolves as a weak positive.
	QuietWindow Duration `koanf:"quiet_window"`

	// DisregardThreshold is how many consecutive ignores of the same
	// heuristic's suggestion produce one negative signal.
	DisregardThreshold int `koanf:"disregard_threshold"`

	// Magnitudes weights signals per source. Keys: explicit,
	// implicit_timeout, implicit_undo, implicit_ignored.
	Magnitudes map[string]float64 `koanf:"magnitudes"`
}

// ConfidenceConfig holds confidence updater configuration.
type ConfidenceConfig struct {
	// DeactivationFloor: a heuristic whose confidence falls below the floor
	// is marked inactive (kept, not deleted).
	DeactivationFloor float64 `koanf:"deactivation_floor"`
}

// CorrelationConfig bounds outcome correlation.
type CorrelationConfig struct {
	// Window is the lookback for matching feedback to fires. Fires older
	// than the window stay unresolved and receive no credit.
	Window Duration `koanf:"window"`

	// SweepInterval is how often the quiet-timeout sweeper runs.
	SweepInterval Duration `koanf:"sweep_interval"`
}

// FormationConfig holds heuristic formation configuration.
type FormationConfig struct {
	// Extractor selects "rules" (pattern based) or "llm" (langchaingo).
	Extractor string `koanf:"extractor"`

	// LLMModel is the model name when Extractor is "llm".
	LLMModel string `koanf:"llm_model"`

	// LLMBaseURL points the extractor at an OpenAI-compatible endpoint.
	// Empty means the client default.
	LLMBaseURL string `koanf:"llm_base_url"`
	LLMAPIKey  Secret `koanf:"llm_api_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8710,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Tick:       Duration(time.Second),
				Initial:    100,
				Thereafter: 10,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "reflexd",
		},
		Embedding: EmbeddingConfig{
			Provider:  "fastembed",
			Model:     "BAAI/bge-small-en-v1.5",
			BaseURL:   "http://localhost:8080",
			Dimension: 384,
			Timeout:   Duration(500 * time.Millisecond),
			CacheDir:  "~/.cache/reflexd/models",
		},
		Store: StoreConfig{
			Backend:    "chromem",
			Path:       "~/.local/share/reflexd/store",
			Collection: "heuristics",
			WALPath:    "~/.local/share/reflexd/journal",
			Timeout:    Duration(2 * time.Second),
			Qdrant: QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
		},
		Bus: BusConfig{
			URL:      "nats://localhost:4222",
			Embedded: true,
		},
		Cache: CacheConfig{
			RefreshInterval: Duration(30 * time.Second),
		},
		Router: RouterConfig{
			ThreatThreshold:      0.8,
			FireThreshold:        0.7,
			SalienceThreshold:    0.6,
			EscalationsPerMinute: 6,
			EscalationBurst:      3,
		},
		Salience: SalienceConfig{
			WeightOverrides: map[string]float64{},
			Habituation: HabituationConfig{
				Window:     Duration(6 * time.Hour),
				HalfLife:   Duration(1 * time.Hour),
				Similarity: 0.92,
				MaxEntries: 512,
			},
		},
		Learning: LearningConfig{
			QuietWindow:        Duration(10 * time.Minute),
			DisregardThreshold: 3,
			Magnitudes: map[string]float64{
				"explicit":         1.0,
				"implicit_timeout": 0.25,
				"implicit_undo":    1.0,
				"implicit_ignored": 0.5,
			},
		},
		Confidence: ConfidenceConfig{
			DeactivationFloor: 0.2,
		},
		Correlation: CorrelationConfig{
			// Illustrative defaults; the right window size is an open
			// tuning question.
			Window:        Duration(30 * time.Minute),
			SweepInterval: Duration(1 * time.Minute),
		},
		Formation: FormationConfig{
			Extractor: "rules",
		},
	}
}

// Validate checks the configuration for errors. Called once at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Logging.Sampling.Enabled {
		if c.Logging.Sampling.Tick.Duration() <= 0 {
			return errors.New("log sampling tick must be positive")
		}
		if c.Logging.Sampling.Initial < 1 {
			return errors.New("log sampling initial must be at least 1")
		}
	}

	switch c.Embedding.Provider {
	case "fastembed", "tei":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.Timeout.Duration() <= 0 {
		return errors.New("embedding timeout must be positive")
	}

	switch c.Store.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Collection == "" {
		return errors.New("store collection cannot be empty")
	}

	if c.Router.ThreatThreshold < MinThreatThreshold || c.Router.ThreatThreshold > MaxThreatThreshold {
		return fmt.Errorf("threat threshold %.2f outside safety bounds [%.2f, %.2f]",
			c.Router.ThreatThreshold, MinThreatThreshold, MaxThreatThreshold)
	}
	if c.Router.FireThreshold <= 0 || c.Router.FireThreshold > 1 {
		return fmt.Errorf("fire threshold %.2f outside (0, 1]", c.Router.FireThreshold)
	}
	if c.Router.SalienceThreshold < 0 || c.Router.SalienceThreshold > 1 {
		return fmt.Errorf("salience threshold %.2f outside [0, 1]", c.Router.SalienceThreshold)
	}
	if c.Router.EscalationsPerMinute <= 0 {
		return errors.New("escalations per minute must be positive")
	}
	if c.Router.EscalationBurst < 1 {
		return errors.New("escalation burst must be at least 1")
	}

	for dim, mult := range c.Salience.WeightOverrides {
		if mult < MinWeightOverride || mult > MaxWeightOverride {
			return fmt.Errorf("weight override for %q is %.2f, outside [%.2f, %.2f]",
				dim, mult, MinWeightOverride, MaxWeightOverride)
		}
	}
	if c.Salience.Habituation.Similarity <= 0 || c.Salience.Habituation.Similarity > 1 {
		return fmt.Errorf("habituation similarity %.2f outside (0, 1]", c.Salience.Habituation.Similarity)
	}
	if c.Salience.Habituation.MaxEntries < 1 {
		return errors.New("habituation max entries must be at least 1")
	}

	if c.Learning.QuietWindow.Duration() <= 0 {
		return errors.New("quiet window must be positive")
	}
	if c.Learning.DisregardThreshold < 1 {
		return errors.New("disregard threshold must be at least 1")
	}
	for source, mag := range c.Learning.Magnitudes {
		if mag < 0 || mag > 1 {
			return fmt.Errorf("magnitude for %q is %.2f, outside [0, 1]", source, mag)
		}
	}

	if c.Confidence.DeactivationFloor < 0 || c.Confidence.DeactivationFloor >= c.Router.FireThreshold {
		return fmt.Errorf("deactivation floor %.2f must be in [0, fire threshold %.2f)",
			c.Confidence.DeactivationFloor, c.Router.FireThreshold)
	}

	if c.Correlation.Window.Duration() <= 0 {
		return errors.New("correlation window must be positive")
	}
	if c.Correlation.SweepInterval.Duration() <= 0 {
		return errors.New("correlation sweep interval must be positive")
	}
	if c.Correlation.SweepInterval.Duration() > c.Correlation.Window.Duration() {
		return errors.New("correlation sweep interval cannot exceed the window")
	}

	switch c.Formation.Extractor {
	case "rules", "llm":
	default:
		return fmt.Errorf("unknown formation extractor %q", c.Formation.Extractor)
	}
	if c.Formation.Extractor == "llm" && c.Formation.LLMModel == "" {
		return errors.New("llm extractor requires formation.llm_model")
	}

	return nil
}
