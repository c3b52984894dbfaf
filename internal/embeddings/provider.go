package embeddings

import (
	"fmt"

	"github.com/fyrsmithlabs/reflexd/internal/config"
)

// NewProvider creates an embedding provider from configuration.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "fastembed", "":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "tei":
		return NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout.Duration(),
			APIKey:    cfg.APIKey,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// VerifyDimension checks the provider's dimension against the configured
// one. A mismatch means stored condition embeddings would be incomparable
// with fresh event embeddings; that is a fatal startup error.
func VerifyDimension(p Provider, want int) error {
	got := p.Dimension()
	if got != 0 && got != want {
		return fmt.Errorf("%w: provider produces %d-dimensional vectors, config expects %d",
			ErrInvalidConfig, got, want)
	}
	return nil
}
