// Package embeddings provides embedding generation for condition matching.
//
// Two providers are supported: FastEmbed (local ONNX models, CGO builds) and
// TEI (any text-embeddings-inference compatible HTTP service). Embedding
// failure is never fatal to routing: hot-path callers treat an error as "no
// candidates" and let the event continue through the router.
package embeddings

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with lifecycle and dimension metadata.
type Provider interface {
	Embedder
	// Dimension returns the embedding dimension for the configured model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}
