package store

import (
	"context"
	"errors"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
)

// chromemIndex backs similarity search with an embedded chromem-go
// collection. Embeddings are always precomputed upstream; the collection's
// embedding function is a guard that rejects any path that would embed inside
// the index.
type chromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	name       string
}

func newChromemIndex(path, collection string) (*chromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem at %s: %w", path, err)
	}

	// The journal is the source of truth; the collection is dropped and
	// rebuilt from it on every open, so the index can never drift.
	if db.GetCollection(collection, rejectEmbedding) != nil {
		if err := db.DeleteCollection(collection); err != nil {
			return nil, fmt.Errorf("reset collection %s: %w", collection, err)
		}
	}
	coll, err := db.GetOrCreateCollection(collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", collection, err)
	}

	return &chromemIndex{db: db, collection: coll, name: collection}, nil
}

func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("index does not embed, embeddings are computed upstream")
}

func (c *chromemIndex) Add(ctx context.Context, h *heuristic.Heuristic) error {
	doc := chromem.Document{
		ID:        h.ID,
		Content:   h.ConditionText,
		Embedding: h.ConditionEmbedding,
		Metadata: map[string]string{
			"name":   h.Name,
			"origin": string(h.Origin),
		},
	}
	if err := c.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (c *chromemIndex) Remove(ctx context.Context, id string) error {
	if err := c.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (c *chromemIndex) Query(ctx context.Context, vec []float32, k int) ([]indexHit, error) {
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := c.collection.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	hits := make([]indexHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, indexHit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

func (c *chromemIndex) Close() error {
	// chromem persists on write; nothing to flush.
	return nil
}
