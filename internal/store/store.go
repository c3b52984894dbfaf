// Package store persists heuristics, their modification history, and fire
// records.
//
// The append-only journal is the source of truth. The in-memory state is a
// materialized view rebuilt by replay at startup, and the vector index
// (chromem or qdrant) holds condition embeddings for similarity search. The
// index is rebuilt from the journal on open, so index loss is never data loss.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

// Common store errors.
var (
	ErrNotFound          = errors.New("not found in store")
	ErrAlreadyExists     = errors.New("already exists in store")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrStoreClosed       = errors.New("store is closed")
)

// Match pairs a stored heuristic with its similarity to a query vector.
type Match struct {
	Heuristic  *heuristic.Heuristic
	Similarity float64
}

// Store is the persistence surface for heuristics, history, and fires.
//
// All returned heuristics are clones; callers never share mutable state with
// the store.
type Store interface {
	// Insert adds a new heuristic. The condition embedding must match the
	// configured dimension.
	Insert(ctx context.Context, h *heuristic.Heuristic) error

	// Get returns the heuristic by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*heuristic.Heuristic, error)

	// List returns all heuristics, active and inactive.
	List(ctx context.Context) ([]*heuristic.Heuristic, error)

	// Update replaces an existing heuristic.
	Update(ctx context.Context, h *heuristic.Heuristic) error

	// Mutate applies fn to the heuristic under the store's write lock and
	// persists the result, so concurrent read-modify-write cycles never
	// overwrite each other. fn receives a clone; returning an error aborts
	// without writing and the error is passed through. Returns the persisted
	// heuristic.
	Mutate(ctx context.Context, id string, fn func(h *heuristic.Heuristic) error) (*heuristic.Heuristic, error)

	// QuerySimilar returns up to k heuristics nearest to the query vector,
	// ordered by descending similarity.
	QuerySimilar(ctx context.Context, vec []float32, k int) ([]Match, error)

	// AppendHistory appends to the modification log. History is never
	// mutated or deleted.
	AppendHistory(ctx context.Context, rec *heuristic.HistoryRecord) error

	// HistoryFor returns history records for a heuristic, oldest first.
	// limit <= 0 means all.
	HistoryFor(ctx context.Context, heuristicID string, limit int) ([]*heuristic.HistoryRecord, error)

	// RecordFire persists a new fire record.
	RecordFire(ctx context.Context, f *heuristic.Fire) error

	// UpdateFire replaces a fire record, normally to set its terminal
	// outcome.
	UpdateFire(ctx context.Context, f *heuristic.Fire) error

	// RecentFires returns fires with FiredAt at or after since, oldest
	// first.
	RecentFires(ctx context.Context, since time.Time) ([]*heuristic.Fire, error)

	Close() error
}

// indexHit is one similarity result from a vector index.
type indexHit struct {
	ID         string
	Similarity float64
}

// vectorIndex abstracts the similarity backend. Implementations hold only
// condition embeddings keyed by heuristic ID; full records live in the
// journal-backed state.
type vectorIndex interface {
	Add(ctx context.Context, h *heuristic.Heuristic) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, k int) ([]indexHit, error)
	Close() error
}

// New creates a store from config. The index backend is selected by
// cfg.Backend; dimension is the required embedding size (startup fails on a
// mismatch with journaled data).
func New(ctx context.Context, cfg config.StoreConfig, dimension int, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	journal, err := openJournal(cfg.WALPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	s := &heuristicStore{
		journal:    journal,
		heuristics: map[string]*heuristic.Heuristic{},
		history:    map[string][]*heuristic.HistoryRecord{},
		fires:      map[string]*heuristic.Fire{},
		dimension:  dimension,
		timeout:    cfg.Timeout.Duration(),
		logger:     logger,
	}
	if err := s.replay(); err != nil {
		journal.Close()
		return nil, err
	}

	var index vectorIndex
	switch cfg.Backend {
	case "chromem":
		index, err = newChromemIndex(cfg.Path, cfg.Collection)
	case "qdrant":
		index, err = newQdrantIndex(ctx, cfg.Qdrant, cfg.Collection, dimension, logger)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		journal.Close()
		return nil, err
	}
	s.index = index

	if err := s.rebuildIndex(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	logger.Info(ctx, "store opened",
		zap.String("backend", cfg.Backend),
		zap.Int("heuristics", len(s.heuristics)),
		zap.Int("fires", len(s.fires)))
	return s, nil
}

// heuristicStore is the journal-backed store shared by all index backends.
type heuristicStore struct {
	mu         sync.RWMutex
	heuristics map[string]*heuristic.Heuristic
	history    map[string][]*heuristic.HistoryRecord
	fires      map[string]*heuristic.Fire
	closed     bool

	journal   *journal
	index     vectorIndex
	dimension int
	timeout   time.Duration
	logger    *logging.Logger
}

// replay rebuilds the in-memory view from the journal and enforces the
// embedding dimension invariant across everything persisted.
func (s *heuristicStore) replay() error {
	heuristics, history, fires, err := s.journal.Replay()
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	for id, h := range heuristics {
		if len(h.ConditionEmbedding) > 0 && len(h.ConditionEmbedding) != s.dimension {
			return fmt.Errorf("%w: heuristic %s has dimension %d, store configured for %d",
				ErrDimensionMismatch, id, len(h.ConditionEmbedding), s.dimension)
		}
	}
	s.heuristics = heuristics
	s.history = history
	s.fires = fires
	return nil
}

// rebuildIndex loads every embedded heuristic into the vector index.
func (s *heuristicStore) rebuildIndex(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.heuristics {
		if len(h.ConditionEmbedding) == 0 {
			continue
		}
		if err := s.index.Add(ctx, h); err != nil {
			return fmt.Errorf("index heuristic %s: %w", h.ID, err)
		}
	}
	return nil
}

func (s *heuristicStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *heuristicStore) checkDimension(h *heuristic.Heuristic) error {
	if len(h.ConditionEmbedding) == 0 {
		return nil
	}
	if len(h.ConditionEmbedding) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(h.ConditionEmbedding), s.dimension)
	}
	return nil
}

func (s *heuristicStore) Insert(ctx context.Context, h *heuristic.Heuristic) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if err := s.checkDimension(h); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.heuristics[h.ID]; ok {
		return fmt.Errorf("%w: heuristic %s", ErrAlreadyExists, h.ID)
	}

	clone := h.Clone()
	if err := s.journal.AppendHeuristic(clone); err != nil {
		return fmt.Errorf("journal heuristic: %w", err)
	}
	s.heuristics[clone.ID] = clone

	if len(clone.ConditionEmbedding) > 0 {
		if err := s.index.Add(ctx, clone); err != nil {
			// Journal already has the record; the index heals on restart.
			s.logger.Warn(ctx, "index add failed, similarity search degraded until restart",
				zap.String("heuristic_id", clone.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *heuristicStore) Get(ctx context.Context, id string) (*heuristic.Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	h, ok := s.heuristics[id]
	if !ok {
		return nil, fmt.Errorf("%w: heuristic %s", ErrNotFound, id)
	}
	return h.Clone(), nil
}

func (s *heuristicStore) List(ctx context.Context) ([]*heuristic.Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*heuristic.Heuristic, 0, len(s.heuristics))
	for _, h := range s.heuristics {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *heuristicStore) Update(ctx context.Context, h *heuristic.Heuristic) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if err := s.checkDimension(h); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	prev, ok := s.heuristics[h.ID]
	if !ok {
		return fmt.Errorf("%w: heuristic %s", ErrNotFound, h.ID)
	}

	clone := h.Clone()
	clone.UpdatedAt = time.Now()
	if err := s.journal.AppendHeuristic(clone); err != nil {
		return fmt.Errorf("journal heuristic: %w", err)
	}
	s.heuristics[clone.ID] = clone

	embeddingChanged := len(prev.ConditionEmbedding) != len(clone.ConditionEmbedding) ||
		prev.ConditionText != clone.ConditionText
	if embeddingChanged && len(clone.ConditionEmbedding) > 0 {
		if err := s.index.Remove(ctx, clone.ID); err != nil {
			s.logger.Warn(ctx, "index remove failed", zap.String("heuristic_id", clone.ID), zap.Error(err))
		}
		if err := s.index.Add(ctx, clone); err != nil {
			s.logger.Warn(ctx, "index add failed, similarity search degraded until restart",
				zap.String("heuristic_id", clone.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *heuristicStore) Mutate(ctx context.Context, id string, fn func(h *heuristic.Heuristic) error) (*heuristic.Heuristic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	prev, ok := s.heuristics[id]
	if !ok {
		return nil, fmt.Errorf("%w: heuristic %s", ErrNotFound, id)
	}

	clone := prev.Clone()
	if err := fn(clone); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkDimension(clone); err != nil {
		return nil, err
	}

	clone.UpdatedAt = time.Now()
	if err := s.journal.AppendHeuristic(clone); err != nil {
		return nil, fmt.Errorf("journal heuristic: %w", err)
	}
	s.heuristics[id] = clone

	embeddingChanged := len(prev.ConditionEmbedding) != len(clone.ConditionEmbedding) ||
		prev.ConditionText != clone.ConditionText
	if embeddingChanged && len(clone.ConditionEmbedding) > 0 {
		if err := s.index.Remove(ctx, id); err != nil {
			s.logger.Warn(ctx, "index remove failed", zap.String("heuristic_id", id), zap.Error(err))
		}
		if err := s.index.Add(ctx, clone); err != nil {
			s.logger.Warn(ctx, "index add failed, similarity search degraded until restart",
				zap.String("heuristic_id", id), zap.Error(err))
		}
	}
	return clone.Clone(), nil
}

func (s *heuristicStore) QuerySimilar(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(vec), s.dimension)
	}
	if k <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	hits, err := s.index.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Match, 0, len(hits))
	for _, hit := range hits {
		h, ok := s.heuristics[hit.ID]
		if !ok {
			// Stale index entry; harmless, skipped.
			continue
		}
		out = append(out, Match{Heuristic: h.Clone(), Similarity: hit.Similarity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

func (s *heuristicStore) AppendHistory(ctx context.Context, rec *heuristic.HistoryRecord) error {
	if rec == nil || rec.HeuristicID == "" {
		return heuristic.ErrInvalidHistory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.journal.AppendHistory(rec); err != nil {
		return fmt.Errorf("journal history: %w", err)
	}
	s.history[rec.HeuristicID] = append(s.history[rec.HeuristicID], rec)
	return nil
}

func (s *heuristicStore) HistoryFor(ctx context.Context, heuristicID string, limit int) ([]*heuristic.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	recs := s.history[heuristicID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]*heuristic.HistoryRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *heuristicStore) RecordFire(ctx context.Context, f *heuristic.Fire) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.fires[f.ID]; ok {
		return fmt.Errorf("%w: fire %s", ErrAlreadyExists, f.ID)
	}
	if err := s.journal.AppendFire(f); err != nil {
		return fmt.Errorf("journal fire: %w", err)
	}
	cp := *f
	s.fires[f.ID] = &cp
	return nil
}

func (s *heuristicStore) UpdateFire(ctx context.Context, f *heuristic.Fire) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.fires[f.ID]; !ok {
		return fmt.Errorf("%w: fire %s", ErrNotFound, f.ID)
	}
	if err := s.journal.AppendFire(f); err != nil {
		return fmt.Errorf("journal fire: %w", err)
	}
	cp := *f
	s.fires[f.ID] = &cp
	return nil
}

func (s *heuristicStore) RecentFires(ctx context.Context, since time.Time) ([]*heuristic.Fire, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*heuristic.Fire, 0)
	for _, f := range s.fires {
		if f.FiredAt.Before(since) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out, nil
}

func (s *heuristicStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	return errors.Join(errs...)
}
