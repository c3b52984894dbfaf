package formation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/bus"
	"github.com/fyrsmithlabs/reflexd/internal/embeddings"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
	"github.com/fyrsmithlabs/reflexd/internal/telemetry"
)

// seedWeight is the pseudo-observation count behind the initial confidence;
// two observations keep the seed soft against early feedback.
const seedWeight = 2

// Former runs extraction end to end: derive, embed, seed confidence, and
// persist a new learned heuristic.
type Former struct {
	extractor Extractor
	embedder  embeddings.Embedder
	store     store.Store
	bus       *bus.Bus
	metrics   *telemetry.Metrics
	logger    *logging.Logger
}

// NewFormer creates a former. bus and metrics may be nil.
func NewFormer(extractor Extractor, embedder embeddings.Embedder, st store.Store, b *bus.Bus, metrics *telemetry.Metrics, logger *logging.Logger) *Former {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Former{
		extractor: extractor,
		embedder:  embedder,
		store:     st,
		bus:       b,
		metrics:   metrics,
		logger:    logger,
	}
}

// Form learns from one reasoning trace. The returned heuristic is nil when
// the trace yields nothing: failed episodes, malformed extractions, and
// embedding failures are all logged and dropped rather than surfaced, so
// the caller's path never depends on learning.
func (f *Former) Form(ctx context.Context, trace Trace) (*heuristic.Heuristic, error) {
	h, err := f.extractor.Extract(ctx, trace)
	if err != nil {
		f.logger.Warn(ctx, "extraction discarded",
			zap.String("event_id", trace.EventID), zap.Error(err))
		return nil, nil
	}
	if h == nil {
		return nil, nil
	}

	if err := h.SeedConfidence(heuristic.LearnedInitialConfidence, seedWeight); err != nil {
		return nil, err
	}

	vec, err := f.embedder.EmbedQuery(ctx, h.ConditionText)
	if err != nil {
		f.logger.Warn(ctx, "extraction dropped, condition could not be embedded",
			zap.String("event_id", trace.EventID), zap.Error(err))
		return nil, nil
	}
	h.ConditionEmbedding = vec

	if err := f.store.Insert(ctx, h); err != nil {
		return nil, fmt.Errorf("persist learned heuristic: %w", err)
	}
	rec, err := heuristic.NewHistoryRecord(h.ID, heuristic.ChangeCreate,
		fmt.Sprintf("formed from reasoning over event %s", trace.EventID), trace.EventID)
	if err != nil {
		return nil, err
	}
	if err := f.store.AppendHistory(ctx, rec); err != nil {
		return nil, fmt.Errorf("append creation history: %w", err)
	}

	if f.bus != nil {
		if err := f.bus.PublishInvalidation(ctx, h.ID); err != nil {
			f.logger.Warn(ctx, "invalidation publish failed",
				zap.String("heuristic_id", h.ID), zap.Error(err))
		}
	}

	if f.metrics != nil {
		f.metrics.HeuristicsFormed.Inc()
	}
	f.logger.Info(ctx, "heuristic formed",
		zap.String("heuristic_id", h.ID),
		zap.String("name", h.Name),
		zap.String("origin_event", trace.EventID),
		zap.Float64("confidence", h.Confidence))
	return h, nil
}
