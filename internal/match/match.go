// Package match runs the heuristic competition for an incoming event.
package match

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/salience"
)

// Candidate is one heuristic that cleared its similarity threshold, with the
// score components that rank it.
type Candidate struct {
	Heuristic  *heuristic.Heuristic
	Similarity float64

	// Score is similarity * confidence. Similarity alone would let a
	// never-validated rule outrank a proven one; confidence alone would let
	// a vaguely related rule fire.
	Score float64
}

// Matcher selects the winning heuristic for an event embedding.
type Matcher interface {
	// Match returns the winner and every candidate that cleared its
	// similarity threshold, ordered by descending score. A nil winner means
	// no candidate qualified. A nil embedding degrades to no match.
	Match(ctx context.Context, vec []float32, pool []*heuristic.Heuristic) (*Candidate, []Candidate)
}

// CosineMatcher ranks candidates by cosine similarity times confidence,
// winner-take-all. Ties go to the heuristic with the most recent successful
// fire; proven-lately beats proven-long-ago.
type CosineMatcher struct {
	logger *logging.Logger
}

// NewCosineMatcher creates the default matcher.
func NewCosineMatcher(logger *logging.Logger) *CosineMatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CosineMatcher{logger: logger}
}

func (m *CosineMatcher) Match(ctx context.Context, vec []float32, pool []*heuristic.Heuristic) (*Candidate, []Candidate) {
	if len(vec) == 0 || len(pool) == 0 {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(pool))
	for _, h := range pool {
		if !h.Fireable() || len(h.ConditionEmbedding) == 0 {
			continue
		}
		sim := salience.Cosine(vec, h.ConditionEmbedding)
		if sim < h.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, Candidate{
			Heuristic:  h,
			Similarity: sim,
			Score:      sim * h.Confidence,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Heuristic.LastSuccessAt.After(candidates[j].Heuristic.LastSuccessAt)
	})

	// Every candidate is logged at info, not just the winner: losing scores
	// are the raw material for threshold diagnosis, and they must survive
	// the default log level.
	for i, c := range candidates {
		m.logger.Info(ctx, "match candidate",
			zap.String("heuristic_id", c.Heuristic.ID),
			zap.String("name", c.Heuristic.Name),
			zap.Float64("similarity", c.Similarity),
			zap.Float64("confidence", c.Heuristic.Confidence),
			zap.Float64("score", c.Score),
			zap.Bool("winner", i == 0))
	}

	return &candidates[0], candidates
}
