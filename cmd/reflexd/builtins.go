package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/embeddings"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

// builtinRule describes one frozen safety heuristic shipped with the binary.
type builtinRule struct {
	name      string
	condition string
	effect    heuristic.Effect
}

// builtinPack is the safety net consulted on the emergency path. These are
// frozen: they never fire statistically and feedback never moves them.
func builtinPack() []builtinRule {
	return []builtinRule{
		{
			name:      "smoke-or-fire",
			condition: "smoke, fire, or burning smell detected indoors",
			effect: heuristic.Effect{
				Action:              "alert.emergency",
				Params:              map[string]any{"category": "fire"},
				SuppressHabituation: true,
			},
		},
		{
			name:      "intrusion-alert",
			condition: "door or window opened unexpectedly while the home is armed or empty",
			effect: heuristic.Effect{
				Action:              "alert.emergency",
				Params:              map[string]any{"category": "security"},
				SuppressHabituation: true,
			},
		},
		{
			name:      "medical-distress",
			condition: "user reports severe pain, injury, fall, or difficulty breathing",
			effect: heuristic.Effect{
				Action:              "alert.emergency",
				Params:              map[string]any{"category": "medical"},
				SuppressHabituation: true,
			},
		},
	}
}

// seedBuiltins inserts any missing built-in heuristics. Matching is by name
// within origin=built-in, so restarts and upgrades are idempotent and user
// deactivation of a built-in is respected.
func seedBuiltins(ctx context.Context, st store.Store, embedder embeddings.Embedder, logger *logging.Logger) error {
	existing, err := st.List(ctx)
	if err != nil {
		return fmt.Errorf("listing heuristics: %w", err)
	}
	present := map[string]bool{}
	for _, h := range existing {
		if h.Origin == heuristic.OriginBuiltin {
			present[h.Name] = true
		}
	}

	for _, rule := range builtinPack() {
		if present[rule.name] {
			continue
		}

		h, err := heuristic.New(rule.name, rule.condition, rule.effect, heuristic.OriginBuiltin)
		if err != nil {
			return fmt.Errorf("building %s: %w", rule.name, err)
		}
		h.Frozen = true
		h.Confidence = 1.0

		if embedder != nil {
			vec, err := embedder.EmbedQuery(ctx, rule.condition)
			if err != nil {
				// Emergency matching degrades without the vector; the
				// threat lexicon still catches these events.
				logger.Warn(ctx, "built-in condition embedding failed",
					zap.String("name", rule.name), zap.Error(err))
			} else {
				h.ConditionEmbedding = vec
			}
		}

		if err := st.Insert(ctx, h); err != nil {
			return fmt.Errorf("inserting %s: %w", rule.name, err)
		}
		if rec, err := heuristic.NewHistoryRecord(h.ID, heuristic.ChangeCreate, "built-in safety pack", ""); err == nil {
			if err := st.AppendHistory(ctx, rec); err != nil {
				logger.Warn(ctx, "built-in history append failed",
					zap.String("name", rule.name), zap.Error(err))
			}
		}
		logger.Info(ctx, "built-in heuristic seeded", zap.String("name", rule.name))
	}
	return nil
}
