// Package confidence maintains heuristic confidence from feedback signals.
//
// Confidence is the posterior mean of a Beta-Binomial model over
// magnitude-weighted fire and success counts. Updates are additive, so they
// commute: a burst of out-of-order feedback lands on the same counts in any
// order.
package confidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/bus"
	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

// Updater applies feedback signals to stored heuristics.
type Updater struct {
	store  store.Store
	bus    *bus.Bus
	floor  float64
	logger *logging.Logger
}

// NewUpdater creates an updater. bus may be nil; invalidations are then
// skipped and the cache relies on its refresh backstop.
func NewUpdater(st store.Store, b *bus.Bus, cfg config.ConfidenceConfig, logger *logging.Logger) *Updater {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Updater{store: st, bus: b, floor: cfg.DeactivationFloor, logger: logger}
}

// errSkipWrite aborts a Mutate whose signal turned out to be a no-op.
var errSkipWrite = errors.New("feedback skipped")

// Apply folds one feedback signal into the heuristic's counts, records the
// change in history, and deactivates the heuristic if confidence falls below
// the floor. The read-modify-write runs under the store's write lock, so
// signals arriving concurrently from the HTTP surface, the sweeper, and undo
// scans all land on the counts. Neutral signals, frozen heuristics, and
// feedback for unknown or already-inactive heuristics are no-ops: implicit
// signals race with deactivation and deletion, and losing that race must not
// poison the learning loop.
func (u *Updater) Apply(ctx context.Context, sig heuristic.FeedbackSignal) error {
	if sig.Type == heuristic.SignalNeutral {
		return nil
	}
	magnitude := sig.Magnitude
	if magnitude < 0 {
		magnitude = 0
	}
	if magnitude > 1 {
		magnitude = 1
	}
	if magnitude == 0 {
		return nil
	}

	var old float64
	var skip string
	h, err := u.store.Mutate(ctx, sig.HeuristicID, func(h *heuristic.Heuristic) error {
		if h.Frozen {
			skip = "frozen"
			return errSkipWrite
		}
		if !h.Active {
			skip = "inactive"
			return errSkipWrite
		}
		old = h.Confidence
		h.FireCount += magnitude
		if sig.Type == heuristic.SignalPositive {
			h.SuccessCount += magnitude
			h.LastSuccessAt = time.Now()
		}
		h.Recompute()
		if h.Confidence < u.floor {
			h.Active = false
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		u.logger.Debug(ctx, "feedback for unknown heuristic dropped",
			zap.String("heuristic_id", sig.HeuristicID))
		return nil
	case errors.Is(err, errSkipWrite):
		u.logger.Debug(ctx, "feedback ignored for "+skip+" heuristic",
			zap.String("heuristic_id", sig.HeuristicID))
		return nil
	case err != nil:
		return fmt.Errorf("persist confidence update: %w", err)
	}
	dropped := !h.Active

	rec, err := heuristic.NewHistoryRecord(h.ID, heuristic.ChangeConfidenceUpdate,
		reason(sig, magnitude), sig.EventID)
	if err != nil {
		return err
	}
	rec.WithConfidence(old, h.Confidence)
	if err := u.store.AppendHistory(ctx, rec); err != nil {
		return fmt.Errorf("append confidence history: %w", err)
	}
	if dropped {
		disable, err := heuristic.NewHistoryRecord(h.ID, heuristic.ChangeDisable,
			fmt.Sprintf("confidence %.3f fell below floor %.2f", h.Confidence, u.floor), sig.EventID)
		if err != nil {
			return err
		}
		if err := u.store.AppendHistory(ctx, disable); err != nil {
			return fmt.Errorf("append disable history: %w", err)
		}
		u.logger.Info(ctx, "heuristic deactivated at confidence floor",
			zap.String("heuristic_id", h.ID),
			zap.String("name", h.Name),
			zap.Float64("confidence", h.Confidence))
	}

	u.invalidate(ctx, h.ID)

	u.logger.Debug(ctx, "confidence updated",
		zap.String("heuristic_id", h.ID),
		zap.String("signal", string(sig.Type)),
		zap.String("source", string(sig.Source)),
		zap.Float64("magnitude", magnitude),
		zap.Float64("old", old),
		zap.Float64("new", h.Confidence))
	return nil
}

// Activate re-enables a deactivated heuristic, normally after a user reviews
// why it was dropped. Frozen heuristics stay frozen.
func (u *Updater) Activate(ctx context.Context, heuristicID, why string) error {
	h, err := u.store.Mutate(ctx, heuristicID, func(h *heuristic.Heuristic) error {
		if h.Active {
			return errSkipWrite
		}
		h.Active = true
		return nil
	})
	if errors.Is(err, errSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}

	rec, err := heuristic.NewHistoryRecord(h.ID, heuristic.ChangeActivate, why, "")
	if err != nil {
		return err
	}
	if err := u.store.AppendHistory(ctx, rec); err != nil {
		return fmt.Errorf("append activation history: %w", err)
	}
	u.invalidate(ctx, h.ID)
	return nil
}

func (u *Updater) invalidate(ctx context.Context, heuristicID string) {
	if u.bus == nil {
		return
	}
	if err := u.bus.PublishInvalidation(ctx, heuristicID); err != nil {
		// Best-effort: the cache refresh backstop bounds the staleness.
		u.logger.Warn(ctx, "invalidation publish failed",
			zap.String("heuristic_id", heuristicID), zap.Error(err))
	}
}

func reason(sig heuristic.FeedbackSignal, magnitude float64) string {
	verb := "disapproval"
	if sig.Type == heuristic.SignalPositive {
		verb = "approval"
	}
	return fmt.Sprintf("%s %s (magnitude %.2f)", sig.Source, verb, magnitude)
}
