package confidence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

const testDimension = 4

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	logger, _ := logging.NewTestLogger()
	s, err := store.New(context.Background(), config.StoreConfig{
		Backend:    "chromem",
		Path:       filepath.Join(dir, "index"),
		Collection: "heuristics",
		WALPath:    filepath.Join(dir, "journal"),
		Timeout:    config.Duration(2 * time.Second),
	}, testDimension, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newUpdater(t *testing.T, s store.Store, floor float64) *Updater {
	t.Helper()
	logger, _ := logging.NewTestLogger()
	return NewUpdater(s, nil, config.ConfidenceConfig{DeactivationFloor: floor}, logger)
}

func seedHeuristic(t *testing.T, s store.Store) *heuristic.Heuristic {
	t.Helper()
	h, err := heuristic.New("test-rule", "when it gets cold", heuristic.Effect{Action: "heat.on"}, heuristic.OriginUser)
	require.NoError(t, err)
	h.ConditionEmbedding = []float32{1, 0, 0, 0}
	require.NoError(t, s.Insert(context.Background(), h))
	return h
}

func signal(h *heuristic.Heuristic, typ heuristic.SignalType, src heuristic.FeedbackSource, mag float64) heuristic.FeedbackSignal {
	return heuristic.FeedbackSignal{
		HeuristicID: h.ID,
		EventID:     "event-1",
		Type:        typ,
		Source:      src,
		Magnitude:   mag,
	}
}

func TestApply_PositiveRaisesConfidence(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.2)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalPositive, heuristic.SourceExplicit, 1.0)))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, got.Confidence, 0.001)
	assert.Equal(t, 1.0, got.FireCount)
	assert.Equal(t, 1.0, got.SuccessCount)
	assert.False(t, got.LastSuccessAt.IsZero())

	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, heuristic.ChangeConfidenceUpdate, history[0].Change)
	require.NotNil(t, history[0].OldConfidence)
	assert.InDelta(t, 0.5, *history[0].OldConfidence, 0.001)
}

func TestApply_NegativeLowersConfidence(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.2)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalNegative, heuristic.SourceUndo, 1.0)))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, got.Confidence, 0.001)
	assert.Equal(t, 0.0, got.SuccessCount)
	assert.True(t, got.LastSuccessAt.IsZero())
}

func TestApply_MagnitudeWeighting(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.2)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	// A quiet-timeout positive moves the counts a quarter as far as an
	// explicit one.
	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalPositive, heuristic.SourceTimeout, 0.25)))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.25/2.25, got.Confidence, 0.001)
}

func TestApply_UpdatesCommute(t *testing.T) {
	ctx := context.Background()

	apply := func(order []heuristic.SignalType) float64 {
		s := newTestStore(t)
		u := newUpdater(t, s, 0.05)
		h := seedHeuristic(t, s)
		for _, typ := range order {
			require.NoError(t, u.Apply(ctx, signal(h, typ, heuristic.SourceExplicit, 1.0)))
		}
		got, err := s.Get(ctx, h.ID)
		require.NoError(t, err)
		return got.Confidence
	}

	forward := apply([]heuristic.SignalType{heuristic.SignalPositive, heuristic.SignalNegative, heuristic.SignalPositive})
	backward := apply([]heuristic.SignalType{heuristic.SignalPositive, heuristic.SignalPositive, heuristic.SignalNegative})
	assert.InDelta(t, forward, backward, 0.0001)
}

func TestApply_ConcurrentSignalsAllLand(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.05)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	// Explicit feedback, the sweeper, and undo scans can all report on the
	// same heuristic at once; none of their counts may be lost.
	const signals = 100
	var wg sync.WaitGroup
	wg.Add(signals)
	for i := 0; i < signals; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalPositive, heuristic.SourceExplicit, 1.0)))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(signals), got.FireCount)
	assert.Equal(t, float64(signals), got.SuccessCount)

	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, signals)
}

func TestApply_NeutralAndZeroMagnitudeAreNoOps(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.2)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalNeutral, heuristic.SourceExplicit, 1.0)))
	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalPositive, heuristic.SourceExplicit, 0)))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.FireCount)
	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestApply_UnknownAndInactiveAreNoOps(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.2)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	// Unknown ID: the signal raced with a deletion, drop it quietly.
	ghost := *h
	ghost.ID = "00000000-0000-0000-0000-000000000000"
	require.NoError(t, u.Apply(ctx, signal(&ghost, heuristic.SignalNegative, heuristic.SourceUndo, 1.0)))

	// Inactive heuristics are pinned until someone reactivates them.
	h.Active = false
	require.NoError(t, s.Update(ctx, h))
	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalNegative, heuristic.SourceExplicit, 1.0)))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.FireCount)
	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestApply_FrozenIsPinned(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.2)
	ctx := context.Background()

	h, err := heuristic.New("safety", "smoke detected", heuristic.Effect{Action: "alert.emergency"}, heuristic.OriginBuiltin)
	require.NoError(t, err)
	h.ConditionEmbedding = []float32{0, 1, 0, 0}
	h.Frozen = true
	h.Confidence = 1.0
	require.NoError(t, s.Insert(ctx, h))

	require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalNegative, heuristic.SourceExplicit, 1.0)))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 0.0, got.FireCount)
}

func TestApply_FloorDeactivatesButKeeps(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.3)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	// Repeated strong negatives drive (1+0)/(2+n) under the 0.3 floor.
	for i := 0; i < 3; i++ {
		require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalNegative, heuristic.SourceExplicit, 1.0)))
	}

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, got.Active, "floored heuristic is deactivated, not deleted")
	assert.Less(t, got.Confidence, 0.3)

	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, heuristic.ChangeDisable, last.Change)
}

func TestActivate_RestoresFlooredHeuristic(t *testing.T) {
	s := newTestStore(t)
	u := newUpdater(t, s, 0.3)
	h := seedHeuristic(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, u.Apply(ctx, signal(h, heuristic.SignalNegative, heuristic.SourceExplicit, 1.0)))
	}
	require.NoError(t, u.Activate(ctx, h.ID, "user reviewed and restored"))

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, heuristic.ChangeActivate, history[len(history)-1].Change)
}
