package salience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/event"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	weights, err := NewWeights(nil)
	require.NoError(t, err)
	tracker := NewTracker(config.Default().Salience.Habituation)
	logger, _ := logging.NewTestLogger()
	return NewEvaluator(weights, tracker, logger)
}

func mustEvent(t *testing.T, text, source string, evCtx event.Context) *event.Event {
	t.Helper()
	ev, err := event.New(text, source, evCtx)
	require.NoError(t, err)
	return ev
}

func TestEvaluate_ThreatDetection(t *testing.T) {
	e := newTestEvaluator(t)

	tests := []struct {
		name   string
		text   string
		source string
		min    float64
	}{
		{"fire", "smoke detected in the kitchen", "sensor", 0.9},
		{"carbon monoxide", "carbon monoxide levels rising", "sensor", 0.9},
		{"intruder", "possible break-in at the back door", "camera", 0.85},
		{"medical", "user reported chest pain", "wearable", 0.9},
		{"alarm source floor", "@#$% garbled payload", "smoke_detector", 0.9},
		{"fall", "fall detected in the bathroom", "wearable", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(context.Background(), mustEvent(t, tt.text, tt.source, event.Context{}), nil)
			assert.GreaterOrEqual(t, res.Threat, tt.min)
		})
	}
}

func TestEvaluate_BenignHasNoThreat(t *testing.T) {
	e := newTestEvaluator(t)
	res := e.Evaluate(context.Background(), mustEvent(t, "new episode of your podcast is out", "feed", event.Context{}), nil)
	assert.Equal(t, 0.0, res.Threat)
}

func TestEvaluate_EffectiveSalienceNeverExceedsSalience(t *testing.T) {
	e := newTestEvaluator(t)
	ev := mustEvent(t, "package delivery needs your signature today", "doorbell", event.Context{})

	// Repeat the identical event; habituation should climb while the
	// inequality holds throughout.
	var last *Result
	for i := 0; i < 5; i++ {
		last = e.Evaluate(context.Background(), ev, nil)
		assert.LessOrEqual(t, last.EffectiveSalience(), last.Salience)
	}
	assert.Greater(t, last.Habituation, 0.5, "repeats should habituate")
}

func TestEffectiveSalience_EqualityIffZeroHabituation(t *testing.T) {
	r := &Result{Salience: 0.8, Habituation: 0}
	assert.Equal(t, r.Salience, r.EffectiveSalience())

	r.Habituation = 0.01
	assert.Less(t, r.EffectiveSalience(), r.Salience)

	r.Habituation = 1
	assert.Equal(t, 0.0, r.EffectiveSalience())
}

func TestEvaluate_GoalRelevance(t *testing.T) {
	e := newTestEvaluator(t)
	evCtx := event.Context{ActiveGoals: []string{"train for the marathon"}}

	relevant := e.Evaluate(context.Background(), mustEvent(t, "your marathon train plan has a session tonight", "calendar", evCtx), nil)
	irrelevant := e.Evaluate(context.Background(), mustEvent(t, "dishwasher cycle complete", "appliance", evCtx), nil)

	assert.Greater(t, relevant.Vector[DimGoalRelevance], irrelevant.Vector[DimGoalRelevance])
}

func TestEvaluate_NoveltyIndependentOfHabituation(t *testing.T) {
	tracker := NewTracker(config.HabituationConfig{
		Window:     config.Duration(time.Hour),
		HalfLife:   config.Duration(time.Hour),
		Similarity: 0.92,
		MaxEntries: 64,
	})
	weights, err := NewWeights(nil)
	require.NoError(t, err)
	logger, _ := logging.NewTestLogger()
	e := NewEvaluator(weights, tracker, logger)

	ev := mustEvent(t, "garage door left open", "sensor", event.Context{})

	first := e.Evaluate(context.Background(), ev, nil)
	assert.Equal(t, 1.0, first.Vector[DimNovelty], "first sighting is fully novel")
	assert.Equal(t, 0.0, first.Habituation, "first sighting is not habituated")

	second := e.Evaluate(context.Background(), ev, nil)
	assert.Equal(t, 0.0, second.Vector[DimNovelty], "exact repeat is not novel")
	assert.Greater(t, second.Habituation, 0.0)
}

func TestWeights_OverrideBounds(t *testing.T) {
	_, err := NewWeights(map[string]float64{DimHumor: 0.0})
	assert.Error(t, err, "overrides cannot zero out a dimension")

	_, err = NewWeights(map[string]float64{DimHumor: 10.0})
	assert.Error(t, err)

	w, err := NewWeights(map[string]float64{DimNovelty: 2.0})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, w.Weight(DimNovelty), 0.001)
}

func TestWeights_NudgeClamped(t *testing.T) {
	w, err := NewWeights(nil)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		w.Nudge(DimHumor, 0.1)
	}
	assert.InDelta(t, defaultWeights[DimHumor]+maxNudge, w.Weight(DimHumor), 0.001)

	for i := 0; i < 100; i++ {
		w.Nudge(DimHumor, -0.1)
	}
	assert.InDelta(t, defaultWeights[DimHumor]+minNudge, w.Weight(DimHumor), 0.001)
}

func TestWeights_WeightedSumNormalized(t *testing.T) {
	w, err := NewWeights(nil)
	require.NoError(t, err)

	all := map[string]float64{}
	for dim := range defaultWeights {
		all[dim] = 1.0
	}
	assert.InDelta(t, 1.0, w.WeightedSum(all), 0.001, "all-ones vector saturates salience")

	none := map[string]float64{}
	for dim := range defaultWeights {
		none[dim] = 0.0
	}
	assert.Equal(t, 0.0, w.WeightedSum(none))
	assert.Equal(t, 0.0, w.WeightedSum(nil))
}

func TestTracker_WindowEviction(t *testing.T) {
	now := time.Now()
	tracker := NewTracker(config.HabituationConfig{
		Window:     config.Duration(10 * time.Minute),
		HalfLife:   config.Duration(5 * time.Minute),
		Similarity: 0.92,
		MaxEntries: 64,
	})
	tracker.now = func() time.Time { return now }

	assert.Equal(t, 0.0, tracker.Observe(nil, "furnace filter alert"))
	assert.Greater(t, tracker.Observe(nil, "furnace filter alert"), 0.0)

	// Jump past the window: exposures age out, habituation resets.
	now = now.Add(time.Hour)
	assert.Equal(t, 0.0, tracker.Observe(nil, "furnace filter alert"))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 0.001)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 0.001)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}), "mismatched lengths")
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}), "zero vector")
}
