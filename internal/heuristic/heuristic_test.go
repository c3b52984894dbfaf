package heuristic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	h, err := New("cold-evening-heat", "temperature dropped below 65F in the evening",
		Effect{Action: "thermostat.set 68"}, OriginUser)
	require.NoError(t, err)

	assert.NotEmpty(t, h.ID)
	assert.True(t, h.Active)
	assert.False(t, h.Frozen)
	assert.InDelta(t, 0.5, h.Confidence, 0.001, "fresh heuristic sits at the Beta(1,1) prior mean")
	assert.Equal(t, DefaultSimilarityThreshold, h.SimilarityThreshold)
	require.NoError(t, h.Validate())
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		effect    Effect
		origin    Origin
		wantErr   error
	}{
		{"empty condition", "", Effect{Action: "x"}, OriginUser, ErrEmptyCondition},
		{"empty action", "cond", Effect{}, OriginUser, ErrEmptyEffect},
		{"unknown origin", "cond", Effect{Action: "x"}, Origin("mystery"), ErrInvalidHeuristic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("n", tt.condition, tt.effect, tt.origin)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPosteriorMean(t *testing.T) {
	tests := []struct {
		name    string
		fire    float64
		success float64
		want    float64
	}{
		{"no observations", 0, 0, 0.5},
		{"8 of 10 positive", 10, 8, 0.75},
		{"8 of 10 negative", 10, 2, 0.25},
		{"all positive", 5, 5, 6.0 / 7.0},
		{"all negative", 5, 0, 1.0 / 7.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Heuristic{FireCount: tt.fire, SuccessCount: tt.success}
			assert.InDelta(t, tt.want, h.PosteriorMean(), 0.0001)
		})
	}
}

func TestRecompute_FrozenIsPinned(t *testing.T) {
	h := &Heuristic{Confidence: 0.95, Frozen: true, FireCount: 10, SuccessCount: 0}
	h.Recompute()
	assert.Equal(t, 0.95, h.Confidence, "frozen heuristics keep their pinned confidence")
	assert.False(t, h.Fireable(), "frozen heuristics never fire")
}

func TestSeedConfidence(t *testing.T) {
	h := &Heuristic{}
	require.NoError(t, h.SeedConfidence(LearnedInitialConfidence, 2))
	assert.InDelta(t, 0.3, h.Confidence, 0.0001)
	assert.GreaterOrEqual(t, h.FireCount, h.SuccessCount)
	assert.GreaterOrEqual(t, h.SuccessCount, 0.0)

	assert.Error(t, h.SeedConfidence(0, 1))
	assert.Error(t, h.SeedConfidence(1.2, 1))
}

func TestValidate_CountInvariant(t *testing.T) {
	h, err := New("n", "cond", Effect{Action: "a"}, OriginLearned)
	require.NoError(t, err)

	h.SuccessCount = 3
	h.FireCount = 2
	assert.ErrorIs(t, h.Validate(), ErrInvalidHeuristic)
}

func TestClone_Independent(t *testing.T) {
	h, err := New("n", "cond", Effect{Action: "a", Params: map[string]any{"k": "v"}}, OriginUser)
	require.NoError(t, err)
	h.ConditionEmbedding = []float32{0.1, 0.2}

	c := h.Clone()
	c.ConditionEmbedding[0] = 9
	c.Effects.Params["k"] = "changed"

	assert.Equal(t, float32(0.1), h.ConditionEmbedding[0])
	assert.Equal(t, "v", h.Effects.Params["k"])
}

func TestNewHistoryRecord(t *testing.T) {
	r, err := NewHistoryRecord("h1", ChangeConfidenceUpdate, "explicit approval", "ev1")
	require.NoError(t, err)
	r.WithConfidence(0.5, 0.6)

	assert.Equal(t, ChangeConfidenceUpdate, r.Change)
	require.NotNil(t, r.OldConfidence)
	assert.Equal(t, 0.5, *r.OldConfidence)
	assert.Equal(t, 0.6, *r.NewConfidence)

	_, err = NewHistoryRecord("", ChangeCreate, "", "")
	assert.ErrorIs(t, err, ErrInvalidHistory)

	_, err = NewHistoryRecord("h1", ChangeType("sideways"), "", "")
	assert.ErrorIs(t, err, ErrInvalidHistory)
}

func TestNewFire(t *testing.T) {
	f := NewFire("h1", "ev1", 0.9, 0.8)
	assert.Equal(t, OutcomeUnknown, f.Outcome)
	assert.False(t, f.Resolved())

	f.Outcome = OutcomeSuccess
	assert.True(t, f.Resolved())
}
