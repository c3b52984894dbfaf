package formation

import (
	"context"
	"errors"
	"path/filepath"
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

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, s.err
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

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

func successfulTrace() Trace {
	return Trace{
		EventID:   "event-7",
		EventText: "Bedroom temperature dropped to 61 degrees at 22:15 and the user asked for heat",
		Reasoning: "cold bedroom in the evening, user wants it warm for sleep",
		Action:    "thermostat.set",
		Params:    map[string]any{"target": 68},
		Succeeded: true,
	}
}

func TestRuleExtractor_GeneralizesCondition(t *testing.T) {
	e := NewRuleExtractor()

	h, err := e.Extract(context.Background(), successfulTrace())
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.NotContains(t, h.ConditionText, "61", "specific numbers are generalized away")
	assert.NotContains(t, h.ConditionText, "22:15")
	assert.Contains(t, h.ConditionText, "bedroom temperature dropped")
	assert.Equal(t, heuristic.OriginLearned, h.Origin)
	assert.Equal(t, "event-7", h.OriginID)
	assert.Equal(t, "thermostat.set", h.Effects.Action)
	assert.NotEmpty(t, h.Name)
}

func TestRuleExtractor_NothingFromFailure(t *testing.T) {
	e := NewRuleExtractor()
	trace := successfulTrace()
	trace.Succeeded = false

	h, err := e.Extract(context.Background(), trace)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestRuleExtractor_Malformed(t *testing.T) {
	e := NewRuleExtractor()

	trace := successfulTrace()
	trace.Action = ""
	_, err := e.Extract(context.Background(), trace)
	assert.ErrorIs(t, err, ErrMalformedTrace)

	trace = successfulTrace()
	trace.EventText = "at 61"
	_, err = e.Extract(context.Background(), trace)
	assert.ErrorIs(t, err, ErrMalformedTrace)
}

func TestFormer_PersistsSeededHeuristic(t *testing.T) {
	s := newTestStore(t)
	logger, _ := logging.NewTestLogger()
	f := NewFormer(NewRuleExtractor(), &stubEmbedder{vec: []float32{1, 0, 0, 0}}, s, nil, nil, logger)
	ctx := context.Background()

	h, err := f.Form(ctx, successfulTrace())
	require.NoError(t, err)
	require.NotNil(t, h)

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.InDelta(t, heuristic.LearnedInitialConfidence, got.Confidence, 0.001)
	assert.True(t, got.Active)
	assert.Len(t, got.ConditionEmbedding, testDimension)

	history, err := s.HistoryFor(ctx, h.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, heuristic.ChangeCreate, history[0].Change)

	// The new heuristic is immediately findable by similarity.
	matches, err := s.QuerySimilar(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, h.ID, matches[0].Heuristic.ID)
}

func TestFormer_MalformedTraceIsDiscardedQuietly(t *testing.T) {
	s := newTestStore(t)
	logger, _ := logging.NewTestLogger()
	f := NewFormer(NewRuleExtractor(), &stubEmbedder{vec: []float32{1, 0, 0, 0}}, s, nil, nil, logger)

	trace := successfulTrace()
	trace.Action = ""
	h, err := f.Form(context.Background(), trace)
	require.NoError(t, err, "malformed extraction must not propagate")
	assert.Nil(t, h)

	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFormer_EmbeddingFailureDropsTrace(t *testing.T) {
	s := newTestStore(t)
	logger, _ := logging.NewTestLogger()
	f := NewFormer(NewRuleExtractor(), &stubEmbedder{err: errors.New("provider down")}, s, nil, nil, logger)

	h, err := f.Form(context.Background(), successfulTrace())
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"name":"x"}`, extractJSON("Sure! ```json\n{\"name\":\"x\"}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
	assert.Equal(t, "no braces", extractJSON("no braces"))
}
