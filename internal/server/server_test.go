package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflexd/internal/cache"
	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/confidence"
	"github.com/fyrsmithlabs/reflexd/internal/event"
	"github.com/fyrsmithlabs/reflexd/internal/formation"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/learning"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/match"
	"github.com/fyrsmithlabs/reflexd/internal/router"
	"github.com/fyrsmithlabs/reflexd/internal/salience"
	"github.com/fyrsmithlabs/reflexd/internal/store"
	"github.com/fyrsmithlabs/reflexd/internal/telemetry"
)

const testDimension = 4

type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) register(text string, vec []float32) {
	s.vectors[text] = vec
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.EmbedQuery(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

type stubReasoner struct{}

func (stubReasoner) Reason(ctx context.Context, ev *event.Event, sal *salience.Result, hints []match.Candidate) (*formation.Trace, error) {
	return &formation.Trace{
		EventID:   ev.ID,
		EventText: ev.Text,
		Reasoning: "deliberated and acted",
		Action:    "assistant.respond",
		Succeeded: true,
	}, nil
}

type fixture struct {
	server   *Server
	store    store.Store
	cache    *cache.Cache
	embedder *stubEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger, _ := logging.NewTestLogger()
	cfg := config.Default()

	st, err := store.New(ctx, config.StoreConfig{
		Backend:    "chromem",
		Path:       filepath.Join(dir, "index"),
		Collection: "heuristics",
		WALPath:    filepath.Join(dir, "journal"),
		Timeout:    config.Duration(2 * time.Second),
	}, testDimension, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(st, nil, config.CacheConfig{RefreshInterval: config.Duration(20 * time.Millisecond)}, logger)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	weights, err := salience.NewWeights(nil)
	require.NoError(t, err)
	evaluator := salience.NewEvaluator(weights, salience.NewTracker(cfg.Salience.Habituation), logger)

	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	metrics := telemetry.NewMetrics()
	updater := confidence.NewUpdater(st, nil, cfg.Confidence, logger)
	former := formation.NewFormer(formation.NewRuleExtractor(), embedder, st, nil, metrics, logger)
	traces := formation.NewWindow(cfg.Correlation.Window.Duration())
	learner := learning.New(st, updater, former, traces, cfg.Learning, cfg.Correlation, logger)

	routerCfg := config.RouterConfig{
		ThreatThreshold:      0.8,
		FireThreshold:        0.7,
		SalienceThreshold:    0.25,
		EscalationsPerMinute: 60,
		EscalationBurst:      10,
	}
	r := router.New(router.Deps{
		Evaluator: evaluator,
		Embedder:  embedder,
		Cache:     c,
		Matcher:   match.NewCosineMatcher(logger),
		Store:     st,
		Learner:   learner,
		Traces:    traces,
		Reasoner:  stubReasoner{},
		Metrics:   metrics,
		Logger:    logger,
	}, routerCfg, cfg.Embedding.Timeout.Duration())

	srv, err := New(Deps{
		Router:  r,
		Learner: learner,
		Updater: updater,
		Store:   st,
		Metrics: metrics,
		Logger:  logger,
	}, config.ServerConfig{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	return &fixture{server: srv, store: st, cache: c, embedder: embedder}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedHeuristic(t *testing.T, name string, vec []float32, fireCount, successCount float64) *heuristic.Heuristic {
	t.Helper()
	h, err := heuristic.New(name, "when "+name, heuristic.Effect{Action: name + ".act"}, heuristic.OriginLearned)
	require.NoError(t, err)
	h.ConditionEmbedding = vec
	h.FireCount = fireCount
	h.SuccessCount = successCount
	h.Recompute()
	require.NoError(t, f.store.Insert(context.Background(), h))
	require.Eventually(t, func() bool {
		_, err := f.cache.Get(h.ID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/api/v1/events", EventRequest{Text: "dishwasher cycle complete", Source: "home"})

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "reflexd_"), "exposition should carry our namespace")
}

func TestServer_PostEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", EventRequest{
		Text:   "smoke detected in the kitchen",
		Source: "sensor",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var d router.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, router.PathEmergency, d.Path)
	assert.NotEmpty(t, d.EventID)
	require.NotNil(t, d.Salience)
}

func TestServer_PostEventEmptyText(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", EventRequest{Source: "sensor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FeedbackAdjustsConfidence(t *testing.T) {
	f := newFixture(t)
	h := f.seedHeuristic(t, "evening-heat", []float32{1, 0, 0, 0}, 10, 9)

	rec := f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{
		HeuristicID: h.ID,
		Signal:      "negative",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	after, err := f.store.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Less(t, after.Confidence, h.Confidence)
}

func TestServer_FeedbackValidation(t *testing.T) {
	f := newFixture(t)
	h := f.seedHeuristic(t, "evening-heat", []float32{1, 0, 0, 0}, 10, 9)

	rec := f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{HeuristicID: h.ID, Signal: "meh"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{Signal: "positive"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "neither heuristic_id nor event_id")

	rec = f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{HeuristicID: "nope", Signal: "positive"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{EventID: "never-routed", Signal: "positive"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "event with no fire or escalation")
}

func TestServer_EventFeedbackFormsHeuristic(t *testing.T) {
	f := newFixture(t)
	f.embedder.register("the grocery order needs your confirmation before tomorrow", []float32{0, 0, 1, 0})

	rec := f.do(t, http.MethodPost, "/api/v1/events", EventRequest{
		Text:   "the grocery order needs your confirmation before tomorrow",
		Source: "assistant",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var d router.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.Equal(t, router.PathSlow, d.Path)

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "the escalated answer has not earned a heuristic yet")

	rec = f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{
		EventID: d.EventID,
		Signal:  "positive",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	all, err = f.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, heuristic.OriginLearned, all[0].Origin)
	assert.Equal(t, d.EventID, all[0].OriginID)
}

func TestServer_ListAndGetHeuristics(t *testing.T) {
	f := newFixture(t)
	h := f.seedHeuristic(t, "evening-heat", []float32{1, 0, 0, 0}, 10, 9)

	rec := f.do(t, http.MethodGet, "/api/v1/heuristics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []*heuristic.Heuristic
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, h.ID, all[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/heuristics/"+h.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/heuristics/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HeuristicHistory(t *testing.T) {
	f := newFixture(t)
	h := f.seedHeuristic(t, "evening-heat", []float32{1, 0, 0, 0}, 10, 9)

	rec := f.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{HeuristicID: h.ID, Signal: "positive"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/heuristics/"+h.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []*heuristic.HistoryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.NotEmpty(t, history)
	assert.Equal(t, heuristic.ChangeConfidenceUpdate, history[len(history)-1].Change)

	rec = f.do(t, http.MethodGet, "/api/v1/heuristics/"+h.ID+"/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/heuristics/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ActivateRestoresHeuristic(t *testing.T) {
	f := newFixture(t)
	h := f.seedHeuristic(t, "evening-heat", []float32{1, 0, 0, 0}, 10, 9)

	h.Active = false
	require.NoError(t, f.store.Update(context.Background(), h))

	rec := f.do(t, http.MethodPost, "/api/v1/heuristics/"+h.ID+"/activate", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	after, err := f.store.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.True(t, after.Active)

	rec = f.do(t, http.MethodPost, "/api/v1/heuristics/nope/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_FiresAfterFastPath(t *testing.T) {
	f := newFixture(t)

	vec := []float32{1, 0, 0, 0}
	f.embedder.register("bedroom is cold this evening", vec)
	h := f.seedHeuristic(t, "evening-heat", vec, 10, 9)

	rec := f.do(t, http.MethodPost, "/api/v1/events", EventRequest{
		Text:   "bedroom is cold this evening",
		Source: "sensor",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var d router.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.Equal(t, router.PathFast, d.Path)

	rec = f.do(t, http.MethodGet, "/api/v1/fires", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fires []*heuristic.Fire
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fires))
	require.Len(t, fires, 1)
	assert.Equal(t, h.ID, fires[0].HeuristicID)

	since := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/fires?since=%s", since), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fires = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fires))
	assert.Empty(t, fires)

	rec = f.do(t, http.MethodGet, "/api/v1/fires?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
