// Package router implements the event routing decision tree.
//
// Every event takes exactly one path: emergency (threat interrupt), fast (a
// proven heuristic fires), suppress (habituated repeat, a flavor of
// store-only), slow (escalation to deliberate reasoning) or store-only. The
// order is fixed: threat is checked before anything can suppress it, a
// qualifying heuristic fires even on habituated repeats since routine
// repetition is exactly what reflexes are for, and the attention budget gates
// the expensive path last.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/reflexd/internal/cache"
	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/embeddings"
	"github.com/fyrsmithlabs/reflexd/internal/event"
	"github.com/fyrsmithlabs/reflexd/internal/formation"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/learning"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/match"
	"github.com/fyrsmithlabs/reflexd/internal/salience"
	"github.com/fyrsmithlabs/reflexd/internal/store"
	"github.com/fyrsmithlabs/reflexd/internal/telemetry"
)

// Path identifies the branch an event took.
type Path string

const (
	PathEmergency Path = "emergency"
	PathSuppress  Path = "suppress"
	PathFast      Path = "fast"
	PathSlow      Path = "slow"
	PathStoreOnly Path = "store_only"
)

// Decision is the routing outcome for one event.
type Decision struct {
	Path     Path             `json:"path"`
	EventID  string           `json:"event_id"`
	Salience *salience.Result `json:"salience"`

	// Fired is set on the fast and emergency paths.
	Fired  *heuristic.Heuristic `json:"fired,omitempty"`
	FireID string               `json:"fire_id,omitempty"`
	Effect *heuristic.Effect    `json:"effect,omitempty"`
	Score  float64              `json:"score,omitempty"`

	// Hint is the best candidate that matched but fell short of the fire
	// threshold, surfaced on the slow path so deliberation starts from the
	// near miss.
	Hint *Hint `json:"hint,omitempty"`

	// Reasoning is the slow path's account of what it did.
	Reasoning string `json:"reasoning,omitempty"`
}

// Hint is a near-miss candidate attached to a slow-path decision.
type Hint struct {
	HeuristicID string  `json:"heuristic_id"`
	Name        string  `json:"name"`
	Similarity  float64 `json:"similarity"`
	Score       float64 `json:"score"`
}

// Reasoner is the slow path. Implementations are expected to be expensive;
// the router only calls them inside the attention budget. Candidates that
// matched but did not fire are passed as hints.
type Reasoner interface {
	Reason(ctx context.Context, ev *event.Event, sal *salience.Result, hints []match.Candidate) (*formation.Trace, error)
}

// Router routes events.
type Router struct {
	evaluator *salience.Evaluator
	embedder  embeddings.Embedder
	cache     *cache.Cache
	matcher   match.Matcher
	store     store.Store
	learner   learning.Strategy
	traces    *formation.Window
	reasoner  Reasoner
	metrics   *telemetry.Metrics
	logger    *logging.Logger

	embedTimeout time.Duration

	mu      sync.RWMutex
	cfg     config.RouterConfig
	limiter *rate.Limiter
}

// Deps bundles the router's collaborators.
type Deps struct {
	Evaluator *salience.Evaluator
	Embedder  embeddings.Embedder
	Cache     *cache.Cache
	Matcher   match.Matcher
	Store     store.Store
	Learner   learning.Strategy
	Traces    *formation.Window
	Reasoner  Reasoner
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
}

// New creates a router.
func New(deps Deps, cfg config.RouterConfig, embedTimeout time.Duration) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Router{
		evaluator:    deps.Evaluator,
		embedder:     deps.Embedder,
		cache:        deps.Cache,
		matcher:      deps.Matcher,
		store:        deps.Store,
		learner:      deps.Learner,
		traces:       deps.Traces,
		reasoner:     deps.Reasoner,
		metrics:      deps.Metrics,
		logger:       logger,
		embedTimeout: embedTimeout,
		cfg:          cfg,
		limiter:      newLimiter(cfg),
	}
}

func newLimiter(cfg config.RouterConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.EscalationsPerMinute/60.0), cfg.EscalationBurst)
}

// SetConfig swaps the routing thresholds, for config hot reload. The
// escalation limiter is rebuilt; a fresh burst allowance on reload is
// acceptable.
func (r *Router) SetConfig(cfg config.RouterConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.limiter = newLimiter(cfg)
	r.mu.Unlock()
}

func (r *Router) config() (config.RouterConfig, *rate.Limiter) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.limiter
}

// Route runs one event through the decision tree.
func (r *Router) Route(ctx context.Context, ev *event.Event) (*Decision, error) {
	ctx = logging.WithEventID(ctx, ev.ID)
	cfg, limiter := r.config()

	vec := r.embed(ctx, ev)

	// Reversal language about an earlier action is feedback, whatever path
	// this event itself takes.
	if r.learner != nil {
		if err := r.learner.ObserveEvent(ctx, ev); err != nil {
			r.logger.Warn(ctx, "undo scan failed", zap.Error(err))
		}
	}

	evalStart := time.Now()
	sal := r.evaluator.Evaluate(ctx, ev, vec)
	if r.metrics != nil {
		r.metrics.ObserveEvaluate(time.Since(evalStart))
	}

	decision := &Decision{EventID: ev.ID, Salience: sal}

	// Threat first: habituation must never mute an alarm.
	if sal.Threat >= cfg.ThreatThreshold {
		decision.Path = PathEmergency
		r.attachEmergencyEffect(ctx, decision, vec)
		r.finish(ctx, decision)
		return decision, nil
	}

	matchStart := time.Now()
	winner, candidates := r.matcher.Match(ctx, vec, r.cache.Fireable())
	if r.metrics != nil {
		r.metrics.ObserveMatch(time.Since(matchStart))
	}

	if winner != nil && winner.Score >= cfg.FireThreshold {
		r.fire(ctx, decision, winner, sal)
		r.finish(ctx, decision)
		return decision, nil
	}

	// Habituation gates escalation only. Nothing fired for this nagging
	// repeat, and it is not worth reasoning about either.
	suppressed := sal.Salience >= cfg.SalienceThreshold &&
		sal.EffectiveSalience() < cfg.SalienceThreshold
	if suppressed {
		decision.Path = PathSuppress
		r.finish(ctx, decision)
		return decision, nil
	}

	if sal.EffectiveSalience() >= cfg.SalienceThreshold {
		if limiter.Allow() {
			decision.Path = PathSlow
			if winner != nil {
				decision.Hint = &Hint{
					HeuristicID: winner.Heuristic.ID,
					Name:        winner.Heuristic.Name,
					Similarity:  winner.Similarity,
					Score:       winner.Score,
				}
			}
			r.escalate(ctx, decision, ev, sal, candidates)
		} else {
			// Over the attention budget: remember the event, skip the
			// reasoning spend.
			decision.Path = PathStoreOnly
			if r.metrics != nil {
				r.metrics.EscalationsDenied.Inc()
			}
		}
		r.finish(ctx, decision)
		return decision, nil
	}

	decision.Path = PathStoreOnly
	r.finish(ctx, decision)
	return decision, nil
}

// embed computes the event embedding inside its latency budget. Failure
// degrades matching and novelty to text fallbacks, it never blocks routing.
func (r *Router) embed(ctx context.Context, ev *event.Event) []float32 {
	if r.embedder == nil {
		return nil
	}
	embedCtx := ctx
	if r.embedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, r.embedTimeout)
		defer cancel()
	}
	vec, err := r.embedder.EmbedQuery(embedCtx, ev.Text)
	if err != nil {
		r.logger.Warn(ctx, "event embedding failed, degrading to text matching", zap.Error(err))
		return nil
	}
	return vec
}

// fire executes the fast path: record the fire and surface the effect.
func (r *Router) fire(ctx context.Context, decision *Decision, winner *match.Candidate, sal *salience.Result) {
	h := winner.Heuristic
	fire := heuristic.NewFire(h.ID, decision.EventID, winner.Similarity, h.Confidence)
	if err := r.store.RecordFire(ctx, fire); err != nil {
		// The action still goes out; an unrecorded fire just earns no
		// feedback later.
		r.logger.Error(ctx, "fire record failed", zap.Error(err))
	} else {
		decision.FireID = fire.ID
	}

	effect := h.Effects
	decision.Path = PathFast
	decision.Fired = h
	decision.Effect = &effect
	decision.Score = winner.Score

	if effect.SalienceBoost != 0 {
		sal.Salience = clamp01(sal.Salience + effect.SalienceBoost)
	}
	if effect.SuppressHabituation {
		// The rule declares its event class exempt from habituation, so the
		// reported effective salience stays full on every repeat.
		sal.Habituation = 0
	}
	if r.metrics != nil {
		r.metrics.Fires.Inc()
	}
}

// attachEmergencyEffect surfaces the best matching frozen safety rule's
// effect. Frozen rules never fire in the statistical sense: no fire record,
// no confidence movement.
func (r *Router) attachEmergencyEffect(ctx context.Context, decision *Decision, vec []float32) {
	var best *heuristic.Heuristic
	bestSim := 0.0
	for _, h := range r.cache.Frozen() {
		if len(h.ConditionEmbedding) == 0 || len(vec) == 0 {
			continue
		}
		sim := salience.Cosine(vec, h.ConditionEmbedding)
		if sim >= h.SimilarityThreshold && sim > bestSim {
			best = h
			bestSim = sim
		}
	}
	if best != nil {
		effect := best.Effects
		decision.Fired = best
		decision.Effect = &effect
		decision.Score = bestSim
	}
}

// escalate runs the slow path and retains a successful trace for formation.
// Nothing is generalized here: a heuristic forms only once the answer earns
// positive feedback or survives the quiet window without complaint.
func (r *Router) escalate(ctx context.Context, decision *Decision, ev *event.Event, sal *salience.Result, hints []match.Candidate) {
	if r.reasoner == nil {
		return
	}
	trace, err := r.reasoner.Reason(ctx, ev, sal, hints)
	if err != nil {
		r.logger.Warn(ctx, "slow path reasoning failed", zap.Error(err))
		return
	}
	if trace == nil {
		return
	}
	decision.Reasoning = trace.Reasoning

	if r.traces != nil && trace.Succeeded {
		r.traces.Put(*trace)
		r.logger.Debug(ctx, "reasoning trace retained for formation",
			zap.String("event_id", trace.EventID))
	}
}

func (r *Router) finish(ctx context.Context, decision *Decision) {
	if r.metrics != nil {
		r.metrics.RouteDecisions.WithLabelValues(string(decision.Path)).Inc()
		r.metrics.CachedHeuristics.Set(float64(r.cache.Len()))
	}
	r.logger.Info(ctx, "event routed",
		zap.String("path", string(decision.Path)),
		zap.Float64("threat", decision.Salience.Threat),
		zap.Float64("salience", decision.Salience.Salience),
		zap.Float64("effective_salience", decision.Salience.EffectiveSalience()),
		zap.String("fire_id", decision.FireID))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
