// Package learning turns raw observations into feedback signals.
//
// Four sources feed the confidence model: explicit user feedback, the
// quiet-timeout inference (no complaint is weak approval), inferred undo of a
// recent action, and repeated disregard of the same suggestion. Each source
// carries its own configured magnitude; noisy inferences move the counts less
// than direct statements.
package learning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/confidence"
	"github.com/fyrsmithlabs/reflexd/internal/event"
	"github.com/fyrsmithlabs/reflexd/internal/formation"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

// ErrUnknownSignal indicates an unrecognized explicit feedback value.
var ErrUnknownSignal = errors.New("unknown feedback signal")

// ErrNoCorrelation indicates event-addressed feedback that matches neither a
// recent fire nor a retained reasoning trace.
var ErrNoCorrelation = errors.New("event correlates to no fire or retained trace")

// Strategy classifies raw observations into confidence updates. It is the
// experimentation seam: swapping the classification never touches the
// confidence math.
type Strategy interface {
	// Explicit applies direct user feedback ("positive", "negative",
	// "ignored") on a heuristic.
	Explicit(ctx context.Context, heuristicID, eventID, signal string) error

	// ExplicitEvent applies direct feedback addressed to an event rather
	// than a heuristic: approval of an escalated answer generalizes the
	// retained trace into a heuristic, and feedback on a fired event
	// resolves that fire against its heuristic.
	ExplicitEvent(ctx context.Context, eventID, signal string) error

	// Disregard counts one ignored suggestion.
	Disregard(ctx context.Context, heuristicID, eventID string) error

	// ObserveEvent scans an incoming event for implicit feedback about
	// earlier fires.
	ObserveEvent(ctx context.Context, ev *event.Event) error

	// SweepQuietFires resolves fires that aged out of the quiet window
	// without complaint.
	SweepQuietFires(ctx context.Context) error
}

// undoPattern spots reversal language in event text. Matching an undo verb is
// only the first gate; the fire it lands on still needs a token anchor.
var undoPattern = regexp.MustCompile(
	`(?i)\b(?:undo|undid|undone|revert(?:ed)?|overr(?:ode|ide)|cancel(?:l?ed)?|` +
		`turn(?:ed)?\s+(?:\S+\s+){0,3}back|switch(?:ed)?\s+(?:\S+\s+){0,2}back|put\s+(?:\S+\s+){0,3}back)\b`)

// Learner is the default keyword/pattern Strategy. It interprets feedback
// and resolves fire records.
type Learner struct {
	store      store.Store
	updater    *confidence.Updater
	former     *formation.Former
	traces     *formation.Window
	magnitudes map[string]float64

	quietWindow       time.Duration
	correlationWindow time.Duration
	disregardAfter    int

	mu         sync.Mutex
	disregards map[string]int

	logger *logging.Logger
	now    func() time.Time
}

var _ Strategy = (*Learner)(nil)

// New creates a learner. former and traces may be nil; event-addressed
// approval then resolves fires but forms nothing.
func New(st store.Store, updater *confidence.Updater, former *formation.Former, traces *formation.Window, learnCfg config.LearningConfig, corrCfg config.CorrelationConfig, logger *logging.Logger) *Learner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Learner{
		store:             st,
		updater:           updater,
		former:            former,
		traces:            traces,
		magnitudes:        learnCfg.Magnitudes,
		quietWindow:       learnCfg.QuietWindow.Duration(),
		correlationWindow: corrCfg.Window.Duration(),
		disregardAfter:    learnCfg.DisregardThreshold,
		disregards:        map[string]int{},
		logger:            logger,
		now:               time.Now,
	}
}

func (l *Learner) magnitude(source heuristic.FeedbackSource) float64 {
	if m, ok := l.magnitudes[string(source)]; ok {
		return m
	}
	return 1.0
}

// Explicit applies direct user feedback on a heuristic. signal is "positive",
// "negative", or "ignored". The most recent unresolved fire inside the
// correlation window is resolved alongside; explicit feedback without a
// correlated fire still updates confidence, the user's intent is not in
// doubt.
func (l *Learner) Explicit(ctx context.Context, heuristicID, eventID, signal string) error {
	switch signal {
	case "positive", "negative":
	case "ignored":
		return l.Disregard(ctx, heuristicID, eventID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}

	sigType := heuristic.SignalPositive
	outcome := heuristic.OutcomeSuccess
	if signal == "negative" {
		sigType = heuristic.SignalNegative
		outcome = heuristic.OutcomeFail
	}

	if fire := l.latestUnresolvedFire(ctx, heuristicID); fire != nil {
		if err := l.resolveFire(ctx, fire, outcome, heuristic.SourceExplicit); err != nil {
			return err
		}
	} else {
		l.logger.Debug(ctx, "explicit feedback without correlated fire",
			zap.String("heuristic_id", heuristicID))
	}

	// Direct approval clears an ignore streak.
	if sigType == heuristic.SignalPositive {
		l.mu.Lock()
		delete(l.disregards, heuristicID)
		l.mu.Unlock()
	}

	return l.updater.Apply(ctx, heuristic.FeedbackSignal{
		HeuristicID: heuristicID,
		EventID:     eventID,
		Type:        sigType,
		Source:      heuristic.SourceExplicit,
		Magnitude:   l.magnitude(heuristic.SourceExplicit),
	})
}

// ExplicitEvent applies direct feedback addressed to an event. A retained
// slow-path trace takes priority: approval generalizes it into a heuristic,
// anything else discards it so the quiet sweep cannot. Otherwise the feedback
// lands on the fire recorded for the event. Feedback matching neither is
// ErrNoCorrelation; the event either never fired or aged out of the window.
func (l *Learner) ExplicitEvent(ctx context.Context, eventID, signal string) error {
	switch signal {
	case "positive", "negative", "ignored":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}

	if l.traces != nil {
		if trace, ok := l.traces.Take(eventID); ok {
			if signal != "positive" {
				l.logger.Debug(ctx, "retained trace discarded",
					zap.String("event_id", eventID),
					zap.String("signal", signal))
				return nil
			}
			if l.former == nil {
				return nil
			}
			_, err := l.former.Form(ctx, trace)
			return err
		}
	}

	if fire := l.fireForEvent(ctx, eventID); fire != nil {
		return l.Explicit(ctx, fire.HeuristicID, eventID, signal)
	}
	return fmt.Errorf("%w: event %s", ErrNoCorrelation, eventID)
}

// Disregard counts one ignored suggestion. An isolated ignore is noise; only
// a streak of disregardAfter consecutive ignores produces a single negative
// signal, and the streak then resets.
func (l *Learner) Disregard(ctx context.Context, heuristicID, eventID string) error {
	l.mu.Lock()
	l.disregards[heuristicID]++
	count := l.disregards[heuristicID]
	trip := count >= l.disregardAfter
	if trip {
		delete(l.disregards, heuristicID)
	}
	l.mu.Unlock()

	l.logger.Debug(ctx, "suggestion disregarded",
		zap.String("heuristic_id", heuristicID),
		zap.Int("streak", count))
	if !trip {
		return nil
	}

	if fire := l.latestUnresolvedFire(ctx, heuristicID); fire != nil {
		if err := l.resolveFire(ctx, fire, heuristic.OutcomeFail, heuristic.SourceIgnored); err != nil {
			return err
		}
	}
	return l.updater.Apply(ctx, heuristic.FeedbackSignal{
		HeuristicID: heuristicID,
		EventID:     eventID,
		Type:        heuristic.SignalNegative,
		Source:      heuristic.SourceIgnored,
		Magnitude:   l.magnitude(heuristic.SourceIgnored),
	})
}

// ObserveEvent scans an incoming event for reversal of a recently fired
// action. Detection is text based: an undo verb plus token overlap with the
// fired heuristic's action or name. When the window holds exactly one
// unresolved fire the anchor requirement is waived, there is nothing else
// the reversal could mean.
func (l *Learner) ObserveEvent(ctx context.Context, ev *event.Event) error {
	if !undoPattern.MatchString(ev.Text) {
		return nil
	}

	fires, err := l.unresolvedFires(ctx)
	if err != nil {
		return err
	}
	if len(fires) == 0 {
		return nil
	}

	target := l.correlateUndo(ctx, ev.Text, fires)
	if target == nil {
		l.logger.Debug(ctx, "undo language without an anchored fire",
			zap.String("event_id", ev.ID))
		return nil
	}

	l.logger.Info(ctx, "inferred undo of fired action",
		zap.String("fire_id", target.ID),
		zap.String("heuristic_id", target.HeuristicID),
		zap.String("event_id", ev.ID))

	if err := l.resolveFire(ctx, target, heuristic.OutcomeFail, heuristic.SourceUndo); err != nil {
		return err
	}
	return l.updater.Apply(ctx, heuristic.FeedbackSignal{
		HeuristicID: target.HeuristicID,
		EventID:     ev.ID,
		Type:        heuristic.SignalNegative,
		Source:      heuristic.SourceUndo,
		Magnitude:   l.magnitude(heuristic.SourceUndo),
	})
}

// SweepQuietFires resolves unresolved fires older than the quiet window as
// weak positives and generalizes retained slow-path traces that aged out
// quietly; silence is weak approval for both. Called periodically by the
// Sweeper.
func (l *Learner) SweepQuietFires(ctx context.Context) error {
	if l.traces != nil && l.former != nil {
		for _, trace := range l.traces.TakeQuiet(l.quietWindow) {
			if _, err := l.former.Form(ctx, trace); err != nil {
				l.logger.Warn(ctx, "quiet trace formation failed",
					zap.String("event_id", trace.EventID), zap.Error(err))
			}
		}
	}

	fires, err := l.unresolvedFires(ctx)
	if err != nil {
		return err
	}

	cutoff := l.now().Add(-l.quietWindow)
	resolved := 0
	for _, f := range fires {
		if f.FiredAt.After(cutoff) {
			continue
		}
		if err := l.resolveFire(ctx, f, heuristic.OutcomeSuccess, heuristic.SourceTimeout); err != nil {
			return err
		}
		if err := l.updater.Apply(ctx, heuristic.FeedbackSignal{
			HeuristicID: f.HeuristicID,
			EventID:     f.EventID,
			Type:        heuristic.SignalPositive,
			Source:      heuristic.SourceTimeout,
			Magnitude:   l.magnitude(heuristic.SourceTimeout),
		}); err != nil {
			return err
		}
		resolved++
	}
	if resolved > 0 {
		l.logger.Debug(ctx, "quiet fires resolved", zap.Int("count", resolved))
	}
	return nil
}

// unresolvedFires returns unresolved fires inside the correlation window,
// oldest first. Older fires stay unresolved forever and earn no credit.
func (l *Learner) unresolvedFires(ctx context.Context) ([]*heuristic.Fire, error) {
	since := l.now().Add(-l.correlationWindow)
	fires, err := l.store.RecentFires(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list recent fires: %w", err)
	}
	out := fires[:0]
	for _, f := range fires {
		if !f.Resolved() {
			out = append(out, f)
		}
	}
	return out, nil
}

// fireForEvent returns the most recent unresolved fire recorded for an event.
func (l *Learner) fireForEvent(ctx context.Context, eventID string) *heuristic.Fire {
	fires, err := l.unresolvedFires(ctx)
	if err != nil {
		l.logger.Warn(ctx, "fire lookup failed", zap.Error(err))
		return nil
	}
	for i := len(fires) - 1; i >= 0; i-- {
		if fires[i].EventID == eventID {
			return fires[i]
		}
	}
	return nil
}

func (l *Learner) latestUnresolvedFire(ctx context.Context, heuristicID string) *heuristic.Fire {
	fires, err := l.unresolvedFires(ctx)
	if err != nil {
		l.logger.Warn(ctx, "fire lookup failed", zap.Error(err))
		return nil
	}
	for i := len(fires) - 1; i >= 0; i-- {
		if fires[i].HeuristicID == heuristicID {
			return fires[i]
		}
	}
	return nil
}

// correlateUndo picks the fire the reversal text is talking about: best
// token overlap with the heuristic's action and name, most recent on a tie.
func (l *Learner) correlateUndo(ctx context.Context, text string, fires []*heuristic.Fire) *heuristic.Fire {
	if len(fires) == 1 {
		return fires[0]
	}

	textTokens := tokenize(text)
	var best *heuristic.Fire
	bestScore := 0
	for _, f := range fires {
		h, err := l.store.Get(ctx, f.HeuristicID)
		if err != nil {
			continue
		}
		score := overlap(textTokens, tokenize(h.Effects.Action+" "+h.Name))
		if score > bestScore || (score == bestScore && score > 0 && best != nil && f.FiredAt.After(best.FiredAt)) {
			best = f
			bestScore = score
		}
	}
	if bestScore == 0 {
		return nil
	}
	return best
}

func (l *Learner) resolveFire(ctx context.Context, f *heuristic.Fire, outcome heuristic.Outcome, source heuristic.FeedbackSource) error {
	f.Outcome = outcome
	f.FeedbackSource = source
	f.ResolvedAt = l.now()
	if err := l.store.UpdateFire(ctx, f); err != nil {
		return fmt.Errorf("resolve fire %s: %w", f.ID, err)
	}
	return nil
}

func tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '.' || r == ',' || r == '-' || r == '_' || r == ':'
	}) {
		if len(tok) < 3 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for tok := range b {
		if _, ok := a[tok]; ok {
			n++
		}
	}
	return n
}
