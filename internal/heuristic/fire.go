package heuristic

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a fire.
type Outcome string

const (
	// OutcomeUnknown is the initial state; fires that age out of the
	// correlation window without resolution stay unknown and receive no
	// confidence update.
	OutcomeUnknown Outcome = "unknown"

	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
)

// FeedbackSource identifies how a feedback observation was obtained.
type FeedbackSource string

const (
	// SourceExplicit is direct user approval or disapproval.
	SourceExplicit FeedbackSource = "explicit"

	// SourceTimeout is the quiet-timeout inference: no complaint within the
	// window is treated as a weak positive.
	SourceTimeout FeedbackSource = "implicit_timeout"

	// SourceUndo is an inferred reversal of a recent fire's action.
	SourceUndo FeedbackSource = "implicit_undo"

	// SourceIgnored is repeated disregard of the same heuristic's suggestion.
	SourceIgnored FeedbackSource = "implicit_ignored"
)

// Fire records one instance of a heuristic winning the match competition.
// It is written when the Router executes the fast path and updated exactly
// once to a terminal outcome.
type Fire struct {
	ID          string `json:"id"`
	HeuristicID string `json:"heuristic_id"`
	EventID     string `json:"event_id"`

	FiredAt time.Time `json:"fired_at"`

	// Similarity and ConfidenceAtFire capture the winning score components
	// for later threshold diagnosis.
	Similarity       float64 `json:"similarity"`
	ConfidenceAtFire float64 `json:"confidence_at_fire"`

	Outcome        Outcome        `json:"outcome"`
	FeedbackSource FeedbackSource `json:"feedback_source,omitempty"`
	ResolvedAt     time.Time      `json:"resolved_at,omitempty"`
}

// NewFire creates a fire record in the unknown state.
func NewFire(heuristicID, eventID string, similarity, confidenceAtFire float64) *Fire {
	return &Fire{
		ID:               uuid.New().String(),
		HeuristicID:      heuristicID,
		EventID:          eventID,
		FiredAt:          time.Now(),
		Similarity:       similarity,
		ConfidenceAtFire: confidenceAtFire,
		Outcome:          OutcomeUnknown,
	}
}

// Resolved reports whether the fire has reached a terminal outcome.
func (f *Fire) Resolved() bool {
	return f.Outcome != OutcomeUnknown
}

// SignalType classifies a feedback signal.
type SignalType string

const (
	SignalPositive SignalType = "positive"
	SignalNegative SignalType = "negative"

	// SignalNeutral is valid and causes no confidence update.
	SignalNeutral SignalType = "neutral"
)

// FeedbackSignal is a weighted, interpreted observation produced by a
// learning strategy and consumed by the confidence updater.
type FeedbackSignal struct {
	HeuristicID string         `json:"heuristic_id"`
	EventID     string         `json:"event_id"`
	Type        SignalType     `json:"type"`
	Source      FeedbackSource `json:"source"`

	// Magnitude in [0, 1] scales the count increment. Sources with noisier
	// observations configure smaller magnitudes.
	Magnitude float64 `json:"magnitude"`
}
