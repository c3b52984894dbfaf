package heuristic

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for heuristic operations.
var (
	ErrInvalidHeuristic = errors.New("invalid heuristic")
	ErrEmptyCondition   = errors.New("condition text cannot be empty")
	ErrEmptyEffect      = errors.New("effect action cannot be empty")
	ErrNotFound         = errors.New("heuristic not found")
)

// Origin identifies where a heuristic came from.
type Origin string

const (
	// OriginBuiltin marks heuristics compiled into the binary (safety pack).
	OriginBuiltin Origin = "built-in"

	// OriginPack marks heuristics loaded from an external heuristic pack.
	OriginPack Origin = "pack"

	// OriginLearned marks heuristics formed from successful reasoning.
	OriginLearned Origin = "learned"

	// OriginUser marks heuristics authored directly by the user.
	OriginUser Origin = "user"
)

// ValidOrigins maps valid origin strings to their typed values.
var ValidOrigins = map[string]Origin{
	"built-in": OriginBuiltin,
	"pack":     OriginPack,
	"learned":  OriginLearned,
	"user":     OriginUser,
}

// Effect is the structured payload executed when a heuristic fires.
//
// Action is an opaque instruction for the actuation layer (this core never
// interprets it). The optional salience modifiers let a heuristic shape how
// similar future events are scored.
type Effect struct {
	// Action is the suggested action, e.g. "thermostat.set 68".
	Action string `json:"action"`

	// Params carries optional structured arguments for the action.
	Params map[string]any `json:"params,omitempty"`

	// SalienceBoost nudges the salience of matching events, in [-1, 1].
	SalienceBoost float64 `json:"salience_boost,omitempty"`

	// SuppressHabituation exempts the matched event class from habituation
	// discounting; persistent reminders report full salience on every repeat.
	SuppressHabituation bool `json:"suppress_habituation,omitempty"`
}

// Validate checks the effect for structural errors.
func (e *Effect) Validate() error {
	if e.Action == "" {
		return ErrEmptyEffect
	}
	if e.SalienceBoost < -1 || e.SalienceBoost > 1 {
		return fmt.Errorf("%w: salience boost %.2f outside [-1, 1]", ErrInvalidHeuristic, e.SalienceBoost)
	}
	return nil
}

// Heuristic is a learned condition-effect rule.
//
// The condition is represented twice: as human-readable text (for audit and
// re-embedding) and as a fixed-dimension embedding (for matching). Confidence
// is a Beta-Binomial posterior mean derived from fire/success counts; it is
// never stored independently of the counts unless the heuristic is frozen.
type Heuristic struct {
	// ID is the unique heuristic identifier (UUID). Immutable.
	ID string `json:"id"`

	// Name is a short human label, e.g. "cold-evening-heat".
	Name string `json:"name"`

	// ConditionText describes the situation this heuristic covers.
	// The condition embedding is derived from this text.
	ConditionText string `json:"condition_text"`

	// ConditionEmbedding is the fixed-dimension vector for similarity match.
	ConditionEmbedding []float32 `json:"condition_embedding,omitempty"`

	// SimilarityThreshold is the minimum cosine similarity for this
	// heuristic to be considered a candidate. Per-heuristic so narrow rules
	// can demand tighter matches than broad ones.
	SimilarityThreshold float64 `json:"similarity_threshold"`

	// Effects is executed when the heuristic fires.
	Effects Effect `json:"effects"`

	// Confidence is the posterior mean (1+SuccessCount)/(2+FireCount).
	Confidence float64 `json:"confidence"`

	// FireCount and SuccessCount are magnitude-weighted tallies, so they are
	// fractional. Invariant: FireCount >= SuccessCount >= 0.
	FireCount    float64 `json:"fire_count"`
	SuccessCount float64 `json:"success_count"`

	// Origin records provenance; OriginID points at the source (pack name,
	// originating event ID for learned heuristics, etc).
	Origin   Origin `json:"origin"`
	OriginID string `json:"origin_id,omitempty"`

	// Active soft-disables the heuristic without deleting it.
	Active bool `json:"active"`

	// Frozen pins confidence: a frozen heuristic never fires and its counts
	// are never updated.
	Frozen bool `json:"frozen"`

	// LastSuccessAt is the time of the most recent successful fire. Used as
	// the tie-break in winner-take-all matching.
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LearnedInitialConfidence is the starting confidence for heuristics formed
// from successful reasoning. Low by design: new extractions earn trust
// through fires like any other heuristic.
const LearnedInitialConfidence = 0.3

// DefaultSimilarityThreshold is used when a heuristic does not carry its own.
const DefaultSimilarityThreshold = 0.75

// New creates an active heuristic with a generated ID and timestamps.
//
// Counts start at zero, which puts the posterior at its 0.5 prior; callers
// that need a different starting confidence (learned heuristics start at
// 0.3) should seed counts via SeedConfidence.
func New(name, conditionText string, effects Effect, origin Origin) (*Heuristic, error) {
	if conditionText == "" {
		return nil, ErrEmptyCondition
	}
	if err := effects.Validate(); err != nil {
		return nil, err
	}
	if _, ok := ValidOrigins[string(origin)]; !ok {
		return nil, fmt.Errorf("%w: unknown origin %q", ErrInvalidHeuristic, origin)
	}

	now := time.Now()
	h := &Heuristic{
		ID:                  uuid.New().String(),
		Name:                name,
		ConditionText:       conditionText,
		SimilarityThreshold: DefaultSimilarityThreshold,
		Effects:             effects,
		Origin:              origin,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	h.Confidence = h.PosteriorMean()
	return h, nil
}

// PosteriorMean computes confidence from the counts:
//
//	(1 + success_count) / (2 + fire_count)
//
// The uniform Beta(1,1) prior yields 0.5 for a heuristic that has never
// fired.
func (h *Heuristic) PosteriorMean() float64 {
	return (1 + h.SuccessCount) / (2 + h.FireCount)
}

// Recompute refreshes Confidence from the counts. No-op when frozen.
func (h *Heuristic) Recompute() {
	if h.Frozen {
		return
	}
	h.Confidence = h.PosteriorMean()
}

// SeedConfidence sets synthetic counts so the posterior mean equals target.
//
// weight is the pseudo-observation count backing the seed; higher weight
// makes the starting confidence stickier against early feedback. The counts
// solve (1+s)/(2+f) = target with f = weight.
func (h *Heuristic) SeedConfidence(target float64, weight float64) error {
	if target <= 0 || target >= 1 {
		return fmt.Errorf("%w: seed confidence %.2f outside (0, 1)", ErrInvalidHeuristic, target)
	}
	if weight < 0 {
		return fmt.Errorf("%w: seed weight cannot be negative", ErrInvalidHeuristic)
	}
	h.FireCount = weight
	h.SuccessCount = target*(2+weight) - 1
	if h.SuccessCount < 0 {
		// Low targets need enough weight for non-negative success counts.
		h.SuccessCount = 0
		h.FireCount = (1 / target) - 2
	}
	h.Confidence = h.PosteriorMean()
	return nil
}

// Fireable reports whether the heuristic may win the match competition.
// Frozen heuristics never fire regardless of score.
func (h *Heuristic) Fireable() bool {
	return h.Active && !h.Frozen
}

// Validate checks structural invariants.
func (h *Heuristic) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidHeuristic)
	}
	if _, err := uuid.Parse(h.ID); err != nil {
		return fmt.Errorf("%w: malformed ID %q", ErrInvalidHeuristic, h.ID)
	}
	if h.ConditionText == "" {
		return ErrEmptyCondition
	}
	if err := h.Effects.Validate(); err != nil {
		return err
	}
	if _, ok := ValidOrigins[string(h.Origin)]; !ok {
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidHeuristic, h.Origin)
	}
	if h.SimilarityThreshold < 0 || h.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold %.2f outside [0, 1]", ErrInvalidHeuristic, h.SimilarityThreshold)
	}
	if h.SuccessCount < 0 || h.FireCount < h.SuccessCount {
		return fmt.Errorf("%w: counts violate fire >= success >= 0 (fire=%.2f success=%.2f)",
			ErrInvalidHeuristic, h.FireCount, h.SuccessCount)
	}
	if h.Confidence < 0 || h.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0, 1]", ErrInvalidHeuristic, h.Confidence)
	}
	return nil
}

// Clone returns a deep copy. The cache hands out clones so readers never
// share mutable state with the store.
func (h *Heuristic) Clone() *Heuristic {
	c := *h
	if h.ConditionEmbedding != nil {
		c.ConditionEmbedding = make([]float32, len(h.ConditionEmbedding))
		copy(c.ConditionEmbedding, h.ConditionEmbedding)
	}
	if h.Effects.Params != nil {
		c.Effects.Params = make(map[string]any, len(h.Effects.Params))
		for k, v := range h.Effects.Params {
			c.Effects.Params[k] = v
		}
	}
	return &c
}
