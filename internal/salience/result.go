package salience

// Dimension names for the response-shaping vector. The set is model-defined
// and extensible; these are the dimensions the built-in evaluator produces.
const (
	DimNovelty       = "novelty"
	DimOpportunity   = "opportunity"
	DimGoalRelevance = "goal_relevance"
	DimSocial        = "social"
	DimEmotional     = "emotional"
	DimActionability = "actionability"
	DimHumor         = "humor"
)

// Result is the per-event salience assessment. Ephemeral: produced per
// event, logged, never persisted.
//
// Threat and habituation live outside the vector because their error costs
// are asymmetric: a missed threat is catastrophic, so threat is an absolute
// interrupt signal that is never averaged into anything; habituation is a
// pure suppressor that must never silence a threat.
type Result struct {
	// Threat in [0, 1]. At or above the router's threat threshold the event
	// takes the emergency path unconditionally.
	Threat float64 `json:"threat"`

	// Salience in [0, 1] is the normalized weighted sum over Vector.
	Salience float64 `json:"salience"`

	// Habituation in [0, 1] measures recent repetition of this pattern.
	// Independent of novelty: an event can be semantically novel yet
	// arrive in a rapid burst, or familiar yet still worth surfacing.
	Habituation float64 `json:"habituation"`

	// Vector holds the response-shaping dimensions.
	Vector map[string]float64 `json:"vector"`
}

// EffectiveSalience applies habituation suppression:
//
//	effective = salience * (1 - habituation)
//
// Always <= Salience; equal exactly when habituation is zero.
func (r *Result) EffectiveSalience() float64 {
	return r.Salience * (1 - r.Habituation)
}
