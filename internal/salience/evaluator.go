// Package salience scores incoming events for attention routing.
//
// The evaluator produces three independent signals plus a response-shaping
// vector. Threat and habituation are deliberately kept out of the weighted
// vector: threat is an absolute interrupt (false negatives near zero, false
// positives tolerated) and habituation is a pure suppressor. The remaining
// dimensions trade off smoothly and are folded into a single salience scalar
// through layered, bounded weights.
package salience

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/event"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

// dimensionRule scores one vector dimension with ordered regex rules;
// the highest matching level wins.
type dimensionRule struct {
	regex *regexp.Regexp
	level float64
}

// Evaluator turns raw event text and context into a salience Result.
type Evaluator struct {
	weights     *Weights
	threat      *ThreatScorer
	habituation *Tracker
	logger      *logging.Logger

	dimensions map[string][]*dimensionRule
}

// NewEvaluator creates an evaluator with the built-in dimension rules.
func NewEvaluator(weights *Weights, habituation *Tracker, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Evaluator{
		weights:     weights,
		threat:      NewThreatScorer(),
		habituation: habituation,
		logger:      logger,
		dimensions:  buildDimensionRules(),
	}
}

func buildDimensionRules() map[string][]*dimensionRule {
	return map[string][]*dimensionRule{
		DimOpportunity: {
			{regexp.MustCompile(`(?i)\b(?:expires?\s+(?:today|soon|in)|last\s+chance|limited\s+time|deadline)\b`), 0.9},
			{regexp.MustCompile(`(?i)\b(?:discount|sale|offer|deal|price\s+drop|available\s+now|opening|free)\b`), 0.6},
		},
		DimSocial: {
			{regexp.MustCompile(`(?i)\b(?:called|calling|texted|messaged|replied|invited|wants\s+to\s+talk)\b`), 0.8},
			{regexp.MustCompile(`(?i)\b(?:mom|dad|family|friend|birthday|anniversary|visit(?:ing)?)\b`), 0.6},
		},
		DimEmotional: {
			{regexp.MustCompile(`(?i)\b(?:worried|anxious|upset|angry|crying|scared|grieving|devastated)\b`), 0.9},
			{regexp.MustCompile(`(?i)\b(?:happy|excited|proud|thrilled|frustrated|sad|stressed)\b`), 0.6},
		},
		DimActionability: {
			{regexp.MustCompile(`(?i)\b(?:due\s+(?:today|tomorrow|at|by)|needs?\s+(?:to\s+be|your)|must\s+|remind(?:er)?|confirm|respond|renew|pay\s+)\b`), 0.8},
			{regexp.MustCompile(`(?i)\b(?:schedule|book|order|fix|replace|restock|running\s+low|almost\s+(?:empty|out))\b`), 0.6},
		},
		DimHumor: {
			{regexp.MustCompile(`(?i)\b(?:joke|funny|hilarious|lol|meme)\b`), 0.7},
		},
	}
}

// Evaluate scores the event. vec is the event embedding; nil is accepted
// (embedding failure degrades novelty and habituation to text matching, it
// never blocks evaluation).
func (e *Evaluator) Evaluate(ctx context.Context, ev *event.Event, vec []float32) *Result {
	vector := make(map[string]float64, len(defaultWeights))

	// Novelty reads the exposure window before Observe extends it.
	vector[DimNovelty] = e.habituation.Novelty(vec, ev.Text)
	habituation := e.habituation.Observe(vec, ev.Text)

	for dim, rules := range e.dimensions {
		level := 0.0
		for _, rule := range rules {
			if rule.level > level && rule.regex.MatchString(ev.Text) {
				level = rule.level
			}
		}
		vector[dim] = level
	}
	vector[DimGoalRelevance] = goalRelevance(ev.Text, ev.Context.ActiveGoals)

	result := &Result{
		Threat:      e.threat.Score(ev),
		Habituation: habituation,
		Vector:      vector,
	}
	result.Salience = e.weights.WeightedSum(vector)

	e.logger.Debug(ctx, "salience evaluated",
		zap.Float64("threat", result.Threat),
		zap.Float64("salience", result.Salience),
		zap.Float64("habituation", result.Habituation),
		zap.Float64("effective_salience", result.EffectiveSalience()),
		zap.String("source", ev.Source))

	return result
}

// goalRelevance measures token overlap between the event text and the active
// goals: the fraction of goal tokens present in the text, best goal wins.
func goalRelevance(text string, goals []string) float64 {
	if len(goals) == 0 {
		return 0
	}
	textTokens := tokenSet(text)
	best := 0.0
	for _, goal := range goals {
		goalTokens := tokenSet(goal)
		if len(goalTokens) == 0 {
			continue
		}
		hits := 0
		for tok := range goalTokens {
			if _, ok := textTokens[tok]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(goalTokens))
		if score > best {
			best = score
		}
	}
	return best
}

// stopwords excluded from goal-relevance token matching.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "in": {}, "on": {},
	"for": {}, "and": {}, "or": {}, "is": {}, "are": {}, "my": {}, "be": {},
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?:;\"'()")
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}
