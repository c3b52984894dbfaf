// Package formation turns successful slow-path reasoning into new
// heuristics.
//
// When deliberate reasoning handles an event well, the situation-action pair
// is worth keeping: the second time should be faster. Extraction produces a
// candidate heuristic at low initial confidence; it earns trust through
// fires like any other rule. A malformed extraction is logged and discarded,
// the routing path never depends on formation succeeding.
package formation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
)

// ErrMalformedTrace indicates a trace extraction cannot learn from.
var ErrMalformedTrace = errors.New("malformed reasoning trace")

// Trace captures one slow-path reasoning episode.
type Trace struct {
	// EventID and EventText identify the triggering situation.
	EventID   string
	EventText string

	// Reasoning is the reasoner's own account of why it acted.
	Reasoning string

	// Action and Params are what the reasoner decided to do.
	Action string
	Params map[string]any

	// Succeeded marks whether the episode resolved well. Failed episodes
	// are not generalized.
	Succeeded bool
}

// Extractor derives a candidate heuristic from a trace. A (nil, nil) return
// means the trace holds nothing worth learning.
type Extractor interface {
	Extract(ctx context.Context, trace Trace) (*heuristic.Heuristic, error)
}

var (
	numberPattern = regexp.MustCompile(`\b\d+(?:[.:]\d+)*\b`)
	slugPattern   = regexp.MustCompile(`[^a-z0-9]+`)
)

// RuleExtractor is the pattern-based default. It generalizes the event text
// into a condition by normalizing case and dropping specific numbers, so
// "bedroom at 61 degrees at 22:15" and "bedroom at 59 degrees at 23:40"
// embed close together.
type RuleExtractor struct{}

// NewRuleExtractor creates the default extractor.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

func (e *RuleExtractor) Extract(ctx context.Context, trace Trace) (*heuristic.Heuristic, error) {
	if !trace.Succeeded {
		return nil, nil
	}
	if trace.Action == "" {
		return nil, fmt.Errorf("%w: no action", ErrMalformedTrace)
	}

	condition := generalize(trace.EventText)
	if len(strings.Fields(condition)) < 3 {
		return nil, fmt.Errorf("%w: condition %q too thin to match against", ErrMalformedTrace, condition)
	}

	h, err := heuristic.New(deriveName(trace.Action, condition), condition,
		heuristic.Effect{Action: trace.Action, Params: trace.Params}, heuristic.OriginLearned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTrace, err)
	}
	h.OriginID = trace.EventID
	return h, nil
}

// generalize normalizes event text into condition text: lowercase, numbers
// dropped, whitespace collapsed.
func generalize(text string) string {
	s := strings.ToLower(text)
	s = numberPattern.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// deriveName builds a short label from the action and the first distinctive
// condition words, e.g. "thermostat-set-bedroom-cold".
func deriveName(action, condition string) string {
	base := slugPattern.ReplaceAllString(strings.ToLower(action), "-")
	words := strings.Fields(condition)
	for _, w := range words {
		if len(w) < 4 {
			continue
		}
		base += "-" + slugPattern.ReplaceAllString(w, "")
		if strings.Count(base, "-") >= 4 {
			break
		}
	}
	return strings.Trim(base, "-")
}
