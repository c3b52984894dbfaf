package salience

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/reflexd/internal/event"
)

// threatRule pairs a compiled regex with the threat level it signals.
// Rules are evaluated in order and the highest matching level wins; a missed
// threat is catastrophic while a false positive merely interrupts, so the
// patterns deliberately over-trigger.
type threatRule struct {
	regex *regexp.Regexp
	level float64
}

// threatSources maps event sources that are themselves alarm channels to a
// floor threat level, so a garbled smoke-detector payload still interrupts.
var threatSources = map[string]float64{
	"smoke_detector":  0.9,
	"co_detector":     0.9,
	"security_system": 0.8,
	"medical_alert":   0.9,
}

// ThreatScorer detects absolute interrupt conditions in event text.
type ThreatScorer struct {
	rules []*threatRule
}

// NewThreatScorer creates a scorer with the built-in rules.
func NewThreatScorer() *ThreatScorer {
	return &ThreatScorer{rules: buildThreatRules()}
}

// buildThreatRules returns ordered regex rules for threat detection.
// More specific, higher-severity patterns first.
func buildThreatRules() []*threatRule {
	return []*threatRule{
		{
			// Life-safety: fire, smoke, gas, carbon monoxide, medical.
			regex: regexp.MustCompile(`(?i)\b(?:fire|smoke|burning|carbon\s+monoxide|\bCO\s+(?:alarm|detect)|gas\s+leak|can'?t\s+breathe|chest\s+pain|unconscious|not\s+breathing|overdose|severe\s+bleeding)\b`),
			level: 1.0,
		},
		{
			// Security: intrusion, breach, glass break.
			regex: regexp.MustCompile(`(?i)\b(?:intruder|break[\s-]?in|breaking\s+in|burglar|glass\s+break|door\s+forced|unauthorized\s+entry)\b`),
			level: 0.9,
		},
		{
			// Hazard: flood, leak, sparks, outage of critical systems.
			regex: regexp.MustCompile(`(?i)\b(?:flood(?:ing)?|water\s+leak|pipe\s+burst|sparks?|electrical\s+(?:fault|burning)|power\s+outage.{0,40}(?:medical|oxygen|freezer))\b`),
			level: 0.8,
		},
		{
			// Falls and distress.
			regex: regexp.MustCompile(`(?i)\b(?:fell\s+down|fall\s+detected|help\s+me|emergency|call\s+911|call\s+an?\s+ambulance)\b`),
			level: 0.85,
		},
		{
			// Explicit alarm wording without a recognized cause.
			regex: regexp.MustCompile(`(?i)\b(?:alarm\s+(?:triggered|sounding|activated)|critical\s+alert)\b`),
			level: 0.7,
		},
	}
}

// Score returns the threat level in [0, 1] for the event. Text rules and
// source floors are combined by max, never averaged: threat is an absolute
// interrupt signal.
func (s *ThreatScorer) Score(ev *event.Event) float64 {
	level := 0.0
	for _, rule := range s.rules {
		if rule.regex.MatchString(ev.Text) && rule.level > level {
			level = rule.level
		}
	}
	if floor, ok := threatSources[strings.ToLower(ev.Source)]; ok && floor > level {
		level = floor
	}
	return level
}
