package salience

import (
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/reflexd/internal/config"
)

// defaultWeights are the system-default dimension weights. Goal relevance
// and actionability dominate; humor barely moves the needle.
var defaultWeights = map[string]float64{
	DimNovelty:       1.0,
	DimOpportunity:   0.8,
	DimGoalRelevance: 1.5,
	DimSocial:        0.7,
	DimEmotional:     0.9,
	DimActionability: 1.2,
	DimHumor:         0.3,
}

// Bounds for learned nudges. Nudges are additive and small: learning may
// lean a dimension, never dominate or erase it.
const (
	minNudge = -0.3
	maxNudge = 0.3
)

// Weights computes per-dimension weights from three layers: system default,
// bounded user override (a multiplier from config), and a bounded learned
// nudge. Safe for concurrent readers; overrides and nudges swap under lock
// (config hot-reload, learning).
type Weights struct {
	mu        sync.RWMutex
	overrides map[string]float64
	nudges    map[string]float64
}

// NewWeights creates a weight layering with the given user overrides.
// Overrides outside [config.MinWeightOverride, config.MaxWeightOverride]
// are rejected; config validation normally catches this earlier.
func NewWeights(overrides map[string]float64) (*Weights, error) {
	w := &Weights{
		overrides: map[string]float64{},
		nudges:    map[string]float64{},
	}
	if err := w.SetOverrides(overrides); err != nil {
		return nil, err
	}
	return w, nil
}

// SetOverrides replaces the user override layer. Called on config reload.
func (w *Weights) SetOverrides(overrides map[string]float64) error {
	clean := make(map[string]float64, len(overrides))
	for dim, mult := range overrides {
		if mult < config.MinWeightOverride || mult > config.MaxWeightOverride {
			return fmt.Errorf("weight override for %q is %.2f, outside [%.2f, %.2f]",
				dim, mult, config.MinWeightOverride, config.MaxWeightOverride)
		}
		clean[dim] = mult
	}
	w.mu.Lock()
	w.overrides = clean
	w.mu.Unlock()
	return nil
}

// Nudge applies a learned adjustment to one dimension, clamped so the
// accumulated nudge stays within [minNudge, maxNudge].
func (w *Weights) Nudge(dim string, delta float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.nudges[dim] + delta
	if n > maxNudge {
		n = maxNudge
	}
	if n < minNudge {
		n = minNudge
	}
	w.nudges[dim] = n
}

// Weight returns the effective weight for a dimension:
//
//	default * override + nudge
//
// Unknown dimensions get weight 1.0 before layering, so extension
// dimensions participate without code changes.
func (w *Weights) Weight(dim string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.weightLocked(dim)
}

func (w *Weights) weightLocked(dim string) float64 {
	base, ok := defaultWeights[dim]
	if !ok {
		base = 1.0
	}
	if mult, ok := w.overrides[dim]; ok {
		base *= mult
	}
	base += w.nudges[dim]
	if base < 0 {
		base = 0
	}
	return base
}

// WeightedSum computes the normalized weighted sum over the vector:
//
//	salience = sum(weight[d] * vector[d]) / sum(weight[d])
//
// Normalizing by the weight total keeps the result in [0, 1] for vector
// values in [0, 1], whatever the override layering does.
func (w *Weights) WeightedSum(vector map[string]float64) float64 {
	if len(vector) == 0 {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	var sum, total float64
	for dim, value := range vector {
		wt := w.weightLocked(dim)
		sum += wt * value
		total += wt
	}
	if total == 0 {
		return 0
	}
	s := sum / total
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
