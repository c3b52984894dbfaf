package salience

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reflexd/internal/config"
)

// exposure is one remembered sighting of a pattern.
type exposure struct {
	vec  []float32
	text string
	at   time.Time
}

// Tracker measures habituation: how often this exact or near-exact pattern
// has been seen recently. Purely temporal-frequency based, which keeps it
// independent of novelty (semantic distance from everything ever seen).
//
// Exposures decay exponentially with the configured half-life and age out of
// the window entirely. When an event arrives without an embedding (provider
// down), normalized text equality is the fallback match.
type Tracker struct {
	mu      sync.Mutex
	entries []exposure

	window     time.Duration
	halfLife   time.Duration
	similarity float64
	maxEntries int

	now func() time.Time
}

// NewTracker creates a habituation tracker from config.
func NewTracker(cfg config.HabituationConfig) *Tracker {
	return &Tracker{
		window:     cfg.Window.Duration(),
		halfLife:   cfg.HalfLife.Duration(),
		similarity: cfg.Similarity,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
	}
}

// Observe records the pattern and returns its habituation in [0, 1).
//
// The decayed count of prior near-duplicate exposures is mapped through
// c/(c+1): zero prior exposures give 0, each repetition pushes toward 1
// without ever reaching it.
func (t *Tracker) Observe(vec []float32, text string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.evictLocked(now)

	count := 0.0
	for _, e := range t.entries {
		if !t.matches(e, vec, text) {
			continue
		}
		age := now.Sub(e.at)
		count += math.Exp2(-age.Seconds() / t.halfLife.Seconds())
	}

	t.entries = append(t.entries, exposure{vec: vec, text: normalizeText(text), at: now})
	if len(t.entries) > t.maxEntries {
		t.entries = t.entries[len(t.entries)-t.maxEntries:]
	}

	return count / (count + 1)
}

// Novelty returns semantic distance in [0, 1] from the tracked window:
// 1 - max cosine similarity against any remembered exposure. Events with no
// embedding fall back to text comparison (0 for an exact repeat, 1 otherwise).
func (t *Tracker) Novelty(vec []float32, text string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictLocked(t.now())

	best := 0.0
	norm := normalizeText(text)
	for _, e := range t.entries {
		var sim float64
		if vec != nil && e.vec != nil {
			sim = Cosine(vec, e.vec)
		} else if e.text == norm {
			sim = 1.0
		}
		if sim > best {
			best = sim
		}
	}
	if best > 1 {
		best = 1
	}
	return 1 - best
}

func (t *Tracker) matches(e exposure, vec []float32, text string) bool {
	if vec != nil && e.vec != nil {
		return Cosine(vec, e.vec) >= t.similarity
	}
	return e.text != "" && e.text == normalizeText(text)
}

func (t *Tracker) evictLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for ; i < len(t.entries); i++ {
		if t.entries[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.entries = t.entries[i:]
	}
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Cosine computes cosine similarity between two vectors. Returns 0 for
// mismatched lengths or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
