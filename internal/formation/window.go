package formation

import (
	"sync"
	"time"
)

// Window retains successful slow-path traces until feedback decides their
// fate: explicit approval takes one out for formation, disapproval discards
// it, and traces that age past the quiet threshold without complaint are
// collected by the sweep. Entries older than ttl expire unformed.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]retained

	now func() time.Time
}

type retained struct {
	trace Trace
	at    time.Time
}

// NewWindow creates a trace window with the given retention.
func NewWindow(ttl time.Duration) *Window {
	return &Window{
		ttl:     ttl,
		entries: map[string]retained{},
		now:     time.Now,
	}
}

// Put retains a trace keyed by its event ID. A later Put for the same event
// replaces the earlier trace.
func (w *Window) Put(trace Trace) {
	if trace.EventID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	w.entries[trace.EventID] = retained{trace: trace, at: w.now()}
}

// Take removes and returns the retained trace for an event, if any.
func (w *Window) Take(eventID string) (Trace, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	e, ok := w.entries[eventID]
	if !ok {
		return Trace{}, false
	}
	delete(w.entries, eventID)
	return e.trace, true
}

// Drop discards the retained trace for an event.
func (w *Window) Drop(eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, eventID)
}

// TakeQuiet removes and returns every trace retained for at least quiet,
// oldest first.
func (w *Window) TakeQuiet(quiet time.Duration) []Trace {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()

	cutoff := w.now().Add(-quiet)
	var out []Trace
	for id, e := range w.entries {
		if e.at.After(cutoff) {
			continue
		}
		out = append(out, e.trace)
		delete(w.entries, id)
	}
	return out
}

// Len reports the number of retained traces.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return len(w.entries)
}

func (w *Window) pruneLocked() {
	cutoff := w.now().Add(-w.ttl)
	for id, e := range w.entries {
		if !e.at.After(cutoff) {
			delete(w.entries, id)
		}
	}
}
