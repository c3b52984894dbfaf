// Package event defines the inbound event model consumed by the router.
package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyText indicates an event with no text content.
var ErrEmptyText = errors.New("event text cannot be empty")

// Context is the ambient state supplied alongside an event: what the user is
// working toward, what just happened, and a snapshot of profile preferences.
// All fields are optional.
type Context struct {
	// ActiveGoals are the user's current goals, used for goal-relevance
	// scoring.
	ActiveGoals []string `json:"active_goals,omitempty"`

	// RecentTexts is a short window of recent event texts.
	RecentTexts []string `json:"recent_texts,omitempty"`

	// Profile is a snapshot of user profile key-values.
	Profile map[string]string `json:"profile,omitempty"`
}

// Event is one inbound observation to route.
type Event struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Source     string    `json:"source"`
	Context    Context   `json:"context"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New creates an event with a generated ID and timestamp.
func New(text, source string, evCtx Context) (*Event, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	return &Event{
		ID:         uuid.New().String(),
		Text:       text,
		Source:     source,
		Context:    evCtx,
		OccurredAt: time.Now(),
	}, nil
}
