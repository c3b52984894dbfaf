package heuristic

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidHistory indicates a malformed history record.
var ErrInvalidHistory = errors.New("invalid history record")

// ChangeType classifies a heuristic modification.
type ChangeType string

const (
	ChangeCreate           ChangeType = "create"
	ChangeConfidenceUpdate ChangeType = "confidence-update"
	ChangeEffects          ChangeType = "effects-change"
	ChangeDisable          ChangeType = "disable"
	ChangeActivate         ChangeType = "activate"
	ChangeRevert           ChangeType = "revert"
)

// HistoryRecord is one entry in the append-only modification log.
//
// History is never mutated or deleted; the current heuristic row is a
// materialized view, history is the source of truth for why it changed.
type HistoryRecord struct {
	ID          string     `json:"id"`
	HeuristicID string     `json:"heuristic_id"`
	Change      ChangeType `json:"change"`

	// OldConfidence/NewConfidence bracket confidence-affecting changes.
	// Both are nil for changes that do not touch confidence.
	OldConfidence *float64 `json:"old_confidence,omitempty"`
	NewConfidence *float64 `json:"new_confidence,omitempty"`

	// Reason is a short human-readable explanation, e.g.
	// "explicit disapproval (magnitude 1.0)".
	Reason string `json:"reason"`

	// EventID is the event that triggered the change, when there is one.
	EventID string `json:"event_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewHistoryRecord creates a history record with generated ID and timestamp.
func NewHistoryRecord(heuristicID string, change ChangeType, reason, eventID string) (*HistoryRecord, error) {
	if heuristicID == "" {
		return nil, ErrInvalidHistory
	}
	if _, ok := validChanges[change]; !ok {
		return nil, ErrInvalidHistory
	}
	return &HistoryRecord{
		ID:          uuid.New().String(),
		HeuristicID: heuristicID,
		Change:      change,
		Reason:      reason,
		EventID:     eventID,
		CreatedAt:   time.Now(),
	}, nil
}

// WithConfidence attaches the pre/post confidence values.
func (r *HistoryRecord) WithConfidence(old, new float64) *HistoryRecord {
	r.OldConfidence = &old
	r.NewConfidence = &new
	return r
}

var validChanges = map[ChangeType]struct{}{
	ChangeCreate:           {},
	ChangeConfidenceUpdate: {},
	ChangeEffects:          {},
	ChangeDisable:          {},
	ChangeActivate:         {},
	ChangeRevert:           {},
}
