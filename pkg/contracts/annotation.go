package contracts

import (
	"encoding/json"
	"time"
)

// Status is the derived review state of a decision.
type Status string

const (
	StatusRecorded         Status = "recorded"
	StatusFlaggedIncorrect Status = "flagged_incorrect"
	StatusCorrected        Status = "corrected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRecorded, StatusFlaggedIncorrect, StatusCorrected:
		return true
	}
	return false
}

// StatusEvent records a status change for a decision. Events are never part of
// the hash chain.
type StatusEvent struct {
	ID         string    `json:"event_id"`
	DecisionID string    `json:"decision_id"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Correction is a human-authored replacement output. Corrections are never edited.
type Correction struct {
	ID          string          `json:"correction_id"`
	DecisionID  string          `json:"decision_id"`
	Correction  json.RawMessage `json:"correction"`
	CorrectedBy string          `json:"corrected_by"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
