// Package events publishes ledger activity to downstream consumers.
//
// Events are a side channel. They are never part of the hash chain and a failed
// delivery never fails the operation that produced it.
package events

import (
	"context"
	"time"
)

// Type names a ledger event.
type Type string

const (
	DecisionRecorded   Type = "decision.recorded"
	DecisionFlagged    Type = "decision.flagged_incorrect"
	DecisionCorrected  Type = "decision.corrected"
	ReplayCompleted    Type = "replay.completed"
	IntegrityChecked   Type = "integrity.checked"
	IntegrityViolation Type = "integrity.violation"
)

// Event is the payload delivered to every emitter.
type Event struct {
	Timestamp   string `json:"timestamp"` // RFC3339
	Type        Type   `json:"type"`
	ServiceName string `json:"service_name,omitempty"`
	DecisionID  string `json:"decision_id,omitempty"`
	ReplayID    string `json:"replay_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// New stamps an event of the given type with the current time.
func New(t Type) Event {
	return Event{Timestamp: time.Now().UTC().Format(time.RFC3339), Type: t}
}

// Emitter delivers events. Implementations must not block the caller on I/O.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// OrNop returns e, or a Nop emitter when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}
