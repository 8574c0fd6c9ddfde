// Package contracts defines the records shared by the ledger, the annotation log,
// the replay engine and the storage backends.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// ModelRef identifies the model that produced a decision.
type ModelRef struct {
	Provider   string         `json:"provider"`
	Name       string         `json:"name"`
	Version    string         `json:"version,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Label renders the model as "provider/name".
func (m ModelRef) Label() string {
	return fmt.Sprintf("%s/%s", m.Provider, m.Name)
}

// DecisionInput is the caller-supplied part of a decision.
type DecisionInput struct {
	ServiceName  string          `json:"service_name"`
	DecisionType string          `json:"decision_type"`
	Input        json.RawMessage `json:"input"`
	Model        ModelRef        `json:"model"`
	Prompt       json.RawMessage `json:"prompt,omitempty"`
	Output       json.RawMessage `json:"output"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Decision is an immutable, hash-chained ledger record.
// Every field is frozen once the record is appended.
type Decision struct {
	ID             string `json:"decision_id"`
	SequenceNumber int64  `json:"sequence_number"`
	DecisionInput
	CreatedAt    time.Time `json:"created_at"`
	PreviousHash string    `json:"previous_hash"`
	ContentHash  string    `json:"content_hash"`
	ChainHash    string    `json:"chain_hash"`
}

// ChainTail is the append-time view of the last record in a ledger.
type ChainTail struct {
	Empty          bool
	SequenceNumber int64
	ChainHash      string
}

// DecisionFilter selects decisions for listing.
// A zero Limit means no limit.
type DecisionFilter struct {
	ServiceName  string
	DecisionType string
	Status       Status
	Limit        int
	Offset       int
	Descending   bool
}

// Validate checks the filter's status value and pagination bounds.
func (f DecisionFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if f.Offset < 0 {
		return &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	return nil
}
