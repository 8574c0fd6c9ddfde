package contracts

import (
	"encoding/json"
	"time"
)

// ExecutionMode is how a replay produced its output.
type ExecutionMode string

const (
	ExecutionLive      ExecutionMode = "live"
	ExecutionSimulated ExecutionMode = "simulated"
)

// FallbackReason explains why a replay was simulated instead of executed live.
type FallbackReason string

const (
	FallbackNone             FallbackReason = ""
	FallbackNoLiveCapability FallbackReason = "no_live_capability"
	FallbackTimeout          FallbackReason = "timeout"
	FallbackInvocationError  FallbackReason = "invocation_error"
)

// ModelOverride is a sparse model patch. Empty fields keep the source value.
type ModelOverride struct {
	Provider   string         `json:"provider,omitempty"`
	Name       string         `json:"name,omitempty"`
	Version    string         `json:"version,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Overrides is the sparse patch applied to a decision before re-execution.
type Overrides struct {
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Model  *ModelOverride  `json:"model,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// IsEmpty reports whether the overrides touch no field.
func (o *Overrides) IsEmpty() bool {
	return o == nil || (len(o.Prompt) == 0 && o.Model == nil && len(o.Input) == 0)
}

// EffectiveInput is the prompt/model/input actually used by a replay.
type EffectiveInput struct {
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Model  ModelRef        `json:"model"`
	Input  json.RawMessage `json:"input"`
}

// Replay is an independent re-execution of a decision. Replays carry no chain fields.
type Replay struct {
	ID             string          `json:"replay_id"`
	DecisionID     string          `json:"decision_id"`
	Overrides      *Overrides      `json:"overrides,omitempty"`
	TriggeredBy    string          `json:"triggered_by"`
	ExecutionMode  ExecutionMode   `json:"execution_mode"`
	FallbackReason FallbackReason  `json:"fallback_reason,omitempty"`
	Provider       string          `json:"provider"`
	Effective      EffectiveInput  `json:"effective"`
	Output         json.RawMessage `json:"replay_output"`
	OutputChanged  bool            `json:"output_changed"`
	DiffSummary    string          `json:"diff_summary"`
	LatencyMs      int64           `json:"latency_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ChangeKind classifies one structural difference.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is a single difference between two JSON documents.
type Change struct {
	Path     string     `json:"path"`
	Kind     ChangeKind `json:"kind"`
	Original any        `json:"original,omitempty"`
	Replay   any        `json:"replay,omitempty"`
}

// Diff compares a decision's output with a replay's output.
type Diff struct {
	DecisionID         string          `json:"decision_id"`
	ReplayID           string          `json:"replay_id"`
	ExecutionMode      ExecutionMode   `json:"execution_mode"`
	OriginalOutput     json.RawMessage `json:"original_output"`
	ReplayOutput       json.RawMessage `json:"replay_output"`
	OutputChanged      bool            `json:"output_changed"`
	Changes            []Change        `json:"changes"`
	InputFieldsChanged []string        `json:"input_fields_changed"`
	Summary            string          `json:"diff_summary"`
}
