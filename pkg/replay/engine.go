// Package replay forks recorded decisions and re-executes them, live when a
// provider invoker is registered and reachable, simulated otherwise.
//
// Replays are stored beside the ledger and never enter the hash chain. A live
// failure of any kind (missing invoker, timeout, provider error) routes to the
// simulator and is recorded as the replay's fallback reason; CreateReplay only
// fails on malformed overrides, a missing decision or a storage error.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/events"
	"github.com/cybertechsoft/loopgrid/pkg/llm"
	"github.com/cybertechsoft/loopgrid/pkg/observability"
)

// DefaultTimeout bounds a live invocation.
const DefaultTimeout = 30 * time.Second

// DefaultTriggeredBy is recorded when the caller names no actor.
const DefaultTriggeredBy = "sdk"

// Backend reads decisions and persists replays.
type Backend interface {
	GetDecision(ctx context.Context, id string) (*contracts.Decision, error)
	InsertReplay(ctx context.Context, r *contracts.Replay) error
	GetReplay(ctx context.Context, id string) (*contracts.Replay, error)
	ListReplays(ctx context.Context, decisionID string) ([]*contracts.Replay, error)
}

// Engine creates, stores and compares replays.
type Engine struct {
	backend   Backend
	registry  *Registry
	simulator Simulator
	timeout   time.Duration
	emitter   events.Emitter
	obs       *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

func NewEngine(backend Backend, registry *Registry) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		backend:  backend,
		registry: registry,
		timeout:  DefaultTimeout,
		emitter:  events.Nop{},
		clock:    time.Now,
		logger:   slog.Default().With("component", "replay"),
	}
}

// WithTimeout bounds live invocations. Non-positive values keep the default.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.timeout = d
	}
	return e
}

func (e *Engine) WithEmitter(em events.Emitter) *Engine {
	e.emitter = events.OrNop(em)
	return e
}

func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// outcome is the result of one execution attempt.
type outcome struct {
	mode     contracts.ExecutionMode
	reason   contracts.FallbackReason
	provider string
	output   json.RawMessage
}

// CreateReplay re-executes a decision with optional overrides and stores the result.
func (e *Engine) CreateReplay(ctx context.Context, decisionID string, overrides *contracts.Overrides, triggeredBy string) (r *contracts.Replay, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "replay.create", attribute.String("decision_id", decisionID))
	defer func() { done(err) }()

	if err := overrides.Validate(); err != nil {
		return nil, err
	}
	if overrides.IsEmpty() {
		overrides = nil
	}
	d, err := e.backend.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	eff, err := Effective(d, overrides)
	if err != nil {
		return nil, &contracts.ValidationError{Field: "overrides", Reason: err.Error()}
	}
	if triggeredBy == "" {
		triggeredBy = DefaultTriggeredBy
	}

	start := e.clock()
	out, err := e.execute(ctx, d, eff, overrides)
	if err != nil {
		return nil, err
	}
	latency := e.clock().Sub(start)

	changes, err := DiffOutputs(d.Output, out.output)
	if err != nil {
		return nil, fmt.Errorf("diff replay output: %w", err)
	}

	r = &contracts.Replay{
		ID:             contracts.NewReplayID(),
		DecisionID:     d.ID,
		Overrides:      overrides,
		TriggeredBy:    triggeredBy,
		ExecutionMode:  out.mode,
		FallbackReason: out.reason,
		Provider:       out.provider,
		Effective:      eff,
		Output:         out.output,
		OutputChanged:  len(changes) > 0,
		DiffSummary:    summarize(changes, out.mode),
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      e.clock().UTC().Truncate(time.Microsecond),
	}
	if err := e.backend.InsertReplay(ctx, r); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "replay recorded",
		"replay_id", r.ID,
		"decision_id", r.DecisionID,
		"execution_mode", r.ExecutionMode,
		"provider", r.Provider,
		"output_changed", r.OutputChanged,
	)
	ev := events.New(events.ReplayCompleted)
	ev.ServiceName = d.ServiceName
	ev.DecisionID = d.ID
	ev.ReplayID = r.ID
	ev.Detail = string(r.ExecutionMode)
	e.emitter.Emit(ctx, ev)
	return r, nil
}

// execute tries the live invoker and falls back to the simulator on any failure.
// Only cancellation of the caller's own context is returned as an error.
func (e *Engine) execute(ctx context.Context, d *contracts.Decision, eff contracts.EffectiveInput, o *contracts.Overrides) (outcome, error) {
	provider, inv, ok := e.registry.Lookup(eff.Model.Provider)
	if !ok {
		return e.simulate(ctx, d, eff, o, contracts.FallbackNoLiveCapability, nil)
	}

	content, err := e.invoke(ctx, inv, llm.Request{
		Model:  eff.Model.Name,
		System: systemPrompt(eff.Prompt),
		User:   userMessage(eff.Input),
	})
	switch {
	case err == nil:
		output, merr := json.Marshal(map[string]string{"response": content})
		if merr != nil {
			return outcome{}, fmt.Errorf("encode live output: %w", merr)
		}
		return outcome{mode: contracts.ExecutionLive, provider: provider, output: output}, nil
	case ctx.Err() != nil:
		return outcome{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return e.simulate(ctx, d, eff, o, contracts.FallbackTimeout, err)
	default:
		return e.simulate(ctx, d, eff, o, contracts.FallbackInvocationError, err)
	}
}

// invoke runs the provider call under the engine timeout. The call runs on its
// own goroutine so a provider that ignores its context cannot hold the replay
// past the deadline.
func (e *Engine) invoke(ctx context.Context, inv llm.Invoker, req llm.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		resp *llm.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := inv.Invoke(callCtx, req)
		ch <- result{resp, err}
	}()

	select {
	case <-callCtx.Done():
		return "", fmt.Errorf("%w: %w", contracts.ErrReplayExecution, callCtx.Err())
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("%w: %w", contracts.ErrReplayExecution, res.err)
		}
		if res.resp == nil {
			return "", fmt.Errorf("%w: %w", contracts.ErrReplayExecution, llm.ErrEmptyResponse)
		}
		return res.resp.Content, nil
	}
}

func (e *Engine) simulate(ctx context.Context, d *contracts.Decision, eff contracts.EffectiveInput, o *contracts.Overrides, reason contracts.FallbackReason, cause error) (outcome, error) {
	if cause != nil {
		e.logger.WarnContext(ctx, "live replay failed, using simulation",
			"decision_id", d.ID,
			"provider", eff.Model.Provider,
			"fallback_reason", reason,
			"error", cause,
		)
	}
	output, err := e.simulator.Simulate(d, eff, o)
	if err != nil {
		return outcome{}, fmt.Errorf("simulate replay: %w", err)
	}
	return outcome{
		mode:     contracts.ExecutionSimulated,
		reason:   reason,
		provider: SimulationProvider,
		output:   output,
	}, nil
}

// GetReplay returns one replay by id.
func (e *Engine) GetReplay(ctx context.Context, id string) (*contracts.Replay, error) {
	return e.backend.GetReplay(ctx, id)
}

// ListReplays returns a decision's replays, oldest first.
func (e *Engine) ListReplays(ctx context.Context, decisionID string) ([]*contracts.Replay, error) {
	if _, err := e.backend.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	return e.backend.ListReplays(ctx, decisionID)
}

// Compare diffs a decision's output against one of its replays.
func (e *Engine) Compare(ctx context.Context, decisionID, replayID string) (*contracts.Diff, error) {
	d, err := e.backend.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	r, err := e.backend.GetReplay(ctx, replayID)
	if err != nil {
		return nil, err
	}
	if r.DecisionID != d.ID {
		return nil, contracts.NotFound("replay", fmt.Sprintf("%s for decision %s", replayID, decisionID))
	}

	changes, err := DiffOutputs(d.Output, r.Output)
	if err != nil {
		return nil, err
	}
	return &contracts.Diff{
		DecisionID:         d.ID,
		ReplayID:           r.ID,
		ExecutionMode:      r.ExecutionMode,
		OriginalOutput:     d.Output,
		ReplayOutput:       r.Output,
		OutputChanged:      len(changes) > 0,
		Changes:            changes,
		InputFieldsChanged: changedInputFields(d, r.Effective),
		Summary:            summarize(changes, r.ExecutionMode),
	}, nil
}
