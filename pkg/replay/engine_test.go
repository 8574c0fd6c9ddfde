package replay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/events"
	"github.com/cybertechsoft/loopgrid/pkg/ledger"
	"github.com/cybertechsoft/loopgrid/pkg/llm"
	"github.com/cybertechsoft/loopgrid/pkg/replay"
	"github.com/cybertechsoft/loopgrid/pkg/store"
)

type staticInvoker struct {
	mu      sync.Mutex
	content string
	got     []llm.Request
}

func (s *staticInvoker) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, req)
	return &llm.Response{Content: s.content}, nil
}

type failingInvoker struct{ err error }

func (f failingInvoker) Invoke(context.Context, llm.Request) (*llm.Response, error) {
	return nil, f.err
}

// stuckInvoker ignores its context and blocks until released.
type stuckInvoker struct{ release chan struct{} }

func (s stuckInvoker) Invoke(context.Context, llm.Request) (*llm.Response, error) {
	<-s.release
	return &llm.Response{Content: "too late"}, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type fixture struct {
	store    *store.MemoryStore
	registry *replay.Registry
	engine   *replay.Engine
	decision *contracts.Decision
}

func newFixture(t *testing.T, provider, message string) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	d, err := ledger.New(s).Append(context.Background(), contracts.DecisionInput{
		ServiceName:  "support-agent",
		DecisionType: "customer_support_reply",
		Input:        json.RawMessage(`{"message":"` + message + `","customer_id":"c_42"}`),
		Model:        contracts.ModelRef{Provider: provider, Name: "gpt-4", Version: "2024-01"},
		Prompt:       json.RawMessage(`{"template":"support_v1","text":"You are a support agent."}`),
		Output:       json.RawMessage(`{"response":"Your account looks fine.","confidence":0.9}`),
	})
	require.NoError(t, err)
	reg := replay.NewRegistry()
	return &fixture{store: s, registry: reg, engine: replay.NewEngine(s, reg), decision: d}
}

func TestCreateReplay_NoOverridesIsDeterministicSimulation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "openai", "I was charged twice")

	first, err := f.engine.CreateReplay(ctx, f.decision.ID, nil, "")
	require.NoError(t, err)
	second, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{}, "reviewer")
	require.NoError(t, err)

	for _, r := range []*contracts.Replay{first, second} {
		assert.Equal(t, contracts.ExecutionSimulated, r.ExecutionMode)
		assert.Equal(t, contracts.FallbackNoLiveCapability, r.FallbackReason)
		assert.Equal(t, replay.SimulationProvider, r.Provider)
		assert.False(t, r.OutputChanged)
		assert.Nil(t, r.Overrides)
		assert.JSONEq(t, string(f.decision.Output), string(r.Output))
	}
	assert.JSONEq(t, string(first.Output), string(second.Output))
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, replay.DefaultTriggeredBy, first.TriggeredBy)
	assert.Equal(t, "reviewer", second.TriggeredBy)
	assert.Contains(t, first.DiffSummary, "unchanged")

	stored, err := f.engine.GetReplay(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DecisionID, stored.DecisionID)

	list, err := f.engine.ListReplays(ctx, f.decision.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreateReplay_ModelOverrideFlagsOnlyModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "openai", "hello")

	r, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{
		Model: &contracts.ModelOverride{Name: "v2"},
	}, "sdk")
	require.NoError(t, err)
	assert.Equal(t, "v2", r.Effective.Model.Name)
	assert.Equal(t, "openai", r.Effective.Model.Provider)
	assert.Equal(t, "2024-01", r.Effective.Model.Version)

	diff, err := f.engine.Compare(ctx, f.decision.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"model"}, diff.InputFieldsChanged)
	assert.False(t, diff.OutputChanged)
	assert.Empty(t, diff.Changes)
	assert.Equal(t, contracts.ExecutionSimulated, diff.ExecutionMode)
}

func TestCreateReplay_ImprovedPromptSimulation(t *testing.T) {
	ctx := context.Background()

	t.Run("billing input gets the refund answer", func(t *testing.T) {
		f := newFixture(t, "openai", "I was charged twice")
		r, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{
			Prompt: json.RawMessage(`{"template":"support_v2"}`),
		}, "sdk")
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(r.Output, &out))
		assert.Contains(t, out["response"], "duplicate charge")
		assert.Equal(t, 0.9, out["confidence"])
		assert.True(t, r.OutputChanged)
		assert.JSONEq(t, `{"template":"support_v2","text":"You are a support agent."}`, string(r.Effective.Prompt))

		diff, err := f.engine.Compare(ctx, f.decision.ID, r.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"prompt"}, diff.InputFieldsChanged)
		require.Len(t, diff.Changes, 1)
		assert.Equal(t, "response", diff.Changes[0].Path)
		assert.Equal(t, contracts.ChangeChanged, diff.Changes[0].Kind)
	})

	t.Run("other input is annotated", func(t *testing.T) {
		f := newFixture(t, "openai", "where is my parcel")
		r, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{
			Prompt: json.RawMessage(`{"template":"support_improved"}`),
		}, "sdk")
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(r.Output, &out))
		assert.Equal(t, "[Improved with support_improved] Your account looks fine.", out["response"])
	})

	t.Run("plain prompt change keeps output", func(t *testing.T) {
		f := newFixture(t, "openai", "I was charged twice")
		r, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{
			Prompt: json.RawMessage(`{"template":"support_v1_formal"}`),
		}, "sdk")
		require.NoError(t, err)
		assert.False(t, r.OutputChanged)
	})
}

func TestCreateReplay_ImprovedPromptKeepsUntouchedNumbers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	d, err := ledger.New(s).Append(ctx, contracts.DecisionInput{
		ServiceName:  "support-agent",
		DecisionType: "customer_support_reply",
		Input:        json.RawMessage(`{"message":"hi"}`),
		Model:        contracts.ModelRef{Provider: "openai", Name: "gpt-4"},
		Output:       json.RawMessage(`{"response":"hi","confidence":1.0,"ticket":12345678901234567891}`),
	})
	require.NoError(t, err)
	engine := replay.NewEngine(s, replay.NewRegistry())

	r, err := engine.CreateReplay(ctx, d.ID, &contracts.Overrides{
		Prompt: json.RawMessage(`{"template":"v2"}`),
	}, "sdk")
	require.NoError(t, err)
	assert.Contains(t, string(r.Output), `"confidence":1.0`)
	assert.Contains(t, string(r.Output), `"ticket":12345678901234567891`)
	assert.Contains(t, string(r.Output), `"response":"[Improved with v2] hi"`)

	diff, err := engine.Compare(ctx, d.ID, r.ID)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "response", diff.Changes[0].Path)
	assert.Contains(t, r.DiffSummary, "response changed")
	assert.NotContains(t, r.DiffSummary, "confidence")
}

func TestCreateReplay_LiveInvocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "openai", "I was charged twice")
	inv := &staticInvoker{content: "Refund issued."}
	f.registry.Register("openai", inv)
	emitter := &captureEmitter{}
	f.engine.WithEmitter(emitter)

	r, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{
		Model: &contracts.ModelOverride{Name: "gpt-4o"},
	}, "sdk")
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionLive, r.ExecutionMode)
	assert.Equal(t, contracts.FallbackNone, r.FallbackReason)
	assert.Equal(t, "openai", r.Provider)
	assert.JSONEq(t, `{"response":"Refund issued."}`, string(r.Output))
	assert.True(t, r.OutputChanged)

	require.Len(t, inv.got, 1)
	assert.Equal(t, "gpt-4o", inv.got[0].Model)
	assert.Equal(t, "You are a support agent.", inv.got[0].System)
	assert.Equal(t, "I was charged twice", inv.got[0].User)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, events.ReplayCompleted, emitter.events[0].Type)
	assert.Equal(t, r.ID, emitter.events[0].ReplayID)
	assert.Equal(t, "live", emitter.events[0].Detail)

	diff, err := f.engine.Compare(ctx, f.decision.ID, r.ID)
	require.NoError(t, err)
	kinds := map[string]contracts.ChangeKind{}
	for _, c := range diff.Changes {
		kinds[c.Path] = c.Kind
	}
	assert.Equal(t, map[string]contracts.ChangeKind{
		"confidence": contracts.ChangeRemoved,
		"response":   contracts.ChangeChanged,
	}, kinds)
}

func TestCreateReplay_ProviderAlias(t *testing.T) {
	f := newFixture(t, "Claude", "hi")
	f.registry.Register("anthropic", &staticInvoker{content: "hello"})

	r, err := f.engine.CreateReplay(context.Background(), f.decision.ID, nil, "sdk")
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionLive, r.ExecutionMode)
	assert.Equal(t, "anthropic", r.Provider)
}

func TestCreateReplay_LiveOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Refund issued."}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, "openai", "I was charged twice")
	f.registry.Register("openai", llm.NewOpenAIClient("sk-test").WithBaseURL(srv.URL))

	r, err := f.engine.CreateReplay(context.Background(), f.decision.ID, nil, "sdk")
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionLive, r.ExecutionMode)
	assert.JSONEq(t, `{"response":"Refund issued."}`, string(r.Output))
}

func TestCreateReplay_FallbackReasons(t *testing.T) {
	ctx := context.Background()

	t.Run("invocation error", func(t *testing.T) {
		f := newFixture(t, "openai", "hi")
		f.registry.Register("openai", failingInvoker{err: &llm.StatusError{Provider: "openai", StatusCode: 500}})
		r, err := f.engine.CreateReplay(ctx, f.decision.ID, nil, "sdk")
		require.NoError(t, err)
		assert.Equal(t, contracts.ExecutionSimulated, r.ExecutionMode)
		assert.Equal(t, contracts.FallbackInvocationError, r.FallbackReason)
		assert.Equal(t, replay.SimulationProvider, r.Provider)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, "openai", "hi")
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		f.registry.Register("openai", stuckInvoker{release: release})
		f.engine.WithTimeout(20 * time.Millisecond)

		start := time.Now()
		r, err := f.engine.CreateReplay(ctx, f.decision.ID, nil, "sdk")
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, contracts.ExecutionSimulated, r.ExecutionMode)
		assert.Equal(t, contracts.FallbackTimeout, r.FallbackReason)
		assert.JSONEq(t, string(f.decision.Output), string(r.Output))
	})

	t.Run("caller deadline is returned, not simulated", func(t *testing.T) {
		f := newFixture(t, "openai", "hi")
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		f.registry.Register("openai", stuckInvoker{release: release})
		f.engine.WithTimeout(time.Minute)

		callerCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := f.engine.CreateReplay(callerCtx, f.decision.ID, nil, "sdk")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		list, err := f.engine.ListReplays(ctx, f.decision.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("nil response", func(t *testing.T) {
		f := newFixture(t, "openai", "hi")
		f.registry.Register("openai", failingInvoker{})
		r, err := f.engine.CreateReplay(ctx, f.decision.ID, nil, "sdk")
		require.NoError(t, err)
		assert.Equal(t, contracts.FallbackInvocationError, r.FallbackReason)
	})
}

func TestCreateReplay_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "openai", "hi")

	_, err := f.engine.CreateReplay(ctx, "dec_missing", nil, "sdk")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{Input: json.RawMessage(`"text"`)}, "sdk")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = f.engine.GetReplay(ctx, "rep_missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = f.engine.ListReplays(ctx, "dec_missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCompare_ReplayMustReferenceDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "openai", "hi")
	other, err := ledger.New(f.store).Append(ctx, contracts.DecisionInput{
		ServiceName:  "support-agent",
		DecisionType: "customer_support_reply",
		Input:        json.RawMessage(`{"message":"other"}`),
		Model:        contracts.ModelRef{Provider: "openai", Name: "gpt-4"},
		Output:       json.RawMessage(`{"response":"ok"}`),
	})
	require.NoError(t, err)

	r, err := f.engine.CreateReplay(ctx, f.decision.ID, nil, "sdk")
	require.NoError(t, err)

	_, err = f.engine.Compare(ctx, other.ID, r.ID)
	assert.True(t, errors.Is(err, contracts.ErrNotFound))
	_, err = f.engine.Compare(ctx, f.decision.ID, "rep_missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	_, err = f.engine.Compare(ctx, "dec_missing", r.ID)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCreateReplay_LeavesChainUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "openai", "hi")
	before := *f.decision

	_, err := f.engine.CreateReplay(ctx, f.decision.ID, &contracts.Overrides{
		Input: json.RawMessage(`{"message":"changed"}`),
	}, "sdk")
	require.NoError(t, err)

	after, err := f.store.GetDecision(ctx, f.decision.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.ChainHash, after.ChainHash)
	n, err := f.store.CountDecisions(ctx, contracts.DecisionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
