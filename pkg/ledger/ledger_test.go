package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/events"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
	"github.com/cybertechsoft/loopgrid/pkg/ledger"
	"github.com/cybertechsoft/loopgrid/pkg/store"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type failingBackend struct {
	*store.MemoryStore
}

func (failingBackend) AppendDecision(context.Context, ledger.SealFunc) (*contracts.Decision, error) {
	return nil, errors.New("disk full")
}

func input(service, msg string) contracts.DecisionInput {
	return contracts.DecisionInput{
		ServiceName:  service,
		DecisionType: "customer_support_reply",
		Input:        json.RawMessage(fmt.Sprintf(`{"msg":%q}`, msg)),
		Model:        contracts.ModelRef{Provider: "openai", Name: "gpt-4"},
		Prompt:       json.RawMessage(`{"template":"support_v1"}`),
		Output:       json.RawMessage(`{"response":"ok"}`),
	}
}

func TestAppend_AssignsSequenceAndLinks(t *testing.T) {
	ctx := context.Background()
	emitter := &captureEmitter{}
	l := ledger.New(store.NewMemoryStore()).WithEmitter(emitter)

	a, err := l.Append(ctx, input("svc", "x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.SequenceNumber)
	assert.Equal(t, hashchain.Genesis, a.PreviousHash)
	assert.Equal(t, hashchain.ChainHash(a.ContentHash, hashchain.Genesis), a.ChainHash)
	assert.Regexp(t, `^dec_[0-9a-f]{12}$`, a.ID)

	b, err := l.Append(ctx, input("svc", "y"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.SequenceNumber)
	assert.Equal(t, a.ChainHash, b.PreviousHash)
	assert.Equal(t, hashchain.ChainHash(b.ContentHash, a.ChainHash), b.ChainHash)

	recomputed, err := hashchain.ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, b.ContentHash, recomputed)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, events.DecisionRecorded, emitter.events[1].Type)
	assert.Equal(t, b.ID, emitter.events[1].DecisionID)
}

func TestAppend_Validation(t *testing.T) {
	l := ledger.New(store.NewMemoryStore())
	in := input("svc", "x")
	in.Output = nil

	_, err := l.Append(context.Background(), in)
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "output", ve.Field)

	n, err := l.Count(context.Background(), contracts.DecisionFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppend_BackendError(t *testing.T) {
	emitter := &captureEmitter{}
	l := ledger.New(failingBackend{store.NewMemoryStore()}).WithEmitter(emitter)
	_, err := l.Append(context.Background(), input("svc", "x"))
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, emitter.events)
}

func TestAppend_ClockTruncatedToMicroseconds(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 123456789, time.FixedZone("CET", 3600))
	l := ledger.New(store.NewMemoryStore()).WithClock(func() time.Time { return at })

	d, err := l.Append(context.Background(), input("svc", "x"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 3, 3, 5, 6, 123456000, time.UTC), d.CreatedAt)
	assert.Equal(t, time.UTC, d.CreatedAt.Location())
}

func TestAppend_ConcurrentNeverForks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	l := ledger.New(mem)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(ctx, input(fmt.Sprintf("svc-%d", w), fmt.Sprintf("%d", i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	all, err := l.List(ctx, contracts.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, all, writers*perWriter)

	seen := map[string]bool{}
	prev := hashchain.Genesis
	for i, d := range all {
		assert.Equal(t, int64(i), d.SequenceNumber)
		assert.Equal(t, prev, d.PreviousHash, "fork at sequence %d", i)
		assert.False(t, seen[d.PreviousHash], "two records share predecessor")
		seen[d.PreviousHash] = true
		prev = d.ChainHash
	}
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(store.NewMemoryStore())
	for i := 0; i < 5; i++ {
		svc := "billing"
		if i%2 == 1 {
			svc = "support"
		}
		_, err := l.Append(ctx, input(svc, fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	billing, err := l.List(ctx, contracts.DecisionFilter{ServiceName: "billing"})
	require.NoError(t, err)
	require.Len(t, billing, 3)
	assert.True(t, sort.SliceIsSorted(billing, func(i, j int) bool {
		return billing[i].SequenceNumber < billing[j].SequenceNumber
	}))

	page, err := l.List(ctx, contracts.DecisionFilter{Limit: 2, Offset: 1, Descending: true})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].SequenceNumber)
	assert.Equal(t, int64(2), page[1].SequenceNumber)

	n, err := l.Count(ctx, contracts.DecisionFilter{ServiceName: "support", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = l.List(ctx, contracts.DecisionFilter{Status: "bogus"})
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(store.NewMemoryStore())
	d, err := l.Append(ctx, input("svc", "x"))
	require.NoError(t, err)

	got, err := l.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ChainHash, got.ChainHash)
	assert.JSONEq(t, `{"msg":"x"}`, string(got.Input))

	_, err = l.Get(ctx, "dec_nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
