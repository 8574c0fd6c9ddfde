package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
	"github.com/cybertechsoft/loopgrid/pkg/ledger"
	"github.com/cybertechsoft/loopgrid/pkg/store"
	"github.com/cybertechsoft/loopgrid/pkg/verifier"
)

func decisionInput(msg string) contracts.DecisionInput {
	return contracts.DecisionInput{
		ServiceName:  "support-agent",
		DecisionType: "customer_support_reply",
		Input:        json.RawMessage(fmt.Sprintf(`{"msg":%q}`, msg)),
		Model:        contracts.ModelRef{Provider: "openai", Name: "gpt-4"},
		Output:       json.RawMessage(`{"response":"Your account looks fine."}`),
	}
}

type anomaly struct {
	Seq  int64
	Kind verifier.AnomalyKind
}

func summarize(r *verifier.Report) []anomaly {
	out := []anomaly{}
	for _, a := range r.Anomalies {
		out = append(out, anomaly{a.SequenceNumber, a.Kind})
	}
	return out
}

func TestTamperScenario_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	l := ledger.New(s)
	a, err := l.Append(ctx, decisionInput("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.SequenceNumber)

	b, err := l.Append(ctx, decisionInput("y"))
	require.NoError(t, err)
	assert.Equal(t, hashchain.ChainHash(b.ContentHash, a.ChainHash), b.ChainHash)

	v := verifier.New(s)
	report, err := v.Verify(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Valid)

	// Simulate an attacker with direct database access.
	_, err = s.DB().ExecContext(ctx, `DROP TRIGGER decisions_no_update`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE decisions SET output = '{"response":"Refund issued."}' WHERE decision_id = ?`, a.ID)
	require.NoError(t, err)

	report, err = v.Verify(ctx, "")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, []anomaly{{0, verifier.ContentMismatch}}, summarize(report))
}

func TestDeletionScenario_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	l := ledger.New(s)
	var ids []string
	for _, m := range []string{"a", "b", "c"} {
		d, err := l.Append(ctx, decisionInput(m))
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}

	_, err = s.DB().ExecContext(ctx, `DROP TRIGGER decisions_no_delete`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM decisions WHERE decision_id = ?`, ids[1])
	require.NoError(t, err)

	report, err := verifier.New(s).Verify(ctx, "")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.Total)
	got := summarize(report)
	assert.Contains(t, got, anomaly{1, verifier.SequenceGap})
	assert.NotContains(t, got, anomaly{2, verifier.ContentMismatch})
}

func TestTamperScenario_Memory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	l := ledger.New(mem)

	a, err := l.Append(ctx, decisionInput("x"))
	require.NoError(t, err)
	_, err = l.Append(ctx, decisionInput("y"))
	require.NoError(t, err)

	mem.Tamper(a.ID, func(d *contracts.Decision) {
		d.Output = json.RawMessage(`{"response":"Refund issued."}`)
	})

	report, err := verifier.New(mem).Verify(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []anomaly{{0, verifier.ContentMismatch}}, summarize(report))

	mem.Remove(a.ID)
	report, err = verifier.New(mem).Verify(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []anomaly{{0, verifier.SequenceGap}, {1, verifier.ChainBreak}}, summarize(report))
}
