package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
	"github.com/cybertechsoft/loopgrid/pkg/verifier"
)

// BundleVersion is the evidence bundle format version.
const BundleVersion = "1.0.0"

// ErrBundleTampered is returned when a bundle's hash does not match its contents.
var ErrBundleTampered = errors.New("bundle hash mismatch")

// Source is the read side of a store that a bundle is built from.
type Source interface {
	ScanDecisions(ctx context.Context, fn func(*contracts.Decision) error) error
	ListStatusEvents(ctx context.Context, decisionID string) ([]*contracts.StatusEvent, error)
	ListCorrections(ctx context.Context, decisionID string) ([]*contracts.Correction, error)
}

// Bundle is a self-verifying export of the whole ledger with its annotations
// and the verification report taken at export time.
type Bundle struct {
	BundleID      string                   `json:"bundle_id"`
	Version       string                   `json:"version"`
	CreatedAt     time.Time                `json:"created_at"`
	StartSeq      int64                    `json:"start_sequence"`
	EndSeq        int64                    `json:"end_sequence"`
	DecisionCount int                      `json:"decision_count"`
	ChainHead     string                   `json:"chain_head"`
	Decisions     []*contracts.Decision    `json:"decisions"`
	StatusEvents  []*contracts.StatusEvent `json:"status_events"`
	Corrections   []*contracts.Correction  `json:"corrections"`
	Verification  *verifier.Report         `json:"verification"`
	BundleHash    string                   `json:"bundle_hash"`
}

// BuildBundle snapshots the ledger into a bundle.
func BuildBundle(ctx context.Context, src Source) (*Bundle, error) {
	b := &Bundle{
		BundleID:     uuid.New().String(),
		Version:      BundleVersion,
		CreatedAt:    time.Now().UTC(),
		Decisions:    []*contracts.Decision{},
		StatusEvents: []*contracts.StatusEvent{},
		Corrections:  []*contracts.Correction{},
	}
	if err := src.ScanDecisions(ctx, func(d *contracts.Decision) error {
		b.Decisions = append(b.Decisions, d)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan decisions: %w", err)
	}

	for _, d := range b.Decisions {
		evs, err := src.ListStatusEvents(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list status events for %s: %w", d.ID, err)
		}
		b.StatusEvents = append(b.StatusEvents, evs...)
		cs, err := src.ListCorrections(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list corrections for %s: %w", d.ID, err)
		}
		b.Corrections = append(b.Corrections, cs...)
	}

	b.DecisionCount = len(b.Decisions)
	if n := len(b.Decisions); n > 0 {
		b.StartSeq = b.Decisions[0].SequenceNumber
		b.EndSeq = b.Decisions[n-1].SequenceNumber
		b.ChainHead = b.Decisions[n-1].ChainHash
	}
	b.Verification = verifier.VerifyDecisions(b.Decisions, "")

	hash, err := b.computeHash()
	if err != nil {
		return nil, err
	}
	b.BundleHash = hash
	return b, nil
}

// computeHash fingerprints the bundle's records in canonical JSON.
func (b *Bundle) computeHash() (string, error) {
	canon, err := hashchain.Canonicalize(struct {
		Decisions    []*contracts.Decision    `json:"decisions"`
		StatusEvents []*contracts.StatusEvent `json:"status_events"`
		Corrections  []*contracts.Correction  `json:"corrections"`
	}{b.Decisions, b.StatusEvents, b.Corrections})
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle: %w", err)
	}
	return hashchain.HashBytes(canon), nil
}

// VerifyBundle checks the bundle hash, then re-runs chain verification over
// the bundled decisions. A tampered bundle returns ErrBundleTampered; a
// consistent bundle of a broken ledger returns a report with Valid false.
func VerifyBundle(b *Bundle) (*verifier.Report, error) {
	hash, err := b.computeHash()
	if err != nil {
		return nil, err
	}
	if hash != b.BundleHash {
		return nil, ErrBundleTampered
	}
	if b.DecisionCount != len(b.Decisions) {
		return nil, fmt.Errorf("%w: decision count %d, found %d", ErrBundleTampered, b.DecisionCount, len(b.Decisions))
	}
	return verifier.VerifyDecisions(b.Decisions, ""), nil
}

// Name is the bundle's artifact name.
func (b *Bundle) Name() string {
	return "loopgrid-evidence-" + b.BundleID + ".json"
}

// Export writes the bundle to the store under its default name and returns
// its location.
func Export(ctx context.Context, store Store, b *Bundle) (string, error) {
	return ExportAs(ctx, store, b.Name(), b)
}

// ExportAs writes the bundle to the store under name.
func ExportAs(ctx context.Context, store Store, name string, b *Bundle) (string, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	loc, err := store.Put(ctx, name, data)
	if err != nil {
		return "", err
	}
	slog.Default().With("component", "artifacts").InfoContext(ctx, "evidence bundle exported",
		"bundle_id", b.BundleID,
		"decisions", b.DecisionCount,
		"valid", b.Verification.Valid,
		"location", loc,
	)
	return loc, nil
}
