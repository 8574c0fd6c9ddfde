// Package verifier audits the decision ledger.
//
// Every call performs a full scan: content fingerprints are recomputed from
// stored fields, links are checked against the previous record's stored chain
// fingerprint, and sequence numbers are checked for gaps and duplicates. The
// verifier only reports; it never repairs and never stops at the first anomaly.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/events"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
	"github.com/cybertechsoft/loopgrid/pkg/observability"
)

// AnomalyKind classifies an integrity finding.
type AnomalyKind string

const (
	ContentMismatch   AnomalyKind = "content_mismatch"
	ChainBreak        AnomalyKind = "chain_break"
	SequenceGap       AnomalyKind = "sequence_gap"
	SequenceDuplicate AnomalyKind = "sequence_duplicate"
)

// Anomaly is one finding at a sequence number.
type Anomaly struct {
	SequenceNumber int64       `json:"sequence_number"`
	Kind           AnomalyKind `json:"kind"`
	DecisionID     string      `json:"decision_id,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

// Report is the result of one verification scan.
type Report struct {
	Valid         bool      `json:"valid"`
	Total         int       `json:"total"`
	Anomalies     []Anomaly `json:"anomalies"`
	ServiceFilter string    `json:"service_filter,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
	Message       string    `json:"message"`
}

// Scanner streams stored decisions in sequence order.
type Scanner interface {
	ScanDecisions(ctx context.Context, fn func(*contracts.Decision) error) error
}

// Verifier runs integrity scans against a store.
type Verifier struct {
	scanner Scanner
	emitter events.Emitter
	obs     *observability.Provider
	clock   func() time.Time
	logger  *slog.Logger
}

func New(scanner Scanner) *Verifier {
	return &Verifier{
		scanner: scanner,
		emitter: events.Nop{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "verifier"),
	}
}

func (v *Verifier) WithEmitter(e events.Emitter) *Verifier {
	v.emitter = events.OrNop(e)
	return v
}

func (v *Verifier) WithObservability(p *observability.Provider) *Verifier {
	v.obs = p
	return v
}

func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify scans the whole ledger. With a service filter, hash anomalies are
// reported only for that service's records, while sequence anomalies are
// always reported because the sequence is ledger-wide.
func (v *Verifier) Verify(ctx context.Context, serviceName string) (report *Report, err error) {
	ctx, done := v.obs.TrackOperation(ctx, "ledger.verify", attribute.String("service_filter", serviceName))
	defer func() { done(err) }()

	w := newWalker(serviceName)
	if err := v.scanner.ScanDecisions(ctx, func(d *contracts.Decision) error {
		w.visit(d)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	report = w.report(v.clock().UTC())
	v.observe(ctx, report)
	return report, nil
}

// VerifyDecisions checks an in-memory sequence, e.g. an exported bundle.
// Decisions must be in the order they were stored.
func VerifyDecisions(decisions []*contracts.Decision, serviceName string) *Report {
	w := newWalker(serviceName)
	for _, d := range decisions {
		w.visit(d)
	}
	return w.report(time.Now().UTC())
}

func (v *Verifier) observe(ctx context.Context, report *Report) {
	byKind := map[AnomalyKind]int{}
	for _, a := range report.Anomalies {
		byKind[a.Kind]++
	}
	for kind, n := range byKind {
		v.obs.RecordAnomalies(ctx, string(kind), n)
	}

	ev := events.New(events.IntegrityChecked)
	ev.ServiceName = report.ServiceFilter
	ev.Detail = report.Message
	if !report.Valid {
		ev.Type = events.IntegrityViolation
		v.logger.WarnContext(ctx, "integrity anomalies found",
			"total", report.Total,
			"anomalies", len(report.Anomalies),
			"service_filter", report.ServiceFilter,
		)
	} else {
		v.logger.InfoContext(ctx, "integrity verified", "total", report.Total, "service_filter", report.ServiceFilter)
	}
	v.emitter.Emit(ctx, ev)
}

// walker carries the scan state across records.
type walker struct {
	service   string
	started   bool
	lastSeq   int64
	prevChain string
	total     int
	anomalies []Anomaly
}

func newWalker(service string) *walker {
	return &walker{service: service, prevChain: hashchain.Genesis}
}

func (w *walker) add(seq int64, kind AnomalyKind, id, detail string) {
	w.anomalies = append(w.anomalies, Anomaly{SequenceNumber: seq, Kind: kind, DecisionID: id, Detail: detail})
}

func (w *walker) visit(d *contracts.Decision) {
	expected := int64(0)
	if w.started {
		expected = w.lastSeq + 1
	}
	switch {
	case w.started && d.SequenceNumber <= w.lastSeq:
		w.add(d.SequenceNumber, SequenceDuplicate, d.ID,
			fmt.Sprintf("sequence %d follows %d", d.SequenceNumber, w.lastSeq))
	case d.SequenceNumber > expected:
		for missing := expected; missing < d.SequenceNumber; missing++ {
			w.add(missing, SequenceGap, "", "no record at this sequence number")
		}
	}

	if w.service == "" || d.ServiceName == w.service {
		w.total++
		w.checkHashes(d)
	}

	if !w.started || d.SequenceNumber > w.lastSeq {
		w.lastSeq = d.SequenceNumber
	}
	w.started = true
	w.prevChain = d.ChainHash
}

func (w *walker) checkHashes(d *contracts.Decision) {
	content, err := hashchain.ContentHash(d)
	switch {
	case err != nil:
		w.add(d.SequenceNumber, ContentMismatch, d.ID, "stored fields cannot be canonicalized: "+err.Error())
	case content != d.ContentHash:
		w.add(d.SequenceNumber, ContentMismatch, d.ID, "recomputed content hash differs from stored value")
	}

	// The link is checked over the stored content hash so that a content edit
	// surfaces once, as content_mismatch, and a relink surfaces as chain_break.
	switch {
	case d.PreviousHash != w.prevChain:
		w.add(d.SequenceNumber, ChainBreak, d.ID, "previous_hash does not match predecessor chain_hash")
	case hashchain.ChainHash(d.ContentHash, d.PreviousHash) != d.ChainHash:
		w.add(d.SequenceNumber, ChainBreak, d.ID, "chain_hash does not match content_hash and previous_hash")
	}
}

func (w *walker) report(at time.Time) *Report {
	r := &Report{
		Valid:         len(w.anomalies) == 0,
		Total:         w.total,
		Anomalies:     w.anomalies,
		ServiceFilter: w.service,
		CheckedAt:     at,
	}
	if r.Anomalies == nil {
		r.Anomalies = []Anomaly{}
	}
	if r.Valid {
		r.Message = fmt.Sprintf("all %d decisions verified", r.Total)
	} else {
		r.Message = fmt.Sprintf("%d anomalies found across %d decisions", len(r.Anomalies), r.Total)
	}
	return r
}
