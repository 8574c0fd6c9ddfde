// Package ledger appends decisions to the hash-chained log and reads them back.
//
// The ledger assigns identity (decision id, sequence number, timestamp) and
// seals each record against its predecessor. Serialization of concurrent
// appends is the backend's job: AppendDecision must read the tail and insert
// the sealed record as one atomic step.
package ledger

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

// SealFunc builds the next record from the current tail.
type SealFunc = func(tail contracts.ChainTail) (*contracts.Decision, error)

// Backend persists decisions.
type Backend interface {
	// AppendDecision reads the chain tail, calls seal and inserts the result,
	// all under the backend's single-writer guarantee.
	AppendDecision(ctx context.Context, seal SealFunc) (*contracts.Decision, error)
	GetDecision(ctx context.Context, id string) (*contracts.Decision, error)
	ListDecisions(ctx context.Context, filter contracts.DecisionFilter) ([]*contracts.Decision, error)
	CountDecisions(ctx context.Context, filter contracts.DecisionFilter) (int, error)
}

// Ledger is the append-only decision log.
type Ledger struct {
	backend Backend
	emitter events.Emitter
	obs     *observability.Provider
	clock   func() time.Time
	logger  *slog.Logger
}

// New creates a ledger over the given backend.
func New(backend Backend) *Ledger {
	return &Ledger{
		backend: backend,
		emitter: events.Nop{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "ledger"),
	}
}

// WithEmitter sets the event sink for recorded decisions.
func (l *Ledger) WithEmitter(e events.Emitter) *Ledger {
	l.emitter = events.OrNop(e)
	return l
}

// WithObservability attaches tracing and metrics.
func (l *Ledger) WithObservability(p *observability.Provider) *Ledger {
	l.obs = p
	return l
}

// WithClock overrides the timestamp source (for deterministic tests).
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append validates, seals and persists a new decision.
func (l *Ledger) Append(ctx context.Context, in contracts.DecisionInput) (d *contracts.Decision, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.append",
		attribute.String("service_name", in.ServiceName),
		attribute.String("decision_type", in.DecisionType),
	)
	defer func() { done(err) }()

	if err := in.Validate(); err != nil {
		return nil, err
	}
	in = in.Normalized()

	// Microsecond precision survives every backend's timestamp round trip.
	createdAt := l.clock().UTC().Truncate(time.Microsecond)
	id := contracts.NewDecisionID()

	d, err = l.backend.AppendDecision(ctx, func(tail contracts.ChainTail) (*contracts.Decision, error) {
		rec := &contracts.Decision{
			ID:            id,
			DecisionInput: in,
			CreatedAt:     createdAt,
		}
		prev := hashchain.Genesis
		if !tail.Empty {
			rec.SequenceNumber = tail.SequenceNumber + 1
			prev = tail.ChainHash
		}
		if err := hashchain.Seal(rec, prev); err != nil {
			return nil, fmt.Errorf("seal decision: %w", err)
		}
		return rec, nil
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "append failed", "service_name", in.ServiceName, "error", err)
		return nil, err
	}

	l.logger.InfoContext(ctx, "decision recorded",
		"decision_id", d.ID,
		"sequence_number", d.SequenceNumber,
		"service_name", d.ServiceName,
		"chain_hash", d.ChainHash,
	)

	ev := events.New(events.DecisionRecorded)
	ev.ServiceName = d.ServiceName
	ev.DecisionID = d.ID
	ev.Status = string(contracts.StatusRecorded)
	l.emitter.Emit(ctx, ev)
	return d, nil
}

// Get returns one decision by id.
func (l *Ledger) Get(ctx context.Context, id string) (*contracts.Decision, error) {
	return l.backend.GetDecision(ctx, id)
}

// List returns decisions in sequence order, filtered and paginated.
func (l *Ledger) List(ctx context.Context, filter contracts.DecisionFilter) ([]*contracts.Decision, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return l.backend.ListDecisions(ctx, filter)
}

// Count returns how many decisions match the filter, ignoring pagination.
func (l *Ledger) Count(ctx context.Context, filter contracts.DecisionFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	filter.Limit, filter.Offset = 0, 0
	return l.backend.CountDecisions(ctx, filter)
}
