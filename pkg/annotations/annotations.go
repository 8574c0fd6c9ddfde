// Package annotations records status changes and human corrections against
// ledger decisions. Annotations live beside the hash chain, never inside it:
// no operation here reads or writes a decision's hashed fields.
package annotations

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/events"
	"github.com/cybertechsoft/loopgrid/pkg/observability"
)

// Backend is the append-only annotation log.
type Backend interface {
	GetDecision(ctx context.Context, id string) (*contracts.Decision, error)
	InsertStatusEvent(ctx context.Context, e *contracts.StatusEvent) error
	ListStatusEvents(ctx context.Context, decisionID string) ([]*contracts.StatusEvent, error)
	// InsertCorrection stores c, plus firstEvent when c is the decision's first
	// correction, atomically. It reports whether c was the first.
	InsertCorrection(ctx context.Context, c *contracts.Correction, firstEvent *contracts.StatusEvent) (bool, error)
	ListCorrections(ctx context.Context, decisionID string) ([]*contracts.Correction, error)
	GetCorrection(ctx context.Context, id string) (*contracts.Correction, error)
}

// Store manages status events and corrections.
type Store struct {
	backend Backend
	emitter events.Emitter
	obs     *observability.Provider
	clock   func() time.Time
	logger  *slog.Logger
}

func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		emitter: events.Nop{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "annotations"),
	}
}

func (s *Store) WithEmitter(e events.Emitter) *Store {
	s.emitter = events.OrNop(e)
	return s
}

// WithObservability attaches tracing and metrics.
func (s *Store) WithObservability(p *observability.Provider) *Store {
	s.obs = p
	return s
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// MarkIncorrect appends a flagged_incorrect event for an existing decision.
func (s *Store) MarkIncorrect(ctx context.Context, decisionID, reason string) (_ *contracts.StatusEvent, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "annotations.mark_incorrect", attribute.String("decision_id", decisionID))
	defer func() { done(err) }()

	d, err := s.backend.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	ev := &contracts.StatusEvent{
		ID:         contracts.NewEventID(),
		DecisionID: decisionID,
		Status:     contracts.StatusFlaggedIncorrect,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	if err := s.backend.InsertStatusEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "decision flagged incorrect", "decision_id", decisionID, "reason", reason)
	s.emit(ctx, events.DecisionFlagged, d.ServiceName, decisionID, reason)
	return ev, nil
}

// AttachCorrection appends a correction. The first correction for a decision
// also appends a corrected status event.
func (s *Store) AttachCorrection(ctx context.Context, decisionID string, correction json.RawMessage, correctedBy, notes string) (_ *contracts.Correction, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "annotations.attach_correction", attribute.String("decision_id", decisionID))
	defer func() { done(err) }()

	if err := contracts.ValidateCorrection(correction, correctedBy, notes); err != nil {
		return nil, err
	}
	d, err := s.backend.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &contracts.Correction{
		ID:          contracts.NewCorrectionID(),
		DecisionID:  decisionID,
		Correction:  correction,
		CorrectedBy: correctedBy,
		Notes:       notes,
		CreatedAt:   now,
	}
	ev := &contracts.StatusEvent{
		ID:         contracts.NewEventID(),
		DecisionID: decisionID,
		Status:     contracts.StatusCorrected,
		Reason:     "correction " + c.ID + " by " + correctedBy,
		CreatedAt:  now,
	}

	first, err := s.backend.InsertCorrection(ctx, c, ev)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "correction attached",
		"decision_id", decisionID,
		"correction_id", c.ID,
		"corrected_by", correctedBy,
		"first", first,
	)
	s.emit(ctx, events.DecisionCorrected, d.ServiceName, decisionID, c.ID)
	return c, nil
}

// CurrentStatus is the status of the latest event, or recorded when none exists.
func (s *Store) CurrentStatus(ctx context.Context, decisionID string) (contracts.Status, error) {
	if _, err := s.backend.GetDecision(ctx, decisionID); err != nil {
		return "", err
	}
	evs, err := s.backend.ListStatusEvents(ctx, decisionID)
	if err != nil {
		return "", err
	}
	return StatusOf(evs), nil
}

// StatusOf derives the current status from an ordered event history.
func StatusOf(evs []*contracts.StatusEvent) contracts.Status {
	if len(evs) == 0 {
		return contracts.StatusRecorded
	}
	return evs[len(evs)-1].Status
}

func (s *Store) ListStatusEvents(ctx context.Context, decisionID string) ([]*contracts.StatusEvent, error) {
	if _, err := s.backend.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	return s.backend.ListStatusEvents(ctx, decisionID)
}

func (s *Store) ListCorrections(ctx context.Context, decisionID string) ([]*contracts.Correction, error) {
	if _, err := s.backend.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	return s.backend.ListCorrections(ctx, decisionID)
}

func (s *Store) GetCorrection(ctx context.Context, id string) (*contracts.Correction, error) {
	return s.backend.GetCorrection(ctx, id)
}

func (s *Store) emit(ctx context.Context, t events.Type, service, decisionID, detail string) {
	ev := events.New(t)
	ev.ServiceName = service
	ev.DecisionID = decisionID
	ev.Detail = detail
	switch t {
	case events.DecisionFlagged:
		ev.Status = string(contracts.StatusFlaggedIncorrect)
	case events.DecisionCorrected:
		ev.Status = string(contracts.StatusCorrected)
	}
	s.emitter.Emit(ctx, ev)
}
