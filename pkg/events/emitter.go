package events

import (
	"context"
	"log/slog"
)

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger.With("component", "events")}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) {
	e.logger.InfoContext(ctx, "ledger event",
		"type", event.Type,
		"service_name", event.ServiceName,
		"decision_id", event.DecisionID,
		"replay_id", event.ReplayID,
		"status", event.Status,
		"detail", event.Detail,
	)
}

// MultiEmitter fans an event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

func (m *MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m.emitters {
		e.Emit(ctx, event)
	}
}
