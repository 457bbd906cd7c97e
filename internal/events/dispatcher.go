// Package events routes domain events emitted by the scheduling core to the
// collaborators that consume them.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"schedula/scheduler/internal/domain"
)

// Sink receives status transitions. Delivery is outside the core; a sink may
// forward to a notifier, a calendar sync, or just a log.
type Sink interface {
	HandleStatusChanged(ctx context.Context, ev domain.StatusChanged) error
}

type SinkFunc func(ctx context.Context, ev domain.StatusChanged) error

func (f SinkFunc) HandleStatusChanged(ctx context.Context, ev domain.StatusChanged) error {
	return f(ctx, ev)
}

// Publisher is what mutating components depend on.
type Publisher interface {
	Publish(ctx context.Context, evs ...domain.StatusChanged) error
}

type Dispatcher struct {
	log *slog.Logger

	mu    sync.RWMutex
	sinks []namedSink
}

type namedSink struct {
	name string
	sink Sink
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log.With(slog.String("component", "events"))}
}

func (d *Dispatcher) Register(name string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// Publish hands every event to every registered sink in registration order. A
// failing sink does not stop delivery to the others; all failures are
// returned joined.
func (d *Dispatcher) Publish(ctx context.Context, evs ...domain.StatusChanged) error {
	d.mu.RLock()
	sinks := make([]namedSink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	var errs []error
	for _, ev := range evs {
		for _, s := range sinks {
			if err := s.sink.HandleStatusChanged(ctx, ev); err != nil {
				d.log.Warn("event sink failed",
					slog.String("sink", s.name),
					slog.String("appointment_id", ev.AppointmentID.String()),
					slog.Any("err", err),
				)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With(slog.String("component", "notifications"))}
}

func (s *LogSink) HandleStatusChanged(ctx context.Context, ev domain.StatusChanged) error {
	s.log.InfoContext(ctx, "appointment status changed",
		slog.String("appointment_id", ev.AppointmentID.String()),
		slog.String("actor_id", ev.ActorID),
		slog.String("old_status", string(ev.OldStatus)),
		slog.String("new_status", string(ev.NewStatus)),
		slog.String("reason", ev.Reason),
		slog.String("source", string(ev.Source)),
		slog.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}
