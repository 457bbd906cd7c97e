// Package conflicts re-validates appointments after they are written and
// cancels the ones that ended up overlapping another commitment.
package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/events"
	"schedula/scheduler/internal/jobs"
	"schedula/scheduler/internal/service/availability"
	"schedula/scheduler/internal/store"
)

type Outcome string

const (
	OutcomeMissing           Outcome = "missing"
	OutcomeInactive          Outcome = "inactive"
	OutcomeKept              Outcome = "kept"
	OutcomeCancelledConflict Outcome = "cancelled_conflict"
	OutcomeCancelledBlock    Outcome = "cancelled_block"
)

type Repository interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	InActorTransaction(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error
}

type Resolver struct {
	repo      Repository
	publisher events.Publisher
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(repo Repository, publisher events.Publisher, log *slog.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
		log:       log.With(slog.String("component", "conflict_resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve re-checks appointment id against the actor's other active
// appointments and active blocks. Appointment overlaps are checked before
// blocks, so an appointment hitting both is cancelled citing the other
// appointment. The resolver only ever cancels; it never confirms.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID) (Outcome, error) {
	appt, err := r.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Info("appointment gone, nothing to resolve", slog.String("appointment_id", id.String()))
			return OutcomeMissing, nil
		}
		return "", fmt.Errorf("load appointment %s: %w", id, err)
	}

	outcome := OutcomeKept
	var ev domain.StatusChanged
	err = r.repo.InActorTransaction(ctx, appt.ActorID, func(ctx context.Context, tx store.CalendarTx) error {
		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			outcome = OutcomeInactive
			return nil
		}

		checker := availability.NewChecker(tx)
		reason := ""
		other, ok, err := checker.FirstConflict(ctx, cur.ActorID, cur.StartTime, cur.EndTime, cur.ID)
		if err != nil {
			return err
		}
		if ok {
			reason = "Cancelled due to conflict: " + other.ID.String()
			outcome = OutcomeCancelledConflict
		} else {
			block, blocked, err := checker.FirstBlock(ctx, cur.ActorID, cur.StartTime, cur.EndTime)
			if err != nil {
				return err
			}
			if !blocked {
				return nil
			}
			reason = "Cancelled due to block: " + block.Title
			outcome = OutcomeCancelledBlock
		}

		ev, err = cur.Transition(domain.AppointmentStatusCancelled, reason, domain.EventSourceResolver, r.now())
		if err != nil {
			return err
		}
		return tx.UpdateAppointmentStatus(ctx, cur)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Info("appointment gone, nothing to resolve", slog.String("appointment_id", id.String()))
			return OutcomeMissing, nil
		}
		return "", fmt.Errorf("resolve appointment %s: %w", id, err)
	}

	if outcome == OutcomeCancelledConflict || outcome == OutcomeCancelledBlock {
		r.log.Info("appointment cancelled",
			slog.String("appointment_id", id.String()),
			slog.String("actor_id", appt.ActorID),
			slog.String("reason", ev.Reason),
		)
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.Warn("status event delivery failed", slog.String("appointment_id", id.String()), slog.Any("err", err))
		}
	}
	return outcome, nil
}

// HandleJob adapts Resolve to the job queue.
func (r *Resolver) HandleJob(ctx context.Context, job jobs.Job) error {
	_, err := r.Resolve(ctx, job.ID)
	return err
}

type enqueuer interface {
	Enqueue(job jobs.Job) error
	EnqueueWait(ctx context.Context, job jobs.Job) error
}

// Deferred schedules resolver runs on a job queue keyed by actor.
type Deferred struct {
	q enqueuer
}

func NewDeferred(q enqueuer) *Deferred {
	return &Deferred{q: q}
}

func (d *Deferred) EnqueueResolve(actorID string, id uuid.UUID) error {
	return d.q.Enqueue(jobs.Job{Key: actorID, ID: id})
}

// EnqueueResolveWait blocks until the queue has room, for bulk producers that
// should slow down rather than drop checks.
func (d *Deferred) EnqueueResolveWait(ctx context.Context, actorID string, id uuid.UUID) error {
	return d.q.EnqueueWait(ctx, jobs.Job{Key: actorID, ID: id})
}
