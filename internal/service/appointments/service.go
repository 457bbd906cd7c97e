package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/events"
	"schedula/scheduler/internal/service/availability"
	"schedula/scheduler/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// ErrBlocked rejects a booking that overlaps one of the actor's active blocks.
var ErrBlocked = errors.New("interval overlaps a blocked period")

const maxAppointmentDuration = 24 * time.Hour

type Repository interface {
	InActorTransaction(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error
}

type ResolveEnqueuer interface {
	EnqueueResolve(actorID string, id uuid.UUID) error
}

type Service struct {
	repo      Repository
	resolver  ResolveEnqueuer
	publisher events.Publisher
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, resolver ResolveEnqueuer, publisher events.Publisher, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
		now:       time.Now,
		log:       log.With(slog.String("component", "appointments")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BookInput struct {
	ActorID  string
	ClientID string
	// Service is resolved by the caller. When set, a zero EndTime defaults to
	// StartTime plus the service duration and a nil FinalPrice to its base
	// price.
	Service    *domain.Service
	StartTime  time.Time
	EndTime    time.Time
	FinalPrice *decimal.Decimal
	Notes      string
}

// Book creates a pending appointment after checking, inside the actor's
// critical section, that the interval is neither blocked nor taken.
func (s *Service) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	actorID := strings.TrimSpace(in.ActorID)
	if actorID == "" {
		return domain.Appointment{}, validationError("actor_id is required")
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return domain.Appointment{}, validationError("client_id is required")
	}

	appt := domain.Appointment{
		ActorID:  actorID,
		ClientID: clientID,
		Status:   domain.AppointmentStatusPending,
		Notes:    in.Notes,
	}
	end := in.EndTime
	if svc := in.Service; svc != nil {
		if svc.ActorID != actorID {
			return domain.Appointment{}, validationError("service does not belong to actor")
		}
		serviceID := svc.ID
		appt.ServiceID = &serviceID
		if end.IsZero() {
			if svc.Duration <= 0 {
				return domain.Appointment{}, validationError("service duration must be positive")
			}
			end = in.StartTime.Add(svc.Duration)
		}
		appt.FinalPrice = decimal.NewNullDecimal(svc.BasePrice)
	}
	if in.FinalPrice != nil {
		if in.FinalPrice.IsNegative() {
			return domain.Appointment{}, validationError("final_price must not be negative")
		}
		appt.FinalPrice = decimal.NewNullDecimal(*in.FinalPrice)
	}

	iv, err := checkInterval(in.StartTime, end)
	if err != nil {
		return domain.Appointment{}, err
	}
	appt.StartTime = iv.Start
	appt.EndTime = iv.End

	var created domain.Appointment
	err = s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		if err := ensureFree(ctx, availability.NewChecker(tx), actorID, iv, uuid.Nil); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateAppointment(ctx, appt)
		return err
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.enqueueResolve(created)
	return created, nil
}

// Reschedule moves an active appointment to a new interval, re-running the
// same gate as Book with the appointment itself excluded.
func (s *Service) Reschedule(ctx context.Context, actorID string, id uuid.UUID, start, end time.Time) (domain.Appointment, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Appointment{}, validationError("actor_id is required")
	}
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	iv, err := checkInterval(start, end)
	if err != nil {
		return domain.Appointment{}, err
	}

	var updated domain.Appointment
	err = s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		cur, err := loadOwned(ctx, tx, actorID, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return validationError(fmt.Sprintf("cannot reschedule %s appointment", cur.Status))
		}
		if err := ensureFree(ctx, availability.NewChecker(tx), actorID, iv, id); err != nil {
			return err
		}
		if err := tx.UpdateAppointmentTimes(ctx, id, iv.Start, iv.End); err != nil {
			return err
		}
		cur.StartTime = iv.Start
		cur.EndTime = iv.End
		updated = cur
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.enqueueResolve(updated)
	return updated, nil
}

func (s *Service) Confirm(ctx context.Context, actorID string, id uuid.UUID) (domain.Appointment, error) {
	return s.transition(ctx, actorID, id, domain.AppointmentStatusConfirmed, "")
}

func (s *Service) Reject(ctx context.Context, actorID string, id uuid.UUID, reason string) (domain.Appointment, error) {
	return s.transition(ctx, actorID, id, domain.AppointmentStatusRejected, reason)
}

func (s *Service) Cancel(ctx context.Context, actorID string, id uuid.UUID, reason string) (domain.Appointment, error) {
	return s.transition(ctx, actorID, id, domain.AppointmentStatusCancelled, reason)
}

func (s *Service) Complete(ctx context.Context, actorID string, id uuid.UUID) (domain.Appointment, error) {
	return s.transition(ctx, actorID, id, domain.AppointmentStatusCompleted, "")
}

func (s *Service) transition(ctx context.Context, actorID string, id uuid.UUID, to domain.AppointmentStatus, reason string) (domain.Appointment, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Appointment{}, validationError("actor_id is required")
	}
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	var (
		updated domain.Appointment
		ev      domain.StatusChanged
	)
	err := s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		cur, err := loadOwned(ctx, tx, actorID, id)
		if err != nil {
			return err
		}
		ev, err = cur.Transition(to, strings.TrimSpace(reason), domain.EventSourceAction, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateAppointmentStatus(ctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("status event delivery failed", slog.String("appointment_id", id.String()), slog.Any("err", err))
	}
	return updated, nil
}

type RecurrenceInput struct {
	ActorID    string
	Frequency  domain.RecurrenceFrequency
	StartTime  string
	EndTime    string
	Weekday    *time.Weekday
	DayOfMonth *int
	ValidFrom  time.Time
	ValidUntil *time.Time
	Timezone   string
}

func (s *Service) CreateRecurrence(ctx context.Context, in RecurrenceInput) (domain.Recurrence, error) {
	actorID := strings.TrimSpace(in.ActorID)
	if actorID == "" {
		return domain.Recurrence{}, validationError("actor_id is required")
	}
	startTime, err := domain.ParseTimeOfDay(in.StartTime)
	if err != nil {
		return domain.Recurrence{}, &domain.InvalidRuleError{Field: "start_time", Reason: "must be HH:MM"}
	}
	endTime, err := domain.ParseTimeOfDay(in.EndTime)
	if err != nil {
		if strings.TrimSpace(in.EndTime) != "24:00" {
			return domain.Recurrence{}, &domain.InvalidRuleError{Field: "end_time", Reason: "must be HH:MM"}
		}
		endTime = domain.NewTimeOfDay(24, 0)
	}
	tz := strings.TrimSpace(in.Timezone)
	if tz == "" {
		tz = "UTC"
	}

	rec := domain.Recurrence{
		ActorID:   actorID,
		Frequency: domain.RecurrenceFrequency(strings.ToLower(strings.TrimSpace(string(in.Frequency)))),
		StartTime: startTime,
		EndTime:   endTime,
		ValidFrom: calendarDate(in.ValidFrom),
		Timezone:  tz,
		Active:    true,
	}
	switch rec.Frequency {
	case domain.RecurrenceFrequencyWeekly:
		rec.Weekday = in.Weekday
	case domain.RecurrenceFrequencyMonthly:
		rec.DayOfMonth = in.DayOfMonth
	}
	if in.ValidUntil != nil {
		until := calendarDate(*in.ValidUntil)
		rec.ValidUntil = &until
	}
	if err := rec.Validate(); err != nil {
		return domain.Recurrence{}, err
	}

	var created domain.Recurrence
	err = s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		var err error
		created, err = tx.CreateRecurrence(ctx, rec)
		return err
	})
	if err != nil {
		return domain.Recurrence{}, err
	}
	s.log.Info("recurrence created",
		slog.String("actor_id", actorID),
		slog.String("recurrence_id", created.ID.String()),
		slog.String("frequency", string(created.Frequency)),
	)
	return created, nil
}

// DeactivateRecurrence stops future materialization. Appointments already
// created from the rule are kept.
func (s *Service) DeactivateRecurrence(ctx context.Context, actorID string, id uuid.UUID) error {
	if strings.TrimSpace(actorID) == "" {
		return validationError("actor_id is required")
	}
	return s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		return tx.SetRecurrenceActive(ctx, actorID, id, false)
	})
}

type BlockInput struct {
	ActorID     string
	Title       string
	Description string
	Kind        domain.BlockKind
	StartTime   time.Time
	EndTime     time.Time
}

// CreateBlock stores a blackout window and queues a conflict check for every
// active appointment it covers.
func (s *Service) CreateBlock(ctx context.Context, in BlockInput) (domain.Block, error) {
	actorID := strings.TrimSpace(in.ActorID)
	if actorID == "" {
		return domain.Block{}, validationError("actor_id is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Block{}, validationError("title is required")
	}
	kind := in.Kind
	if kind == "" {
		kind = domain.BlockKindOther
	}
	if !kind.Valid() {
		return domain.Block{}, validationError("unknown block kind")
	}
	iv, err := domain.NewInterval(in.StartTime, in.EndTime)
	if err != nil {
		return domain.Block{}, err
	}

	var (
		created  domain.Block
		affected []domain.Appointment
	)
	err = s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		var err error
		created, err = tx.CreateBlock(ctx, domain.Block{
			ActorID:     actorID,
			Title:       title,
			Description: in.Description,
			Kind:        kind,
			StartTime:   iv.Start,
			EndTime:     iv.End,
			Active:      true,
		})
		if err != nil {
			return err
		}
		affected, err = tx.ListOverlappingAppointments(ctx, store.OverlapQuery{
			ActorID:  actorID,
			Start:    iv.Start,
			End:      iv.End,
			Statuses: domain.ActiveStatuses,
		})
		return err
	})
	if err != nil {
		return domain.Block{}, err
	}

	for _, appt := range affected {
		s.enqueueResolve(appt)
	}
	return created, nil
}

func (s *Service) DeactivateBlock(ctx context.Context, actorID string, id uuid.UUID) error {
	if strings.TrimSpace(actorID) == "" {
		return validationError("actor_id is required")
	}
	return s.repo.InActorTransaction(ctx, actorID, func(ctx context.Context, tx store.CalendarTx) error {
		return tx.SetBlockActive(ctx, actorID, id, false)
	})
}

func (s *Service) enqueueResolve(appt domain.Appointment) {
	if s.resolver == nil {
		return
	}
	if err := s.resolver.EnqueueResolve(appt.ActorID, appt.ID); err != nil {
		s.log.Warn("enqueue conflict check failed",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("actor_id", appt.ActorID),
			slog.Any("err", err),
		)
	}
}

func checkInterval(start, end time.Time) (domain.Interval, error) {
	iv, err := domain.NewInterval(start, end)
	if err != nil {
		return domain.Interval{}, err
	}
	if iv.Duration() > maxAppointmentDuration {
		return domain.Interval{}, validationError("duration too long")
	}
	return iv, nil
}

func ensureFree(ctx context.Context, checker *availability.Checker, actorID string, iv domain.Interval, excludeID uuid.UUID) error {
	blocked, err := checker.IsBlocked(ctx, actorID, iv.Start, iv.End)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	conflict, err := checker.HasConflict(ctx, actorID, iv.Start, iv.End, excludeID)
	if err != nil {
		return err
	}
	if conflict {
		return store.ErrConflict
	}
	return nil
}

func loadOwned(ctx context.Context, tx store.CalendarTx, actorID string, id uuid.UUID) (domain.Appointment, error) {
	appt, err := tx.GetAppointment(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	if appt.ActorID != actorID {
		return domain.Appointment{}, store.ErrNotFound
	}
	return appt, nil
}

func calendarDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
