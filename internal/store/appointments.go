package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schedula/scheduler/internal/domain"
)

// OverlapQuery selects an actor's appointments intersecting [Start, End).
type OverlapQuery struct {
	ActorID   string
	Start     time.Time
	End       time.Time
	Statuses  []domain.AppointmentStatus
	ExcludeID uuid.UUID
}

// AvailabilityReader is the read side used by availability checks. Results
// are ordered by start time, then id.
type AvailabilityReader interface {
	ListOverlappingBlocks(ctx context.Context, actorID string, start, end time.Time) ([]domain.Block, error)
	ListOverlappingAppointments(ctx context.Context, q OverlapQuery) ([]domain.Appointment, error)
}

type ScheduleRepository interface {
	AvailabilityReader

	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListActiveRecurrences(ctx context.Context) ([]domain.Recurrence, error)
	DeleteAppointmentsBefore(ctx context.Context, cutoff time.Time, statuses []domain.AppointmentStatus) (int64, error)

	// InActorTransaction runs fn with exclusive access to one actor's calendar.
	InActorTransaction(ctx context.Context, actorID string, fn func(ctx context.Context, tx CalendarTx) error) error
}
