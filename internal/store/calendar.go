package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schedula/scheduler/internal/domain"
)

type CalendarTx interface {
	AvailabilityReader

	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	FindAppointmentAt(ctx context.Context, actorID string, start, end time.Time) (domain.Appointment, error)
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, appt domain.Appointment) error
	UpdateAppointmentTimes(ctx context.Context, id uuid.UUID, start, end time.Time) error

	CreateRecurrence(ctx context.Context, rec domain.Recurrence) (domain.Recurrence, error)
	SetRecurrenceActive(ctx context.Context, actorID string, id uuid.UUID, active bool) error
	CreateBlock(ctx context.Context, block domain.Block) (domain.Block, error)
	SetBlockActive(ctx context.Context, actorID string, id uuid.UUID, active bool) error
}
