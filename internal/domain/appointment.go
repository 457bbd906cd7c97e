package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusRejected  AppointmentStatus = "rejected"
)

// ActiveStatuses hold an actor's time. Two appointments of the same actor in
// these statuses must never overlap.
var ActiveStatuses = []AppointmentStatus{
	AppointmentStatusPending,
	AppointmentStatusConfirmed,
}

// PurgeableStatuses are the terminal statuses eligible for retention cleanup.
var PurgeableStatuses = []AppointmentStatus{
	AppointmentStatusCancelled,
	AppointmentStatusCompleted,
}

func (s AppointmentStatus) Active() bool {
	return s == AppointmentStatusPending || s == AppointmentStatusConfirmed
}

var transitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentStatusPending: {
		AppointmentStatusConfirmed,
		AppointmentStatusRejected,
		AppointmentStatusCancelled,
	},
	AppointmentStatusConfirmed: {
		AppointmentStatusCancelled,
		AppointmentStatusCompleted,
	},
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID           uuid.UUID           `bun:"id,pk,type:uuid"`
	ActorID      string              `bun:"actor_id,notnull"`
	ClientID     string              `bun:"client_id,notnull"`
	ServiceID    *string             `bun:"service_id"`
	RecurrenceID *uuid.UUID          `bun:"recurrence_id,type:uuid"`
	StartTime    time.Time           `bun:"start_time,notnull"`
	EndTime      time.Time           `bun:"end_time,notnull"`
	Status       AppointmentStatus   `bun:"status,notnull"`
	FinalPrice   decimal.NullDecimal `bun:"final_price,type:numeric(10,2)"`
	Notes        string              `bun:"notes"`
	CancelReason string              `bun:"cancel_reason"`
	CancelledAt  *time.Time          `bun:"cancelled_at"`
	CreatedAt    time.Time           `bun:"created_at,notnull"`
	UpdatedAt    time.Time           `bun:"updated_at,notnull"`
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

// Transition moves the appointment to status to, returning the event that
// describes the change. The appointment is left untouched on error.
func (a *Appointment) Transition(to AppointmentStatus, reason string, source EventSource, at time.Time) (StatusChanged, error) {
	from := a.Status
	if !CanTransition(from, to) {
		return StatusChanged{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	a.Status = to
	if to == AppointmentStatusCancelled {
		a.CancelReason = reason
		cancelledAt := at.UTC()
		a.CancelledAt = &cancelledAt
	}

	return StatusChanged{
		AppointmentID: a.ID,
		ActorID:       a.ActorID,
		OldStatus:     from,
		NewStatus:     to,
		Reason:        reason,
		Source:        source,
		OccurredAt:    at.UTC(),
	}, nil
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}
