package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventSource string

const (
	EventSourceAction   EventSource = "action"
	EventSourceResolver EventSource = "conflict_resolver"
)

// StatusChanged is emitted for every appointment status transition.
type StatusChanged struct {
	AppointmentID uuid.UUID
	ActorID       string
	OldStatus     AppointmentStatus
	NewStatus     AppointmentStatus
	Reason        string
	Source        EventSource
	OccurredAt    time.Time
}
