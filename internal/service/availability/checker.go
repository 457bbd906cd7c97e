// Package availability answers whether a time interval is free on an actor's
// calendar. All checks use half-open [start, end) intervals, so touching
// intervals never overlap.
package availability

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/store"
)

type Checker struct {
	reader store.AvailabilityReader
}

func NewChecker(reader store.AvailabilityReader) *Checker {
	return &Checker{reader: reader}
}

// IsBlocked reports whether any active block of actorID overlaps [start, end).
func (c *Checker) IsBlocked(ctx context.Context, actorID string, start, end time.Time) (bool, error) {
	_, ok, err := c.FirstBlock(ctx, actorID, start, end)
	return ok, err
}

// HasConflict reports whether any pending or confirmed appointment of actorID
// other than excludeID overlaps [start, end). Pass uuid.Nil to exclude nothing.
func (c *Checker) HasConflict(ctx context.Context, actorID string, start, end time.Time, excludeID uuid.UUID) (bool, error) {
	_, ok, err := c.FirstConflict(ctx, actorID, start, end, excludeID)
	return ok, err
}

// FirstBlock returns the earliest-starting active block overlapping the interval.
func (c *Checker) FirstBlock(ctx context.Context, actorID string, start, end time.Time) (domain.Block, bool, error) {
	if _, err := domain.NewInterval(start, end); err != nil {
		return domain.Block{}, false, err
	}
	rows, err := c.reader.ListOverlappingBlocks(ctx, actorID, start, end)
	if err != nil {
		return domain.Block{}, false, err
	}
	want := domain.Interval{Start: start, End: end}
	for _, b := range rows {
		if b.Active && b.Interval().Overlaps(want) {
			return b, true, nil
		}
	}
	return domain.Block{}, false, nil
}

// FirstConflict returns the earliest-starting active appointment overlapping
// the interval.
func (c *Checker) FirstConflict(ctx context.Context, actorID string, start, end time.Time, excludeID uuid.UUID) (domain.Appointment, bool, error) {
	if _, err := domain.NewInterval(start, end); err != nil {
		return domain.Appointment{}, false, err
	}
	rows, err := c.reader.ListOverlappingAppointments(ctx, store.OverlapQuery{
		ActorID:   actorID,
		Start:     start,
		End:       end,
		Statuses:  domain.ActiveStatuses,
		ExcludeID: excludeID,
	})
	if err != nil {
		return domain.Appointment{}, false, err
	}
	want := domain.Interval{Start: start, End: end}
	for _, a := range rows {
		if a.ID == excludeID || !a.Status.Active() {
			continue
		}
		if a.Interval().Overlaps(want) {
			return a, true, nil
		}
	}
	return domain.Appointment{}, false, nil
}

