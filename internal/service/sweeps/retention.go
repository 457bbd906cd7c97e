package sweeps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"schedula/scheduler/internal/domain"
)

const DefaultRetentionHorizon = 90 * 24 * time.Hour

type RetentionRepository interface {
	DeleteAppointmentsBefore(ctx context.Context, cutoff time.Time, statuses []domain.AppointmentStatus) (int64, error)
}

type RetentionReport struct {
	Cutoff  time.Time
	Deleted int64
}

// RetentionSweeper hard-deletes cancelled and completed appointments that
// started before now minus the horizon. Pending and confirmed appointments
// are never removed by age.
type RetentionSweeper struct {
	repo    RetentionRepository
	horizon time.Duration
	now     func() time.Time
	log     *slog.Logger
}

type RetentionOption func(*RetentionSweeper)

func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(s *RetentionSweeper) { s.now = now }
}

func NewRetentionSweeper(repo RetentionRepository, horizon time.Duration, log *slog.Logger, opts ...RetentionOption) *RetentionSweeper {
	if horizon <= 0 {
		horizon = DefaultRetentionHorizon
	}
	if log == nil {
		log = slog.Default()
	}
	s := &RetentionSweeper{
		repo:    repo,
		horizon: horizon,
		now:     time.Now,
		log:     log.With(slog.String("component", "retention_sweeper")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RetentionSweeper) Sweep(ctx context.Context) (RetentionReport, error) {
	cutoff := s.now().UTC().Add(-s.horizon)
	n, err := s.repo.DeleteAppointmentsBefore(ctx, cutoff, domain.PurgeableStatuses)
	if err != nil {
		return RetentionReport{Cutoff: cutoff}, fmt.Errorf("purge appointments before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.log.Info("retention sweep finished", slog.Time("cutoff", cutoff), slog.Int64("deleted", n))
	return RetentionReport{Cutoff: cutoff, Deleted: n}, nil
}
