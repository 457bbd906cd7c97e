// Package sweeps holds the periodic jobs that keep the appointment set in
// step with recurrence rules and bounded in size.
package sweeps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/service/availability"
	"schedula/scheduler/internal/store"
)

// Horizons is how far ahead each frequency is materialized.
type Horizons struct {
	Daily   time.Duration
	Weekly  time.Duration
	Monthly time.Duration
}

func (h Horizons) For(f domain.RecurrenceFrequency) time.Duration {
	switch f {
	case domain.RecurrenceFrequencyDaily:
		return h.Daily
	case domain.RecurrenceFrequencyWeekly:
		return h.Weekly
	case domain.RecurrenceFrequencyMonthly:
		return h.Monthly
	}
	return 0
}

type RecurrenceConfig struct {
	Horizons       Horizons
	MonthDayPolicy domain.MonthDayPolicy
	// Parallelism caps how many actors are swept at once.
	Parallelism int
	// WritesPerSecond throttles appointment inserts across the sweep. Zero
	// disables throttling.
	WritesPerSecond float64
}

type RecurrenceRepository interface {
	ListActiveRecurrences(ctx context.Context) ([]domain.Recurrence, error)
	InActorTransaction(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error
}

// ResolveEnqueuer schedules a deferred conflict check, waiting for queue room
// instead of dropping the check.
type ResolveEnqueuer interface {
	EnqueueResolveWait(ctx context.Context, actorID string, id uuid.UUID) error
}

type RecurrenceReport struct {
	Actors      int
	Recurrences int
	Created     int
	Existing    int
	Blocked     int
	Conflicting int
	Past        int
	Invalid     int
}

func (r *RecurrenceReport) add(o RecurrenceReport) {
	r.Recurrences += o.Recurrences
	r.Created += o.Created
	r.Existing += o.Existing
	r.Blocked += o.Blocked
	r.Conflicting += o.Conflicting
	r.Past += o.Past
	r.Invalid += o.Invalid
}

type RecurrenceSweeper struct {
	repo     RecurrenceRepository
	resolver ResolveEnqueuer
	cfg      RecurrenceConfig
	limiter  *rate.Limiter
	now      func() time.Time
	log      *slog.Logger
}

type RecurrenceOption func(*RecurrenceSweeper)

func WithRecurrenceClock(now func() time.Time) RecurrenceOption {
	return func(s *RecurrenceSweeper) { s.now = now }
}

// WithResolveEnqueuer makes every materialized appointment go through the
// deferred conflict check as well.
func WithResolveEnqueuer(e ResolveEnqueuer) RecurrenceOption {
	return func(s *RecurrenceSweeper) { s.resolver = e }
}

func NewRecurrenceSweeper(repo RecurrenceRepository, cfg RecurrenceConfig, log *slog.Logger, opts ...RecurrenceOption) *RecurrenceSweeper {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MonthDayPolicy == "" {
		cfg.MonthDayPolicy = domain.MonthDaySkip
	}
	if log == nil {
		log = slog.Default()
	}
	s := &RecurrenceSweeper{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
		log:  log.With(slog.String("component", "recurrence_sweeper")),
	}
	if cfg.WritesPerSecond > 0 {
		burst := int(cfg.WritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep materializes every active recurrence up to its frequency's horizon.
// Actors are independent and swept in parallel; a failing actor does not stop
// the others, and its already created occurrences stay in place.
func (s *RecurrenceSweeper) Sweep(ctx context.Context) (RecurrenceReport, error) {
	rules, err := s.repo.ListActiveRecurrences(ctx)
	if err != nil {
		return RecurrenceReport{}, fmt.Errorf("list active recurrences: %w", err)
	}

	byActor := map[string][]domain.Recurrence{}
	for _, rule := range rules {
		byActor[rule.ActorID] = append(byActor[rule.ActorID], rule)
	}
	actors := make([]string, 0, len(byActor))
	for actorID := range byActor {
		actors = append(actors, actorID)
	}
	sort.Strings(actors)

	now := s.now()
	var (
		mu     sync.Mutex
		report = RecurrenceReport{Actors: len(actors)}
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.Parallelism)
	for _, actorID := range actors {
		actorID := actorID
		g.Go(func() error {
			r, err := s.sweepActor(ctx, actorID, byActor[actorID], now)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			if err != nil {
				s.log.Error("actor sweep failed", slog.String("actor_id", actorID), slog.Any("err", err))
				return fmt.Errorf("sweep actor %s: %w", actorID, err)
			}
			return nil
		})
	}
	err = g.Wait()

	s.log.Info("recurrence sweep finished",
		slog.Int("actors", report.Actors),
		slog.Int("recurrences", report.Recurrences),
		slog.Int("created", report.Created),
		slog.Int("existing", report.Existing),
		slog.Int("blocked", report.Blocked),
		slog.Int("conflicting", report.Conflicting),
		slog.Int("past", report.Past),
		slog.Int("invalid", report.Invalid),
	)
	return report, err
}

func (s *RecurrenceSweeper) sweepActor(ctx context.Context, actorID string, rules []domain.Recurrence, now time.Time) (RecurrenceReport, error) {
	var report RecurrenceReport
	for _, rule := range rules {
		report.Recurrences++

		loc, err := rule.Location()
		if err != nil {
			report.Invalid++
			s.log.Warn("skipping recurrence with unknown timezone",
				slog.String("recurrence_id", rule.ID.String()),
				slog.String("timezone", rule.Timezone),
			)
			continue
		}

		localNow := now.In(loc)
		horizon := localNow.Add(s.cfg.Horizons.For(rule.Frequency))
		dates, err := domain.ExpandOccurrences(rule, localNow, horizon, s.cfg.MonthDayPolicy)
		if err != nil {
			var ruleErr *domain.InvalidRuleError
			if errors.As(err, &ruleErr) {
				report.Invalid++
				s.log.Warn("skipping invalid recurrence",
					slog.String("recurrence_id", rule.ID.String()),
					slog.Any("err", err),
				)
				continue
			}
			return report, err
		}

		for _, date := range dates {
			iv := rule.OccurrenceInterval(date, loc)
			if !iv.End.After(now) {
				report.Past++
				continue
			}
			result, err := s.materialize(ctx, rule, iv)
			if err != nil {
				var ivErr *domain.InvalidIntervalError
				if errors.As(err, &ivErr) {
					report.Invalid++
					s.log.Warn("skipping unplaceable occurrence",
						slog.String("recurrence_id", rule.ID.String()),
						slog.String("date", date.Format(time.DateOnly)),
						slog.Any("err", err),
					)
					continue
				}
				return report, fmt.Errorf("materialize recurrence %s at %s: %w", rule.ID, iv.Start.Format(time.RFC3339), err)
			}
			switch result {
			case resultCreated:
				report.Created++
			case resultExisting:
				report.Existing++
			case resultBlocked:
				report.Blocked++
			case resultConflicting:
				report.Conflicting++
			}
		}
	}
	return report, nil
}

type materializeResult int

const (
	resultCreated materializeResult = iota
	resultExisting
	resultBlocked
	resultConflicting
)

// materialize creates one occurrence inside the actor's critical section.
// The existence check on the exact interval is the idempotency key, so a
// re-run over the same window creates nothing.
func (s *RecurrenceSweeper) materialize(ctx context.Context, rule domain.Recurrence, iv domain.Interval) (materializeResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	result := resultCreated
	var created domain.Appointment
	err := s.repo.InActorTransaction(ctx, rule.ActorID, func(ctx context.Context, tx store.CalendarTx) error {
		checker := availability.NewChecker(tx)

		blocked, err := checker.IsBlocked(ctx, rule.ActorID, iv.Start, iv.End)
		if err != nil {
			return err
		}
		if blocked {
			result = resultBlocked
			return nil
		}

		_, err = tx.FindAppointmentAt(ctx, rule.ActorID, iv.Start, iv.End)
		switch {
		case err == nil:
			result = resultExisting
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		conflict, err := checker.HasConflict(ctx, rule.ActorID, iv.Start, iv.End, uuid.Nil)
		if err != nil {
			return err
		}
		if conflict {
			result = resultConflicting
			return nil
		}

		recID := rule.ID
		created, err = tx.CreateAppointment(ctx, domain.Appointment{
			ActorID:      rule.ActorID,
			ClientID:     rule.ActorID,
			RecurrenceID: &recID,
			StartTime:    iv.Start,
			EndTime:      iv.End,
			Status:       domain.AppointmentStatusConfirmed,
			Notes:        "Recurring appointment - " + rule.Frequency.Label(),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return resultExisting, nil
		}
		return 0, err
	}

	if result == resultCreated {
		s.log.Debug("occurrence materialized",
			slog.String("actor_id", rule.ActorID),
			slog.String("recurrence_id", rule.ID.String()),
			slog.String("appointment_id", created.ID.String()),
			slog.Time("start", iv.Start),
		)
		if s.resolver != nil {
			if err := s.resolver.EnqueueResolveWait(ctx, rule.ActorID, created.ID); err != nil {
				s.log.Warn("enqueue conflict check failed", slog.String("appointment_id", created.ID.String()), slog.Any("err", err))
			}
		}
	}
	return result, nil
}
