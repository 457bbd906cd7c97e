package sweeps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/store"
	"schedula/scheduler/internal/store/sqlstore"
	"schedula/scheduler/internal/testfixtures"
)

var sweepStart = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

var week = Horizons{Daily: 7 * 24 * time.Hour, Weekly: 7 * 24 * time.Hour, Monthly: 90 * 24 * time.Hour}

func dailyRule(actorID string) domain.Recurrence {
	return domain.Recurrence{
		ActorID:   actorID,
		Frequency: domain.RecurrenceFrequencyDaily,
		StartTime: domain.NewTimeOfDay(9, 0),
		EndTime:   domain.NewTimeOfDay(10, 0),
		ValidFrom: sweepStart,
		Active:    true,
	}
}

func newSweeper(repo RecurrenceRepository, cfg RecurrenceConfig, now time.Time, opts ...RecurrenceOption) *RecurrenceSweeper {
	opts = append([]RecurrenceOption{WithRecurrenceClock(func() time.Time { return now })}, opts...)
	return NewRecurrenceSweeper(repo, cfg, nil, opts...)
}

func allAppointments(t *testing.T, repo *sqlstore.Repo, actorID string) []domain.Appointment {
	t.Helper()
	rows, err := repo.ListOverlappingAppointments(context.Background(), store.OverlapQuery{
		ActorID: actorID,
		Start:   time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListOverlappingAppointments error: %v", err)
	}
	return rows
}

func TestRecurrenceSweeper_MaterializesDailyOccurrences(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	rule := testfixtures.SeedRecurrence(t, repo, dailyRule("actor-1"))

	report, err := newSweeper(repo, RecurrenceConfig{Horizons: week}, sweepStart).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if report.Created != 8 || report.Recurrences != 1 || report.Actors != 1 {
		t.Fatalf("report = %+v, want 8 created for 1 recurrence", report)
	}

	rows := allAppointments(t, repo, "actor-1")
	if len(rows) != 8 {
		t.Fatalf("len(rows) = %d, want 8", len(rows))
	}
	for i, a := range rows {
		wantStart := sweepStart.AddDate(0, 0, i).Add(9 * time.Hour)
		if !a.StartTime.Equal(wantStart) || !a.EndTime.Equal(wantStart.Add(time.Hour)) {
			t.Fatalf("rows[%d] = %v..%v, want start %v", i, a.StartTime, a.EndTime, wantStart)
		}
		if a.Status != domain.AppointmentStatusConfirmed || a.ClientID != "actor-1" || a.ServiceID != nil {
			t.Fatalf("rows[%d] = %+v, want confirmed self-booking without service", i, a)
		}
		if a.RecurrenceID == nil || *a.RecurrenceID != rule.ID {
			t.Fatalf("rows[%d].RecurrenceID = %v, want %v", i, a.RecurrenceID, rule.ID)
		}
		if a.Notes != "Recurring appointment - Daily" {
			t.Fatalf("rows[%d].Notes = %q", i, a.Notes)
		}
	}
}

func TestRecurrenceSweeper_IsIdempotent(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-1"))
	s := newSweeper(repo, RecurrenceConfig{Horizons: week}, sweepStart)

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep error: %v", err)
	}
	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep error: %v", err)
	}
	if report.Created != 0 || report.Existing != 8 {
		t.Fatalf("second report = %+v, want 0 created and 8 existing", report)
	}
	if n := len(allAppointments(t, repo, "actor-1")); n != 8 {
		t.Fatalf("rows after two sweeps = %d, want 8", n)
	}
}

func TestRecurrenceSweeper_SkipsBlockedConflictingAndExisting(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-1"))

	day := func(n int) time.Time { return sweepStart.AddDate(0, 0, n) }
	testfixtures.SeedBlock(t, repo, domain.Block{ActorID: "actor-1", Title: "Vacation", Kind: domain.BlockKindVacation, StartTime: day(2).Add(8 * time.Hour), EndTime: day(2).Add(12 * time.Hour), Active: true})
	testfixtures.SeedAppointment(t, repo, domain.Appointment{ActorID: "actor-1", StartTime: day(3).Add(9*time.Hour + 30*time.Minute), EndTime: day(3).Add(10*time.Hour + 30*time.Minute)})
	testfixtures.SeedAppointment(t, repo, domain.Appointment{ActorID: "actor-1", StartTime: day(4).Add(9 * time.Hour), EndTime: day(4).Add(10 * time.Hour), Status: domain.AppointmentStatusCancelled})
	testfixtures.SeedAppointment(t, repo, domain.Appointment{ActorID: "actor-1", StartTime: day(5).Add(10 * time.Hour), EndTime: day(5).Add(11 * time.Hour)})

	report, err := newSweeper(repo, RecurrenceConfig{Horizons: week}, sweepStart).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	want := RecurrenceReport{Actors: 1, Recurrences: 1, Created: 5, Existing: 1, Blocked: 1, Conflicting: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
}

func TestRecurrenceSweeper_SkipsOccurrencesAlreadyOver(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-1"))

	report, err := newSweeper(repo, RecurrenceConfig{Horizons: week}, sweepStart.Add(12*time.Hour)).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if report.Past != 1 || report.Created != 7 {
		t.Fatalf("report = %+v, want 1 past and 7 created", report)
	}
}

func TestRecurrenceSweeper_MonthlyShortMonths(t *testing.T) {
	tests := []struct {
		name   string
		policy domain.MonthDayPolicy
		want   []time.Time
	}{
		{
			name:   "skip",
			policy: domain.MonthDaySkip,
			want: []time.Time{
				time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "clamp",
			policy: domain.MonthDayClamp,
			want: []time.Time{
				time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := testfixtures.NewSQLiteRepo(t)
			dom := 31
			start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			testfixtures.SeedRecurrence(t, repo, domain.Recurrence{
				ActorID:    "actor-1",
				Frequency:  domain.RecurrenceFrequencyMonthly,
				StartTime:  domain.NewTimeOfDay(9, 0),
				EndTime:    domain.NewTimeOfDay(10, 0),
				DayOfMonth: &dom,
				ValidFrom:  start,
				Active:     true,
			})

			_, err := newSweeper(repo, RecurrenceConfig{Horizons: week, MonthDayPolicy: tt.policy}, start).Sweep(context.Background())
			if err != nil {
				t.Fatalf("Sweep error: %v", err)
			}
			rows := allAppointments(t, repo, "actor-1")
			if len(rows) != len(tt.want) {
				t.Fatalf("len(rows) = %d, want %d", len(rows), len(tt.want))
			}
			for i, w := range tt.want {
				if !rows[i].StartTime.Equal(w) {
					t.Fatalf("rows[%d].StartTime = %v, want %v", i, rows[i].StartTime, w)
				}
				if rows[i].Notes != "Recurring appointment - Monthly" {
					t.Fatalf("rows[%d].Notes = %q", i, rows[i].Notes)
				}
			}
		})
	}
}

func TestRecurrenceSweeper_AppliesRuleTimezone(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	wd := time.Tuesday
	testfixtures.SeedRecurrence(t, repo, domain.Recurrence{
		ActorID:   "actor-1",
		Frequency: domain.RecurrenceFrequencyWeekly,
		StartTime: domain.NewTimeOfDay(9, 0),
		EndTime:   domain.NewTimeOfDay(9, 45),
		Weekday:   &wd,
		ValidFrom: sweepStart,
		Timezone:  "America/New_York",
		Active:    true,
	})

	if _, err := newSweeper(repo, RecurrenceConfig{Horizons: week}, sweepStart.Add(12*time.Hour)).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	rows := allAppointments(t, repo, "actor-1")
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	want := time.Date(2026, 2, 3, 14, 0, 0, 0, time.UTC)
	if !rows[0].StartTime.Equal(want) || !rows[0].EndTime.Equal(want.Add(45*time.Minute)) {
		t.Fatalf("occurrence = %v..%v, want %v", rows[0].StartTime, rows[0].EndTime, want)
	}
	if rows[0].Notes != "Recurring appointment - Weekly" {
		t.Fatalf("notes = %q", rows[0].Notes)
	}
}

func TestRecurrenceSweeper_SkipsInvalidRulesAndSweepsActorsIndependently(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, domain.Recurrence{
		ActorID:   "actor-1",
		Frequency: domain.RecurrenceFrequencyWeekly,
		StartTime: domain.NewTimeOfDay(9, 0),
		EndTime:   domain.NewTimeOfDay(10, 0),
		ValidFrom: sweepStart,
		Active:    true,
	})
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-2"))
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-3"))

	report, err := newSweeper(repo, RecurrenceConfig{Horizons: week, Parallelism: 2}, sweepStart).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if report.Invalid != 1 || report.Created != 16 || report.Actors != 3 {
		t.Fatalf("report = %+v, want 1 invalid, 16 created over 3 actors", report)
	}
	if n := len(allAppointments(t, repo, "actor-1")); n != 0 {
		t.Fatalf("actor-1 rows = %d, want 0", n)
	}
}

func TestRecurrenceSweeper_SpringForwardGapDoesNotAbortActor(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, domain.Recurrence{
		ActorID:   "actor-ny",
		Frequency: domain.RecurrenceFrequencyDaily,
		StartTime: domain.NewTimeOfDay(1, 30),
		EndTime:   domain.NewTimeOfDay(2, 30),
		ValidFrom: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Timezone:  "America/New_York",
		Active:    true,
	})

	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	report, err := newSweeper(repo, RecurrenceConfig{Horizons: week}, now).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if report.Created != 7 || report.Past != 1 || report.Invalid != 0 {
		t.Fatalf("report = %+v, want 7 created and 1 past", report)
	}

	rows := allAppointments(t, repo, "actor-ny")
	if len(rows) != 7 {
		t.Fatalf("len(rows) = %d, want 7", len(rows))
	}
	gap := time.Date(2026, 3, 8, 6, 30, 0, 0, time.UTC)
	if !rows[2].StartTime.Equal(gap) || !rows[2].EndTime.Equal(gap.Add(time.Hour)) {
		t.Fatalf("gap day occurrence = %v..%v, want %v..%v", rows[2].StartTime, rows[2].EndTime, gap, gap.Add(time.Hour))
	}
	last := time.Date(2026, 3, 12, 5, 30, 0, 0, time.UTC)
	if !rows[6].StartTime.Equal(last) {
		t.Fatalf("last occurrence start = %v, want %v", rows[6].StartTime, last)
	}
}

func TestRecurrenceSweeper_SkipsUnplaceableOccurrence(t *testing.T) {
	rule := dailyRule("actor-1")
	rule.ID = testfixtures.UUID(1)
	until := sweepStart.AddDate(0, 0, 2)
	rule.ValidUntil = &until

	var calls int
	s := newSweeper(&fakeRecurrenceRepo{
		listFn: func(ctx context.Context) ([]domain.Recurrence, error) {
			return []domain.Recurrence{rule}, nil
		},
		txFn: func(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error {
			calls++
			if calls == 1 {
				return &domain.InvalidIntervalError{Start: sweepStart, End: sweepStart}
			}
			return store.ErrDuplicate
		},
	}, RecurrenceConfig{Horizons: week}, sweepStart)

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if report.Invalid != 1 || report.Existing != 2 || calls != 3 {
		t.Fatalf("report = %+v after %d transactions, want 1 invalid and 2 existing over 3", report, calls)
	}
}

func TestRecurrenceSweeper_RollsWindowForwardWithClock(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-1"))
	clock := testfixtures.NewClock(sweepStart)
	s := NewRecurrenceSweeper(repo, RecurrenceConfig{Horizons: week}, nil, WithRecurrenceClock(clock.Now))

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep error: %v", err)
	}
	clock.Advance(24 * time.Hour)
	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep error: %v", err)
	}
	want := RecurrenceReport{Actors: 1, Recurrences: 1, Created: 1, Existing: 7}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if n := len(allAppointments(t, repo, "actor-1")); n != 9 {
		t.Fatalf("rows = %d, want 9", n)
	}
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (e *recordingEnqueuer) EnqueueResolveWait(ctx context.Context, actorID string, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
	return nil
}

func TestRecurrenceSweeper_EnqueuesConflictChecks(t *testing.T) {
	repo := testfixtures.NewSQLiteRepo(t)
	testfixtures.SeedRecurrence(t, repo, dailyRule("actor-1"))
	enq := &recordingEnqueuer{}

	report, err := newSweeper(repo, RecurrenceConfig{Horizons: week, WritesPerSecond: 1000}, sweepStart, WithResolveEnqueuer(enq)).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if len(enq.ids) != report.Created {
		t.Fatalf("enqueued %d, want %d", len(enq.ids), report.Created)
	}
}

type fakeRecurrenceRepo struct {
	listFn func(ctx context.Context) ([]domain.Recurrence, error)
	txFn   func(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error
}

func (f *fakeRecurrenceRepo) ListActiveRecurrences(ctx context.Context) ([]domain.Recurrence, error) {
	if f.listFn == nil {
		panic("unexpected ListActiveRecurrences")
	}
	return f.listFn(ctx)
}

func (f *fakeRecurrenceRepo) InActorTransaction(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	if f.txFn == nil {
		panic("unexpected InActorTransaction")
	}
	return f.txFn(ctx, actorID, fn)
}

func TestRecurrenceSweeper_DuplicateInsertCountsAsExisting(t *testing.T) {
	rule := dailyRule("actor-1")
	rule.ID = testfixtures.UUID(1)
	rule.ValidUntil = &sweepStart

	s := newSweeper(&fakeRecurrenceRepo{
		listFn: func(ctx context.Context) ([]domain.Recurrence, error) {
			return []domain.Recurrence{rule}, nil
		},
		txFn: func(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error {
			return store.ErrDuplicate
		},
	}, RecurrenceConfig{Horizons: week}, sweepStart)

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if report.Existing != 1 || report.Created != 0 {
		t.Fatalf("report = %+v, want 1 existing", report)
	}
}

func TestRecurrenceSweeper_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	s := newSweeper(&fakeRecurrenceRepo{
		listFn: func(ctx context.Context) ([]domain.Recurrence, error) { return nil, boom },
	}, RecurrenceConfig{Horizons: week}, sweepStart)

	if _, err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Sweep error = %v, want %v", err, boom)
	}
}
