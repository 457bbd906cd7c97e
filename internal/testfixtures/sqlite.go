// Package testfixtures provides storage and clock helpers for tests.
package testfixtures

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/store/sqlstore"
)

// NewSQLiteRepo opens a migrated repository backed by a temporary SQLite
// file. The database is closed when the test ends.
func NewSQLiteRepo(tb testing.TB) *sqlstore.Repo {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "schedula.db")
	db, err := sqlstore.OpenSQLite(path)
	if err != nil {
		tb.Fatalf("OpenSQLite error: %v", err)
	}
	tb.Cleanup(func() {
		_ = sqlstore.Close(db)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlstore.CreateSchema(ctx, db); err != nil {
		tb.Fatalf("CreateSchema error: %v", err)
	}
	return sqlstore.NewRepo(db)
}

// SeedAppointment inserts appt through the actor's critical section.
func SeedAppointment(tb testing.TB, repo *sqlstore.Repo, appt domain.Appointment) domain.Appointment {
	tb.Helper()
	if appt.ClientID == "" {
		appt.ClientID = "client-1"
	}
	if appt.Status == "" {
		appt.Status = domain.AppointmentStatusPending
	}
	created, err := repo.CreateAppointment(context.Background(), appt)
	if err != nil {
		tb.Fatalf("seed appointment: %v", err)
	}
	return created
}

func SeedBlock(tb testing.TB, repo *sqlstore.Repo, block domain.Block) domain.Block {
	tb.Helper()
	if block.Title == "" {
		block.Title = "blocked"
	}
	if block.Kind == "" {
		block.Kind = domain.BlockKindOther
	}
	created, err := repo.CreateBlock(context.Background(), block)
	if err != nil {
		tb.Fatalf("seed block: %v", err)
	}
	return created
}

func SeedRecurrence(tb testing.TB, repo *sqlstore.Repo, rec domain.Recurrence) domain.Recurrence {
	tb.Helper()
	if rec.Timezone == "" {
		rec.Timezone = "UTC"
	}
	created, err := repo.CreateRecurrence(context.Background(), rec)
	if err != nil {
		tb.Fatalf("seed recurrence: %v", err)
	}
	return created
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// UUID returns a deterministic id for readable test fixtures.
func UUID(n int) uuid.UUID {
	var id uuid.UUID
	id[14] = byte(n >> 8)
	id[15] = byte(n)
	return id
}
