package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewScheduler_InvalidTimezone(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{Timezone: "Mars/Olympus"}, nil); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}

func TestScheduler_AddValidatesSpecAndNames(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{Timezone: "UTC"}, nil)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	noop := func(ctx context.Context) error { return nil }

	if err := s.Add("bad", "61 * * * *", noop); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
	if err := s.Add("recurrence", "0 3 * * *", noop); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Add("recurrence", "0 4 * * *", noop); err == nil {
		t.Fatalf("expected error for duplicate name")
	}
	if err := s.Add("retention", "@daily", noop); err != nil {
		t.Fatalf("Add descriptor error: %v", err)
	}
}

func TestScheduler_NextActivation(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{Timezone: "UTC"}, nil)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	if err := s.Add("recurrence", "0 3 * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	next, ok := s.Next("recurrence")
	if !ok {
		t.Fatalf("Next reported no activation")
	}
	if next.UTC().Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("next = %v, want 03:00 UTC", next)
	}
	if _, ok := s.Next("missing"); ok {
		t.Fatalf("Next(missing) ok = true, want false")
	}
}

func TestScheduler_RunAppliesTimeoutAndReturnsError(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{Timeout: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	err = s.Run(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
}
