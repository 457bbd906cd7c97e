package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Task func(ctx context.Context) error

type SchedulerConfig struct {
	Timezone string
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

// Scheduler triggers periodic tasks from five-field cron expressions. A task
// still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	cfg    SchedulerConfig
	log    *slog.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	running sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load schedule timezone %q: %w", tz, err)
		}
		loc = l
	}

	log = log.With(slog.String("component", "cron"))
	adapter := cronLogger{log: log}
	return &Scheduler{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		loc:     loc,
		entries: map[string]cron.EntryID{},
	}, nil
}

// Add registers task under name. Names must be unique.
func (s *Scheduler) Add(name, spec string, task Task) error {
	sched, err := s.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return fmt.Errorf("parse cron spec for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("cron task %s already registered", name)
	}
	id := s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_ = s.Run(ctx, name, task)
	}))
	s.entries[name] = id
	return nil
}

// Run executes task once with the scheduler's timeout and logging. Cron ticks
// go through it as well.
func (s *Scheduler) Run(ctx context.Context, name string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.running.Add(1)
	defer s.running.Done()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := task(ctx)
	if err != nil {
		s.log.Warn("task failed", slog.String("task", name), slog.Duration("took", time.Since(start)), slog.Any("err", err))
		return err
	}
	s.log.Info("task ok", slog.String("task", name), slog.Duration("took", time.Since(start)))
	return nil
}

// Next returns the next activation of the named task, if it is registered and
// the scheduler is running.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.c.Entry(id).Next
	return next, !next.IsZero()
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info("scheduler started", slog.String("tz", s.loc.String()), slog.Int("tasks", len(s.entries)))
}

// Stop prevents new ticks and waits for running tasks until ctx is done, at
// which point their contexts are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	stopped := s.c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return errors.Join(errors.New("scheduler stop timed out"), ctx.Err())
	}
}

// cronLogger routes robfig/cron's logr-style output into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}
