// Package jobs runs deferred and periodic work for the scheduling core.
package jobs

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull    = errors.New("job queue full")
	ErrQueueStopped = errors.New("job queue stopped")
)

// Job is one unit of deferred work. Jobs sharing a Key are run one at a time
// in enqueue order.
type Job struct {
	Key string
	ID  uuid.UUID
}

type Handler func(ctx context.Context, job Job) error

type QueueConfig struct {
	Workers        int
	Size           int
	RetryMax       int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
}

// Queue fans jobs out to a fixed set of lanes. A key always maps to the same
// lane, so work for one actor never runs concurrently with itself.
type Queue struct {
	name    string
	cfg     QueueConfig
	handler Handler
	log     *slog.Logger

	mu      sync.RWMutex
	lanes   []chan Job
	started bool
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewQueue(name string, cfg QueueConfig, handler Handler, log *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	perLane := cfg.Size / cfg.Workers
	if perLane < 1 {
		perLane = 1
	}
	lanes := make([]chan Job, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan Job, perLane)
	}

	return &Queue{
		name:    name,
		cfg:     cfg,
		handler: handler,
		log:     log.With(slog.String("component", "jobs"), slog.String("queue", name)),
		lanes:   lanes,
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i, lane := range q.lanes {
		q.wg.Add(1)
		go q.worker(ctx, i, lane)
	}
	q.log.Info("queue started", slog.Int("workers", len(q.lanes)))
}

// Enqueue never blocks. It fails with ErrQueueFull when the job's lane is
// saturated and with ErrQueueStopped after Stop.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.lanes[q.laneFor(job.Key)] <- job:
		return nil
	default:
		q.log.Warn("queue full, dropping job", slog.String("key", job.Key), slog.String("id", job.ID.String()))
		return ErrQueueFull
	}
}

// EnqueueWait is Enqueue with backpressure: it waits for room in the job's
// lane until ctx is done.
func (q *Queue) EnqueueWait(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.lanes[q.laneFor(job.Key)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, lets workers drain what is already queued and waits
// for them until ctx is done, at which point in-flight work is cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	for _, lane := range q.lanes {
		close(lane)
	}
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.log.Info("queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.log.Warn("queue stop timed out; cancelled in-flight jobs")
		return ctx.Err()
	}
}

func (q *Queue) laneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.lanes)))
}

func (q *Queue) worker(ctx context.Context, idx int, lane <-chan Job) {
	defer q.wg.Done()
	for job := range lane {
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	delay := q.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := q.runOnce(ctx, job)
		if err == nil {
			return
		}
		if attempt >= q.cfg.RetryMax || ctx.Err() != nil {
			q.log.Error("job failed",
				slog.String("key", job.Key),
				slog.String("id", job.ID.String()),
				slog.Int("attempts", attempt+1),
				slog.Any("err", err),
			)
			return
		}
		q.log.Warn("job failed, retrying",
			slog.String("key", job.Key),
			slog.String("id", job.ID.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.Any("err", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
	}
}

func (q *Queue) runOnce(ctx context.Context, job Job) (err error) {
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panicked", slog.String("id", job.ID.String()), slog.Any("panic", r))
			err = errors.New("job panicked")
		}
	}()
	return q.handler(ctx, job)
}
