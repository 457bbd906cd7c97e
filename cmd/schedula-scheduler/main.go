package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uptrace/bun"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"schedula/scheduler/internal/config"
	"schedula/scheduler/internal/events"
	"schedula/scheduler/internal/jobs"
	"schedula/scheduler/internal/service/conflicts"
	"schedula/scheduler/internal/service/sweeps"
	"schedula/scheduler/internal/store/sqlstore"
)

const (
	serviceName       = "schedula-scheduler"
	healthServiceName = "schedula.scheduler"

	taskRecurrence = "recurrence_sweep"
	taskRetention  = "retention_sweep"
)

func main() {
	runOnce := flag.String("run-once", "", "run the named sweep (recurrence, retention or all) once and exit")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("database_driver", cfg.DatabaseDriver),
	)

	db, err := openDatabase(cfg, log)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := sqlstore.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	repo := sqlstore.NewRepo(db)

	dispatcher := events.NewDispatcher(log)
	dispatcher.Register("log", events.NewLogSink(log))

	resolver := conflicts.NewResolver(repo, dispatcher, log)
	queue := jobs.NewQueue("conflict_resolver", jobs.QueueConfig{
		Workers:        cfg.Resolver.Workers,
		Size:           cfg.Resolver.QueueSize,
		RetryMax:       cfg.Resolver.RetryMax,
		RetryBaseDelay: cfg.Resolver.RetryBaseDelay,
		Timeout:        cfg.Resolver.Timeout,
	}, resolver.HandleJob, log)

	recurrenceSweeper := sweeps.NewRecurrenceSweeper(repo, sweeps.RecurrenceConfig{
		Horizons: sweeps.Horizons{
			Daily:   cfg.Recurrence.HorizonDaily,
			Weekly:  cfg.Recurrence.HorizonWeekly,
			Monthly: cfg.Recurrence.HorizonMonthly,
		},
		MonthDayPolicy:  cfg.Recurrence.MonthDayPolicy,
		Parallelism:     cfg.Recurrence.Parallelism,
		WritesPerSecond: cfg.Recurrence.WritesPerSecond,
	}, log, sweeps.WithResolveEnqueuer(conflicts.NewDeferred(queue)))
	retentionSweeper := sweeps.NewRetentionSweeper(repo, cfg.Retention.Horizon, log)

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Timezone: cfg.ScheduleTimezone,
		Timeout:  cfg.JobTimeout,
	}, log)
	if err != nil {
		log.Error("scheduler setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	tasks := map[string]jobs.Task{
		taskRecurrence: func(ctx context.Context) error {
			_, err := recurrenceSweeper.Sweep(ctx)
			return err
		},
		taskRetention: func(ctx context.Context) error {
			_, err := retentionSweeper.Sweep(ctx)
			return err
		},
	}
	if err := scheduler.Add(taskRecurrence, cfg.Recurrence.Cron, tasks[taskRecurrence]); err != nil {
		log.Error("register recurrence sweep failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := scheduler.Add(taskRetention, cfg.Retention.Cron, tasks[taskRetention]); err != nil {
		log.Error("register retention sweep failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue.Start(ctx)

	if *runOnce != "" {
		code := runTasksOnce(ctx, log, scheduler, tasks, *runOnce)
		stopQueue(log, queue, cfg.ShutdownTimeout)
		if code != 0 {
			os.Exit(code)
		}
		return
	}

	scheduler.Start(ctx)

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	log.Info("grpc health server started", slog.String("grpc_addr", cfg.GRPCAddr))
	for _, name := range []string{taskRecurrence, taskRetention} {
		if next, ok := scheduler.Next(name); ok {
			log.Info("task scheduled", slog.String("task", name), slog.Time("next", next))
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc server stopped with error", slog.Any("err", err))
		}
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop failed", slog.Any("err", err))
	}
	stopQueue(log, queue, cfg.ShutdownTimeout)
	shutdown(log, grpcServer, cfg.ShutdownTimeout)
}

func openDatabase(cfg config.Config, log *slog.Logger) (*bun.DB, error) {
	if cfg.DatabaseDriver == config.DriverSQLite {
		log.Info("opening sqlite database", slog.String("db_path", cfg.DatabaseURL))
		db, err := sqlstore.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			log.Error("database open failed", slog.Any("err", err), slog.String("db_path", cfg.DatabaseURL))
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sqlstore.CreateSchema(ctx, db); err != nil {
			_ = sqlstore.Close(db)
			log.Error("schema setup failed", slog.Any("err", err))
			return nil, err
		}
		return db, nil
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := sqlstore.Open(cfg.DatabaseURL, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return db, nil
}

func runTasksOnce(ctx context.Context, log *slog.Logger, scheduler *jobs.Scheduler, tasks map[string]jobs.Task, which string) int {
	var names []string
	switch strings.ToLower(strings.TrimSpace(which)) {
	case "recurrence":
		names = []string{taskRecurrence}
	case "retention":
		names = []string{taskRetention}
	case "all":
		names = []string{taskRecurrence, taskRetention}
	default:
		log.Error("unknown -run-once target", slog.String("target", which))
		return 2
	}

	code := 0
	for _, name := range names {
		if err := scheduler.Run(ctx, name, tasks[name]); err != nil {
			code = 1
		}
	}
	return code
}

func stopQueue(log *slog.Logger, q *jobs.Queue, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		log.Warn("resolver queue stop failed", slog.Any("err", err))
	}
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
