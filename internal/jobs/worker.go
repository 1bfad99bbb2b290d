package jobs

import (
	"context"
	"fmt"
	"time"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/envutil"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
	"github.com/yungbote/loqui-backend/internal/repos"
)

type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	HeartbeatEvery time.Duration
	// StaleRunning is how long a running job may go without a heartbeat
	// before another worker reclaims it.
	StaleRunning   time.Duration
	BaseRetryDelay time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency:    envutil.Int("WORKER_CONCURRENCY", 2),
		PollInterval:   time.Duration(envutil.Int("WORKER_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		HeartbeatEvery: time.Duration(envutil.Int("WORKER_HEARTBEAT_SECONDS", 30)) * time.Second,
		StaleRunning:   time.Duration(envutil.Int("WORKER_STALE_RUNNING_SECONDS", 300)) * time.Second,
		BaseRetryDelay: time.Duration(envutil.Int("WORKER_RETRY_BASE_MS", 2000)) * time.Millisecond,
	}
}

type Worker struct {
	log      *logger.Logger
	repo     repos.JobRepo
	registry *Registry
	metrics  *observability.Metrics
	cfg      Config
}

func NewWorker(baseLog *logger.Logger, repo repos.JobRepo, registry *Registry, metrics *observability.Metrics, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	if cfg.StaleRunning <= 0 {
		cfg.StaleRunning = 5 * time.Minute
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 2 * time.Second
	}
	return &Worker{
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool", "concurrency", w.cfg.Concurrency, "kinds", w.registry.Kinds())
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	kinds := w.registry.Kinds()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNext(dbctx.Context{Ctx: ctx}, kinds, w.cfg.StaleRunning)
			if err != nil {
				w.log.Warn("ClaimNext failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.dispatch(ctx, workerID, job)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, workerID int, job *types.Job) {
	start := time.Now()

	h, ok := w.registry.Get(job.Kind)
	if !ok {
		w.log.Warn("No handler registered for job kind",
			"worker_id", workerID,
			"kind", job.Kind,
			"job_id", job.ID,
		)
		w.settle(ctx, job, Permanent(&missingHandlerError{Kind: job.Kind}), time.Since(start))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, job)

	exec := NewExecution(job)
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic",
					"worker_id", workerID,
					"job_id", job.ID,
					"kind", job.Kind,
					"panic", r,
				)
				runErr = errFromRecover(r)
			}
		}()
		runErr = h.Run(ctx, exec)
	}()
	stopHeartbeat()

	w.settle(ctx, job, runErr, time.Since(start))
}

// settle applies the terminal transition for this attempt: complete on nil,
// retry with backoff while attempts remain, otherwise fail for good.
func (w *Worker) settle(ctx context.Context, job *types.Job, runErr error, dur time.Duration) {
	dbc := dbctx.Context{Ctx: ctx}

	if runErr == nil {
		if err := w.repo.Complete(dbc, job.ID); err != nil {
			w.log.Error("Job complete write failed", "job_id", job.ID, "error", err)
		}
		w.metrics.ObserveJobRun(job.Kind, types.JobStatusCompleted, dur)
		return
	}

	if IsPermanent(runErr) || job.Attempts >= job.MaxAttempts {
		w.log.Warn("Job failed permanently",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempts", job.Attempts,
			"error", runErr,
		)
		if err := w.repo.Fail(dbc, job.ID, runErr.Error(), nil); err != nil {
			w.log.Error("Job fail write failed", "job_id", job.ID, "error", err)
		}
		w.metrics.ObserveJobRun(job.Kind, types.JobStatusFailed, dur)
		return
	}

	retryAt := time.Now().Add(RetryDelay(w.cfg.BaseRetryDelay, job.Attempts))
	w.log.Warn("Job attempt failed, scheduling retry",
		"job_id", job.ID,
		"kind", job.Kind,
		"attempts", job.Attempts,
		"retry_at", retryAt,
		"error", runErr,
	)
	if err := w.repo.Fail(dbc, job.ID, runErr.Error(), &retryAt); err != nil {
		w.log.Error("Job retry write failed", "job_id", job.ID, "error", err)
	}
	w.metrics.ObserveJobRun(job.Kind, "retried", dur)
}

// RetryDelay doubles per completed attempt: base, 2x, 4x, ...
func RetryDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}

func (w *Worker) heartbeatLoop(ctx context.Context, job *types.Job) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
				w.log.Warn("Job heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

type missingHandlerError struct{ Kind string }

func (e *missingHandlerError) Error() string { return "no handler registered for kind=" + e.Kind }

func errFromRecover(v any) error { return &panicError{val: v} }

type panicError struct{ val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.val) }
