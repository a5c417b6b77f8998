package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dragonflyic/workbench/internal/adapter/observability"
	"github.com/dragonflyic/workbench/internal/domain"
)

// JobHandler executes one job of a given type. The returned map becomes the
// job's result column.
type JobHandler func(ctx context.Context, job *domain.Job) (map[string]any, error)

// Worker is the claim loop: it polls the queue for eligible jobs, keeps a
// heartbeat alive while a job runs, and records the terminal outcome.
type Worker struct {
	Queue    domain.Queue
	Handlers map[domain.JobType]JobHandler

	PollInterval      time.Duration
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
}

// NewWorker builds a worker with its job type routing table.
func NewWorker(queue domain.Queue, attempts *AttemptRunner, syncer SignalSyncer, retention Retention, pollInterval, retryDelay time.Duration) *Worker {
	syncHandler := &SyncHandler{Syncer: syncer}
	cleanupHandler := &CleanupHandler{Retention: retention}
	return &Worker{
		Queue: queue,
		Handlers: map[domain.JobType]JobHandler{
			domain.JobRunAttempt:   attempts.Run,
			domain.JobRetryAttempt: attempts.Run,
			domain.JobSyncSignals:  syncHandler.Run,
			domain.JobCleanup:      cleanupHandler.Run,
		},
		PollInterval:      pollInterval,
		RetryDelay:        retryDelay,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Run polls until the context is cancelled. A job in flight finishes before
// Run returns; cancellation propagates into the handler's context.
func (w *Worker) Run(ctx context.Context) error {
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.RetryDelay <= 0 {
		w.RetryDelay = time.Minute
	}
	types := make([]domain.JobType, 0, len(w.Handlers))
	for t := range w.Handlers {
		types = append(types, t)
	}

	slog.Info("worker started", slog.Any("job_types", types))
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return ctx.Err()
		default:
		}

		job, err := w.Queue.Claim(ctx, types)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("claim failed", slog.Any("error", err))
			w.sleep(ctx, w.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.PollInterval)
			continue
		}
		w.process(ctx, job)
	}
}

// process runs one claimed job to a terminal queue state.
func (w *Worker) process(ctx context.Context, job *domain.Job) {
	typeLabel := string(job.Type)
	log := slog.With(slog.String("job_id", job.ID), slog.String("job_type", typeLabel))

	if _, err := w.Queue.Start(ctx, job.ID); err != nil {
		log.Error("starting job failed", slog.Any("error", err))
		return
	}

	observability.JobsProcessing.WithLabelValues(typeLabel).Inc()
	defer observability.JobsProcessing.WithLabelValues(typeLabel).Dec()

	stopHeartbeat := w.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	handler := w.Handlers[job.Type]
	if handler == nil {
		w.fail(ctx, job, fmt.Sprintf("no handler for job type %s", job.Type))
		return
	}

	log.Info("job started", slog.Int("retry_count", job.RetryCount))
	start := time.Now()
	result, err := handler(ctx, job)
	if err != nil {
		log.Error("job failed", slog.Any("error", err), slog.Duration("elapsed", time.Since(start)))
		w.fail(ctx, job, err.Error())
		return
	}

	if _, err := w.Queue.Complete(ctx, job.ID, result); err != nil {
		log.Error("completing job failed", slog.Any("error", err))
		return
	}
	log.Info("job completed", slog.Duration("elapsed", time.Since(start)))
}

func (w *Worker) fail(ctx context.Context, job *domain.Job, errMsg string) {
	// Record the failure even when the run was cancelled mid-flight.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if _, err := w.Queue.Fail(ctx, job.ID, errMsg, w.RetryDelay); err != nil {
		slog.Error("recording job failure failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// startHeartbeat keeps the job's heartbeat fresh until the returned stop
// function is called, so the stale sweeper leaves live work alone.
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.Queue.Heartbeat(ctx, jobID); err != nil {
					slog.Warn("heartbeat failed",
						slog.String("job_id", jobID), slog.Any("error", err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
