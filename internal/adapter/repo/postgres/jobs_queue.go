package postgres

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dragonflyic/workbench/internal/adapter/observability"
	"github.com/dragonflyic/workbench/internal/domain"
)

// JobQueue implements the durable queue on PostgreSQL. The claim uses
// FOR UPDATE SKIP LOCKED inside a single statement, so concurrent claimers
// serialize on row locks and each eligible job is handed to at most one
// worker at a time.
type JobQueue struct {
	Pool     PgxPool
	workerID string
}

// NewJobQueue constructs a JobQueue. The worker identity is hostname-pid;
// uniqueness across the fleet is for operator debugging only, the claim
// transaction is the serialization point.
func NewJobQueue(p PgxPool) *JobQueue {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &JobQueue{Pool: p, workerID: fmt.Sprintf("%s-%d", host, os.Getpid())}
}

// WorkerID returns this process's claim identity.
func (q *JobQueue) WorkerID() string { return q.workerID }

const jobColumns = `id, type, payload, status, priority, max_retries, retry_count,
	scheduled_for, worker_id, claimed_at, heartbeat_at, completed_at, result,
	COALESCE(error,''), attempt_id, created_at, updated_at`

// Enqueue inserts a PENDING job.
func (q *JobQueue) Enqueue(ctx domain.Context, req domain.EnqueueRequest) (domain.Job, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(req.Type)))

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := time.Now().UTC()
	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}
	id := uuid.New().String()
	sql := `INSERT INTO jobs (id, type, payload, status, priority, max_retries, scheduled_for, attempt_id, created_at, updated_at)
	        VALUES ($1,$2,$3,'pending',$4,$5,$6,$7,$8,$8)
	        RETURNING ` + jobColumns
	row := q.Pool.QueryRow(ctx, sql, id, req.Type, orEmptyMap(req.Payload), req.Priority, maxRetries, scheduledFor, req.AttemptID, now)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(req.Type)).Inc()
	return job, nil
}

// Claim atomically takes the best eligible job: status PENDING, due, retry
// budget left, optionally filtered by type; ordered by priority DESC then
// scheduled_for ASC. Returns nil when nothing qualifies.
func (q *JobQueue) Claim(ctx domain.Context, types []domain.JobType) (*domain.Job, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	typeFilter := ""
	args := []any{q.workerID, time.Now().UTC()}
	if len(types) > 0 {
		typeFilter = "AND type = ANY($3)"
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		args = append(args, names)
	}

	sql := fmt.Sprintf(`
		WITH next_job AS (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_for <= $2
			  AND retry_count < max_retries
			  %s
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET status='claimed', worker_id=$1, claimed_at=$2, heartbeat_at=$2, updated_at=$2
		FROM next_job WHERE jobs.id = next_job.id
		RETURNING `+jobColumns, typeFilter)

	row := q.Pool.QueryRow(ctx, sql, args...)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.type", string(job.Type)))
	observability.JobsClaimedTotal.WithLabelValues(string(job.Type)).Inc()
	return &job, nil
}

// Get loads a job by id.
func (q *JobQueue) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := q.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return job, nil
}

// Start transitions a CLAIMED job to RUNNING and refreshes the heartbeat.
func (q *JobQueue) Start(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Start")
	defer span.End()
	now := time.Now().UTC()
	tag, err := q.Pool.Exec(ctx,
		`UPDATE jobs SET status='running', heartbeat_at=$2, updated_at=$2 WHERE id=$1 AND status='claimed'`, id, now)
	if err != nil {
		return false, fmt.Errorf("op=job.start: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete finishes a CLAIMED/RUNNING job with an optional result document.
func (q *JobQueue) Complete(ctx domain.Context, id string, result map[string]any) (bool, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	now := time.Now().UTC()
	var jobType string
	err := q.Pool.QueryRow(ctx,
		`UPDATE jobs SET status='completed', completed_at=$2, result=$3, updated_at=$2
		 WHERE id=$1 AND status IN ('claimed','running')
		 RETURNING type`, id, now, result).Scan(&jobType)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=job.complete: %w", err)
	}
	observability.JobsCompletedTotal.WithLabelValues(jobType).Inc()
	return true, nil
}

// Fail records a failure. With retry budget left the job goes back to PENDING
// with scheduled_for = now + retryDelay * 2^(old retry_count); otherwise it
// becomes DEAD with completed_at set.
func (q *JobQueue) Fail(ctx domain.Context, id, errMsg string, retryDelay time.Duration) (bool, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	if retryDelay <= 0 {
		retryDelay = 60 * time.Second
	}

	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("op=job.fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var retryCount, maxRetries int
	var jobType string
	err = tx.QueryRow(ctx, `SELECT retry_count, max_retries, type FROM jobs WHERE id=$1 FOR UPDATE`, id).
		Scan(&retryCount, &maxRetries, &jobType)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=job.fail: %w", err)
	}

	now := time.Now().UTC()
	newRetryCount := retryCount + 1
	var tagSQL string
	var args []any
	if newRetryCount < maxRetries {
		backoff := retryDelay * (1 << retryCount)
		tagSQL = `UPDATE jobs SET status='pending', error=$2, retry_count=$3, scheduled_for=$4,
		            worker_id=NULL, claimed_at=NULL, heartbeat_at=NULL, updated_at=$5
		          WHERE id=$1 AND status IN ('claimed','running')`
		args = []any{id, errMsg, newRetryCount, now.Add(backoff), now}
	} else {
		tagSQL = `UPDATE jobs SET status='dead', error=$2, retry_count=$3, completed_at=$4, updated_at=$4
		          WHERE id=$1 AND status IN ('claimed','running')`
		args = []any{id, errMsg, newRetryCount, now}
	}
	tag, err := tx.Exec(ctx, tagSQL, args...)
	if err != nil {
		return false, fmt.Errorf("op=job.fail: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=job.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	observability.JobsFailedTotal.WithLabelValues(jobType).Inc()
	return true, nil
}

// Heartbeat refreshes the lease on a claimed or running job.
func (q *JobQueue) Heartbeat(ctx domain.Context, id string) (bool, error) {
	now := time.Now().UTC()
	tag, err := q.Pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at=$2, updated_at=$2 WHERE id=$1 AND status IN ('claimed','running')`, id, now)
	if err != nil {
		return false, fmt.Errorf("op=job.heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecoverStale returns CLAIMED/RUNNING jobs whose heartbeat is older than the
// threshold to PENDING with an incremented retry count and an unchanged
// scheduled_for, so they are immediately re-eligible. DEAD jobs are never
// resurrected; jobs out of retry budget are left for Fail to bury.
func (q *JobQueue) RecoverStale(ctx domain.Context, threshold time.Duration) (int, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecoverStale")
	defer span.End()
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)
	tag, err := q.Pool.Exec(ctx, `
		UPDATE jobs SET status='pending', error='Recovered from stale worker',
		  retry_count = retry_count + 1,
		  worker_id=NULL, claimed_at=NULL, heartbeat_at=NULL, updated_at=$2
		WHERE status IN ('claimed','running')
		  AND heartbeat_at < $1
		  AND retry_count < max_retries`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("op=job.recover_stale: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		observability.JobsRecoveredTotal.Add(float64(n))
	}
	span.SetAttributes(attribute.Int("jobs.recovered", n))
	return n, nil
}

// FailForAttempt fails every pending/claimed job referencing the attempt.
// Used by the cancel flow; running jobs are left to notice cancellation
// cooperatively.
func (q *JobQueue) FailForAttempt(ctx domain.Context, attemptID, errMsg string) (int, error) {
	tracer := otel.Tracer("queue.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailForAttempt")
	defer span.End()
	now := time.Now().UTC()
	tag, err := q.Pool.Exec(ctx, `
		UPDATE jobs SET status='failed', error=$2, completed_at=$3, updated_at=$3
		WHERE attempt_id=$1 AND status IN ('pending','claimed')`, attemptID, errMsg, now)
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_for_attempt: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority, &j.MaxRetries, &j.RetryCount,
		&j.ScheduledFor, &j.WorkerID, &j.ClaimedAt, &j.HeartbeatAt, &j.CompletedAt, &j.Result,
		&j.Error, &j.AttemptID, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}
