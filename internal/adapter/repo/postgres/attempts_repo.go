package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dragonflyic/workbench/internal/domain"
)

// AttemptRepo persists and loads attempts from PostgreSQL.
type AttemptRepo struct{ Pool PgxPool }

// NewAttemptRepo constructs an AttemptRepo with the given pool.
func NewAttemptRepo(p PgxPool) *AttemptRepo { return &AttemptRepo{Pool: p} }

const attemptColumns = `id, signal_id, attempt_number, status, started_at, finished_at,
	COALESCE(pr_url,''), COALESCE(branch_name,''), summary, runner_metadata,
	COALESCE(error_message,''), created_at, updated_at`

// Create inserts a PENDING attempt with the next attempt_number for the
// signal. The unique constraint on (signal_id, attempt_number) turns a lost
// race into ErrConflict; callers may retry.
func (r *AttemptRepo) Create(ctx domain.Context, signalID string) (domain.Attempt, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Create")
	defer span.End()
	id := uuid.New().String()
	q := `INSERT INTO attempts (id, signal_id, attempt_number, status, created_at, updated_at)
	      SELECT $1, $2, COALESCE(MAX(attempt_number), 0) + 1, 'pending', $3, $3
	      FROM attempts WHERE signal_id = $2
	      RETURNING ` + attemptColumns
	row := r.Pool.QueryRow(ctx, q, id, signalID, time.Now().UTC())
	a, err := scanAttempt(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Attempt{}, fmt.Errorf("op=attempt.create: %w", domain.ErrConflict)
		}
		return domain.Attempt{}, fmt.Errorf("op=attempt.create: %w", err)
	}
	return a, nil
}

// Get loads an attempt by id.
func (r *AttemptRepo) Get(ctx domain.Context, id string) (domain.Attempt, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id=$1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Attempt{}, fmt.Errorf("op=attempt.get: %w", domain.ErrNotFound)
		}
		return domain.Attempt{}, fmt.Errorf("op=attempt.get: %w", err)
	}
	return a, nil
}

// ListBySignal returns all attempts for a signal, newest first.
func (r *AttemptRepo) ListBySignal(ctx domain.Context, signalID string) ([]domain.Attempt, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.ListBySignal")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE signal_id=$1 ORDER BY attempt_number DESC`, signalID)
	if err != nil {
		return nil, fmt.Errorf("op=attempt.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("op=attempt.list: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkRunning transitions the attempt to RUNNING. Idempotent against job
// retries: started_at is only written when null, and terminal attempts are
// left untouched.
func (r *AttemptRepo) MarkRunning(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.MarkRunning")
	defer span.End()
	q := `UPDATE attempts SET status='running',
	        started_at = COALESCE(started_at, $2),
	        updated_at = $2
	      WHERE id=$1 AND status IN ('pending','running','needs_human')`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=attempt.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=attempt.mark_running: %w", domain.ErrConflict)
	}
	return nil
}

// Finish writes the classification projection and finished_at.
func (r *AttemptRepo) Finish(ctx domain.Context, id string, upd domain.AttemptUpdate) error {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Finish")
	defer span.End()
	q := `UPDATE attempts SET status=$2, finished_at=$3,
	        summary=$4, runner_metadata=$5,
	        error_message=NULLIF($6,''), pr_url=NULLIF($7,''), branch_name=NULLIF($8,''),
	        updated_at=$3
	      WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, upd.Status, time.Now().UTC(),
		orEmptyMap(upd.Summary), orEmptyMap(upd.RunnerMetadata), upd.ErrorMessage, upd.PRURL, upd.BranchName)
	if err != nil {
		return fmt.Errorf("op=attempt.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=attempt.finish: %w", domain.ErrNotFound)
	}
	return nil
}

// Cancel marks a non-terminal attempt FAILED with the given reason. Returns
// false when the attempt was already terminal.
func (r *AttemptRepo) Cancel(ctx domain.Context, id, reason string) (bool, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Cancel")
	defer span.End()
	q := `UPDATE attempts SET status='failed', error_message=$2,
	        finished_at = COALESCE(finished_at, $3), updated_at=$3
	      WHERE id=$1 AND status IN ('pending','running','needs_human')`
	tag, err := r.Pool.Exec(ctx, q, id, reason, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=attempt.cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAttempt(row pgx.Row) (domain.Attempt, error) {
	var a domain.Attempt
	err := row.Scan(&a.ID, &a.SignalID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.FinishedAt,
		&a.PRURL, &a.BranchName, &a.Summary, &a.RunnerMetadata, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}
