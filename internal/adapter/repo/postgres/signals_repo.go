package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dragonflyic/workbench/internal/domain"
)

// SignalRepo persists and loads signals from PostgreSQL.
type SignalRepo struct{ Pool PgxPool }

// NewSignalRepo constructs a SignalRepo with the given pool.
func NewSignalRepo(p PgxPool) *SignalRepo { return &SignalRepo{Pool: p} }

const signalColumns = `id, source, repo, issue_number, COALESCE(external_id,''), title, COALESCE(body,''), metadata, project_fields, priority, created_at, updated_at`

// Create inserts a new signal and returns its id.
func (r *SignalRepo) Create(ctx domain.Context, s domain.Signal) (string, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO signals (id, source, repo, issue_number, external_id, title, body, metadata, project_fields, priority, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,NULLIF($7,''),$8,$9,$10,$11,$11)`
	_, err := r.Pool.Exec(ctx, q, id, s.Source, s.Repo, s.IssueNumber, s.ExternalID, s.Title, s.Body,
		orEmptyMap(s.Metadata), orEmptyMap(s.ProjectFields), s.Priority, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=signal.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=signal.create: %w", err)
	}
	return id, nil
}

// Get loads a signal by id.
func (r *SignalRepo) Get(ctx domain.Context, id string) (domain.Signal, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=$1`, id)
	s, err := scanSignal(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Signal{}, fmt.Errorf("op=signal.get: %w", domain.ErrNotFound)
		}
		return domain.Signal{}, fmt.Errorf("op=signal.get: %w", err)
	}
	return s, nil
}

// Upsert inserts or updates by (repo, issue_number). The sync handler relies
// on this being idempotent against its own payload.
func (r *SignalRepo) Upsert(ctx domain.Context, s domain.Signal) (string, bool, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Upsert")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO signals (id, source, repo, issue_number, external_id, title, body, metadata, project_fields, priority, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,NULLIF($7,''),$8,$9,$10,$11,$11)
	      ON CONFLICT (repo, issue_number) DO UPDATE SET
	        external_id = EXCLUDED.external_id,
	        title = EXCLUDED.title,
	        body = EXCLUDED.body,
	        metadata = EXCLUDED.metadata,
	        project_fields = EXCLUDED.project_fields,
	        priority = EXCLUDED.priority,
	        updated_at = EXCLUDED.updated_at
	      RETURNING id, (xmax = 0) AS inserted`
	var outID string
	var inserted bool
	err := r.Pool.QueryRow(ctx, q, id, s.Source, s.Repo, s.IssueNumber, s.ExternalID, s.Title, s.Body,
		orEmptyMap(s.Metadata), orEmptyMap(s.ProjectFields), s.Priority, time.Now().UTC()).Scan(&outID, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("op=signal.upsert: %w", err)
	}
	return outID, inserted, nil
}

// List returns signals ordered by priority then recency.
func (r *SignalRepo) List(ctx domain.Context, limit, offset int) ([]domain.Signal, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.List")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+signalColumns+` FROM signals ORDER BY priority DESC, updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=signal.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("op=signal.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a signal; attempts, clarifications, and artifacts cascade.
func (r *SignalRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM signals WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=signal.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=signal.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func scanSignal(row pgx.Row) (domain.Signal, error) {
	var s domain.Signal
	err := row.Scan(&s.ID, &s.Source, &s.Repo, &s.IssueNumber, &s.ExternalID, &s.Title, &s.Body,
		&s.Metadata, &s.ProjectFields, &s.Priority, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
