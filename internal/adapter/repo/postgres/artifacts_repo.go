package postgres

import (
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dragonflyic/workbench/internal/domain"
)

// ArtifactRepo persists and loads attempt artifacts from PostgreSQL.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

const artifactColumns = `id, attempt_id, type, COALESCE(name,''), mime_type,
	content_text, content_blob, content_path, size_bytes, sequence_num, is_final, created_at, updated_at`

// Create inserts an artifact. MIME type is detected from the content when the
// caller leaves it empty; size_bytes is derived from whichever content column
// is populated. For LOG artifacts the partial unique index on
// (attempt_id, sequence_num) enforces the strictly-increasing sequence.
func (r *ArtifactRepo) Create(ctx domain.Context, a domain.Artifact) (string, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	mime := a.MIMEType
	size := a.SizeBytes
	switch {
	case a.ContentText != nil:
		if mime == "" {
			mime = mimetype.Detect([]byte(*a.ContentText)).String()
		}
		if size == nil {
			n := int64(len(*a.ContentText))
			size = &n
		}
	case len(a.ContentBlob) > 0:
		if mime == "" {
			mime = mimetype.Detect(a.ContentBlob).String()
		}
		if size == nil {
			n := int64(len(a.ContentBlob))
			size = &n
		}
	}
	if mime == "" {
		mime = "text/plain"
	}
	q := `INSERT INTO artifacts (id, attempt_id, type, name, mime_type, content_text, content_blob, content_path, size_bytes, sequence_num, is_final, created_at, updated_at)
	      VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$12)`
	_, err := r.Pool.Exec(ctx, q, id, a.AttemptID, a.Type, a.Name, mime,
		a.ContentText, a.ContentBlob, a.ContentPath, size, a.SequenceNum, a.IsFinal, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=artifact.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=artifact.create: %w", err)
	}
	return id, nil
}

// Get loads an artifact by id.
func (r *ArtifactRepo) Get(ctx domain.Context, id string) (domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`, id)
	a, err := scanArtifact(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", domain.ErrNotFound)
		}
		return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", err)
	}
	return a, nil
}

// ListByAttempt returns all artifacts for an attempt, logs in sequence order.
func (r *ArtifactRepo) ListByAttempt(ctx domain.Context, attemptID string) ([]domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListByAttempt")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE attempt_id=$1 ORDER BY sequence_num ASC NULLS LAST, created_at ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListLogsAfter returns LOG artifacts with sequence_num > afterSeq in
// sequence order. The SSE stream polls this until it sees is_final.
func (r *ArtifactRepo) ListLogsAfter(ctx domain.Context, attemptID string, afterSeq int) ([]domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListLogsAfter")
	defer span.End()
	q := `SELECT ` + artifactColumns + ` FROM artifacts
	      WHERE attempt_id=$1 AND type='log' AND sequence_num > $2
	      ORDER BY sequence_num ASC`
	rows, err := r.Pool.Query(ctx, q, attemptID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list_logs: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.AttemptID, &a.Type, &a.Name, &a.MIMEType,
		&a.ContentText, &a.ContentBlob, &a.ContentPath, &a.SizeBytes, &a.SequenceNum, &a.IsFinal,
		&a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func collectArtifacts(rows pgx.Rows) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("op=artifact.scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
