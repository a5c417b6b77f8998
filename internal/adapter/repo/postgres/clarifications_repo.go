package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dragonflyic/workbench/internal/domain"
)

// ClarificationRepo persists and loads clarifications from PostgreSQL.
type ClarificationRepo struct{ Pool PgxPool }

// NewClarificationRepo constructs a ClarificationRepo with the given pool.
func NewClarificationRepo(p PgxPool) *ClarificationRepo { return &ClarificationRepo{Pool: p} }

const clarificationColumns = `id, attempt_id, question_id, question_text,
	COALESCE(question_context,''), default_answer, accepted_default,
	answer_text, answered_at, COALESCE(answered_by,''), anchors, created_at, updated_at`

// Create inserts a clarification. question_id is unique within the attempt.
func (r *ClarificationRepo) Create(ctx domain.Context, c domain.Clarification) (string, error) {
	tracer := otel.Tracer("repo.clarifications")
	ctx, span := tracer.Start(ctx, "clarifications.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO clarifications (id, attempt_id, question_id, question_text, question_context, default_answer, anchors, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$8)`
	_, err := r.Pool.Exec(ctx, q, id, c.AttemptID, c.QuestionID, c.QuestionText, c.QuestionContext,
		c.DefaultAnswer, orEmptyMap(c.Anchors), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=clarification.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=clarification.create: %w", err)
	}
	return id, nil
}

// Get loads a clarification by id.
func (r *ClarificationRepo) Get(ctx domain.Context, id string) (domain.Clarification, error) {
	tracer := otel.Tracer("repo.clarifications")
	ctx, span := tracer.Start(ctx, "clarifications.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+clarificationColumns+` FROM clarifications WHERE id=$1`, id)
	c, err := scanClarification(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Clarification{}, fmt.Errorf("op=clarification.get: %w", domain.ErrNotFound)
		}
		return domain.Clarification{}, fmt.Errorf("op=clarification.get: %w", err)
	}
	return c, nil
}

// ListByAttempt returns all clarifications for an attempt in creation order.
func (r *ClarificationRepo) ListByAttempt(ctx domain.Context, attemptID string) ([]domain.Clarification, error) {
	tracer := otel.Tracer("repo.clarifications")
	ctx, span := tracer.Start(ctx, "clarifications.ListByAttempt")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+clarificationColumns+` FROM clarifications WHERE attempt_id=$1 ORDER BY created_at ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("op=clarification.list: %w", err)
	}
	defer rows.Close()
	return collectClarifications(rows)
}

// ListByIDs returns the clarifications with the given ids. Backs the driver's
// answer polling loop, which checks exactly the rows it created.
func (r *ClarificationRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.Clarification, error) {
	tracer := otel.Tracer("repo.clarifications")
	ctx, span := tracer.Start(ctx, "clarifications.ListByIDs")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+clarificationColumns+` FROM clarifications WHERE id = ANY($1) ORDER BY created_at ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=clarification.list_ids: %w", err)
	}
	defer rows.Close()
	return collectClarifications(rows)
}

// Answer records a human answer.
func (r *ClarificationRepo) Answer(ctx domain.Context, id, answerText, answeredBy string) error {
	tracer := otel.Tracer("repo.clarifications")
	ctx, span := tracer.Start(ctx, "clarifications.Answer")
	defer span.End()
	q := `UPDATE clarifications SET answer_text=$2, answered_by=NULLIF($3,''), answered_at=$4, updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, answerText, answeredBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=clarification.answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=clarification.answer: %w", domain.ErrNotFound)
	}
	return nil
}

// AcceptDefault resolves the clarification with its proposed default. Rejects
// clarifications that carry no default.
func (r *ClarificationRepo) AcceptDefault(ctx domain.Context, id, answeredBy string) error {
	tracer := otel.Tracer("repo.clarifications")
	ctx, span := tracer.Start(ctx, "clarifications.AcceptDefault")
	defer span.End()
	q := `UPDATE clarifications SET accepted_default=TRUE, answered_by=NULLIF($2,''), answered_at=$3, updated_at=$3
	      WHERE id=$1 AND default_answer IS NOT NULL`
	tag, err := r.Pool.Exec(ctx, q, id, answeredBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=clarification.accept_default: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=clarification.accept_default: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func scanClarification(row pgx.Row) (domain.Clarification, error) {
	var c domain.Clarification
	err := row.Scan(&c.ID, &c.AttemptID, &c.QuestionID, &c.QuestionText, &c.QuestionContext,
		&c.DefaultAnswer, &c.AcceptedDefault, &c.AnswerText, &c.AnsweredAt, &c.AnsweredBy,
		&c.Anchors, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func collectClarifications(rows pgx.Rows) ([]domain.Clarification, error) {
	var out []domain.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("op=clarification.scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
