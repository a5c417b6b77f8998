package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dragonflyic/workbench/internal/adapter/repo/postgres"
	"github.com/dragonflyic/workbench/internal/domain"
)

func TestClarificationRepo_Create_DuplicateQuestionID(t *testing.T) {
	p := &poolStub{execErr: uniqueViolation()}
	r := postgres.NewClarificationRepo(p)
	_, err := r.Create(context.Background(), domain.Clarification{
		AttemptID: "att-1", QuestionID: "auq_0_0", QuestionText: "Which database?",
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestClarificationRepo_ListByIDs_EmptySkipsQuery(t *testing.T) {
	p := &poolStub{queryErr: errors.New("must not query")}
	r := postgres.NewClarificationRepo(p)
	got, err := r.ListByIDs(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("want nil, nil for empty ids, got %v, %v", got, err)
	}
}

func TestClarificationRepo_Answer_NotFound(t *testing.T) {
	p := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	r := postgres.NewClarificationRepo(p)
	err := r.Answer(context.Background(), "nope", "PostgreSQL", "alice")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestClarificationRepo_AcceptDefault_RequiresDefault(t *testing.T) {
	p := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	r := postgres.NewClarificationRepo(p)
	err := r.AcceptDefault(context.Background(), "cl-1", "alice")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument without a default, got %v", err)
	}
}
