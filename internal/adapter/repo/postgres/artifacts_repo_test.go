package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dragonflyic/workbench/internal/adapter/repo/postgres"
	"github.com/dragonflyic/workbench/internal/domain"
)

func TestArtifactRepo_Create_DetectsMIMEAndSize(t *testing.T) {
	p := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	r := postgres.NewArtifactRepo(p)
	body := `{"event":"tool_use"}`
	seq := 3
	_, err := r.Create(context.Background(), domain.Artifact{
		AttemptID: "att-1", Type: domain.ArtifactLog, ContentText: &body, SequenceNum: &seq,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// args: id, attempt_id, type, name, mime, text, blob, path, size, seq, is_final, now
	mime, _ := p.lastArgs[4].(string)
	if mime == "" {
		t.Fatalf("mime must be detected from content")
	}
	size, _ := p.lastArgs[8].(*int64)
	if size == nil || *size != int64(len(body)) {
		t.Fatalf("size must derive from content, got %v", size)
	}
}

func TestArtifactRepo_Create_DuplicateLogSequence(t *testing.T) {
	p := &poolStub{execErr: uniqueViolation()}
	r := postgres.NewArtifactRepo(p)
	seq := 1
	_, err := r.Create(context.Background(), domain.Artifact{
		AttemptID: "att-1", Type: domain.ArtifactLog, SequenceNum: &seq,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestArtifactRepo_ListLogsAfter_FiltersByTypeAndSequence(t *testing.T) {
	p := &poolStub{}
	r := postgres.NewArtifactRepo(p)
	if _, err := r.ListLogsAfter(context.Background(), "att-1", 5); err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if !strings.Contains(p.lastSQL, "type='log'") || !strings.Contains(p.lastSQL, "sequence_num > $2") {
		t.Fatalf("log poll must filter type and sequence: %s", p.lastSQL)
	}
	if p.lastArgs[1] != 5 {
		t.Fatalf("want afterSeq 5, got %v", p.lastArgs[1])
	}
}
