package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dragonflyic/workbench/internal/adapter/repo/postgres"
)

func TestCleanupService_CleanupOldData_OK(t *testing.T) {
	tx := &txStub{execTags: []pgconn.CommandTag{
		pgconn.NewCommandTag("DELETE 4"),
		pgconn.NewCommandTag("DELETE 2"),
	}}
	svc := postgres.NewCleanupService(&poolStub{tx: tx}, 30)
	deleted, err := svc.CleanupOldData(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 6 {
		t.Fatalf("want 6 deleted, got %d", deleted)
	}
	if !tx.committed {
		t.Fatalf("cleanup must commit")
	}
}

func TestCleanupService_KeepsActiveSignals(t *testing.T) {
	tx := &txStub{}
	svc := postgres.NewCleanupService(&poolStub{tx: tx}, 30)
	if _, err := svc.CleanupOldData(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	signalsDelete := tx.execSQL[len(tx.execSQL)-1]
	if !strings.Contains(signalsDelete, "NOT EXISTS") || !strings.Contains(signalsDelete, "'needs_human'") {
		t.Fatalf("signals with active attempts must survive: %s", signalsDelete)
	}
}

func TestCleanupService_BeginError(t *testing.T) {
	svc := postgres.NewCleanupService(&poolStub{beginErr: errors.New("begin")}, 1)
	if _, err := svc.CleanupOldData(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCleanupService_CommitError(t *testing.T) {
	svc := postgres.NewCleanupService(&poolStub{tx: &txStub{commitErr: errors.New("commit")}}, 1)
	if _, err := svc.CleanupOldData(context.Background()); err == nil {
		t.Fatalf("expected commit error")
	}
}

func TestCleanupService_DefaultRetention(t *testing.T) {
	svc := postgres.NewCleanupService(&poolStub{}, 0)
	if svc.RetentionDays != 90 {
		t.Fatalf("want default 90 days, got %d", svc.RetentionDays)
	}
}
