package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dragonflyic/workbench/internal/adapter/repo/postgres"
	"github.com/dragonflyic/workbench/internal/domain"
)

func fillJobRow(dest ...any) error {
	for _, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = "job-1"
		case *domain.JobType:
			*v = domain.JobRunAttempt
		case *domain.JobStatus:
			*v = domain.JobPending
		case *int:
			*v = 3
		case *time.Time:
			*v = time.Now().UTC()
		case *map[string]any:
			*v = map[string]any{}
		}
	}
	return nil
}

func TestJobQueue_Enqueue_DefaultsMaxRetries(t *testing.T) {
	p := &poolStub{row: rowStub{scan: fillJobRow}}
	q := postgres.NewJobQueue(p)
	_, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: domain.JobRunAttempt})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// args: id, type, payload, priority, max_retries, scheduled_for, attempt_id, now
	if p.lastArgs[4] != 3 {
		t.Fatalf("want default max_retries 3, got %v", p.lastArgs[4])
	}
}

func TestJobQueue_Claim_EmptyQueueReturnsNil(t *testing.T) {
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	q := postgres.NewJobQueue(p)
	job, err := q.Claim(context.Background(), nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatalf("want nil job on empty queue, got %+v", job)
	}
	if !strings.Contains(p.lastSQL, "FOR UPDATE SKIP LOCKED") {
		t.Fatalf("claim must skip locked rows: %s", p.lastSQL)
	}
	if !strings.Contains(p.lastSQL, "ORDER BY priority DESC, scheduled_for ASC") {
		t.Fatalf("claim ordering wrong: %s", p.lastSQL)
	}
}

func TestJobQueue_Claim_TypeFilter(t *testing.T) {
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	q := postgres.NewJobQueue(p)
	_, err := q.Claim(context.Background(), []domain.JobType{domain.JobRunAttempt, domain.JobRetryAttempt})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !strings.Contains(p.lastSQL, "type = ANY($3)") {
		t.Fatalf("type filter missing: %s", p.lastSQL)
	}
	names, ok := p.lastArgs[2].([]string)
	if !ok || len(names) != 2 || names[0] != "run_attempt" {
		t.Fatalf("want type names arg, got %v", p.lastArgs[2])
	}
}

func TestJobQueue_Fail_RetriesWithExponentialBackoff(t *testing.T) {
	tx := &txStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 1 // retry_count
		*(dest[1].(*int)) = 3 // max_retries
		*(dest[2].(*string)) = "run_attempt"
		return nil
	}}}
	p := &poolStub{tx: tx}
	q := postgres.NewJobQueue(p)

	before := time.Now().UTC()
	ok, err := q.Fail(context.Background(), "job-1", "boom", time.Minute)
	after := time.Now().UTC()
	if err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}
	if !tx.committed {
		t.Fatalf("fail must commit")
	}

	update := tx.execSQL[len(tx.execSQL)-1]
	if !strings.Contains(update, "status='pending'") {
		t.Fatalf("retryable failure must go back to pending: %s", update)
	}
	args := tx.execArgs[len(tx.execArgs)-1]
	if args[2] != 2 {
		t.Fatalf("want retry_count 2, got %v", args[2])
	}
	// delay * 2^1 with retry_count 1
	sched := args[3].(time.Time)
	if sched.Before(before.Add(2*time.Minute)) || sched.After(after.Add(2*time.Minute)) {
		t.Fatalf("want scheduled_for ~ now+2m, got %v", sched)
	}
}

func TestJobQueue_Fail_ExhaustedGoesDead(t *testing.T) {
	tx := &txStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 2
		*(dest[1].(*int)) = 3
		*(dest[2].(*string)) = "run_attempt"
		return nil
	}}}
	p := &poolStub{tx: tx}
	q := postgres.NewJobQueue(p)

	ok, err := q.Fail(context.Background(), "job-1", "boom", time.Minute)
	if err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}
	update := tx.execSQL[len(tx.execSQL)-1]
	if !strings.Contains(update, "status='dead'") {
		t.Fatalf("exhausted job must go dead: %s", update)
	}
}

func TestJobQueue_Fail_MissingJobIsNoop(t *testing.T) {
	tx := &txStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	p := &poolStub{tx: tx}
	q := postgres.NewJobQueue(p)
	ok, err := q.Fail(context.Background(), "nope", "boom", time.Minute)
	if err != nil || ok {
		t.Fatalf("want false, nil for missing job, got ok=%v err=%v", ok, err)
	}
}

func TestJobQueue_RecoverStale_NeverResurrectsDead(t *testing.T) {
	p := &poolStub{}
	q := postgres.NewJobQueue(p)
	if _, err := q.RecoverStale(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(p.lastSQL, "status IN ('claimed','running')") {
		t.Fatalf("recovery must only touch claimed/running: %s", p.lastSQL)
	}
	if !strings.Contains(p.lastSQL, "retry_count < max_retries") {
		t.Fatalf("recovery must respect retry budget: %s", p.lastSQL)
	}
	if !strings.Contains(p.lastSQL, "Recovered from stale worker") {
		t.Fatalf("recovery error text missing: %s", p.lastSQL)
	}
}

func TestJobQueue_FailForAttempt_TargetsPendingAndClaimed(t *testing.T) {
	p := &poolStub{}
	q := postgres.NewJobQueue(p)
	if _, err := q.FailForAttempt(context.Background(), "att-1", "Cancelled by user"); err != nil {
		t.Fatalf("fail for attempt: %v", err)
	}
	if !strings.Contains(p.lastSQL, "status IN ('pending','claimed')") {
		t.Fatalf("cancel must not touch running jobs: %s", p.lastSQL)
	}
}
