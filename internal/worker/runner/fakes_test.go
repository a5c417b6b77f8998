package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dragonflyic/workbench/internal/domain"
)

type fakeAttempts struct {
	mu          sync.Mutex
	markRunning []string
	finished    map[string]domain.AttemptUpdate
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{finished: map[string]domain.AttemptUpdate{}}
}

func (f *fakeAttempts) Create(context.Context, string) (domain.Attempt, error) {
	return domain.Attempt{}, nil
}
func (f *fakeAttempts) Get(context.Context, string) (domain.Attempt, error) {
	return domain.Attempt{}, domain.ErrNotFound
}
func (f *fakeAttempts) ListBySignal(context.Context, string) ([]domain.Attempt, error) {
	return nil, nil
}
func (f *fakeAttempts) MarkRunning(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRunning = append(f.markRunning, id)
	return nil
}
func (f *fakeAttempts) Finish(_ context.Context, id string, upd domain.AttemptUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = upd
	return nil
}
func (f *fakeAttempts) Cancel(context.Context, string, string) (bool, error) {
	return false, nil
}

// fakeClarifications answers every stored row after a configurable number of
// ListByIDs calls, simulating a human responding mid-execution.
type fakeClarifications struct {
	mu                 sync.Mutex
	rows               map[string]*domain.Clarification
	order              []string
	answers            []string
	pollsUntilAnswered int
	polls              int
}

func newFakeClarifications(pollsUntilAnswered int, answers ...string) *fakeClarifications {
	return &fakeClarifications{
		rows:               map[string]*domain.Clarification{},
		answers:            answers,
		pollsUntilAnswered: pollsUntilAnswered,
	}
}

func (f *fakeClarifications) Create(_ context.Context, c domain.Clarification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("cl_%d", len(f.order)+1)
	c.ID = id
	f.rows[id] = &c
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeClarifications) Get(_ context.Context, id string) (domain.Clarification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return domain.Clarification{}, domain.ErrNotFound
	}
	return *c, nil
}

func (f *fakeClarifications) ListByAttempt(_ context.Context, attemptID string) ([]domain.Clarification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Clarification
	for _, id := range f.order {
		if f.rows[id].AttemptID == attemptID {
			out = append(out, *f.rows[id])
		}
	}
	return out, nil
}

func (f *fakeClarifications) ListByIDs(_ context.Context, ids []string) ([]domain.Clarification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls >= f.pollsUntilAnswered {
		for i, id := range f.order {
			if f.rows[id].AnswerText == nil && i < len(f.answers) {
				answer := f.answers[i]
				f.rows[id].AnswerText = &answer
			}
		}
	}
	var out []domain.Clarification
	for _, id := range ids {
		if c, ok := f.rows[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeClarifications) Answer(_ context.Context, id, answerText, answeredBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.AnswerText = &answerText
	c.AnsweredBy = answeredBy
	return nil
}

func (f *fakeClarifications) AcceptDefault(_ context.Context, id, answeredBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.AcceptedDefault = true
	c.AnsweredBy = answeredBy
	return nil
}

func (f *fakeClarifications) created() []domain.Clarification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Clarification, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.rows[id])
	}
	return out
}

type fakeArtifacts struct {
	mu   sync.Mutex
	rows []domain.Artifact
}

func (f *fakeArtifacts) Create(_ context.Context, a domain.Artifact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = fmt.Sprintf("art_%d", len(f.rows)+1)
	f.rows = append(f.rows, a)
	return a.ID, nil
}
func (f *fakeArtifacts) Get(context.Context, string) (domain.Artifact, error) {
	return domain.Artifact{}, domain.ErrNotFound
}
func (f *fakeArtifacts) ListByAttempt(context.Context, string) ([]domain.Artifact, error) {
	return nil, nil
}
func (f *fakeArtifacts) ListLogsAfter(context.Context, string, int) ([]domain.Artifact, error) {
	return nil, nil
}

func (f *fakeArtifacts) all() []domain.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Artifact(nil), f.rows...)
}

// gitRepo initializes a committed repository and returns its path. withChange
// leaves one uncommitted modification in the working tree.
func gitRepo(t *testing.T, withChange bool) string {
	t.Helper()
	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	git("init", "-q")
	git("config", "user.email", "test@example.com")
	git("config", "user.name", "test")
	file := filepath.Join(dir, "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git("add", "-A")
	git("commit", "-q", "-m", "init")
	if withChange {
		if err := os.WriteFile(file, []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

type failCall struct {
	id     string
	errMsg string
	delay  time.Duration
}

type queueStub struct {
	mu        sync.Mutex
	claimFn   func(ctx context.Context, types []domain.JobType) (*domain.Job, error)
	started   []string
	completed map[string]map[string]any
	failed    []failCall
	beats     []string
}

func newQueueStub() *queueStub {
	return &queueStub{completed: map[string]map[string]any{}}
}

func (q *queueStub) Enqueue(context.Context, domain.EnqueueRequest) (domain.Job, error) {
	return domain.Job{}, nil
}
func (q *queueStub) Claim(ctx context.Context, types []domain.JobType) (*domain.Job, error) {
	if q.claimFn == nil {
		return nil, nil
	}
	return q.claimFn(ctx, types)
}
func (q *queueStub) Get(context.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (q *queueStub) Start(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.started = append(q.started, id)
	return true, nil
}
func (q *queueStub) Complete(_ context.Context, id string, result map[string]any) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = result
	return true, nil
}
func (q *queueStub) Fail(_ context.Context, id, errMsg string, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, failCall{id: id, errMsg: errMsg, delay: delay})
	return true, nil
}
func (q *queueStub) Heartbeat(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.beats = append(q.beats, id)
	return true, nil
}
func (q *queueStub) RecoverStale(context.Context, time.Duration) (int, error) { return 0, nil }
func (q *queueStub) FailForAttempt(context.Context, string, string) (int, error) {
	return 0, nil
}
