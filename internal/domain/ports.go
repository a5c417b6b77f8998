package domain

import "time"

// Repositories (ports)

type SignalRepository interface {
	Create(ctx Context, s Signal) (string, error)
	Get(ctx Context, id string) (Signal, error)
	// Upsert inserts or updates by (repo, issue_number); returns the signal id
	// and whether a new row was created.
	Upsert(ctx Context, s Signal) (string, bool, error)
	List(ctx Context, limit, offset int) ([]Signal, error)
	Delete(ctx Context, id string) error
}

// AttemptUpdate carries the terminal projection written by the runner.
type AttemptUpdate struct {
	Status         AttemptStatus
	Summary        map[string]any
	RunnerMetadata map[string]any
	ErrorMessage   string
	PRURL          string
	BranchName     string
}

type AttemptRepository interface {
	// Create inserts a PENDING attempt with the next attempt_number for the signal.
	Create(ctx Context, signalID string) (Attempt, error)
	Get(ctx Context, id string) (Attempt, error)
	ListBySignal(ctx Context, signalID string) ([]Attempt, error)
	// MarkRunning transitions to RUNNING; idempotent against job retries:
	// started_at is only written when null and the status never moves backward.
	MarkRunning(ctx Context, id string) error
	// Finish writes the terminal or NEEDS_HUMAN projection and finished_at.
	Finish(ctx Context, id string, upd AttemptUpdate) error
	// Cancel marks a non-terminal attempt FAILED with the given reason.
	// Returns false when the attempt was already terminal.
	Cancel(ctx Context, id, reason string) (bool, error)
}

type ClarificationRepository interface {
	Create(ctx Context, c Clarification) (string, error)
	Get(ctx Context, id string) (Clarification, error)
	ListByAttempt(ctx Context, attemptID string) ([]Clarification, error)
	ListByIDs(ctx Context, ids []string) ([]Clarification, error)
	// Answer records a human answer; AcceptDefault resolves with the proposed default.
	Answer(ctx Context, id, answerText, answeredBy string) error
	AcceptDefault(ctx Context, id, answeredBy string) error
}

type ArtifactRepository interface {
	Create(ctx Context, a Artifact) (string, error)
	Get(ctx Context, id string) (Artifact, error)
	ListByAttempt(ctx Context, attemptID string) ([]Artifact, error)
	// ListLogsAfter returns LOG artifacts with sequence_num > afterSeq, ordered
	// by sequence_num. Backs the SSE log stream.
	ListLogsAfter(ctx Context, attemptID string, afterSeq int) ([]Artifact, error)
}

// EnqueueRequest describes a job to be placed on the queue.
type EnqueueRequest struct {
	Type         JobType
	Payload      map[string]any
	Priority     int
	MaxRetries   int
	ScheduledFor *time.Time
	AttemptID    *string
}

// Queue (port). Backed by the relational store; Claim is the serialization
// point: at most one worker observes a given PENDING job as CLAIMED.
type Queue interface {
	Enqueue(ctx Context, req EnqueueRequest) (Job, error)
	// Claim atomically takes the best eligible job for this worker, or returns
	// nil when none qualifies. An empty type filter matches all types.
	Claim(ctx Context, types []JobType) (*Job, error)
	Get(ctx Context, id string) (Job, error)
	Start(ctx Context, id string) (bool, error)
	Complete(ctx Context, id string, result map[string]any) (bool, error)
	// Fail retries with exponential backoff while budget remains, else DEAD.
	Fail(ctx Context, id, errMsg string, retryDelay time.Duration) (bool, error)
	Heartbeat(ctx Context, id string) (bool, error)
	// RecoverStale returns CLAIMED/RUNNING jobs without a recent heartbeat to
	// PENDING. Never resurrects DEAD jobs.
	RecoverStale(ctx Context, threshold time.Duration) (int, error)
	// FailForAttempt fails every pending/claimed job referencing the attempt.
	// Used by the cancel flow.
	FailForAttempt(ctx Context, attemptID, errMsg string) (int, error)
}
