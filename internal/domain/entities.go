// Package domain defines the core entities, ports, and error taxonomy of the
// workbench control plane. Adapters (postgres, http, worker) depend on this
// package; it depends on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// Context is an alias to context.Context so entity and port signatures stay
// uniform across the domain surface.
type Context = context.Context

// Signal represents a work candidate sourced from an upstream project board,
// typically a GitHub issue. Uniqueness: (repo, issue_number).
type Signal struct {
	ID            string
	Source        string
	Repo          string
	IssueNumber   int
	ExternalID    string
	Title         string
	Body          string
	Metadata      map[string]any
	ProjectFields map[string]any
	Priority      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// URL returns the upstream issue URL for GitHub-sourced signals.
func (s Signal) URL() string {
	return "https://github.com/" + s.Repo + "/issues/" + strconv.Itoa(s.IssueNumber)
}

// AttemptStatus enumerates the attempt lifecycle.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptRunning    AttemptStatus = "running"
	AttemptSuccess    AttemptStatus = "success"
	AttemptNeedsHuman AttemptStatus = "needs_human"
	AttemptFailed     AttemptStatus = "failed"
	AttemptNoop       AttemptStatus = "noop"
)

// Terminal reports whether the status ends the attempt lifecycle.
// NEEDS_HUMAN is not terminal: a retry attempt resumes it.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptNoop
}

// rank orders statuses along the forward-only path used by MarkRunning.
func (s AttemptStatus) rank() int {
	switch s {
	case AttemptPending:
		return 0
	case AttemptRunning:
		return 1
	case AttemptNeedsHuman:
		return 2
	default:
		return 3
	}
}

// Before reports whether s precedes other on the lifecycle path.
func (s AttemptStatus) Before(other AttemptStatus) bool { return s.rank() < other.rank() }

// Attempt is one execution of the agent against a signal.
// Invariants: attempt_number is unique per signal and starts at 1;
// finished_at >= started_at when both are set.
type Attempt struct {
	ID             string
	SignalID       string
	AttemptNumber  int
	Status         AttemptStatus
	StartedAt      *time.Time
	FinishedAt     *time.Time
	PRURL          string
	BranchName     string
	Summary        map[string]any
	RunnerMetadata map[string]any
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DurationMS returns the wall-clock duration in milliseconds, or false when
// the attempt has not both started and finished.
func (a Attempt) DurationMS() (int64, bool) {
	if a.StartedAt == nil || a.FinishedAt == nil {
		return 0, false
	}
	return a.FinishedAt.Sub(*a.StartedAt).Milliseconds(), true
}

// Clarification captures a question the agent raised during an attempt plus
// the human answer. question_id is unique within the attempt.
type Clarification struct {
	ID              string
	AttemptID       string
	QuestionID      string
	QuestionText    string
	QuestionContext string
	DefaultAnswer   *string
	AcceptedDefault bool
	AnswerText      *string
	AnsweredAt      *time.Time
	AnsweredBy      string
	Anchors         map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsAnswered reports whether the clarification is resolved, either by an
// explicit answer or by accepting the proposed default.
func (c Clarification) IsAnswered() bool {
	return c.AnswerText != nil || c.AcceptedDefault
}

// EffectiveAnswer returns the answer text if present, else the default answer
// when the default was accepted. The second return is false when unresolved.
func (c Clarification) EffectiveAnswer() (string, bool) {
	if c.AnswerText != nil {
		return *c.AnswerText, true
	}
	if c.AcceptedDefault && c.DefaultAnswer != nil {
		return *c.DefaultAnswer, true
	}
	return "", false
}

// JobType enumerates the closed set of queue job types.
type JobType string

const (
	JobSyncSignals  JobType = "sync_signals"
	JobRunAttempt   JobType = "run_attempt"
	JobRetryAttempt JobType = "retry_attempt"
	JobCleanup      JobType = "cleanup"
)

// JobStatus enumerates the queue lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// Job is a unit of work in the durable queue.
type Job struct {
	ID           string
	Type         JobType
	Payload      map[string]any
	Status       JobStatus
	Priority     int
	MaxRetries   int
	RetryCount   int
	ScheduledFor time.Time
	WorkerID     *string
	ClaimedAt    *time.Time
	HeartbeatAt  *time.Time
	CompletedAt  *time.Time
	Result       map[string]any
	Error        string
	AttemptID    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanRetry reports whether the job has retry budget left.
func (j Job) CanRetry() bool { return j.RetryCount < j.MaxRetries }

// ArtifactType enumerates artifact kinds.
type ArtifactType string

const (
	ArtifactLog    ArtifactType = "log"
	ArtifactDiff   ArtifactType = "diff"
	ArtifactPlan   ArtifactType = "plan"
	ArtifactCost   ArtifactType = "cost"
	ArtifactError  ArtifactType = "error"
	ArtifactCustom ArtifactType = "custom"
)

// Artifact captures output from an attempt (logs, diffs, plans, errors).
// For LOG artifacts, sequence_num is strictly increasing per attempt and at
// most one artifact carries is_final = true.
type Artifact struct {
	ID          string
	AttemptID   string
	Type        ArtifactType
	Name        string
	MIMEType    string
	ContentText *string
	ContentBlob []byte
	ContentPath *string
	SizeBytes   *int64
	SequenceNum *int
	IsFinal     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasContent reports whether any of the content columns is populated.
func (a Artifact) HasContent() bool {
	return a.ContentText != nil || len(a.ContentBlob) > 0 || a.ContentPath != nil
}

// DiffStats summarizes the working tree diff of a sandbox against HEAD.
type DiffStats struct {
	LinesAdded   int
	LinesDeleted int
	FilesTouched []string
}

// TotalLines is added plus deleted lines.
func (d DiffStats) TotalLines() int { return d.LinesAdded + d.LinesDeleted }

// FilesCount is the number of touched files.
func (d DiffStats) FilesCount() int { return len(d.FilesTouched) }
