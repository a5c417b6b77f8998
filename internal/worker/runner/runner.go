// Package runner orchestrates claimed jobs: it provisions a sandbox, drives
// the agent with persistence hooks, classifies the outcome, and projects the
// result onto the attempt row.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dragonflyic/workbench/internal/adapter/observability"
	"github.com/dragonflyic/workbench/internal/domain"
	"github.com/dragonflyic/workbench/internal/worker/agent"
	"github.com/dragonflyic/workbench/internal/worker/classify"
	"github.com/dragonflyic/workbench/internal/worker/sandbox"
)

var defaultAllowedTools = []string{"Read", "Write", "Edit", "Glob", "Grep", "Bash", agent.AskUserTool}
var defaultDisallowedTools = []string{"WebFetch", "WebSearch"}

// Options carries the execution configuration for attempts.
type Options struct {
	TmpDirBase         string
	GitHubPAT          string
	BinaryPath         string
	MaxTurns           int
	Timeout            time.Duration
	MaxToolCalls       int
	AnswerPollInterval time.Duration
	// MockScenario selects the deterministic mock agent instead of the real
	// subprocess when non-empty.
	MockScenario string
}

// AttemptRunner executes RUN_ATTEMPT and RETRY_ATTEMPT jobs.
type AttemptRunner struct {
	Attempts       domain.AttemptRepository
	Clarifications domain.ClarificationRepository
	Artifacts      domain.ArtifactRepository
	Classifier     *classify.Classifier
	Opts           Options

	// NewClient builds the agent session for a working tree. Overridable in
	// tests; the default honours MockScenario.
	NewClient func(workDir string) agent.Client
	// NewSandbox provisions the working tree. Overridable in tests.
	NewSandbox func(ctx context.Context, opts sandbox.Options) (*sandbox.Sandbox, error)
}

// NewAttemptRunner wires an AttemptRunner with the default client factory.
func NewAttemptRunner(
	attempts domain.AttemptRepository,
	clarifications domain.ClarificationRepository,
	artifacts domain.ArtifactRepository,
	classifier *classify.Classifier,
	opts Options,
) *AttemptRunner {
	r := &AttemptRunner{
		Attempts:       attempts,
		Clarifications: clarifications,
		Artifacts:      artifacts,
		Classifier:     classifier,
		Opts:           opts,
	}
	r.NewClient = func(workDir string) agent.Client {
		if opts.MockScenario != "" {
			return agent.NewMockClient(opts.MockScenario)
		}
		return agent.NewSubprocessClient(opts.BinaryPath, workDir, opts.MaxTurns,
			defaultAllowedTools, defaultDisallowedTools)
	}
	r.NewSandbox = sandbox.New
	return r
}

// Run executes one attempt job end to end and returns the job result map.
// Job retries re-enter with the same attempt id; the RUNNING transition and
// the log stream are idempotent against that.
func (r *AttemptRunner) Run(ctx context.Context, job *domain.Job) (map[string]any, error) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.Run")
	defer span.End()

	payload := job.Payload
	attemptID, _ := payload["attempt_id"].(string)
	if attemptID == "" {
		return nil, fmt.Errorf("op=runner.payload: %w: attempt_id missing", domain.ErrInvalidArgument)
	}
	span.SetAttributes(attribute.String("attempt.id", attemptID))

	sig := signalContextFromPayload(payload)
	if len(sig.Clarifications) == 0 {
		// Retry attempts resume with the answers given since the last run.
		sig.Clarifications = r.answeredClarifications(ctx, attemptID)
	}

	if err := r.Attempts.MarkRunning(ctx, attemptID); err != nil {
		return nil, fmt.Errorf("op=runner.mark_running: %w", err)
	}

	logs := newLogWriter(r.Artifacts, attemptID)
	start := time.Now()
	_ = logs.event(ctx, "attempt_started",
		fmt.Sprintf("Starting attempt for signal: %.50s", sig.Title), nil, false)

	repoURL := fmt.Sprintf("https://github.com/%s.git", sig.Repo)
	_ = logs.event(ctx, "cloning_repo",
		fmt.Sprintf("Cloning repository: %s", sig.Repo),
		map[string]any{"repo_url": repoURL}, false)

	baseBranch, _ := payload["base_branch"].(string)
	sb, err := r.NewSandbox(ctx, sandbox.Options{
		RepoURL:    repoURL,
		BaseBranch: baseBranch,
		GitHubPAT:  r.Opts.GitHubPAT,
		BaseDir:    r.Opts.TmpDirBase,
	})
	if err != nil {
		return nil, fmt.Errorf("op=runner.sandbox: %w", err)
	}
	defer sb.Cleanup()
	_ = logs.event(ctx, "workspace_ready",
		fmt.Sprintf("Workspace created at %s", sb.RepoPath),
		map[string]any{"branch": sb.BranchName, "path": sb.RepoPath}, false)

	driver := agent.NewDriver(r.NewClient(sb.RepoPath), agent.Config{
		MaxTurns:           r.Opts.MaxTurns,
		Timeout:            r.Opts.Timeout,
		MaxToolCalls:       r.Opts.MaxToolCalls,
		AnswerPollInterval: r.Opts.AnswerPollInterval,
	})

	_ = logs.event(ctx, "execution_starting", "Starting agent execution", nil, false)

	var (
		clMu       sync.Mutex
		createdIDs []string
	)
	hooks := agent.Hooks{
		Log: logs.write,
		OnQuestionsAsked: func(ctx context.Context, toolID string, questions []agent.Question) ([]string, error) {
			clMu.Lock()
			defer clMu.Unlock()
			ids, err := r.persistQuestions(ctx, attemptID, toolID, questions)
			if err != nil {
				return nil, err
			}
			createdIDs = append(createdIDs, ids...)
			return ids, nil
		},
		PollForAnswers: func(ctx context.Context) (map[string]string, bool, error) {
			clMu.Lock()
			ids := append([]string(nil), createdIDs...)
			clMu.Unlock()
			return r.pollAnswers(ctx, ids)
		},
	}

	execResult, err := driver.Execute(ctx, sig, hooks)
	if err != nil {
		return nil, fmt.Errorf("op=runner.execute: %w", err)
	}

	_ = logs.writePrompt(ctx, execResult.Prompt)

	diffStats, err := sb.DiffStats(ctx)
	if err != nil {
		slog.Warn("diff stats unavailable", slog.String("attempt_id", attemptID), slog.Any("error", err))
		diffStats = domain.DiffStats{}
	}

	verdict := r.Classifier.Classify(execResult, diffStats)

	// Blocking mode leaves question persistence to the runner.
	if execResult.InterruptedForQuestions && len(createdIDs) == 0 {
		for _, set := range execResult.QuestionsAsked {
			if _, err := r.persistQuestions(ctx, attemptID, set.ToolID, set.Questions); err != nil {
				slog.Error("persisting interrupted questions failed",
					slog.String("attempt_id", attemptID), slog.Any("error", err))
			}
		}
	}

	_ = logs.event(ctx, "execution_complete", "Agent execution finished", map[string]any{
		"turns":       execResult.Metrics.TurnCount,
		"tool_calls":  execResult.Metrics.ToolCallCount,
		"cost_usd":    execResult.Metrics.TotalCostUSD,
		"interrupted": execResult.InterruptedForQuestions,
		"status":      string(verdict.Status),
	}, true)

	summary := map[string]any{
		"status":       string(verdict.Status),
		"what_changed": verdict.WhatChanged,
		"risk_flags":   verdict.RiskFlags,
		"assumptions":  verdict.Assumptions,
		"metrics": map[string]any{
			"tool_calls":   execResult.Metrics.ToolCallCount,
			"turns":        execResult.Metrics.TurnCount,
			"commands_run": execResult.Metrics.CommandsRun,
			"cost_usd":     execResult.Metrics.TotalCostUSD,
		},
	}
	upd := domain.AttemptUpdate{
		Status:  verdict.Status,
		Summary: summary,
		RunnerMetadata: map[string]any{
			"timed_out":                 execResult.TimedOut,
			"budget_exceeded":           execResult.BudgetExceeded,
			"interrupted_for_questions": execResult.InterruptedForQuestions,
			"session_id":                execResult.Output["session_id"],
		},
		ErrorMessage: verdict.ErrorMessage,
	}
	if verdict.PRURL != "" {
		upd.PRURL = verdict.PRURL
		upd.BranchName = sb.BranchName
	}
	if err := r.Attempts.Finish(ctx, attemptID, upd); err != nil {
		return nil, fmt.Errorf("op=runner.finish: %w", err)
	}

	observability.AttemptsFinishedTotal.WithLabelValues(string(verdict.Status)).Inc()
	observability.AttemptDuration.Observe(time.Since(start).Seconds())
	return summary, nil
}

// persistQuestions writes one clarification per question under the tool-local
// id, carrying option lists for multi-choice questions in the anchors map.
func (r *AttemptRunner) persistQuestions(ctx context.Context, attemptID, toolID string, questions []agent.Question) ([]string, error) {
	ids := make([]string, 0, len(questions))
	for i, q := range questions {
		anchors := map[string]any{"evidence": []any{}}
		if len(q.Options) > 0 {
			opts := make([]any, 0, len(q.Options))
			for _, o := range q.Options {
				opts = append(opts, map[string]any{"label": o.Label, "description": o.Description})
			}
			anchors["options"] = opts
			anchors["multi_select"] = q.MultiSelect
		}
		id, err := r.Clarifications.Create(ctx, domain.Clarification{
			AttemptID:       attemptID,
			QuestionID:      fmt.Sprintf("%s_%d", toolID, i),
			QuestionText:    q.Question,
			QuestionContext: q.Header,
			Anchors:         anchors,
		})
		if err != nil {
			return nil, fmt.Errorf("op=runner.persist_questions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// pollAnswers checks exactly the clarifications this execution created.
func (r *AttemptRunner) pollAnswers(ctx context.Context, ids []string) (map[string]string, bool, error) {
	if len(ids) == 0 {
		return map[string]string{}, true, nil
	}
	rows, err := r.Clarifications.ListByIDs(ctx, ids)
	if err != nil {
		return nil, false, fmt.Errorf("op=runner.poll_answers: %w", err)
	}
	answers := make(map[string]string, len(rows))
	for _, c := range rows {
		answer, ok := c.EffectiveAnswer()
		if !ok {
			return nil, false, nil
		}
		answers[c.QuestionID] = answer
	}
	return answers, true, nil
}

// answeredClarifications loads prior answered Q/A pairs for retry prompts.
func (r *AttemptRunner) answeredClarifications(ctx context.Context, attemptID string) []agent.QA {
	rows, err := r.Clarifications.ListByAttempt(ctx, attemptID)
	if err != nil {
		slog.Warn("loading prior clarifications failed",
			slog.String("attempt_id", attemptID), slog.Any("error", err))
		return nil
	}
	var out []agent.QA
	for _, c := range rows {
		if answer, ok := c.EffectiveAnswer(); ok {
			out = append(out, agent.QA{Question: c.QuestionText, Answer: answer})
		}
	}
	return out
}

func signalContextFromPayload(payload map[string]any) agent.SignalContext {
	sig := agent.SignalContext{}
	sig.Source, _ = payload["source"].(string)
	sig.Repo, _ = payload["repo"].(string)
	sig.Title, _ = payload["title"].(string)
	sig.Body, _ = payload["body"].(string)
	if n, ok := payload["issue_number"].(float64); ok {
		sig.IssueNumber = int(n)
	}
	sig.Metadata, _ = payload["metadata"].(map[string]any)
	sig.ProjectFields, _ = payload["project_fields"].(map[string]any)
	if raw, ok := payload["clarifications"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			qa := agent.QA{}
			qa.Question, _ = m["question"].(string)
			qa.Answer, _ = m["answer"].(string)
			sig.Clarifications = append(sig.Clarifications, qa)
		}
	}
	return sig
}
