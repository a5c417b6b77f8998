package httpserver

import (
	"time"

	"github.com/dragonflyic/workbench/internal/domain"
)

// View helpers project domain entities onto JSON envelopes. Timestamps are
// RFC3339 UTC; nullable times render as null.

func signalView(s domain.Signal) map[string]any {
	return map[string]any{
		"id":             s.ID,
		"source":         s.Source,
		"repo":           s.Repo,
		"issue_number":   s.IssueNumber,
		"external_id":    s.ExternalID,
		"title":          s.Title,
		"body":           s.Body,
		"metadata":       s.Metadata,
		"project_fields": s.ProjectFields,
		"priority":       s.Priority,
		"url":            s.URL(),
		"created_at":     s.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func attemptView(a domain.Attempt) map[string]any {
	m := map[string]any{
		"id":              a.ID,
		"signal_id":       a.SignalID,
		"attempt_number":  a.AttemptNumber,
		"status":          string(a.Status),
		"started_at":      timePtr(a.StartedAt),
		"finished_at":     timePtr(a.FinishedAt),
		"pr_url":          a.PRURL,
		"branch_name":     a.BranchName,
		"summary":         a.Summary,
		"runner_metadata": a.RunnerMetadata,
		"error_message":   a.ErrorMessage,
		"created_at":      a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ms, ok := a.DurationMS(); ok {
		m["duration_ms"] = ms
	}
	return m
}

func clarificationView(c domain.Clarification) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"attempt_id":       c.AttemptID,
		"question_id":      c.QuestionID,
		"question_text":    c.QuestionText,
		"question_context": c.QuestionContext,
		"default_answer":   c.DefaultAnswer,
		"accepted_default": c.AcceptedDefault,
		"answer_text":      c.AnswerText,
		"answered_at":      timePtr(c.AnsweredAt),
		"answered_by":      c.AnsweredBy,
		"anchors":          c.Anchors,
		"is_answered":      c.IsAnswered(),
		"created_at":       c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func artifactView(a domain.Artifact, includeContent bool) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"attempt_id":   a.AttemptID,
		"type":         string(a.Type),
		"name":         a.Name,
		"mime_type":    a.MIMEType,
		"size_bytes":   a.SizeBytes,
		"sequence_num": a.SequenceNum,
		"is_final":     a.IsFinal,
		"created_at":   a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if includeContent && a.ContentText != nil {
		m["content"] = *a.ContentText
	}
	return m
}

func jobView(j domain.Job) map[string]any {
	return map[string]any{
		"id":            j.ID,
		"type":          string(j.Type),
		"status":        string(j.Status),
		"priority":      j.Priority,
		"max_retries":   j.MaxRetries,
		"retry_count":   j.RetryCount,
		"scheduled_for": j.ScheduledFor.UTC().Format(time.RFC3339),
		"worker_id":     j.WorkerID,
		"claimed_at":    timePtr(j.ClaimedAt),
		"heartbeat_at":  timePtr(j.HeartbeatAt),
		"completed_at":  timePtr(j.CompletedAt),
		"result":        j.Result,
		"error":         j.Error,
		"attempt_id":    j.AttemptID,
		"created_at":    j.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
