package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dragonflyic/workbench/internal/config"
	"github.com/dragonflyic/workbench/internal/domain"
)

// cancelledByUser is the terminal message written by the cancel flow to both
// the attempt and its queued jobs.
const cancelledByUser = "Cancelled by user"

// Server aggregates handler dependencies.
type Server struct {
	Cfg            config.Config
	Signals        domain.SignalRepository
	Attempts       domain.AttemptRepository
	Clarifications domain.ClarificationRepository
	Artifacts      domain.ArtifactRepository
	Queue          domain.Queue
	DBCheck        func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, signals domain.SignalRepository, attempts domain.AttemptRepository,
	clarifications domain.ClarificationRepository, artifacts domain.ArtifactRepository,
	queue domain.Queue, dbCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:            cfg,
		Signals:        signals,
		Attempts:       attempts,
		Clarifications: clarifications,
		Artifacts:      artifacts,
		Queue:          queue,
		DBCheck:        dbCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeAndValidate reads a capped JSON body into dst and runs struct
// validation, mapping failures onto ErrInvalidArgument.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return fmt.Errorf("%w: validation failed: %v", domain.ErrInvalidArgument, verrs)
	}
	return nil
}

// CreateSignalHandler registers a work signal by hand, outside the sync flow.
func (s *Server) CreateSignalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source        string         `json:"source"`
			Repo          string         `json:"repo" validate:"required"`
			IssueNumber   int            `json:"issue_number" validate:"required,gt=0"`
			ExternalID    string         `json:"external_id"`
			Title         string         `json:"title" validate:"required"`
			Body          string         `json:"body"`
			Metadata      map[string]any `json:"metadata"`
			ProjectFields map[string]any `json:"project_fields"`
			Priority      int            `json:"priority"`
		}
		if err := decodeAndValidate(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.Source == "" {
			req.Source = "github"
		}
		id, err := s.Signals.Create(r.Context(), domain.Signal{
			Source:        req.Source,
			Repo:          req.Repo,
			IssueNumber:   req.IssueNumber,
			ExternalID:    req.ExternalID,
			Title:         req.Title,
			Body:          req.Body,
			Metadata:      req.Metadata,
			ProjectFields: req.ProjectFields,
			Priority:      req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// ListSignalsHandler returns signals newest first with limit/offset paging.
func (s *Server) ListSignalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		signals, err := s.Signals.List(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(signals))
		for _, sig := range signals {
			out = append(out, signalView(sig))
		}
		writeJSON(w, http.StatusOK, map[string]any{"signals": out, "limit": limit, "offset": offset})
	}
}

// GetSignalHandler returns one signal.
func (s *Server) GetSignalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sig, err := s.Signals.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, signalView(sig))
	}
}

// DeleteSignalHandler removes a signal.
func (s *Server) DeleteSignalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Signals.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CreateAttemptHandler creates a PENDING attempt for the signal and enqueues
// the RUN_ATTEMPT job carrying the full signal context.
func (s *Server) CreateAttemptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sig, err := s.Signals.Get(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		attempt, err := s.Attempts.Create(ctx, sig.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Queue.Enqueue(ctx, domain.EnqueueRequest{
			Type:      domain.JobRunAttempt,
			Payload:   attemptPayload(attempt.ID, sig),
			Priority:  sig.Priority,
			AttemptID: &attempt.ID,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.enqueue_attempt: %w", err), nil)
			return
		}
		loggerFrom(r).Info("attempt enqueued",
			"signal_id", sig.ID, "attempt_id", attempt.ID, "job_id", job.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"attempt_id":     attempt.ID,
			"attempt_number": attempt.AttemptNumber,
			"job_id":         job.ID,
			"status":         string(attempt.Status),
		})
	}
}

// GetAttemptHandler returns one attempt.
func (s *Server) GetAttemptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.Attempts.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, attemptView(a))
	}
}

// ListAttemptsHandler lists a signal's attempts ordered by attempt_number.
func (s *Server) ListAttemptsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attempts, err := s.Attempts.ListBySignal(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(attempts))
		for _, a := range attempts {
			out = append(out, attemptView(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
	}
}

// CancelAttemptHandler marks a non-terminal attempt FAILED and fails its
// queued jobs. Cancellation is cooperative: a driver already running in
// another process stops at its next heartbeat boundary.
func (s *Server) CancelAttemptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		cancelled, err := s.Attempts.Cancel(ctx, id, cancelledByUser)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !cancelled {
			writeError(w, r, fmt.Errorf("%w: attempt already finished", domain.ErrConflict), nil)
			return
		}
		failed, err := s.Queue.FailForAttempt(ctx, id, cancelledByUser)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.cancel_jobs: %w", err), nil)
			return
		}
		loggerFrom(r).Info("attempt cancelled", "attempt_id", id, "jobs_failed", failed)
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "jobs_failed": failed})
	}
}

// RetryAttemptHandler re-enqueues a NEEDS_HUMAN or FAILED attempt under the
// same attempt id, so answered clarifications flow into the next prompt.
func (s *Server) RetryAttemptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		a, err := s.Attempts.Get(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if a.Status != domain.AttemptNeedsHuman && a.Status != domain.AttemptFailed {
			writeError(w, r, fmt.Errorf("%w: attempt status %s is not retryable", domain.ErrConflict, a.Status), nil)
			return
		}
		sig, err := s.Signals.Get(ctx, a.SignalID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Queue.Enqueue(ctx, domain.EnqueueRequest{
			Type:      domain.JobRetryAttempt,
			Payload:   attemptPayload(a.ID, sig),
			Priority:  sig.Priority,
			AttemptID: &a.ID,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.enqueue_retry: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"attempt_id": a.ID, "job_id": job.ID})
	}
}

// ListClarificationsHandler lists an attempt's clarifications.
func (s *Server) ListClarificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Clarifications.ListByAttempt(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for _, c := range rows {
			out = append(out, clarificationView(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"clarifications": out})
	}
}

// AnswerClarificationHandler records a human answer or accepts the proposed
// default. An answer unblocks the polling driver of a live execution.
func (s *Server) AnswerClarificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AnswerText    string `json:"answer_text"`
			AcceptDefault bool   `json:"accept_default"`
			AnsweredBy    string `json:"answered_by" validate:"required"`
		}
		if err := decodeAndValidate(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id := chi.URLParam(r, "id")
		ctx := r.Context()
		var err error
		switch {
		case req.AcceptDefault:
			err = s.Clarifications.AcceptDefault(ctx, id, req.AnsweredBy)
		case req.AnswerText != "":
			err = s.Clarifications.Answer(ctx, id, req.AnswerText, req.AnsweredBy)
		default:
			err = fmt.Errorf("%w: answer_text or accept_default required", domain.ErrInvalidArgument)
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		c, err := s.Clarifications.Get(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, clarificationView(c))
	}
}

// ListArtifactsHandler lists an attempt's artifacts.
func (s *Server) ListArtifactsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Artifacts.ListByAttempt(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for _, a := range rows {
			out = append(out, artifactView(a, false))
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
	}
}

// EnqueueSyncHandler enqueues a SYNC_SIGNALS job against the upstream project.
func (s *Server) EnqueueSyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Org           string   `json:"org" validate:"required"`
			ProjectNumber int      `json:"project_number" validate:"required,gt=0"`
			Since         string   `json:"since"`
			ForceRefresh  bool     `json:"force_refresh"`
			LabelFilter   []string `json:"label_filter"`
			RepoFilter    []string `json:"repo_filter"`
		}
		if err := decodeAndValidate(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.Since != "" {
			if _, err := time.Parse(time.RFC3339, req.Since); err != nil {
				writeError(w, r, fmt.Errorf("%w: since must be RFC3339", domain.ErrInvalidArgument), nil)
				return
			}
		}
		payload := map[string]any{
			"org":            req.Org,
			"project_number": req.ProjectNumber,
			"force_refresh":  req.ForceRefresh,
			"label_filter":   toAnySlice(req.LabelFilter),
			"repo_filter":    toAnySlice(req.RepoFilter),
		}
		if req.Since != "" {
			payload["since"] = req.Since
		}
		job, err := s.Queue.Enqueue(r.Context(), domain.EnqueueRequest{
			Type:    domain.JobSyncSignals,
			Payload: payload,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.enqueue_sync: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
	}
}

// GetJobHandler returns one queue job with its result or error.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Queue.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

// ReadyzHandler probes the database.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []check{}
		ok := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// attemptPayload is the job payload the runner parses back into a signal
// context.
func attemptPayload(attemptID string, sig domain.Signal) map[string]any {
	return map[string]any{
		"attempt_id":     attemptID,
		"signal_id":      sig.ID,
		"source":         sig.Source,
		"repo":           sig.Repo,
		"issue_number":   sig.IssueNumber,
		"title":          sig.Title,
		"body":           sig.Body,
		"metadata":       sig.Metadata,
		"project_fields": sig.ProjectFields,
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func toAnySlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
