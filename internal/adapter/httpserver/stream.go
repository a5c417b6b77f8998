package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dragonflyic/workbench/internal/domain"
)

const (
	logStreamPollInterval = time.Second
	// logStreamWriteWindow is how far the connection's write deadline is pushed
	// out on every poll. The server's WriteTimeout sets an absolute deadline
	// when the handler starts; a live stream outlasts it, so the deadline is
	// renewed while the attempt keeps producing logs.
	logStreamWriteWindow = time.Minute
)

// LogStreamHandler serves the attempt's LOG artifacts as server-sent events.
// The client may resume from a checkpoint with ?after=<sequence_num>. The
// stream ends when an is_final artifact appears or the attempt leaves
// PENDING/RUNNING.
func (s *Server) LogStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attemptID := chi.URLParam(r, "id")
		if _, err := s.Attempts.Get(r.Context(), attemptID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		rc := http.NewResponseController(w)
		lastSeq := queryInt(r, "after", -1)
		ticker := time.NewTicker(logStreamPollInterval)
		defer ticker.Stop()

		for {
			// Not every ResponseWriter supports deadlines (test recorders don't).
			_ = rc.SetWriteDeadline(time.Now().Add(logStreamWriteWindow))

			logs, err := s.Artifacts.ListLogsAfter(r.Context(), attemptID, lastSeq)
			if err != nil {
				writeSSE(w, "error", map[string]any{"message": "log query failed"})
				flusher.Flush()
				return
			}
			final := false
			for _, a := range logs {
				writeSSE(w, "log", artifactView(a, true))
				if a.SequenceNum != nil && *a.SequenceNum > lastSeq {
					lastSeq = *a.SequenceNum
				}
				if a.IsFinal {
					final = true
				}
			}
			if len(logs) > 0 {
				flusher.Flush()
			}
			if final {
				writeSSE(w, "done", map[string]any{"reason": "final"})
				flusher.Flush()
				return
			}

			attempt, err := s.Attempts.Get(r.Context(), attemptID)
			if err != nil {
				writeSSE(w, "done", map[string]any{"reason": "attempt_gone"})
				flusher.Flush()
				return
			}
			if attempt.Status != domain.AttemptPending && attempt.Status != domain.AttemptRunning {
				// Drain anything persisted between the last query and the status
				// change before ending the stream.
				if tail, err := s.Artifacts.ListLogsAfter(r.Context(), attemptID, lastSeq); err == nil {
					for _, a := range tail {
						writeSSE(w, "log", artifactView(a, true))
					}
				}
				writeSSE(w, "done", map[string]any{"reason": "attempt_finished", "status": string(attempt.Status)})
				flusher.Flush()
				return
			}

			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
