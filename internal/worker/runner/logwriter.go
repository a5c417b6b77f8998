package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dragonflyic/workbench/internal/domain"
)

// logWriter appends LOG artifacts for one attempt with strictly increasing
// sequence numbers. All writes from the message loop, the permission
// callback, and the runner's own events funnel through the same mutex.
// Sequence 0 is reserved for the prompt artifact.
type logWriter struct {
	artifacts domain.ArtifactRepository
	attemptID string

	mu  sync.Mutex
	seq int
}

func newLogWriter(artifacts domain.ArtifactRepository, attemptID string) *logWriter {
	return &logWriter{artifacts: artifacts, attemptID: attemptID}
}

func (w *logWriter) write(ctx context.Context, entry map[string]any, isFinal bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	return w.create(ctx, w.seq, fmt.Sprintf("log_%04d", w.seq), entry, isFinal)
}

// event appends a timeline event entry.
func (w *logWriter) event(ctx context.Context, event, message string, details map[string]any, isFinal bool) error {
	return w.write(ctx, map[string]any{
		"type":      "event",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"event":     event,
		"message":   message,
		"details":   details,
	}, isFinal)
}

// writePrompt persists the assembled prompt at sequence 0 so it always sorts
// first in the stream.
func (w *logWriter) writePrompt(ctx context.Context, prompt string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.create(ctx, 0, "prompt", map[string]any{
		"type":      "prompt",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"content":   prompt,
	}, false)
}

func (w *logWriter) create(ctx context.Context, seq int, name string, entry map[string]any, isFinal bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=runner.log_encode: %w", err)
	}
	text := string(data)
	_, err = w.artifacts.Create(ctx, domain.Artifact{
		AttemptID:   w.attemptID,
		Type:        domain.ArtifactLog,
		Name:        name,
		MIMEType:    "application/json",
		ContentText: &text,
		SequenceNum: &seq,
		IsFinal:     isFinal,
	})
	if err != nil {
		return fmt.Errorf("op=runner.log_write: %w", err)
	}
	return nil
}
