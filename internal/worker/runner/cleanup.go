package runner

import (
	"context"
	"fmt"

	"github.com/dragonflyic/workbench/internal/domain"
)

// Retention is the slice of the storage layer the cleanup job needs.
type Retention interface {
	CleanupOldData(ctx context.Context) (int, error)
}

// CleanupHandler executes CLEANUP jobs.
type CleanupHandler struct {
	Retention Retention
}

func (h *CleanupHandler) Run(ctx context.Context, _ *domain.Job) (map[string]any, error) {
	if h.Retention == nil {
		return nil, fmt.Errorf("op=cleanup.run: %w: no retention configured", domain.ErrInvalidArgument)
	}
	deleted, err := h.Retention.CleanupOldData(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=cleanup.run: %w", err)
	}
	return map[string]any{"success": true, "deleted": deleted}, nil
}
