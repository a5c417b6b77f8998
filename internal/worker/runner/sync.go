package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/dragonflyic/workbench/internal/domain"
)

// SyncRequest is the parsed payload of a SYNC_SIGNALS job.
type SyncRequest struct {
	Org           string
	ProjectNumber int
	Since         *time.Time
	ForceRefresh  bool
	LabelFilter   []string
	RepoFilter    []string
}

// SyncStats summarizes one upstream sync pass.
type SyncStats struct {
	ProjectTitle   string
	ItemsFound     int
	SignalsCreated int
	SignalsUpdated int
	SignalsSkipped int
	Errors         []string
}

// SignalSyncer ingests work items from the upstream project host. The sync
// service itself is a collaborator; the worker only routes the job type.
type SignalSyncer interface {
	Sync(ctx context.Context, req SyncRequest) (SyncStats, error)
}

// SyncHandler executes SYNC_SIGNALS jobs by dispatching to the configured
// syncer.
type SyncHandler struct {
	Syncer SignalSyncer
}

const maxSyncErrors = 10

// Run validates the payload and runs one sync pass. The repos_queued field in
// the result echoes the request's repo filter, not the set actually synced.
func (h *SyncHandler) Run(ctx context.Context, job *domain.Job) (map[string]any, error) {
	if h.Syncer == nil {
		return nil, fmt.Errorf("op=sync.run: %w: no syncer configured", domain.ErrInvalidArgument)
	}
	payload := job.Payload

	org, _ := payload["org"].(string)
	projectNumber := 0
	if n, ok := payload["project_number"].(float64); ok {
		projectNumber = int(n)
	}
	if org == "" || projectNumber == 0 {
		return nil, fmt.Errorf("op=sync.run: %w: org and project_number required", domain.ErrInvalidArgument)
	}

	req := SyncRequest{Org: org, ProjectNumber: projectNumber}
	if s, ok := payload["since"].(string); ok && s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("op=sync.run: %w: bad since timestamp", domain.ErrInvalidArgument)
		}
		req.Since = &ts
	}
	req.ForceRefresh, _ = payload["force_refresh"].(bool)
	req.LabelFilter = stringSlice(payload["label_filter"])
	req.RepoFilter = stringSlice(payload["repo_filter"])

	stats, err := h.Syncer.Sync(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("op=sync.run: %w", err)
	}

	errs := stats.Errors
	if len(errs) > maxSyncErrors {
		errs = errs[:maxSyncErrors]
	}
	return map[string]any{
		"success":         len(stats.Errors) == 0,
		"project_title":   stats.ProjectTitle,
		"items_found":     stats.ItemsFound,
		"signals_created": stats.SignalsCreated,
		"signals_updated": stats.SignalsUpdated,
		"signals_skipped": stats.SignalsSkipped,
		"errors":          errs,
		"error_count":     len(stats.Errors),
		"repos_queued":    req.RepoFilter,
	}, nil
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
