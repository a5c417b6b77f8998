package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces the data retention window. Old terminal jobs are
// removed directly; old signals are removed only when none of their attempts
// is still active, and their attempts, clarifications, and artifacts cascade.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with the given retention window.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes rows older than the retention window in a single
// transaction and returns the number of deleted jobs plus signals.
func (s *CleanupService) CleanupOldData(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jobsTag, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','dead')
		  AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	signalsTag, err := tx.Exec(ctx, `
		DELETE FROM signals s
		WHERE s.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM attempts a
			WHERE a.signal_id = s.id
			  AND a.status IN ('pending','running','needs_human')
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=cleanup.signals: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=cleanup.commit: %w", err)
	}

	deleted := int(jobsTag.RowsAffected() + signalsTag.RowsAffected())
	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", jobsTag.RowsAffected()),
		slog.Int64("deleted_signals", signalsTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return deleted, nil
}

// RunPeriodic runs cleanup once immediately and then on every tick until the
// context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if _, err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
