package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dragonflyic/workbench/internal/domain"
)

// StaleJobSweeper periodically returns claimed/running jobs whose worker
// stopped heartbeating to PENDING, so another worker can pick them up.
type StaleJobSweeper struct {
	queue     domain.Queue
	threshold time.Duration
	interval  time.Duration
}

// NewStaleJobSweeper builds a sweeper. Zero durations select 5m threshold and
// 1m interval.
func NewStaleJobSweeper(queue domain.Queue, threshold, interval time.Duration) *StaleJobSweeper {
	if queue == nil {
		return nil
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleJobSweeper{queue: queue, threshold: threshold, interval: interval}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled.
func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.stale_threshold_seconds", s.threshold.Seconds()))

	recovered, err := s.queue.RecoverStale(ctx, s.threshold)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.recovered", recovered))
	if recovered > 0 {
		slog.Info("stale jobs recovered", slog.Int("count", recovered))
	}
}
