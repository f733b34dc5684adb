package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ProductStandardizer/internal/metrics"
	"ProductStandardizer/internal/ports"
)

// Reclaimer resets products stuck in processing past a timeout back to
// pending. It runs on its own schedule, decoupled from the worker loop,
// and only touches claims already stale by wall clock. A worker actively
// committing has finalized its status long before the timeout elapses, and
// if the race happens anyway the re-queue is absorbed by the committer's
// idempotent upsert.
type Reclaimer struct {
	classified ports.ClassifiedStore
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewReclaimer constructs a stuck-item reclaimer.
func NewReclaimer(classified ports.ClassifiedStore, logger *slog.Logger, m *metrics.Metrics) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{classified: classified, now: time.Now, logger: logger, metrics: m}
}

// Reclaim resets every processing product claimed more than timeout ago.
func (r *Reclaimer) Reclaim(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := r.now().Add(-timeout)
	reclaimed, err := r.classified.ReclaimStuck(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck products: %w", err)
	}
	if len(reclaimed) > 0 {
		if r.metrics != nil {
			r.metrics.ProductsReclaimed.Add(float64(len(reclaimed)))
		}
		r.logger.Info("reclaimed stuck products", "count", len(reclaimed), "timeout", timeout)
	}
	return reclaimed, nil
}
