package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/metrics"
	"ProductStandardizer/internal/ports"
)

// Committer finalizes one product per outcome. On success the order is
// fixed: persist the standardized payload first, flip the classified status
// second. A crash between the two leaves the product in processing; the
// reclaimer re-queues it and the idempotent upsert absorbs the replay.
type Committer struct {
	classified   ports.ClassifiedStore
	standardized ports.StandardizedStore
	retryCeiling int
	onMissing    string
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewCommitter constructs a result committer. retryCeiling bounds how many
// claim attempts a product gets before a retryable failure turns terminal;
// onMissing pins the no-taxonomy policy (skip or fail).
func NewCommitter(classified ports.ClassifiedStore, standardized ports.StandardizedStore,
	retryCeiling int, onMissing string, logger *slog.Logger, m *metrics.Metrics) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{
		classified:   classified,
		standardized: standardized,
		retryCeiling: retryCeiling,
		onMissing:    onMissing,
		now:          time.Now,
		logger:       logger,
		metrics:      m,
	}
}

// Commit applies one outcome. product.Attempts must reflect the current
// claim (the coordinator's increment included) so the retry ceiling is
// judged against the real attempt count.
func (c *Committer) Commit(ctx context.Context, product domain.ClassifiedProduct, outcome domain.Outcome, workerID, batchID string) error {
	if outcome.Err == nil {
		return c.commitSuccess(ctx, product, outcome, workerID, batchID)
	}

	reason := domain.Reason(outcome.Err)

	if errors.Is(outcome.Err, domain.ErrNoTaxonomy) && c.onMissing == config.MissingTaxonomySkip {
		if err := c.classified.Release(ctx, product.ID, reason); err != nil {
			return fmt.Errorf("release %s: %w", product.ID, err)
		}
		c.logger.Debug("product released pending taxonomy update", "id", product.ID, "group", product.GroupCode)
		return nil
	}

	if domain.Retryable(outcome.Err) && product.Attempts < c.retryCeiling {
		if err := c.classified.Release(ctx, product.ID, reason); err != nil {
			return fmt.Errorf("release %s: %w", product.ID, err)
		}
		if c.metrics != nil {
			c.metrics.ProductsReleased.Inc()
		}
		c.logger.Info("product released for retry",
			"id", product.ID, "attempts", product.Attempts, "reason", reason)
		return nil
	}

	if err := c.classified.MarkFailed(ctx, product.ID, reason); err != nil {
		return fmt.Errorf("mark failed %s: %w", product.ID, err)
	}
	if c.metrics != nil {
		c.metrics.ProductsFailed.Inc()
	}
	c.logger.Warn("product failed",
		"id", product.ID, "attempts", product.Attempts, "reason", reason)
	return nil
}

func (c *Committer) commitSuccess(ctx context.Context, product domain.ClassifiedProduct, outcome domain.Outcome, workerID, batchID string) error {
	if len(outcome.Attributes) == 0 {
		// A product never enters standardized with an empty attribute list.
		return c.Commit(ctx, product, domain.Outcome{ID: outcome.ID, Err: domain.ErrMalformedResponse}, workerID, batchID)
	}

	completedAt := c.now()
	doc := domain.StandardizedProduct{
		RefID:          product.ID,
		SourceID:       product.SourceID,
		GroupCode:      product.GroupCode,
		Attributes:     outcome.Attributes,
		Unstandardized: outcome.Unstandardized,
		WorkerID:       workerID,
		BatchID:        batchID,
		CompletedAt:    completedAt,
	}

	// Payload first, status flip second. Never the reverse.
	if err := c.standardized.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("persist standardized %s: %w", product.ID, err)
	}
	if err := c.classified.MarkStandardized(ctx, product.ID, completedAt); err != nil {
		return fmt.Errorf("flip status %s: %w", product.ID, err)
	}
	if c.metrics != nil {
		c.metrics.ProductsStandardized.Inc()
	}
	c.logger.Debug("product standardized", "id", product.ID, "attributes", len(outcome.Attributes))
	return nil
}
