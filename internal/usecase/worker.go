package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/metrics"
	"ProductStandardizer/internal/ports"
	"ProductStandardizer/internal/taxonomy"
)

// BatchSummary reports what happened to one claimed batch.
type BatchSummary struct {
	BatchID      string
	Total        int
	Standardized int
	Failed       int
	Released     int
}

// WorkerDeps wires the pipeline stages into the worker loop.
type WorkerDeps struct {
	Source      ports.SourceStore
	Selector    *Selector
	Coordinator *Coordinator
	Engine      *Engine
	Committer   *Committer
	Index       *taxonomy.Index
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Worker runs the sequential claim → fetch → process → commit cycle. Each
// worker is single-threaded at the loop level; parallelism comes from
// running more worker processes, coordinated only through the classified
// store's conditional updates.
type Worker struct {
	id          string
	batchSize   int
	idleDelay   time.Duration
	limiter     *rate.Limiter
	source      ports.SourceStore
	selector    *Selector
	coordinator *Coordinator
	engine      *Engine
	committer   *Committer
	index       *taxonomy.Index
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewWorker constructs a worker. An empty id gets a generated identity.
func NewWorker(cfg config.WorkerConfig, deps WorkerDeps) *Worker {
	id := cfg.ID
	if id == "" {
		id = "worker_" + shortID()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchDelay := cfg.BatchDelay()
	var limiter *rate.Limiter
	if batchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(batchDelay), 1)
	}

	return &Worker{
		id:          id,
		batchSize:   cfg.BatchSize,
		idleDelay:   cfg.IdleDelay(),
		limiter:     limiter,
		source:      deps.Source,
		selector:    deps.Selector,
		coordinator: deps.Coordinator,
		engine:      deps.Engine,
		committer:   deps.Committer,
		index:       deps.Index,
		logger:      logger.With("worker", id),
		metrics:     deps.Metrics,
		sleep:       sleepContext,
	}
}

// ID returns the worker identity stamped onto claims and results.
func (w *Worker) ID() string { return w.id }

// SelectAndClaim picks the next candidate slice and claims it. Products
// lost to another worker between selection and claim drop out silently.
// The returned records reflect post-claim state (processing, attempts
// incremented).
func (w *Worker) SelectAndClaim(ctx context.Context) ([]domain.ClassifiedProduct, error) {
	candidates, err := w.selector.SelectCandidates(ctx, w.batchSize, "")
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, candidate := range candidates {
		ids[i] = candidate.ID
	}

	result, err := w.coordinator.Claim(ctx, w.id, ids)
	if err != nil {
		return nil, err
	}
	if w.metrics != nil && len(result.AlreadyTaken) > 0 {
		w.metrics.ClaimsLost.Add(float64(len(result.AlreadyTaken)))
	}

	won := make(map[string]bool, len(result.Claimed))
	for _, id := range result.Claimed {
		won[id] = true
	}

	var claimed []domain.ClassifiedProduct
	for _, candidate := range candidates {
		if !won[candidate.ID] {
			continue
		}
		candidate.Status = domain.StatusProcessing
		candidate.ClaimedBy = w.id
		candidate.Attempts++
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}

// RunBatch processes a claimed slice end to end. Items are partitioned by
// taxonomy group so every engine call stays single-group; within one group
// the outcome order follows the claim order.
func (w *Worker) RunBatch(ctx context.Context, claimed []domain.ClassifiedProduct) (BatchSummary, error) {
	summary := BatchSummary{BatchID: "std_batch_" + shortID(), Total: len(claimed)}
	if len(claimed) == 0 {
		return summary, nil
	}

	groups, order := w.partitionByGroup(claimed)
	for _, group := range order {
		if err := w.runGroup(ctx, group, groups[group], &summary); err != nil {
			return summary, err
		}
	}

	w.logger.Info("batch complete",
		"batch", summary.BatchID,
		"total", summary.Total,
		"standardized", summary.Standardized,
		"failed", summary.Failed,
		"released", summary.Released)
	return summary, nil
}

func (w *Worker) partitionByGroup(claimed []domain.ClassifiedProduct) (map[string][]domain.ClassifiedProduct, []string) {
	groups := make(map[string][]domain.ClassifiedProduct)
	var order []string
	for _, product := range claimed {
		group := w.index.NormalizeGroup(product.GroupCode)
		if _, seen := groups[group]; !seen {
			order = append(order, group)
		}
		groups[group] = append(groups[group], product)
	}
	return groups, order
}

func (w *Worker) runGroup(ctx context.Context, group string, products []domain.ClassifiedProduct, summary *BatchSummary) error {
	inputs := make([]domain.ProductInput, 0, len(products))
	inputProducts := make([]domain.ClassifiedProduct, 0, len(products))

	for _, product := range products {
		source, found, err := w.source.FetchProduct(ctx, product.SourceID)
		if err != nil {
			return fmt.Errorf("fetch source %s: %w", product.SourceID, err)
		}
		if !found {
			if err := w.commit(ctx, product, domain.Outcome{ID: product.ID, Err: domain.ErrSourceMissing}, summary); err != nil {
				return err
			}
			continue
		}

		title := source.Title
		if title == "" {
			title = product.Title
		}
		inputs = append(inputs, domain.ProductInput{
			ID:         product.ID,
			GroupCode:  product.GroupCode,
			Title:      title,
			Attributes: source.Attributes,
		})
		inputProducts = append(inputProducts, product)
	}

	if len(inputs) == 0 {
		return nil
	}

	if w.metrics != nil {
		w.metrics.ModelCalls.Inc()
	}
	outcomes, err := w.engine.Process(ctx, group, inputs)
	if err != nil {
		return fmt.Errorf("process group %s: %w", group, err)
	}

	for i, outcome := range outcomes {
		if err := w.commit(ctx, inputProducts[i], outcome, summary); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) commit(ctx context.Context, product domain.ClassifiedProduct, outcome domain.Outcome, summary *BatchSummary) error {
	if err := w.committer.Commit(ctx, product, outcome, w.id, summary.BatchID); err != nil {
		return err
	}
	switch {
	case outcome.Err == nil && len(outcome.Attributes) > 0:
		summary.Standardized++
	case domain.Retryable(outcome.Err) && product.Attempts < w.committer.retryCeiling:
		summary.Released++
	default:
		summary.Failed++
	}
	return nil
}

// RunOnce executes a single claim/process/commit cycle and reports how
// many products it claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	claimed, err := w.SelectAndClaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	if w.metrics != nil {
		w.metrics.BatchSize.Set(float64(len(claimed)))
	}

	if _, err := w.RunBatch(ctx, claimed); err != nil {
		return len(claimed), err
	}
	return len(claimed), nil
}

// Run loops until the context is cancelled. Cancellation between batches
// is graceful; cancellation mid-batch leaves uncommitted items in
// processing for the reclaimer to time out.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker loop starting", "batch_size", w.batchSize)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker loop stopping")
			return nil
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("batch cycle failed", "error", err)
			if sleepErr := w.sleep(ctx, w.idleDelay); sleepErr != nil {
				return nil
			}
			continue
		}

		if processed == 0 {
			w.logger.Debug("no pending products, idling", "delay", w.idleDelay)
			if err := w.sleep(ctx, w.idleDelay); err != nil {
				return nil
			}
		}
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
