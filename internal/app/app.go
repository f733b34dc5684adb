package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/infrastructure/llm"
	"ProductStandardizer/internal/infrastructure/scheduler"
	"ProductStandardizer/internal/infrastructure/storage"
	"ProductStandardizer/internal/logging"
	"ProductStandardizer/internal/metrics"
	"ProductStandardizer/internal/ports"
	"ProductStandardizer/internal/taxonomy"
	"ProductStandardizer/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	worker     *usecase.Worker
	reclaimer  *usecase.Reclaimer
	classified ports.ClassifiedStore
	pools      []*pgxpool.Pool
}

// New connects the three stores, loads the taxonomy (failing fast on a
// malformed file) and assembles the pipeline.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	index, err := taxonomy.Load(cfg.Taxonomy.Path)
	if err != nil {
		return nil, err
	}
	baseLogger.Info("taxonomy loaded", "path", cfg.Taxonomy.Path, "groups", len(index.Groups()))

	sourcePool, err := pgxpool.New(ctx, cfg.Databases.SourceDSN)
	if err != nil {
		return nil, fmt.Errorf("connect source store: %w", err)
	}
	classifiedPool, err := pgxpool.New(ctx, cfg.Databases.ClassifiedDSN)
	if err != nil {
		sourcePool.Close()
		return nil, fmt.Errorf("connect classified store: %w", err)
	}
	standardizedPool, err := pgxpool.New(ctx, cfg.Databases.StandardizedDSN)
	if err != nil {
		sourcePool.Close()
		classifiedPool.Close()
		return nil, fmt.Errorf("connect standardized store: %w", err)
	}

	m := metrics.New()
	source := storage.NewPostgresSource(sourcePool)
	classified := storage.NewPostgresClassified(classifiedPool)
	standardized := storage.NewPostgresStandardized(standardizedPool)

	model := llm.NewAnthropicClient(cfg.Anthropic, baseLogger.With("component", "anthropic"))

	engine := usecase.NewEngine(model, index, cfg.Worker.MaxRetries, cfg.Worker.RetryBaseDelay(),
		baseLogger.With("component", "engine"))
	engine.SetUsageHook(func(usage domain.ModelUsage) {
		m.CacheReadTokens.Add(float64(usage.CacheReadTokens))
		m.CacheCreationTokens.Add(float64(usage.CacheCreationTokens))
	})
	engine.SetRetryHook(m.ModelRetries.Inc)

	selector := usecase.NewSelector(classified, index, cfg.Worker.GroupingOn(),
		baseLogger.With("component", "selector"))
	coordinator := usecase.NewCoordinator(classified)
	committer := usecase.NewCommitter(classified, standardized, cfg.Worker.MaxRetries,
		cfg.Worker.MissingTaxonomyPolicy, baseLogger.With("component", "committer"), m)

	worker := usecase.NewWorker(cfg.Worker, usecase.WorkerDeps{
		Source:      source,
		Selector:    selector,
		Coordinator: coordinator,
		Engine:      engine,
		Committer:   committer,
		Index:       index,
		Logger:      baseLogger.With("component", "worker"),
		Metrics:     m,
	})

	reclaimer := usecase.NewReclaimer(classified, baseLogger.With("component", "reclaimer"), m)

	return &Application{
		cfg:        cfg,
		logger:     baseLogger,
		metrics:    m,
		worker:     worker,
		reclaimer:  reclaimer,
		classified: classified,
		pools:      []*pgxpool.Pool{sourcePool, classifiedPool, standardizedPool},
	}, nil
}

// Run executes the worker loop with the reclaimer ticking alongside it,
// plus the metrics listener when configured, until the context ends.
func (a *Application) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.worker.Run(ctx)
	})

	reclaimDriver := scheduler.NewIntervalScheduler(a.cfg.Worker.ReclaimInterval())
	group.Go(func() error {
		err := reclaimDriver.Start(ctx, func(time.Time) {
			if _, err := a.reclaimer.Reclaim(ctx, a.cfg.Worker.StuckTimeout()); err != nil && ctx.Err() == nil {
				a.logger.Error("reclaim pass failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		<-ctx.Done()
		return reclaimDriver.Stop(context.Background())
	})

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		server := &http.Server{Addr: addr, Handler: mux}
		group.Go(func() error {
			a.logger.Info("metrics listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

// ReclaimOnce runs a single stuck-item sweep (the reclaim command).
func (a *Application) ReclaimOnce(ctx context.Context) ([]string, error) {
	return a.reclaimer.Reclaim(ctx, a.cfg.Worker.StuckTimeout())
}

// Reset returns the given products to pending, clearing attempts.
func (a *Application) Reset(ctx context.Context, ids []string) error {
	return a.classified.Reset(ctx, ids)
}

// ResetFailed returns every failed product to pending.
func (a *Application) ResetFailed(ctx context.Context) (int, error) {
	return a.classified.ResetFailed(ctx)
}

// StatusCounts reports products per standardization status.
func (a *Application) StatusCounts(ctx context.Context) (map[domain.Status]int, error) {
	return a.classified.StatusCounts(ctx)
}

// PendingBacklog reports the pending backlog per taxonomy group.
func (a *Application) PendingBacklog(ctx context.Context) ([]domain.GroupBacklog, error) {
	return a.classified.PendingGroups(ctx)
}

// Close releases the store connections.
func (a *Application) Close() {
	for _, pool := range a.pools {
		pool.Close()
	}
}
