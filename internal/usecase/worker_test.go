package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/infrastructure/storage"
)

type workerHarness struct {
	worker       *Worker
	source       *storage.MemorySource
	classified   *storage.MemoryClassified
	standardized *storage.MemoryStandardized
	model        *fakeModel
}

func newWorkerHarness(t *testing.T, batchSize int, model *fakeModel) *workerHarness {
	t.Helper()

	source := storage.NewMemorySource()
	classified := storage.NewMemoryClassified()
	standardized := storage.NewMemoryStandardized()
	index := testIndex(t)

	engine := newEngineForTest(t, model, 3)
	committer := NewCommitter(classified, standardized, 3, config.MissingTaxonomySkip, nil, nil)

	worker := NewWorker(config.WorkerConfig{ID: "worker_test", BatchSize: batchSize}, WorkerDeps{
		Source:      source,
		Selector:    NewSelector(classified, index, true, nil),
		Coordinator: NewCoordinator(classified),
		Engine:      engine,
		Committer:   committer,
		Index:       index,
	})

	return &workerHarness{
		worker:       worker,
		source:       source,
		classified:   classified,
		standardized: standardized,
		model:        model,
	}
}

func TestWorkerRunOnceBatchesOneGroupIntoOneCall(t *testing.T) {
	h := newWorkerHarness(t, 5, &fakeModel{responder: echoResponder})
	// Two-digit group codes resolve to their taxonomy group by prefix.
	seedPending(h.classified, h.source, "17", "p", 10)

	processed, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, processed)
	assert.Equal(t, 1, h.model.callCount(), "a full same-group batch costs one model call")

	counts, err := h.classified.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[domain.StatusStandardized])
	assert.Equal(t, 5, counts[domain.StatusPending])
	assert.Equal(t, 5, h.standardized.Len())

	doc, ok := h.standardized.Get("p-0")
	require.True(t, ok)
	assert.Equal(t, "worker_test", doc.WorkerID)
	assert.True(t, strings.HasPrefix(doc.BatchID, "std_batch_"))
}

func TestWorkerRunBatchPartitionsAcrossGroups(t *testing.T) {
	// Group-aware responder: the stable payload names the group, so the
	// answer can stay within that group's taxonomy.
	responder := func(stable, variable string) string {
		if strings.Contains(stable, "25.11") {
			echo := echoResponder(stable, variable)
			echo = strings.ReplaceAll(echo, `"Color"`, `"Material"`)
			return strings.ReplaceAll(echo, `"White"`, `"Steel"`)
		}
		return echoResponder(stable, variable)
	}
	h := newWorkerHarness(t, 10, &fakeModel{responder: responder})
	seedPending(h.classified, h.source, "17.12", "a", 3)
	seedPending(h.classified, h.source, "25.11", "b", 2)

	processed, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, processed)
	assert.Equal(t, 2, h.model.callCount(), "one call per group, never a mixed batch")

	counts, err := h.classified.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[domain.StatusStandardized])

	doc, ok := h.standardized.Get("b-0")
	require.True(t, ok)
	require.Len(t, doc.Attributes, 1)
	assert.Equal(t, "Material", doc.Attributes[0].StandardName)
}

func TestWorkerFailsProductsWithMissingSource(t *testing.T) {
	h := newWorkerHarness(t, 5, &fakeModel{responder: echoResponder})
	seedPending(h.classified, h.source, "17.12", "a", 1)
	// Classified record whose raw document is gone.
	h.classified.Add(domain.ClassifiedProduct{
		ID: "orphan", SourceID: "src-gone", GroupCode: "17.12", Title: "orphan",
	})

	processed, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, h.model.callCount(), "orphans never reach the model")

	orphan, ok := h.classified.Get("orphan")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, orphan.Status)
	assert.Equal(t, "source_missing", orphan.LastError)

	record, ok := h.classified.Get("a-0")
	require.True(t, ok)
	assert.Equal(t, domain.StatusStandardized, record.Status)
}

func TestWorkerReleasesBatchOnRetryExhaustion(t *testing.T) {
	model := &fakeModel{errs: []error{
		domain.ErrRateLimited, domain.ErrRateLimited,
		domain.ErrRateLimited, domain.ErrRateLimited,
	}}
	h := newWorkerHarness(t, 3, model)
	seedPending(h.classified, h.source, "17.12", "p", 3)

	claimed, err := h.worker.SelectAndClaim(context.Background())
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	summary, err := h.worker.RunBatch(context.Background(), claimed)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Released)
	assert.Zero(t, summary.Standardized)
	assert.Zero(t, summary.Failed)

	counts, err := h.classified.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusPending])

	record, ok := h.classified.Get("p-0")
	require.True(t, ok)
	assert.Equal(t, 1, record.Attempts, "attempts survive the release for the next claim")
}

func TestWorkerRunOnceIdleQueue(t *testing.T) {
	h := newWorkerHarness(t, 5, &fakeModel{responder: echoResponder})

	processed, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, h.model.callCount())
}

func TestWorkerGeneratedIdentity(t *testing.T) {
	worker := NewWorker(config.WorkerConfig{BatchSize: 5}, WorkerDeps{})
	assert.True(t, strings.HasPrefix(worker.ID(), "worker_"))
	assert.Len(t, worker.ID(), len("worker_")+8)
}
