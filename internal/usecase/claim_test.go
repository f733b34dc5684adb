package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/infrastructure/storage"
)

func TestClaimPartitionsWonAndLost(t *testing.T) {
	classified := storage.NewMemoryClassified()
	seedPending(classified, nil, "17.12", "p", 3)

	coordinator := NewCoordinator(classified)

	first, err := coordinator.Claim(context.Background(), "worker_a", []string{"p-0", "p-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-0", "p-1"}, first.Claimed)
	assert.Empty(t, first.AlreadyTaken)

	// Second worker races the same ids plus a fresh one.
	second, err := coordinator.Claim(context.Background(), "worker_b", []string{"p-0", "p-1", "p-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-2"}, second.Claimed)
	assert.Equal(t, []string{"p-0", "p-1"}, second.AlreadyTaken)

	record, ok := classified.Get("p-0")
	require.True(t, ok)
	assert.Equal(t, domain.StatusProcessing, record.Status)
	assert.Equal(t, "worker_a", record.ClaimedBy)
	assert.Equal(t, 1, record.Attempts)
}

// At-most-one-claimant: K workers race the same id set concurrently and
// every id ends up with exactly one winner.
func TestClaimAtMostOneClaimant(t *testing.T) {
	const workers = 16
	classified := storage.NewMemoryClassified()
	ids := seedPending(classified, nil, "17.12", "p", 10)

	coordinator := NewCoordinator(classified)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = make(map[string][]string) // id → worker ids that won it
		lost    int
	)
	for k := 0; k < workers; k++ {
		workerID := fmt.Sprintf("worker_%d", k)
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := coordinator.Claim(context.Background(), workerID, ids)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, id := range result.Claimed {
				winners[id] = append(winners[id], workerID)
			}
			lost += len(result.AlreadyTaken)
		}()
	}
	wg.Wait()

	require.Len(t, winners, len(ids))
	for id, who := range winners {
		assert.Len(t, who, 1, "id %s claimed by %v", id, who)
	}
	// Every other attempt reported the loss instead of erroring.
	assert.Equal(t, (workers-1)*len(ids), lost)

	for _, id := range ids {
		record, ok := classified.Get(id)
		require.True(t, ok)
		assert.Equal(t, domain.StatusProcessing, record.Status)
		assert.Equal(t, 1, record.Attempts, "attempts increment exactly once per claim")
	}
}

func TestClaimEmptySet(t *testing.T) {
	coordinator := NewCoordinator(storage.NewMemoryClassified())
	result, err := coordinator.Claim(context.Background(), "worker_a", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Claimed)
	assert.Empty(t, result.AlreadyTaken)
}
