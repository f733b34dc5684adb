package usecase

import (
	"context"
	"fmt"
	"time"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
)

// Coordinator owns the pending → processing transition. Worker identity is
// always an explicit parameter; there is no ambient process-wide claimant.
type Coordinator struct {
	classified ports.ClassifiedStore
	now        func() time.Time
}

// NewCoordinator constructs a claim coordinator over the classified store.
func NewCoordinator(classified ports.ClassifiedStore) *Coordinator {
	return &Coordinator{classified: classified, now: time.Now}
}

// Claim attempts to claim every id for workerID. Status, claimed_by,
// claimed_at and the attempts counter move in one atomic conditional update
// per id, so at most one worker ever holds processing for a given product.
// Ids another worker won land in AlreadyTaken: expected contention, not an
// error.
func (c *Coordinator) Claim(ctx context.Context, workerID string, ids []string) (domain.ClaimResult, error) {
	if len(ids) == 0 {
		return domain.ClaimResult{}, nil
	}

	claimed, err := c.classified.Claim(ctx, ids, workerID, c.now())
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("claim %d products: %w", len(ids), err)
	}

	won := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		won[id] = true
	}

	result := domain.ClaimResult{Claimed: claimed}
	for _, id := range ids {
		if !won[id] {
			result.AlreadyTaken = append(result.AlreadyTaken, id)
		}
	}
	return result, nil
}
