package ports

import (
	"context"
	"time"

	"ProductStandardizer/internal/domain"
)

// SourceStore reads raw product documents from the source database.
type SourceStore interface {
	FetchProduct(ctx context.Context, id string) (domain.SourceProduct, bool, error)
}

// ClassifiedStore owns the standardization state machine. Every mutation is
// a conditional single-row update: the WHERE clause on the current status
// is the only cross-worker coordination mechanism in the system.
type ClassifiedStore interface {
	// PendingGroups lists group codes with pending products, ordered by the
	// age of their oldest pending product (oldest backlog first).
	PendingGroups(ctx context.Context) ([]domain.GroupBacklog, error)

	// SelectPending returns up to limit pending products, oldest first.
	// An empty groupCode means no group filter.
	SelectPending(ctx context.Context, groupCode string, limit int) ([]domain.ClassifiedProduct, error)

	// Claim transitions pending → processing for the given ids, stamping
	// claimedBy/claimedAt and incrementing attempts in the same atomic
	// update. It returns only the ids whose status was still pending.
	Claim(ctx context.Context, ids []string, claimedBy string, claimedAt time.Time) ([]string, error)

	// MarkStandardized finalizes the product as standardized and clears the
	// claim fields. Unconditional on the current status so a replayed commit
	// lands the same way. Called only after the payload is persisted.
	MarkStandardized(ctx context.Context, id string, completedAt time.Time) error

	// Release transitions processing → pending, keeping the incremented
	// attempts counter and recording the last error reason.
	Release(ctx context.Context, id string, reason string) error

	// MarkFailed transitions processing → failed with a terminal reason.
	MarkFailed(ctx context.Context, id string, reason string) error

	// ReclaimStuck resets processing products claimed before the cutoff
	// back to pending, clearing claim fields. Returns the ids it reset.
	ReclaimStuck(ctx context.Context, cutoff time.Time) ([]string, error)

	// Reset is the administrative override: the given products return to
	// pending with attempts and error cleared, whatever their status.
	Reset(ctx context.Context, ids []string) error

	// ResetFailed returns every failed product to pending, clearing
	// attempts and error. Returns the number of products reset.
	ResetFailed(ctx context.Context) (int, error)

	// StatusCounts reports how many products sit in each status.
	StatusCounts(ctx context.Context) (map[domain.Status]int, error)
}

// StandardizedStore persists standardization results. Upsert is idempotent
// by RefID so a replayed commit never duplicates a document.
type StandardizedStore interface {
	Upsert(ctx context.Context, product domain.StandardizedProduct) error
}

// ModelClient invokes the external model with a cacheable stable payload
// and a per-batch variable payload, returning the raw structured response.
type ModelClient interface {
	Invoke(ctx context.Context, stable, variable string) (string, domain.ModelUsage, error)
}

// Scheduler drives recurring background jobs (the stuck-item reclaimer).
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
