package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
)

// MemorySource is an in-memory SourceStore for tests and embedded runs.
type MemorySource struct {
	mu       sync.RWMutex
	products map[string]domain.SourceProduct
}

var _ ports.SourceStore = (*MemorySource)(nil)

// NewMemorySource returns an empty in-memory source store.
func NewMemorySource() *MemorySource {
	return &MemorySource{products: make(map[string]domain.SourceProduct)}
}

// Add seeds a raw product document.
func (s *MemorySource) Add(product domain.SourceProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// FetchProduct looks up a raw product by id.
func (s *MemorySource) FetchProduct(_ context.Context, id string) (domain.SourceProduct, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[id]
	return product, ok, nil
}

// MemoryClassified is an in-memory ClassifiedStore with the same
// conditional-update semantics as the Postgres adapter: every transition
// checks the current status under one lock, so concurrent claims for the
// same id still yield exactly one winner.
type MemoryClassified struct {
	mu       sync.Mutex
	products map[string]*domain.ClassifiedProduct
	seq      map[string]int
	nextSeq  int
}

var _ ports.ClassifiedStore = (*MemoryClassified)(nil)

// NewMemoryClassified returns an empty in-memory classified store.
func NewMemoryClassified() *MemoryClassified {
	return &MemoryClassified{
		products: make(map[string]*domain.ClassifiedProduct),
		seq:      make(map[string]int),
	}
}

// Add seeds a classified product. Empty status defaults to pending and a
// zero CreatedAt is stamped from insertion order so oldest-first selection
// stays stable.
func (s *MemoryClassified) Add(product domain.ClassifiedProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.Status == "" {
		product.Status = domain.StatusPending
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Unix(0, int64(s.nextSeq))
	}
	copied := product
	s.products[product.ID] = &copied
	s.seq[product.ID] = s.nextSeq
	s.nextSeq++
}

// Get returns a snapshot of one product, for assertions.
func (s *MemoryClassified) Get(id string) (domain.ClassifiedProduct, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok {
		return domain.ClassifiedProduct{}, false
	}
	return *product, true
}

func (s *MemoryClassified) pendingLocked() []*domain.ClassifiedProduct {
	var out []*domain.ClassifiedProduct
	for _, product := range s.products {
		if product.Status == domain.StatusPending {
			out = append(out, product)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

// PendingGroups lists groups with pending products, oldest backlog first.
func (s *MemoryClassified) PendingGroups(_ context.Context) ([]domain.GroupBacklog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byGroup := make(map[string]*domain.GroupBacklog)
	var order []string
	for _, product := range s.pendingLocked() {
		backlog, ok := byGroup[product.GroupCode]
		if !ok {
			byGroup[product.GroupCode] = &domain.GroupBacklog{
				GroupCode: product.GroupCode,
				Count:     1,
				Oldest:    product.CreatedAt,
			}
			order = append(order, product.GroupCode)
			continue
		}
		backlog.Count++
	}

	out := make([]domain.GroupBacklog, 0, len(order))
	for _, code := range order {
		out = append(out, *byGroup[code])
	}
	return out, nil
}

// SelectPending returns up to limit pending products, oldest first.
func (s *MemoryClassified) SelectPending(_ context.Context, groupCode string, limit int) ([]domain.ClassifiedProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ClassifiedProduct
	for _, product := range s.pendingLocked() {
		if groupCode != "" && product.GroupCode != groupCode {
			continue
		}
		out = append(out, *product)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Claim performs the pending → processing compare-and-set for each id.
func (s *MemoryClassified) Claim(_ context.Context, ids []string, claimedBy string, claimedAt time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []string
	for _, id := range ids {
		product, ok := s.products[id]
		if !ok || product.Status != domain.StatusPending {
			continue
		}
		product.Status = domain.StatusProcessing
		product.ClaimedBy = claimedBy
		product.ClaimedAt = claimedAt
		product.Attempts++
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// MarkStandardized finalizes the product. Unconditional on status: a
// product reclaimed mid-commit may legitimately arrive here from pending,
// and repeating the transition keeps commit idempotent.
func (s *MemoryClassified) MarkStandardized(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok {
		return nil
	}
	product.Status = domain.StatusStandardized
	product.ClaimedBy = ""
	product.ClaimedAt = time.Time{}
	product.LastError = ""
	return nil
}

// Release returns a processing product to pending, keeping attempts.
func (s *MemoryClassified) Release(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok || product.Status != domain.StatusProcessing {
		return nil
	}
	product.Status = domain.StatusPending
	product.ClaimedBy = ""
	product.ClaimedAt = time.Time{}
	product.LastError = reason
	return nil
}

// MarkFailed records a terminal failure.
func (s *MemoryClassified) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok {
		return nil
	}
	product.Status = domain.StatusFailed
	product.ClaimedBy = ""
	product.ClaimedAt = time.Time{}
	product.LastError = reason
	return nil
}

// ReclaimStuck resets processing products claimed before the cutoff.
func (s *MemoryClassified) ReclaimStuck(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for _, product := range s.products {
		if product.Status != domain.StatusProcessing || !product.ClaimedAt.Before(cutoff) {
			continue
		}
		product.Status = domain.StatusPending
		product.ClaimedBy = ""
		product.ClaimedAt = time.Time{}
		reclaimed = append(reclaimed, product.ID)
	}
	sort.Strings(reclaimed)
	return reclaimed, nil
}

// Reset is the administrative override back to pending.
func (s *MemoryClassified) Reset(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		product, ok := s.products[id]
		if !ok {
			continue
		}
		product.Status = domain.StatusPending
		product.Attempts = 0
		product.ClaimedBy = ""
		product.ClaimedAt = time.Time{}
		product.LastError = ""
	}
	return nil
}

// ResetFailed returns every failed product to pending.
func (s *MemoryClassified) ResetFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, product := range s.products {
		if product.Status != domain.StatusFailed {
			continue
		}
		product.Status = domain.StatusPending
		product.Attempts = 0
		product.LastError = ""
		count++
	}
	return count, nil
}

// StatusCounts reports products per status.
func (s *MemoryClassified) StatusCounts(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.Status]int)
	for _, product := range s.products {
		counts[product.Status]++
	}
	return counts, nil
}

// MemoryStandardized is an in-memory StandardizedStore keyed by RefID.
type MemoryStandardized struct {
	mu   sync.RWMutex
	docs map[string]domain.StandardizedProduct
}

var _ ports.StandardizedStore = (*MemoryStandardized)(nil)

// NewMemoryStandardized returns an empty in-memory standardized store.
func NewMemoryStandardized() *MemoryStandardized {
	return &MemoryStandardized{docs: make(map[string]domain.StandardizedProduct)}
}

// Upsert replaces any existing document for the same RefID.
func (s *MemoryStandardized) Upsert(_ context.Context, product domain.StandardizedProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[product.RefID] = product
	return nil
}

// Get returns the stored document for assertions.
func (s *MemoryStandardized) Get(refID string) (domain.StandardizedProduct, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[refID]
	return doc, ok
}

// Len reports how many documents are stored.
func (s *MemoryStandardized) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
