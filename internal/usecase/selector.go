package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
	"ProductStandardizer/internal/taxonomy"
)

// Selector chooses which pending products a worker should try to claim
// next. Grouping by taxonomy group is a pure scheduling heuristic: it packs
// batches from one group before touching the next so the engine's cacheable
// instruction payload is reused, but correctness never depends on it.
type Selector struct {
	classified      ports.ClassifiedStore
	index           *taxonomy.Index
	groupingEnabled bool
	logger          *slog.Logger
}

// NewSelector constructs a selector over the classified store.
func NewSelector(classified ports.ClassifiedStore, index *taxonomy.Index, groupingEnabled bool, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		classified:      classified,
		index:           index,
		groupingEnabled: groupingEnabled,
		logger:          logger,
	}
}

// SelectCandidates returns up to n pending products, oldest first. With
// grouping enabled it drains one group at a time, only moving to the next
// group once the current one is exhausted, so a batch never interleaves
// groups. Groups without a taxonomy entry are hard-skipped: their products
// are never claimed and stay pending until the taxonomy catches up.
//
// Selection is read-only; claiming is the coordinator's job, so the window
// between "selected" and "claimed" is closed by the conditional update
// there, not here.
func (s *Selector) SelectCandidates(ctx context.Context, n int, preferredGroup string) ([]domain.ClassifiedProduct, error) {
	if n <= 0 {
		return nil, nil
	}
	if !s.groupingEnabled {
		return s.selectUngrouped(ctx, n)
	}

	backlogs, err := s.classified.PendingGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending groups: %w", err)
	}
	backlogs = s.orderBacklogs(backlogs, preferredGroup)

	var candidates []domain.ClassifiedProduct
	for _, backlog := range backlogs {
		if len(candidates) == n {
			break
		}
		if _, ok := s.index.Lookup(backlog.GroupCode); !ok {
			s.logger.Debug("skipping group without taxonomy entry", "group", backlog.GroupCode)
			continue
		}
		products, err := s.classified.SelectPending(ctx, backlog.GroupCode, n-len(candidates))
		if err != nil {
			return nil, fmt.Errorf("select pending for group %s: %w", backlog.GroupCode, err)
		}
		candidates = append(candidates, products...)
	}
	return candidates, nil
}

func (s *Selector) selectUngrouped(ctx context.Context, n int) ([]domain.ClassifiedProduct, error) {
	// Over-fetch so hard-skipped groups do not starve the batch.
	products, err := s.classified.SelectPending(ctx, "", n*2)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var candidates []domain.ClassifiedProduct
	for _, product := range products {
		if _, ok := s.index.Lookup(product.GroupCode); !ok {
			continue
		}
		candidates = append(candidates, product)
		if len(candidates) == n {
			break
		}
	}
	return candidates, nil
}

func (s *Selector) orderBacklogs(backlogs []domain.GroupBacklog, preferredGroup string) []domain.GroupBacklog {
	if preferredGroup == "" {
		return backlogs
	}
	ordered := make([]domain.GroupBacklog, 0, len(backlogs))
	for _, backlog := range backlogs {
		if backlog.GroupCode == preferredGroup {
			ordered = append(ordered, backlog)
		}
	}
	for _, backlog := range backlogs {
		if backlog.GroupCode != preferredGroup {
			ordered = append(ordered, backlog)
		}
	}
	return ordered
}
