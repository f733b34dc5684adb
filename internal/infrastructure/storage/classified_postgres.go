package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
)

// PostgresClassified implements the standardization state machine over the
// classified_products table. All transitions are conditional single-row
// updates; the status predicate in the WHERE clause is what makes claims
// safe under concurrent workers.
type PostgresClassified struct {
	db Querier
}

var _ ports.ClassifiedStore = (*PostgresClassified)(nil)

// NewPostgresClassified wires a pgx pool (or compatible querier).
func NewPostgresClassified(db Querier) *PostgresClassified {
	return &PostgresClassified{db: db}
}

// PendingGroups lists group codes with pending products, ordered by the age
// of their oldest pending product.
func (s *PostgresClassified) PendingGroups(ctx context.Context) ([]domain.GroupBacklog, error) {
	query, args, err := psql.
		Select("group_code", "COUNT(*)", "MIN(created_at)").
		From("classified_products").
		Where(sq.Eq{"standardization_status": domain.StatusPending}).
		GroupBy("group_code").
		OrderBy("MIN(created_at) ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending groups query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending groups: %w", err)
	}
	defer rows.Close()

	var backlogs []domain.GroupBacklog
	for rows.Next() {
		var backlog domain.GroupBacklog
		if err := rows.Scan(&backlog.GroupCode, &backlog.Count, &backlog.Oldest); err != nil {
			return nil, fmt.Errorf("scan pending group: %w", err)
		}
		backlogs = append(backlogs, backlog)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending groups rows: %w", err)
	}
	return backlogs, nil
}

// SelectPending returns up to limit pending products, oldest first. Read
// only: the actual claim happens in Claim to avoid a select/claim race.
func (s *PostgresClassified) SelectPending(ctx context.Context, groupCode string, limit int) ([]domain.ClassifiedProduct, error) {
	builder := psql.
		Select("id", "source_id", "title", "group_code", "standardization_status",
			"standardization_attempts", "created_at").
		From("classified_products").
		Where(sq.Eq{"standardization_status": domain.StatusPending}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))
	if groupCode != "" {
		builder = builder.Where(sq.Eq{"group_code": groupCode})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select pending query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending products: %w", err)
	}
	defer rows.Close()

	var products []domain.ClassifiedProduct
	for rows.Next() {
		var (
			product domain.ClassifiedProduct
			status  string
		)
		err := rows.Scan(&product.ID, &product.SourceID, &product.Title, &product.GroupCode,
			&status, &product.Attempts, &product.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan pending product: %w", err)
		}
		product.Status = domain.Status(status)
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending products rows: %w", err)
	}
	return products, nil
}

// Claim atomically transitions pending → processing for the given ids. The
// status predicate makes the update a per-row compare-and-set: an id that
// another worker claimed between selection and here simply drops out of
// the RETURNING set.
func (s *PostgresClassified) Claim(ctx context.Context, ids []string, claimedBy string, claimedAt time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusProcessing).
		Set("standardization_claimed_by", claimedBy).
		Set("standardization_claimed_at", claimedAt).
		Set("standardization_attempts", sq.Expr("standardization_attempts + 1")).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"standardization_status": domain.StatusPending}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim products: %w", err)
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		claimed = append(claimed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return claimed, nil
}

// MarkStandardized finalizes a product after its payload is persisted.
// Unconditional on status: a product the reclaimer re-queued mid-commit may
// arrive here from pending, and repeating the transition is harmless.
func (s *PostgresClassified) MarkStandardized(ctx context.Context, id string, completedAt time.Time) error {
	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusStandardized).
		Set("standardization_claimed_by", "").
		Set("standardization_claimed_at", nil).
		Set("standardization_error", "").
		Set("standardization_completed_at", completedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build standardized update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark standardized %s: %w", id, err)
	}
	return nil
}

// Release returns a processing product to pending, keeping attempts so
// repeated transient failures remain visible.
func (s *PostgresClassified) Release(ctx context.Context, id string, reason string) error {
	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusPending).
		Set("standardization_claimed_by", "").
		Set("standardization_claimed_at", nil).
		Set("standardization_error", reason).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"standardization_status": domain.StatusProcessing}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build release update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a terminal failure with its machine-readable reason.
func (s *PostgresClassified) MarkFailed(ctx context.Context, id string, reason string) error {
	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusFailed).
		Set("standardization_claimed_by", "").
		Set("standardization_claimed_at", nil).
		Set("standardization_error", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build failed update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// ReclaimStuck resets processing products whose claim predates the cutoff.
func (s *PostgresClassified) ReclaimStuck(ctx context.Context, cutoff time.Time) ([]string, error) {
	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusPending).
		Set("standardization_claimed_by", "").
		Set("standardization_claimed_at", nil).
		Where(sq.Eq{"standardization_status": domain.StatusProcessing}).
		Where(sq.Lt{"standardization_claimed_at": cutoff}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reclaim query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck: %w", err)
	}
	defer rows.Close()

	var reclaimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		reclaimed = append(reclaimed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reclaim rows: %w", err)
	}
	return reclaimed, nil
}

// Reset is the administrative override back to pending, clearing attempts.
func (s *PostgresClassified) Reset(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusPending).
		Set("standardization_attempts", 0).
		Set("standardization_claimed_by", "").
		Set("standardization_claimed_at", nil).
		Set("standardization_error", "").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build reset update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("reset products: %w", err)
	}
	return nil
}

// ResetFailed returns every failed product to pending.
func (s *PostgresClassified) ResetFailed(ctx context.Context) (int, error) {
	query, args, err := psql.
		Update("classified_products").
		Set("standardization_status", domain.StatusPending).
		Set("standardization_attempts", 0).
		Set("standardization_error", "").
		Where(sq.Eq{"standardization_status": domain.StatusFailed}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reset failed update: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset failed products: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// StatusCounts reports how many products sit in each status.
func (s *PostgresClassified) StatusCounts(ctx context.Context) (map[domain.Status]int, error) {
	query, args, err := psql.
		Select("standardization_status", "COUNT(*)").
		From("classified_products").
		GroupBy("standardization_status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build status counts query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status counts rows: %w", err)
	}
	return counts, nil
}
