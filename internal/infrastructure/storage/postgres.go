package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
)

// psql builds all queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Querier is the subset of pgxpool.Pool the adapters depend on.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads raw product documents from the source database.
type PostgresSource struct {
	db Querier
}

var _ ports.SourceStore = (*PostgresSource)(nil)

// NewPostgresSource wires a pgx pool (or compatible querier).
func NewPostgresSource(db Querier) *PostgresSource {
	return &PostgresSource{db: db}
}

// FetchProduct looks up one raw product by id.
func (s *PostgresSource) FetchProduct(ctx context.Context, id string) (domain.SourceProduct, bool, error) {
	query, args, err := psql.
		Select("id", "title", "attributes").
		From("source_products").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.SourceProduct{}, false, fmt.Errorf("build source query: %w", err)
	}

	var (
		product  domain.SourceProduct
		rawAttrs []byte
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(&product.ID, &product.Title, &rawAttrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceProduct{}, false, nil
	}
	if err != nil {
		return domain.SourceProduct{}, false, fmt.Errorf("fetch source product %s: %w", id, err)
	}

	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &product.Attributes); err != nil {
			return domain.SourceProduct{}, false, fmt.Errorf("decode attributes for %s: %w", id, err)
		}
	}
	return product, true, nil
}

// PostgresStandardized persists standardization results.
type PostgresStandardized struct {
	db Querier
}

var _ ports.StandardizedStore = (*PostgresStandardized)(nil)

// NewPostgresStandardized wires a pgx pool (or compatible querier).
func NewPostgresStandardized(db Querier) *PostgresStandardized {
	return &PostgresStandardized{db: db}
}

// Upsert writes the standardized document, replacing any previous one for
// the same ref_id. Repeating the same commit leaves exactly one row.
func (s *PostgresStandardized) Upsert(ctx context.Context, product domain.StandardizedProduct) error {
	attrs, err := json.Marshal(product.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	unstd, err := json.Marshal(product.Unstandardized)
	if err != nil {
		return fmt.Errorf("encode unstandardized attributes: %w", err)
	}

	query, args, err := psql.
		Insert("standardized_products").
		Columns("ref_id", "source_id", "group_code", "attributes", "unstandardized",
			"worker_id", "batch_id", "completed_at").
		Values(product.RefID, product.SourceID, product.GroupCode, attrs, unstd,
			product.WorkerID, product.BatchID, product.CompletedAt).
		Suffix(`ON CONFLICT (ref_id) DO UPDATE
                SET attributes = EXCLUDED.attributes,
                    unstandardized = EXCLUDED.unstandardized,
                    worker_id = EXCLUDED.worker_id,
                    batch_id = EXCLUDED.batch_id,
                    completed_at = EXCLUDED.completed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert standardized %s: %w", product.RefID, err)
	}
	return nil
}
