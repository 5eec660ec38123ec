package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.OrderStore = (*OrderStore)(nil)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create records a placed order. Re-recording an order id updates its
// status and fill.
func (s *OrderStore) Create(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		INSERT INTO orders (order_id, execution_id, symbol, side, price, quantity,
			filled_quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (order_id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			status = EXCLUDED.status,
			updated_at = NOW()`

	created := rec.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	_, err := s.pool.Exec(ctx, query,
		rec.OrderID, rec.ExecutionID, rec.Symbol, string(rec.Side), rec.Price, rec.Quantity,
		rec.FilledQuantity, string(rec.Status), created,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", rec.OrderID, err)
	}
	return nil
}

// UpdateStatus records the latest venue status and cumulative fill. Fills
// never move backwards.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, filled int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $1, filled_quantity = GREATEST(filled_quantity, $2), updated_at = NOW()
		 WHERE order_id = $3`,
		string(status), filled, orderID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order status %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

// ListByExecution returns the orders of one execution in placement order.
func (s *OrderStore) ListByExecution(ctx context.Context, executionID string) ([]domain.OrderRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, execution_id, symbol, side, price::float8, quantity,
			filled_quantity, status, created_at, updated_at
		FROM orders WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders %s: %w", executionID, err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderRecord, error) {
		var r domain.OrderRecord
		var side, status string
		err := row.Scan(&r.OrderID, &r.ExecutionID, &r.Symbol, &side, &r.Price, &r.Quantity,
			&r.FilledQuantity, &status, &r.CreatedAt, &r.UpdatedAt)
		r.Side = domain.Side(side)
		r.Status = domain.OrderStatus(status)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders %s: %w", executionID, err)
	}
	return out, nil
}
