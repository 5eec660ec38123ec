package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionCols = `id, symbol, side, total_quantity, filled_quantity, remaining_quantity,
	alternation, phase, control, outcome, source, working_order, error, started_at, finished_at`

// Upsert inserts or replaces the record for state.ID.
func (s *ExecutionStore) Upsert(ctx context.Context, st domain.ExecutionState) error {
	var working []byte
	if st.WorkingOrder != nil {
		var err error
		if working, err = json.Marshal(st.WorkingOrder); err != nil {
			return fmt.Errorf("postgres: marshal working order: %w", err)
		}
	}

	const query = `
		INSERT INTO executions (` + executionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			alternation = EXCLUDED.alternation,
			phase = EXCLUDED.phase,
			control = EXCLUDED.control,
			outcome = EXCLUDED.outcome,
			source = EXCLUDED.source,
			working_order = EXCLUDED.working_order,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		st.ID, st.Symbol, string(st.Side), st.TotalQuantity, st.FilledQuantity, st.RemainingQuantity,
		string(st.Alternation), string(st.Phase), string(st.Control), string(st.Outcome), string(st.Source),
		working, st.Error, st.StartedAt, st.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert execution %s: %w", st.ID, err)
	}
	return nil
}

// GetByID loads one execution record.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionCols+` FROM executions WHERE id = $1`, id)
	st, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionState{}, fmt.Errorf("postgres: get execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ExecutionState{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return st, nil
}

// ListRecent returns executions newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionState, error) {
	query, args := listQuery(`SELECT `+executionCols+` FROM executions WHERE TRUE`, "started_at", nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ExecutionState, error) {
		return scanExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions: %w", err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionState, error) {
	var st domain.ExecutionState
	var side, alt, phase, control, outcome, source string
	var working []byte
	err := row.Scan(&st.ID, &st.Symbol, &side, &st.TotalQuantity, &st.FilledQuantity, &st.RemainingQuantity,
		&alt, &phase, &control, &outcome, &source, &working, &st.Error, &st.StartedAt, &st.FinishedAt)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	st.Side = domain.Side(side)
	st.Alternation = domain.Alternation(alt)
	st.Phase = domain.Phase(phase)
	st.Control = domain.Control(control)
	st.Outcome = domain.Outcome(outcome)
	st.Source = domain.DataSource(source)
	if len(working) > 0 {
		var wo domain.WorkingOrder
		if err := json.Unmarshal(working, &wo); err != nil {
			return domain.ExecutionState{}, fmt.Errorf("unmarshal working order: %w", err)
		}
		st.WorkingOrder = &wo
	}
	return st, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
