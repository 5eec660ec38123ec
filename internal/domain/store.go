package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Upsert(ctx context.Context, state ExecutionState) error
	GetByID(ctx context.Context, id string) (ExecutionState, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]ExecutionState, error)
}

// OrderStore persists every order placed on behalf of an execution.
type OrderStore interface {
	Create(ctx context.Context, rec OrderRecord) error
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus, filled int64) error
	ListByExecution(ctx context.Context, executionID string) ([]OrderRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
