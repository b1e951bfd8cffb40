package order

import (
	"context"
	"time"
)

type Repository interface {
	// Create inserts a new order. Duplicate IDs, order numbers or
	// customer idempotency keys fail with ErrConflict.
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)
	FindByOrderNumber(ctx context.Context, number string) (*Order, error)
	FindByIdempotency(ctx context.Context, customerID, key string) (*Order, error)
	// Save persists the whole aggregate if the stored version still equals
	// order.Version, then increments order.Version. Stale writes fail with ErrConflict.
	Save(ctx context.Context, order *Order) error
	// UpdateStatus moves an order from one status to another without touching
	// the rest of the aggregate. It fails with ErrConflict if the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// ListByStatus returns orders in status last updated before the cutoff.
	ListByStatus(ctx context.Context, status Status, updatedBefore time.Time) ([]*Order, error)
}
