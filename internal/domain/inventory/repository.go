package inventory

import (
	"context"
	"time"
)

type Repository interface {
	Get(ctx context.Context, productID string) (*Item, error)
	Put(ctx context.Context, item *Item) error
	// Reservations returns every reservation ever made for the order.
	Reservations(ctx context.Context, orderID string) ([]*Reservation, error)
	// Expired returns active reservations whose ExpiresAt is not after asOf.
	Expired(ctx context.Context, asOf time.Time) ([]*Reservation, error)
	// Commit stores all items and reservations as one atomic write.
	Commit(ctx context.Context, items []*Item, reservations []*Reservation) error
}
