package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
)

type InventoryRepository struct {
	mu           sync.RWMutex
	items        map[string]*domain.Item
	reservations map[string]*domain.Reservation // orderID/productID -> reservation
	byOrder      map[string][]string
}

func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{
		items:        make(map[string]*domain.Item),
		reservations: make(map[string]*domain.Reservation),
		byOrder:      make(map[string][]string),
	}
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (*domain.Item, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return item.Clone(), nil
}

func (r *InventoryRepository) Put(ctx context.Context, item *domain.Item) error {
	_ = ctx
	if item == nil || item.ProductID == "" {
		return fmt.Errorf("inventory repository: product id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[item.ProductID] = item.Clone()
	return nil
}

func (r *InventoryRepository) Reservations(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byOrder[orderID]
	out := make([]*domain.Reservation, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.reservations[k].Clone())
	}
	return out, nil
}

func (r *InventoryRepository) Expired(ctx context.Context, asOf time.Time) ([]*domain.Reservation, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Reservation
	for _, res := range r.reservations {
		if res.IsExpired(asOf) {
			out = append(out, res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Commit validates the whole batch before writing any of it.
func (r *InventoryRepository) Commit(ctx context.Context, items []*domain.Item, reservations []*domain.Reservation) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range items {
		if it == nil || it.ProductID == "" {
			return fmt.Errorf("inventory repository: product id is required")
		}
		if it.Reserved < 0 || it.Reserved > it.OnHand {
			return fmt.Errorf("%w: %s on_hand=%d reserved=%d", domain.ErrInconsistentCounters, it.ProductID, it.OnHand, it.Reserved)
		}
	}

	for _, it := range items {
		r.items[it.ProductID] = it.Clone()
	}
	for _, res := range reservations {
		key := res.Key()
		if _, exists := r.reservations[key]; !exists {
			r.byOrder[res.OrderID] = append(r.byOrder[res.OrderID], key)
		}
		r.reservations[key] = res.Clone()
	}
	return nil
}
