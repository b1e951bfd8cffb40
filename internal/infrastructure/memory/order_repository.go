package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

type OrderRepository struct {
	mu          sync.RWMutex
	orders      map[string]*domain.Order
	byNumber    map[string]string
	idempotency map[string]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:      make(map[string]*domain.Order),
		byNumber:    make(map[string]string),
		idempotency: make(map[string]string),
	}
}

func idempotencyKey(customerID, key string) string { return customerID + "\x00" + key }

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.ErrConflict
	}
	if _, exists := r.byNumber[order.OrderNumber]; exists {
		return domain.ErrDuplicateNumber
	}
	if order.IdempotencyKey != "" {
		if _, exists := r.idempotency[idempotencyKey(order.CustomerID, order.IdempotencyKey)]; exists {
			return domain.ErrConflict
		}
	}

	order.Version = 1
	r.orders[order.ID] = order.Clone()
	r.byNumber[order.OrderNumber] = order.ID
	if order.IdempotencyKey != "" {
		r.idempotency[idempotencyKey(order.CustomerID, order.IdempotencyKey)] = order.ID
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, number string) (*domain.Order, error) {
	r.mu.RLock()
	id, ok := r.byNumber[number]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *OrderRepository) FindByIdempotency(ctx context.Context, customerID, key string) (*domain.Order, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	r.mu.RLock()
	id, ok := r.idempotency[idempotencyKey(customerID, key)]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.orders[order.ID]
	if !exists {
		return domain.ErrNotFound
	}
	if stored.Version != order.Version {
		return fmt.Errorf("%w: version %d is stale (stored %d)", domain.ErrConflict, order.Version, stored.Version)
	}

	order.Version++
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to domain.Status) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.orders[id]
	if !exists {
		return domain.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("%w: status is %s, expected %s", domain.ErrConflict, stored.Status, from)
	}

	next := stored.Clone()
	next.Status = to
	next.Version++
	next.Touch(time.Now().UTC())
	r.orders[id] = next
	return nil
}

func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.Status, updatedBefore time.Time) ([]*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Order
	for _, o := range r.orders {
		if o.Status == status && o.UpdatedAt.Before(updatedBefore) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
