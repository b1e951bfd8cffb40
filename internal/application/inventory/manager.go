package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/keylock"

	"go.opentelemetry.io/otel/attribute"
)

const (
	inventoryService = "inventory-service"

	useCaseReserve        = "inventory.reserve"
	useCaseRelease        = "inventory.release"
	useCaseConfirm        = "inventory.confirm"
	useCaseReleaseExpired = "inventory.release_expired"

	DefaultReservationTTL = 15 * time.Minute
)

// Line is a quantity of one product requested by an order.
type Line struct {
	ProductID string
	Quantity  int
}

// Manager owns stock counters and per-order reservations. Every mutation runs
// under the locks of the order and of each product it touches, taken in
// sorted order, and is written with a single repository Commit.
type Manager struct {
	repo  dominv.Repository
	locks *keylock.Locker
	ttl   time.Duration
	now   application.Clock
	obs   application.Instruments

	resCounter observability.Counter // inventory_reservations_total{op,outcome}
}

type Option func(*Manager)

func WithClock(c application.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.now = c
		}
	}
}

func NewManager(repo dominv.Repository, ttl time.Duration, tel observability.Observability, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		metricsProvider = tel.Metrics()
	}
	m := &Manager{
		repo:       repo,
		locks:      keylock.New(),
		ttl:        ttl,
		now:        application.SystemClock,
		obs:        application.NewInstruments(tel, inventoryService),
		resCounter: metricsProvider.Counter(observability.MReservations),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func orderKey(id string) string   { return "order:" + id }
func productKey(id string) string { return "product:" + id }

func (m *Manager) lock(orderID string, productIDs []string) func() {
	keys := make([]string, 0, len(productIDs)+1)
	keys = append(keys, orderKey(orderID))
	for _, p := range productIDs {
		keys = append(keys, productKey(p))
	}
	return m.locks.LockAll(keys)
}

func (m *Manager) count(op string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, dominv.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, dominv.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, dominv.ErrReservationReleased):
		outcome = "released"
	default:
		outcome = "error"
	}
	m.resCounter.Add(1, observability.L("op", op), observability.L("outcome", outcome))
}

// merge sums quantities per product and returns the lines sorted by product.
func merge(lines []Line) ([]Line, error) {
	totals := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" {
			return nil, fmt.Errorf("%w: product id is required", dominv.ErrInvalidQuantity)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s", dominv.ErrInvalidQuantity, l.ProductID)
		}
		totals[l.ProductID] += l.Quantity
	}
	out := make([]Line, 0, len(totals))
	for p, q := range totals {
		out = append(out, Line{ProductID: p, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Reserve holds stock for every line of the order or for none of them.
// Calling it again for an order that already holds active reservations
// returns those reservations unchanged.
func (m *Manager) Reserve(ctx context.Context, orderID string, lines []Line) (_ []*dominv.Reservation, err error) {
	ctx, run := m.obs.Begin(ctx, useCaseReserve, "ReserveStock",
		attribute.String("order.id", orderID),
		attribute.Int("order.lines", len(lines)),
	)
	run.With(observability.F("order_id", orderID))
	defer func() {
		m.count("reserve", err)
		run.End(err)
	}()

	if orderID == "" {
		run.Fail("ORDER_ID_REQUIRED")
		return nil, fmt.Errorf("inventory: order id is required")
	}
	merged, err := merge(lines)
	if err != nil {
		run.Fail("INVALID_LINES")
		return nil, err
	}
	if len(merged) == 0 {
		run.Fail("INVALID_LINES")
		return nil, fmt.Errorf("%w: no lines", dominv.ErrInvalidQuantity)
	}

	productIDs := make([]string, 0, len(merged))
	for _, l := range merged {
		productIDs = append(productIDs, l.ProductID)
	}
	unlock := m.lock(orderID, productIDs)
	defer unlock()

	existing, err := m.repo.Reservations(ctx, orderID)
	if err != nil {
		run.Fail("REPO_READ_FAILED")
		return nil, fmt.Errorf("inventory: load reservations: %w", err)
	}
	if active := activeOnly(existing); len(active) > 0 {
		run.Status("ALREADY_RESERVED")
		return active, nil
	}

	now := m.now()
	items := make([]*dominv.Item, 0, len(merged))
	reservations := make([]*dominv.Reservation, 0, len(merged))
	for _, l := range merged {
		item, gerr := m.repo.Get(ctx, l.ProductID)
		if gerr != nil {
			run.Fail("PRODUCT_NOT_FOUND")
			return nil, fmt.Errorf("inventory: reserve %s: %w", l.ProductID, gerr)
		}
		if rerr := item.Reserve(l.Quantity); rerr != nil {
			run.Fail("INSUFFICIENT_STOCK")
			run.With(observability.F("product_id", l.ProductID))
			return nil, fmt.Errorf("inventory: reserve %s (want %d, available %d): %w",
				l.ProductID, l.Quantity, item.Available(), rerr)
		}
		items = append(items, item)
		reservations = append(reservations, dominv.NewReservation(orderID, l.ProductID, l.Quantity, now, m.ttl))
	}

	if err = m.repo.Commit(ctx, items, reservations); err != nil {
		run.Fail("REPO_COMMIT_FAILED")
		return nil, fmt.Errorf("inventory: commit reservation: %w", err)
	}

	run.Event("inventory.reserved", attribute.String("order.id", orderID))
	out := make([]*dominv.Reservation, 0, len(reservations))
	for _, r := range reservations {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Release returns every active reservation of the order to available stock.
// It is a no-op when nothing is active.
func (m *Manager) Release(ctx context.Context, orderID string) (err error) {
	ctx, run := m.obs.Begin(ctx, useCaseRelease, "ReleaseStock", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() {
		m.count("release", err)
		run.End(err)
	}()

	released, err := m.settle(ctx, orderID, func(res *dominv.Reservation, item *dominv.Item, now time.Time) error {
		if err := item.Release(res.Quantity); err != nil {
			return err
		}
		res.MarkReleased(now)
		return nil
	}, nil)
	if err != nil {
		run.Fail("RELEASE_FAILED")
		return err
	}
	if released == 0 {
		run.Status("NOTHING_ACTIVE")
	}
	return nil
}

// Confirm turns the order's reservations into a permanent stock decrement.
// Confirming twice is a no-op. If the reservations were already released or
// expired it fails with ErrReservationReleased and changes nothing.
func (m *Manager) Confirm(ctx context.Context, orderID string) (err error) {
	ctx, run := m.obs.Begin(ctx, useCaseConfirm, "ConfirmStock", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() {
		m.count("confirm", err)
		run.End(err)
	}()

	check := func(all []*dominv.Reservation) error {
		if len(all) == 0 {
			return fmt.Errorf("inventory: confirm %s: %w", orderID, dominv.ErrReservationNotFound)
		}
		for _, r := range all {
			if r.Status == dominv.ReservationReleased || r.Status == dominv.ReservationExpired {
				return fmt.Errorf("inventory: confirm %s: %w", orderID, dominv.ErrReservationReleased)
			}
		}
		return nil
	}
	confirmed, err := m.settle(ctx, orderID, func(res *dominv.Reservation, item *dominv.Item, now time.Time) error {
		if err := item.Commit(res.Quantity); err != nil {
			return err
		}
		res.MarkConfirmed(now)
		return nil
	}, check)
	if err != nil {
		run.Fail("CONFIRM_FAILED")
		return err
	}
	if confirmed == 0 {
		run.Status("ALREADY_CONFIRMED")
	}
	return nil
}

// settle applies fn to every active reservation of the order under the
// order and product locks and commits the result in one batch.
func (m *Manager) settle(
	ctx context.Context,
	orderID string,
	fn func(res *dominv.Reservation, item *dominv.Item, now time.Time) error,
	check func(all []*dominv.Reservation) error,
) (int, error) {
	current, unlock, err := m.lockReservations(ctx, orderID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if check != nil {
		if err := check(current); err != nil {
			return 0, err
		}
	}
	return m.apply(ctx, activeOnly(current), fn)
}

func (m *Manager) apply(
	ctx context.Context,
	active []*dominv.Reservation,
	fn func(res *dominv.Reservation, item *dominv.Item, now time.Time) error,
) (int, error) {
	if len(active) == 0 {
		return 0, nil
	}
	now := m.now()
	items := make(map[string]*dominv.Item, len(active))
	for _, res := range active {
		item, ok := items[res.ProductID]
		if !ok {
			var err error
			if item, err = m.repo.Get(ctx, res.ProductID); err != nil {
				return 0, fmt.Errorf("inventory: load %s: %w", res.ProductID, err)
			}
			items[res.ProductID] = item
		}
		if err := fn(res, item, now); err != nil {
			return 0, fmt.Errorf("inventory: %s/%s: %w", res.OrderID, res.ProductID, err)
		}
	}

	batch := make([]*dominv.Item, 0, len(items))
	for _, it := range items {
		batch = append(batch, it)
	}
	if err := m.repo.Commit(ctx, batch, active); err != nil {
		return 0, fmt.Errorf("inventory: commit: %w", err)
	}
	return len(active), nil
}

// lockReservations locks the order and the products it holds reservations
// for, and returns the reservations as read under those locks.
func (m *Manager) lockReservations(ctx context.Context, orderID string) ([]*dominv.Reservation, func(), error) {
	for {
		before, err := m.repo.Reservations(ctx, orderID)
		if err != nil {
			return nil, nil, fmt.Errorf("inventory: load reservations: %w", err)
		}
		unlock := m.lock(orderID, productsOf(before))
		current, err := m.repo.Reservations(ctx, orderID)
		if err != nil {
			unlock()
			return nil, nil, fmt.Errorf("inventory: load reservations: %w", err)
		}
		if len(current) == len(before) {
			return current, unlock, nil
		}
		// A reservation landed between the two reads; lock its product too.
		unlock()
	}
}

// ExpiredOrders lists the orders holding at least one active reservation whose
// TTL has passed.
func (m *Manager) ExpiredOrders(ctx context.Context, asOf time.Time) ([]string, error) {
	expired, err := m.repo.Expired(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("inventory: list expired: %w", err)
	}
	return orderIDs(expired), nil
}

// ReleaseExpired releases every reservation past its TTL, marks it expired and
// returns the affected order ids. Orders listed in skip keep their holds.
func (m *Manager) ReleaseExpired(ctx context.Context, asOf time.Time, skip ...string) (_ []string, err error) {
	ctx, run := m.obs.Begin(ctx, useCaseReleaseExpired, "ReleaseExpired")
	defer func() {
		m.count("expire", err)
		run.End(err)
	}()

	ids, err := m.ExpiredOrders(ctx, asOf)
	if err != nil {
		run.Fail("REPO_READ_FAILED")
		return nil, err
	}

	skipped := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		skipped[id] = struct{}{}
	}

	var released []string
	var errs []error
	for _, id := range ids {
		if _, ok := skipped[id]; ok {
			continue
		}
		n, rerr := m.settleExpired(ctx, id, asOf)
		if rerr != nil {
			errs = append(errs, rerr)
			continue
		}
		if n > 0 {
			released = append(released, id)
		}
	}
	run.With(observability.F("released_orders", len(released)))
	if err = errors.Join(errs...); err != nil {
		run.Fail("PARTIAL_SWEEP")
	}
	return released, err
}

func (m *Manager) settleExpired(ctx context.Context, orderID string, asOf time.Time) (int, error) {
	current, unlock, err := m.lockReservations(ctx, orderID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var due []*dominv.Reservation
	for _, r := range current {
		if r.IsExpired(asOf) {
			due = append(due, r)
		}
	}
	return m.apply(ctx, due, func(res *dominv.Reservation, item *dominv.Item, now time.Time) error {
		if err := item.Release(res.Quantity); err != nil {
			return err
		}
		res.MarkExpired(now)
		return nil
	})
}

// Reservations returns the order's reservations in any status.
func (m *Manager) Reservations(ctx context.Context, orderID string) ([]*dominv.Reservation, error) {
	return m.repo.Reservations(ctx, orderID)
}

// SetStock creates the product or replaces its on-hand count and unit price.
// On-hand may not drop below what is currently reserved.
func (m *Manager) SetStock(ctx context.Context, productID string, onHand int, unitPrice money.Money) (*dominv.Item, error) {
	unlock := m.locks.Lock(productKey(productID))
	defer unlock()

	item, err := m.repo.Get(ctx, productID)
	switch {
	case errors.Is(err, dominv.ErrNotFound):
		if item, err = dominv.NewItem(productID, onHand, unitPrice); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("inventory: load %s: %w", productID, err)
	default:
		if onHand < item.Reserved {
			return nil, fmt.Errorf("%w: on_hand %d below reserved %d", dominv.ErrInconsistentCounters, onHand, item.Reserved)
		}
		item.OnHand = onHand
		item.UnitPrice = unitPrice
		item.UpdatedAt = m.now()
	}

	if err := m.repo.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("inventory: save %s: %w", productID, err)
	}
	return item, nil
}

func (m *Manager) Stock(ctx context.Context, productID string) (*dominv.Item, error) {
	return m.repo.Get(ctx, productID)
}

// Price is the current catalog price of the product.
func (m *Manager) Price(ctx context.Context, productID string) (money.Money, error) {
	item, err := m.repo.Get(ctx, productID)
	if err != nil {
		return money.Money{}, err
	}
	return item.UnitPrice, nil
}

func activeOnly(rs []*dominv.Reservation) []*dominv.Reservation {
	var out []*dominv.Reservation
	for _, r := range rs {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

func productsOf(rs []*dominv.Reservation) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ProductID)
	}
	return out
}

func orderIDs(rs []*dominv.Reservation) []string {
	seen := make(map[string]struct{}, len(rs))
	var out []string
	for _, r := range rs {
		if _, ok := seen[r.OrderID]; ok {
			continue
		}
		seen[r.OrderID] = struct{}{}
		out = append(out, r.OrderID)
	}
	return out
}
