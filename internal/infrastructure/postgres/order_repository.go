// Package postgres stores orders in PostgreSQL through pgx. The aggregate is
// kept as a JSONB document next to the columns that are queried or
// constrained: number, idempotency key, status, version.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	uniqueViolation       = "23505"
	orderNumberConstraint = "orders_order_number_key"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Connect opens a pool and checks it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// orderDocument is the JSONB form of the aggregate.
type orderDocument struct {
	Items          []domain.Item    `json:"items"`
	Currency       string           `json:"currency"`
	Subtotal       money.Money      `json:"subtotal"`
	ShippingCost   money.Money      `json:"shipping_cost"`
	TaxRate        decimal.Decimal  `json:"tax_rate"`
	TaxAmount      money.Money      `json:"tax_amount"`
	DiscountAmount money.Money      `json:"discount_amount"`
	TotalAmount    money.Money      `json:"total_amount"`
	Billing        domain.Address   `json:"billing_address"`
	Shipping       *domain.Address  `json:"shipping_address,omitempty"`
	Payment        *payment.Payment `json:"payment,omitempty"`
	PartialRefund  bool             `json:"partial_refund,omitempty"`
	TrackingNumber string           `json:"tracking_number,omitempty"`
	CancelReason   string           `json:"cancel_reason,omitempty"`
	ShippedAt      *time.Time       `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time       `json:"delivered_at,omitempty"`
	CancelledAt    *time.Time       `json:"cancelled_at,omitempty"`
}

func encode(o *domain.Order) ([]byte, error) {
	return json.Marshal(orderDocument{
		Items:          o.Items,
		Currency:       o.Currency,
		Subtotal:       o.Subtotal,
		ShippingCost:   o.ShippingCost,
		TaxRate:        o.TaxRate,
		TaxAmount:      o.TaxAmount,
		DiscountAmount: o.DiscountAmount,
		TotalAmount:    o.TotalAmount,
		Billing:        o.BillingAddress,
		Shipping:       o.ShippingAddress,
		Payment:        o.Payment,
		PartialRefund:  o.PartialRefund,
		TrackingNumber: o.TrackingNumber,
		CancelReason:   o.CancelReason,
		ShippedAt:      o.ShippedAt,
		DeliveredAt:    o.DeliveredAt,
		CancelledAt:    o.CancelledAt,
	})
}

const selectOrder = `SELECT id, order_number, customer_id, idempotency_key, status, version, payload, created_at, updated_at FROM orders`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o       domain.Order
		idemKey *string
		status  string
		raw     []byte
		doc     orderDocument
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &idemKey, &status, &o.Version, &raw, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan order: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("postgres: decode order %s: %w", o.ID, err)
	}
	if idemKey != nil {
		o.IdempotencyKey = *idemKey
	}
	o.Status = domain.Status(status)
	o.Items = doc.Items
	o.Currency = doc.Currency
	o.Subtotal = doc.Subtotal
	o.ShippingCost = doc.ShippingCost
	o.TaxRate = doc.TaxRate
	o.TaxAmount = doc.TaxAmount
	o.DiscountAmount = doc.DiscountAmount
	o.TotalAmount = doc.TotalAmount
	o.BillingAddress = doc.Billing
	o.ShippingAddress = doc.Shipping
	o.Payment = doc.Payment
	o.PartialRefund = doc.PartialRefund
	o.TrackingNumber = doc.TrackingNumber
	o.CancelReason = doc.CancelReason
	o.ShippedAt = doc.ShippedAt
	o.DeliveredAt = doc.DeliveredAt
	o.CancelledAt = doc.CancelledAt
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	payload, err := encode(o)
	if err != nil {
		return fmt.Errorf("postgres: encode order: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO orders (id, order_number, customer_id, idempotency_key, status, version, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8)`,
		o.ID, o.OrderNumber, o.CustomerID, nullable(o.IdempotencyKey), string(o.Status), payload, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == orderNumberConstraint {
				return domain.ErrDuplicateNumber
			}
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
		}
		return fmt.Errorf("postgres: insert order: %w", err)
	}
	o.Version = 1
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, number string) (*domain.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, selectOrder+` WHERE order_number = $1`, number))
}

func (r *OrderRepository) FindByIdempotency(ctx context.Context, customerID, key string) (*domain.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx,
		selectOrder+` WHERE customer_id = $1 AND idempotency_key = $2`, customerID, key))
}

func (r *OrderRepository) Save(ctx context.Context, o *domain.Order) error {
	payload, err := encode(o)
	if err != nil {
		return fmt.Errorf("postgres: encode order: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $1, payload = $2, updated_at = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		string(o.Status), payload, o.UpdatedAt, o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, o.ID, "version", o.Version)
	}
	o.Version++
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to domain.Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = $2, version = version + 1
		 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("postgres: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, id, "status", from)
	}
	return nil
}

// missOrStale tells a missing row from a lost optimistic check.
func (r *OrderRepository) missOrStale(ctx context.Context, id, what string, expected any) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check order: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: order %s %s is no longer %v", domain.ErrConflict, id, what, expected)
}

func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.Status, updatedBefore time.Time) ([]*domain.Order, error) {
	rows, err := r.pool.Query(ctx,
		selectOrder+` WHERE status = $1 AND updated_at < $2 ORDER BY created_at`,
		string(status), updatedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OrderRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
