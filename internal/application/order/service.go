package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	appinv "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/notification"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/keylock"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	orderService = "order-service"

	useCaseCreate          = "order.create"
	useCaseInitiatePayment = "order.initiate_payment"
	useCaseConfirmPayment  = "order.confirm_payment"
	useCasePaymentSucceed  = "order.payment_succeeded"
	useCasePaymentFailed   = "order.payment_failed"
	useCaseChargeRefunded  = "order.charge_refunded"
	useCaseCancel          = "order.cancel"
	useCaseRefund          = "order.refund"
	useCaseDiscount        = "order.apply_discount"
	useCaseFulfillment     = "order.start_fulfillment"
	useCaseShip            = "order.mark_shipped"
	useCaseDeliver         = "order.mark_delivered"
	useCaseExpire          = "order.expire"

	gatewayPeer  = "payment_gateway"
	notifierPeer = "notifier"

	maxNumberAttempts = 5
)

var (
	ErrConflict            = domain.ErrConflict
	ErrNotFound            = domain.ErrNotFound
	ErrPaymentNotInitiated = errors.New("order: payment not initiated")
	ErrIntentMismatch      = errors.New("order: payment intent does not belong to order")
	ErrNotRefundable       = errors.New("order: nothing left to refund")
	ErrNumberExhausted     = errors.New("order: could not allocate a unique order number")
)

// Deps are the collaborators the orchestration service coordinates.
type Deps struct {
	Orders    domain.Repository
	Inventory Inventory
	Gateway   payment.Gateway
	Notifier  notification.Notifier
	IDs       IDGenerator
	Numbers   NumberGenerator
	Pricing   Pricing
	Currency  string
}

// Service runs the checkout sagas. Every state change for one order happens
// under that order's lock and is persisted with an optimistic version check.
type Service struct {
	orders    domain.Repository
	inventory Inventory
	gateway   payment.Gateway
	notifier  notification.Notifier
	ids       IDGenerator
	numbers   NumberGenerator
	pricing   Pricing
	currency  string

	locks    *keylock.Locker
	inflight singleflight.Group
	now      application.Clock
	obs      application.Instruments

	gatewayAttempts int
	gatewayBackoff  time.Duration
}

type Option func(*Service)

func WithClock(c application.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.now = c
		}
	}
}

// WithGatewayRetry bounds CreateIntent retries on retryable gateway errors.
func WithGatewayRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.gatewayAttempts = attempts
		}
		if backoff >= 0 {
			s.gatewayBackoff = backoff
		}
	}
}

func NewService(deps Deps, tel observability.Observability, opts ...Option) *Service {
	currency := strings.ToUpper(deps.Currency)
	if currency == "" {
		currency = "USD"
	}
	s := &Service{
		orders:          deps.Orders,
		inventory:       deps.Inventory,
		gateway:         deps.Gateway,
		notifier:        deps.Notifier,
		ids:             deps.IDs,
		numbers:         deps.Numbers,
		pricing:         deps.Pricing,
		currency:        currency,
		locks:           keylock.New(),
		now:             application.SystemClock,
		obs:             application.NewInstruments(tel, orderService),
		gatewayAttempts: 3,
		gatewayBackoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ItemInput struct {
	ProductID string
	Quantity  int
}

type CreateOrderInput struct {
	CustomerID      string
	IdempotencyKey  string
	Currency        string
	Items           []ItemInput
	BillingAddress  domain.Address
	ShippingAddress *domain.Address
}

// CreateOrder prices the cart, reserves its stock and persists the order in
// pending_payment. A failure after the reservation releases it before returning.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseCreate, "CreateOrder",
		attribute.String("order.customer_id", in.CustomerID),
		attribute.Int("order.items", len(in.Items)),
	)
	defer func() { run.End(err) }()

	if err = validateCreate(in); err != nil {
		run.Fail("VALIDATION_FAILED")
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		run.Fail("CONTEXT_CANCELED")
		return nil, err
	}

	if in.IdempotencyKey != "" {
		existing, ferr := s.orders.FindByIdempotency(ctx, in.CustomerID, in.IdempotencyKey)
		if ferr == nil {
			run.Status("IDEMPOTENT_REPLAY")
			run.With(observability.F("order_id", existing.ID))
			return existing, nil
		}
		if !errors.Is(ferr, domain.ErrNotFound) {
			run.Fail("REPO_READ_FAILED")
			return nil, fmt.Errorf("order: idempotency lookup: %w", ferr)
		}
	}

	currency := s.currency
	if in.Currency != "" {
		currency = strings.ToUpper(in.Currency)
	}

	items, err := s.price(ctx, in.Items, currency)
	if err != nil {
		run.Fail("PRICING_FAILED")
		return nil, err
	}

	number, err := s.uniqueNumber(ctx)
	if err != nil {
		run.Fail("ORDER_NUMBER_FAILED")
		return nil, err
	}

	now := s.now()
	o, err := domain.New(s.ids.NewID(), number, in.CustomerID, currency, in.BillingAddress, in.ShippingAddress, now)
	if err != nil {
		run.Fail("VALIDATION_FAILED")
		return nil, err
	}
	o.IdempotencyKey = in.IdempotencyKey
	if err = o.SetItems(items); err != nil {
		run.Fail("VALIDATION_FAILED")
		return nil, err
	}
	if err = s.applyCharges(o); err != nil {
		run.Fail("VALIDATION_FAILED")
		return nil, err
	}
	if _, err = o.Apply(domain.EventCreate, now); err != nil {
		run.Fail("STATE_TRANSITION_FAILED")
		return nil, err
	}
	if err = o.CheckTotals(); err != nil {
		run.Fail("TOTALS_MISMATCH")
		return nil, err
	}
	run.With(observability.F("order_id", o.ID))
	run.SetAttributes(attribute.String("order.id", o.ID))

	unlock := s.locks.Lock(o.ID)
	defer unlock()

	if _, err = s.inventory.Reserve(ctx, o.ID, linesOf(o)); err != nil {
		run.Fail("RESERVE_FAILED")
		return nil, fmt.Errorf("order: reserve stock: %w", err)
	}

	cerr := s.orders.Create(ctx, o)
	for attempt := 1; errors.Is(cerr, domain.ErrDuplicateNumber) && attempt < maxNumberAttempts; attempt++ {
		// Another writer took the number between the check and the insert.
		number, nerr := s.uniqueNumber(ctx)
		if nerr != nil {
			cerr = nerr
			break
		}
		o.OrderNumber = number
		cerr = s.orders.Create(ctx, o)
	}
	if cerr != nil {
		run.Fail("REPO_CREATE_FAILED")
		err = fmt.Errorf("order: create: %w", cerr)
		if rerr := s.inventory.Release(context.WithoutCancel(ctx), o.ID); rerr != nil {
			s.critical(ctx, "compensation_failed", rerr,
				observability.F("order_id", o.ID),
				observability.F("compensation", "release_stock"),
			)
			return nil, errors.Join(err, fmt.Errorf("order: release after failed create: %w", rerr))
		}
		if errors.Is(cerr, domain.ErrConflict) && in.IdempotencyKey != "" {
			if existing, ferr := s.orders.FindByIdempotency(ctx, in.CustomerID, in.IdempotencyKey); ferr == nil {
				run.Status("IDEMPOTENT_REPLAY")
				return existing, nil
			}
		}
		return nil, err
	}

	run.With(observability.F("order_number", o.OrderNumber))
	run.Event("order.created", attribute.String("order.id", o.ID))
	return o.Clone(), nil
}

func validateCreate(in CreateOrderInput) error {
	if strings.TrimSpace(in.CustomerID) == "" {
		return &domain.ValidationError{Field: "customer_id", Reason: "is required"}
	}
	if len(in.Items) == 0 {
		return &domain.ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return &domain.ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "is required"}
		}
		if it.Quantity <= 0 {
			return &domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be greater than zero"}
		}
	}
	return nil
}

// price looks up the catalog price for every line.
func (s *Service) price(ctx context.Context, in []ItemInput, currency string) ([]domain.Item, error) {
	items := make([]domain.Item, 0, len(in))
	for _, it := range in {
		unit, err := s.inventory.Price(ctx, it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("order: price %s: %w", it.ProductID, err)
		}
		if unit.Currency() != currency {
			return nil, &domain.ValidationError{Field: "currency", Reason: fmt.Sprintf("product %s is priced in %s", it.ProductID, unit.Currency())}
		}
		item, err := domain.NewItem(it.ProductID, it.Quantity, unit)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// applyCharges sets flat shipping and the tax rate of the destination country.
func (s *Service) applyCharges(o *domain.Order) error {
	shipping, err := money.New(s.pricing.Shipping, o.Currency)
	if err != nil {
		return err
	}
	country := o.BillingAddress.Country
	if o.ShippingAddress != nil {
		country = o.ShippingAddress.Country
	}
	return o.SetCharges(shipping, s.pricing.TaxRate(country))
}

func (s *Service) uniqueNumber(ctx context.Context) (string, error) {
	for i := 0; i < maxNumberAttempts; i++ {
		n := s.numbers.NextNumber()
		_, err := s.orders.FindByOrderNumber(ctx, n)
		if errors.Is(err, domain.ErrNotFound) {
			return n, nil
		}
		if err != nil {
			return "", fmt.Errorf("order: check order number: %w", err)
		}
	}
	return "", ErrNumberExhausted
}

func linesOf(o *domain.Order) []appinv.Line {
	lines := make([]appinv.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, appinv.Line{ProductID: it.ProductID, Quantity: it.Quantity.Int()})
	}
	return lines
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	return s.orders.FindByID(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	if strings.TrimSpace(number) == "" {
		return nil, &domain.ValidationError{Field: "order_number", Reason: "is required"}
	}
	return s.orders.FindByOrderNumber(ctx, number)
}
