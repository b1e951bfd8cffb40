package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("order: not found")
	ErrConflict       = errors.New("order: conflict")
	ErrValidation     = errors.New("order: validation failed")
	ErrItemsLocked    = errors.New("order: items are immutable once the order leaves draft")
	ErrNegativeTotal  = errors.New("order: total amount would be negative")
	ErrTotalsMismatch = errors.New("order: totals invariant violated")

	// ErrDuplicateNumber is the ErrConflict reported when the order number is taken.
	ErrDuplicateNumber = fmt.Errorf("%w: order number already taken", ErrConflict)
)

// ValidationError describes bad caller input. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Address is a snapshot copied into the order; later edits to the customer's
// address book do not reach it.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a Address) Validate(field string) error {
	if strings.TrimSpace(a.Line1) == "" {
		return invalid(field+".line1", "is required")
	}
	if strings.TrimSpace(a.City) == "" {
		return invalid(field+".city", "is required")
	}
	if len(strings.TrimSpace(a.Country)) != 2 {
		return invalid(field+".country", "must be a 2-letter country code")
	}
	return nil
}

type Item struct {
	ProductID  string         `json:"product_id"`
	Quantity   money.Quantity `json:"quantity"`
	UnitPrice  money.Money    `json:"unit_price"`
	TotalPrice money.Money    `json:"total_price"`
}

func NewItem(productID string, quantity int, unitPrice money.Money) (Item, error) {
	if productID == "" {
		return Item{}, invalid("items.product_id", "is required")
	}
	q, err := money.NewQuantity(quantity)
	if err != nil {
		return Item{}, invalid("items.quantity", "must be greater than zero")
	}
	return Item{
		ProductID:  productID,
		Quantity:   q,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice.Mul(q),
	}, nil
}

type Order struct {
	ID             string
	OrderNumber    string
	CustomerID     string
	IdempotencyKey string
	Status         Status
	Items          []Item
	Currency       string

	Subtotal       money.Money
	ShippingCost   money.Money
	TaxRate        decimal.Decimal
	TaxAmount      money.Money
	DiscountAmount money.Money
	TotalAmount    money.Money

	BillingAddress  Address
	ShippingAddress *Address

	Payment       *payment.Payment
	PartialRefund bool

	TrackingNumber string
	CancelReason   string
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CancelledAt    *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns an empty draft order. Items and charges are added with SetItems
// and SetCharges before the create transition.
func New(id, orderNumber, customerID, currency string, billing Address, shipping *Address, now time.Time) (*Order, error) {
	if id == "" {
		return nil, invalid("id", "is required")
	}
	if customerID == "" {
		return nil, invalid("customer_id", "is required")
	}
	if err := billing.Validate("billing_address"); err != nil {
		return nil, err
	}
	if shipping != nil {
		if err := shipping.Validate("shipping_address"); err != nil {
			return nil, err
		}
		cp := *shipping
		shipping = &cp
	}

	zero, err := money.New(decimal.Zero, currency)
	if err != nil {
		return nil, invalid("currency", err.Error())
	}
	return &Order{
		ID:              id,
		OrderNumber:     orderNumber,
		CustomerID:      customerID,
		Status:          StatusDraft,
		Currency:        zero.Currency(),
		Subtotal:        zero,
		ShippingCost:    zero,
		TaxRate:         decimal.Zero,
		TaxAmount:       zero,
		DiscountAmount:  zero,
		TotalAmount:     zero,
		BillingAddress:  billing,
		ShippingAddress: shipping,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// SetItems replaces the line items. Only drafts accept it.
func (o *Order) SetItems(items []Item) error {
	if o.Status != StatusDraft {
		return ErrItemsLocked
	}
	if len(items) == 0 {
		return invalid("items", "at least one item is required")
	}
	for _, it := range items {
		if it.UnitPrice.Currency() != o.Currency {
			return invalid("items.unit_price", "currency must be "+o.Currency)
		}
	}
	prev := o.Items
	o.Items = append([]Item(nil), items...)
	if err := o.recompute(); err != nil {
		o.Items = prev
		_ = o.recompute()
		return err
	}
	return nil
}

// SetCharges sets the shipping cost and tax rate used by the totals.
func (o *Order) SetCharges(shipping money.Money, taxRate decimal.Decimal) error {
	if o.Status != StatusDraft {
		return ErrItemsLocked
	}
	if taxRate.IsNegative() {
		return invalid("tax_rate", "must not be negative")
	}
	if shipping.Currency() != o.Currency {
		return invalid("shipping_cost", "currency must be "+o.Currency)
	}
	o.ShippingCost = shipping
	o.TaxRate = taxRate
	return o.recompute()
}

// ApplyDiscount replaces the discount and recomputes the total. Discounts are
// accepted while the order is unpaid.
func (o *Order) ApplyDiscount(discount money.Money) error {
	if o.Status != StatusDraft && o.Status != StatusPendingPayment {
		return &TransitionError{From: o.Status, Event: "discount"}
	}
	if discount.Currency() != o.Currency {
		return invalid("discount", "currency must be "+o.Currency)
	}
	prev := o.DiscountAmount
	o.DiscountAmount = discount
	if err := o.recompute(); err != nil {
		o.DiscountAmount = prev
		_ = o.recompute()
		return err
	}
	o.touch(time.Now().UTC())
	return nil
}

func (o *Order) recompute() error {
	subtotal := money.Zero(o.Currency)
	for _, it := range o.Items {
		var err error
		if subtotal, err = subtotal.Add(it.TotalPrice); err != nil {
			return err
		}
	}
	tax := subtotal.ApplyRate(o.TaxRate)

	gross, err := subtotal.Add(o.ShippingCost)
	if err != nil {
		return err
	}
	if gross, err = gross.Add(tax); err != nil {
		return err
	}
	total, err := gross.Sub(o.DiscountAmount)
	if err != nil {
		if errors.Is(err, money.ErrNegative) {
			return ErrNegativeTotal
		}
		return err
	}

	o.Subtotal = subtotal
	o.TaxAmount = tax
	o.TotalAmount = total
	return nil
}

// CheckTotals verifies total = subtotal + shipping + tax - discount.
func (o *Order) CheckTotals() error {
	gross, err := o.Subtotal.Add(o.ShippingCost)
	if err != nil {
		return err
	}
	if gross, err = gross.Add(o.TaxAmount); err != nil {
		return err
	}
	want, err := gross.Sub(o.DiscountAmount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTotalsMismatch, err)
	}
	if !want.Equal(o.TotalAmount) {
		return fmt.Errorf("%w: have %s want %s", ErrTotalsMismatch, o.TotalAmount, want)
	}
	return nil
}

// Apply runs the state machine for ev and, on success, moves the order to the
// new status and returns the side effects the caller must execute.
func (o *Order) Apply(ev Event, at time.Time) ([]SideEffect, error) {
	next, effects, err := Transition(o.Status, ev)
	if err != nil {
		return nil, err
	}
	o.Status = next
	switch next {
	case StatusShipped:
		o.ShippedAt = &at
	case StatusDelivered:
		o.DeliveredAt = &at
	case StatusCancelled:
		o.CancelledAt = &at
	}
	o.touch(at)
	return effects, nil
}

// ProductIDs lists the order's products in item order.
func (o *Order) ProductIDs() []string {
	out := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, it.ProductID)
	}
	return out
}

func (o *Order) Terminal() bool {
	return o.Status == StatusCancelled || o.Status == StatusRefunded || o.Status == StatusDelivered
}

func (o *Order) Touch(at time.Time) { o.touch(at) }

func (o *Order) touch(at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	o.UpdatedAt = at
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		c.ShippingAddress = &a
	}
	c.Payment = o.Payment.Clone()
	c.ShippedAt = cloneTime(o.ShippedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
