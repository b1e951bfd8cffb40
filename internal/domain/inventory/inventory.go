package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
)

var (
	ErrNotFound             = errors.New("inventory: product not found")
	ErrInvalidQuantity      = errors.New("inventory: quantity must be greater than zero")
	ErrInsufficientStock    = errors.New("inventory: insufficient stock")
	ErrReservationNotFound  = errors.New("inventory: reservation not found")
	ErrReservationReleased  = errors.New("inventory: reservation already released")
	ErrInconsistentCounters = errors.New("inventory: stock counters out of range")
)

// Item tracks stock for one product. OnHand is physical stock; Reserved is the
// part of it held by unpaid orders.
type Item struct {
	ProductID string
	OnHand    int
	Reserved  int
	UnitPrice money.Money
	UpdatedAt time.Time
}

func NewItem(productID string, onHand int, unitPrice money.Money) (*Item, error) {
	if productID == "" {
		return nil, fmt.Errorf("inventory: product id is required")
	}
	if onHand < 0 {
		return nil, ErrInvalidQuantity
	}
	return &Item{
		ProductID: productID,
		OnHand:    onHand,
		UnitPrice: unitPrice,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (i *Item) Available() int { return i.OnHand - i.Reserved }

// Reserve moves quantity from available into reserved.
func (i *Item) Reserve(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > i.Available() {
		return ErrInsufficientStock
	}
	i.Reserved += quantity
	i.touch()
	return nil
}

// Release returns reserved quantity to available.
func (i *Item) Release(quantity int) error {
	if quantity <= 0 || quantity > i.Reserved {
		return ErrInconsistentCounters
	}
	i.Reserved -= quantity
	i.touch()
	return nil
}

// Commit turns reserved quantity into a permanent on-hand decrement.
func (i *Item) Commit(quantity int) error {
	if quantity <= 0 || quantity > i.Reserved || quantity > i.OnHand {
		return ErrInconsistentCounters
	}
	i.Reserved -= quantity
	i.OnHand -= quantity
	i.touch()
	return nil
}

func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func (i *Item) touch() {
	i.UpdatedAt = time.Now().UTC()
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a hold on one product for one order.
type Reservation struct {
	OrderID    string
	ProductID  string
	Quantity   int
	Status     ReservationStatus
	ReservedAt time.Time
	ExpiresAt  time.Time
	UpdatedAt  time.Time
}

func NewReservation(orderID, productID string, quantity int, now time.Time, ttl time.Duration) *Reservation {
	return &Reservation{
		OrderID:    orderID,
		ProductID:  productID,
		Quantity:   quantity,
		Status:     ReservationReserved,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	}
}

func (r *Reservation) Active() bool { return r.Status == ReservationReserved }

func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Active() && !now.Before(r.ExpiresAt)
}

func (r *Reservation) mark(status ReservationStatus, now time.Time) {
	r.Status = status
	r.UpdatedAt = now
}

func (r *Reservation) MarkConfirmed(now time.Time) { r.mark(ReservationConfirmed, now) }
func (r *Reservation) MarkReleased(now time.Time)  { r.mark(ReservationReleased, now) }
func (r *Reservation) MarkExpired(now time.Time)   { r.mark(ReservationExpired, now) }

func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Key identifies a reservation within the store.
func (r *Reservation) Key() string { return r.OrderID + "/" + r.ProductID }
