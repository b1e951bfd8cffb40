package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative         = errors.New("money: amount must not be negative")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrInvalidCurrency  = errors.New("money: currency must be a 3-letter ISO code")
	ErrInvalidQuantity  = errors.New("money: quantity must be greater than zero")
)

// Money is an immutable non-negative amount in a single currency.
// The zero value is not usable; build values with New, Zero or Parse.
type Money struct {
	amount   decimal.Decimal
	currency string
}

func New(amount decimal.Decimal, currency string) (Money, error) {
	cur, err := normalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	if amount.IsNegative() {
		return Money{}, ErrNegative
	}
	return Money{amount: amount.Round(2), currency: cur}, nil
}

// MustNew is New for constants and tests.
func MustNew(amount string, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", amount, err)
	}
	return New(d, currency)
}

func Zero(currency string) Money {
	cur, err := normalizeCurrency(currency)
	if err != nil {
		panic(err)
	}
	return Money{amount: decimal.Zero, currency: cur}
}

// FromMinor builds a value from minor units (cents).
func FromMinor(minor int64, currency string) (Money, error) {
	return New(decimal.New(minor, -2), currency)
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }

// Minor returns the amount in minor units, the representation processors expect.
func (m Money) Minor() int64 {
	return m.amount.Shift(2).IntPart()
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}, nil
}

// Sub fails with ErrNegative instead of producing a negative amount.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	out := m.amount.Sub(o.amount)
	if out.IsNegative() {
		return Money{}, ErrNegative
	}
	return Money{amount: out, currency: m.currency}, nil
}

func (m Money) Mul(q Quantity) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(int64(q))), currency: m.currency}
}

// ApplyRate multiplies by a fractional rate (tax) rounding half-up to cents.
func (m Money) ApplyRate(rate decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(rate).Round(2), currency: m.currency}
}

func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.amount.Cmp(o.amount), nil
}

func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.currency
}

func (m Money) sameCurrency(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}

type wire struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Amount: m.amount.StringFixed(2), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := Parse(w.Amount, w.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func normalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return c, nil
}

// Quantity is a strictly positive item count.
type Quantity int

func NewQuantity(n int) (Quantity, error) {
	if n <= 0 {
		return 0, ErrInvalidQuantity
	}
	return Quantity(n), nil
}

func (q Quantity) Int() int { return int(q) }
