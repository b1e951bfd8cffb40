package order

import (
	"context"
	"strings"
	"time"

	appinv "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

type IDGenerator interface {
	NewID() string
}

// NumberGenerator proposes human-readable order numbers. Uniqueness is
// checked against the repository by the caller.
type NumberGenerator interface {
	NextNumber() string
}

// Inventory is the slice of the stock manager the order saga drives.
type Inventory interface {
	Reserve(ctx context.Context, orderID string, lines []appinv.Line) ([]*dominv.Reservation, error)
	Release(ctx context.Context, orderID string) error
	Confirm(ctx context.Context, orderID string) error
	Price(ctx context.Context, productID string) (money.Money, error)
}

// StockSweeper is what the background sweeper needs from the stock manager.
type StockSweeper interface {
	ExpiredOrders(ctx context.Context, asOf time.Time) ([]string, error)
	// ReleaseExpired frees past-TTL holds of every order not listed in skip.
	ReleaseExpired(ctx context.Context, asOf time.Time, skip ...string) ([]string, error)
}

// Pricing holds the flat shipping charge and the per-country tax table.
type Pricing struct {
	Shipping decimal.Decimal
	TaxRates map[string]decimal.Decimal
}

func (p Pricing) TaxRate(country string) decimal.Decimal {
	if r, ok := p.TaxRates[strings.ToUpper(country)]; ok {
		return r
	}
	return decimal.Zero
}
