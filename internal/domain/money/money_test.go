package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNegativeAndBadCurrency(t *testing.T) {
	_, err := New(decimal.NewFromInt(-1), "USD")
	assert.ErrorIs(t, err, ErrNegative)

	_, err = New(decimal.NewFromInt(1), "US")
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	m, err := New(decimal.RequireFromString("1.005"), "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", m.Currency())
	assert.Equal(t, "1.01 USD", m.String())
}

func TestArithmetic(t *testing.T) {
	ten := MustNew("10.00", "USD")
	five := MustNew("5.00", "USD")

	sum, err := ten.Add(five)
	require.NoError(t, err)
	assert.True(t, sum.Equal(MustNew("15", "USD")))

	diff, err := ten.Sub(five)
	require.NoError(t, err)
	assert.True(t, diff.Equal(five))

	_, err = five.Sub(ten)
	assert.ErrorIs(t, err, ErrNegative)

	assert.True(t, ten.Mul(3).Equal(MustNew("30", "USD")))
	assert.True(t, MustNew("19.99", "USD").ApplyRate(decimal.RequireFromString("0.07")).Equal(MustNew("1.40", "USD")))
	assert.Equal(t, int64(1999), MustNew("19.99", "USD").Minor())
}

func TestCurrencyMismatch(t *testing.T) {
	_, err := MustNew("1", "USD").Add(MustNew("1", "EUR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = MustNew("1", "USD").Cmp(MustNew("1", "EUR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestFromMinor(t *testing.T) {
	m, err := FromMinor(2500, "EUR")
	require.NoError(t, err)
	assert.True(t, m.Equal(MustNew("25.00", "EUR")))
}

func TestJSON(t *testing.T) {
	raw, err := json.Marshal(MustNew("12.5", "USD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.50","currency":"USD"}`, string(raw))

	var back Money
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Equal(MustNew("12.50", "USD")))

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"-1","currency":"USD"}`), &back))
}

func TestQuantity(t *testing.T) {
	_, err := NewQuantity(0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	q, err := NewQuantity(3)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Int())
}
