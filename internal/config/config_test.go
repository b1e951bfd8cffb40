package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.AutoCancelAfter)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Equal(t, "ORD", cfg.OrderNumberPrefix)
	assert.Equal(t, 3, cfg.GatewayMaxAttempts)
	assert.True(t, cfg.ShippingFlatRate.IsZero())
	assert.Empty(t, cfg.TaxRates)
}

func TestOverrides(t *testing.T) {
	cfg, err := LoadFrom(envOf(map[string]string{
		"HTTP_ADDR":              ":9000",
		"RESERVATION_TTL":        "2m",
		"AUTO_CANCEL_AFTER_DAYS": "3",
		"SHIPPING_FLAT_RATE":     "4.99",
		"TAX_RATES":              "us=0.07, DE=0.19",
		"DEFAULT_CURRENCY":       "eur",
		"PAYMENT_SUCCESS_RATE":   "1",
		"REDIS_ADDR":             "localhost:6379",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 72*time.Hour, cfg.AutoCancelAfter)
	assert.Equal(t, "4.99", cfg.ShippingFlatRate.StringFixed(2))
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
	assert.Equal(t, "0.07", cfg.TaxRate("US").String())
	assert.Equal(t, "0.19", cfg.TaxRate("de").String())
	assert.True(t, cfg.TaxRate("FR").IsZero())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestMalformedValuesAreReportedTogether(t *testing.T) {
	_, err := LoadFrom(envOf(map[string]string{
		"RESERVATION_TTL":      "soon",
		"PAYMENT_SUCCESS_RATE": "2",
		"TAX_RATES":            "USA=0.1,DE=x",
		"GATEWAY_MAX_ATTEMPTS": "0",
	}))
	require.Error(t, err)
	for _, key := range []string{"RESERVATION_TTL", "PAYMENT_SUCCESS_RATE", "TAX_RATES", "GATEWAY_MAX_ATTEMPTS"} {
		assert.Contains(t, err.Error(), key)
	}
}
