package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is read once at startup; the rest of the service receives typed
// values from it and never looks at the environment.
type Config struct {
	HTTPAddr    string
	ServiceName string
	Env         string
	LogLevel    string
	LogFile     string

	ReservationTTL    time.Duration
	OrderNumberPrefix string
	DefaultCurrency   string
	AutoCancelAfter   time.Duration
	SweepInterval     time.Duration
	WebhookPoll       time.Duration

	ShippingFlatRate decimal.Decimal
	TaxRates         map[string]decimal.Decimal

	WebhookSecret      string
	PaymentSuccessRate float64
	GatewayMaxAttempts int

	RedisAddr         string
	DatabaseURL       string
	KafkaBrokers      string
	NotificationTopic string
}

// Load reads the process environment.
func Load() (Config, error) { return LoadFrom(os.Getenv) }

// LoadFrom reads configuration through getenv. Unset keys take defaults;
// malformed values are reported together.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env{get: getenv}
	cfg := Config{
		HTTPAddr:    e.str("HTTP_ADDR", ":8080"),
		ServiceName: e.str("SERVICE_NAME", "minishop-checkout"),
		Env:         e.str("ENV", "dev"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogFile:     e.str("LOG_FILE", ""),

		ReservationTTL:    e.duration("RESERVATION_TTL", 15*time.Minute),
		OrderNumberPrefix: e.str("ORDER_NUMBER_PREFIX", "ORD"),
		DefaultCurrency:   strings.ToUpper(e.str("DEFAULT_CURRENCY", "USD")),
		AutoCancelAfter:   time.Duration(e.integer("AUTO_CANCEL_AFTER_DAYS", 7)) * 24 * time.Hour,
		SweepInterval:     e.duration("SWEEP_INTERVAL", time.Minute),
		WebhookPoll:       e.duration("WEBHOOK_POLL_INTERVAL", 5*time.Second),

		ShippingFlatRate: e.decimal("SHIPPING_FLAT_RATE", decimal.Zero),
		TaxRates:         e.taxRates("TAX_RATES"),

		WebhookSecret:      e.str("WEBHOOK_SECRET", ""),
		PaymentSuccessRate: e.float("PAYMENT_SUCCESS_RATE", 0.7),
		GatewayMaxAttempts: e.integer("GATEWAY_MAX_ATTEMPTS", 3),

		RedisAddr:         e.str("REDIS_ADDR", ""),
		DatabaseURL:       e.str("DATABASE_URL", ""),
		KafkaBrokers:      e.str("KAFKA_BROKERS", ""),
		NotificationTopic: e.str("NOTIFICATION_TOPIC", "order-notifications"),
	}

	if cfg.ReservationTTL <= 0 {
		e.fail("RESERVATION_TTL", "must be positive")
	}
	if cfg.SweepInterval <= 0 {
		e.fail("SWEEP_INTERVAL", "must be positive")
	}
	if cfg.PaymentSuccessRate < 0 || cfg.PaymentSuccessRate > 1 {
		e.fail("PAYMENT_SUCCESS_RATE", "must be between 0 and 1")
	}
	if cfg.GatewayMaxAttempts < 1 {
		e.fail("GATEWAY_MAX_ATTEMPTS", "must be at least 1")
	}
	if cfg.ShippingFlatRate.IsNegative() {
		e.fail("SHIPPING_FLAT_RATE", "must not be negative")
	}
	if len(cfg.DefaultCurrency) != 3 {
		e.fail("DEFAULT_CURRENCY", "must be a 3-letter code")
	}

	return cfg, errors.Join(e.errs...)
}

// TaxRate returns the configured rate for a 2-letter country code, zero when
// the country is not listed.
func (c Config) TaxRate(country string) decimal.Decimal {
	if r, ok := c.TaxRates[strings.ToUpper(country)]; ok {
		return r
	}
	return decimal.Zero
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) fail(key, reason string) {
	e.errs = append(e.errs, fmt.Errorf("config: %s %s", key, reason))
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, "is not a duration: "+v)
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "is not an integer: "+v)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "is not a number: "+v)
		return def
	}
	return f
}

func (e *env) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		e.fail(key, "is not a decimal: "+v)
		return def
	}
	return d
}

// taxRates parses "US=0.07,DE=0.19".
func (e *env) taxRates(key string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	v := e.str(key, "")
	if v == "" {
		return out
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		country, rate, ok := strings.Cut(pair, "=")
		country = strings.ToUpper(strings.TrimSpace(country))
		if !ok || len(country) != 2 {
			e.fail(key, "has a bad entry: "+pair)
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil || d.IsNegative() {
			e.fail(key, "has a bad rate: "+pair)
			continue
		}
		out[country] = d
	}
	return out
}
