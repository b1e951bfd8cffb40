package observability

import (
	"testing"

	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToNoops(t *testing.T) {
	tel := New()

	assert.NotPanics(t, func() {
		tel.Logger().With(observability.F("k", "v")).Info("ignored")
		tel.Metrics().Counter(observability.MUsecaseRequests).Add(1)
		tel.Metrics().Histogram(observability.MUsecaseDuration).Observe(0.1)
	})
}

func TestInstrumentsRouteToRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counters, histograms := prometrics.Instruments(prometrics.New(reg, "", ""))
	tel := New(WithInstruments(counters, histograms))

	tel.Metrics().Counter(observability.MWebhookEvents).Add(2,
		observability.L("type", "payment_intent.succeeded"),
		observability.L("outcome", "applied"),
	)
	tel.Metrics().Counter("not_registered").Add(1)

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != string(observability.MWebhookEvents) {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)
}
