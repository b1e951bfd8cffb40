package prometrics

import (
	"testing"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg, "checkout", "")

	a := r.Counter("orders_total", "orders", "outcome")
	b := r.Counter("orders_total", "orders", "outcome")
	a.Add(1, observability.L("outcome", "ok"))
	b.Bind(observability.L("outcome", "ok")).Add(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "checkout_orders_total", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 1)
	assert.Equal(t, 3.0, families[0].GetMetric()[0].GetCounter().GetValue())
}

func TestMismatchedLabelsAreDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg, "", "")
	h := r.Histogram("latency_seconds", "latency", prometheus.DefBuckets, "route")

	assert.NotPanics(t, func() {
		h.Observe(0.2, observability.L("path", "/orders/1"))
		h.Bind().Observe(0.1)
	})
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestInstrumentsCoverEveryKey(t *testing.T) {
	counters, histograms := Instruments(New(prometheus.NewRegistry(), "", ""))

	for _, k := range []observability.MetricKey{
		observability.MUsecaseRequests, observability.MExternalRequests, observability.MHTTPRequests,
		observability.MWebhookEvents, observability.MReservations, observability.MOutboxEvents,
	} {
		assert.Contains(t, counters, k)
	}
	for _, k := range []observability.MetricKey{
		observability.MUsecaseDuration, observability.MExternalRequestDuration, observability.MHTTPRequestDuration,
	} {
		assert.Contains(t, histograms, k)
	}
}
