// Package prometrics backs the observability metric port with Prometheus vectors.
package prometrics

import (
	"sync"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry creates labelled vectors and registers each name once.
type Registry interface {
	Counter(name string, help string, labelKeys ...string) observability.Counter
	Histogram(name string, help string, buckets []float64, labelKeys ...string) observability.Histogram
}

type registry struct {
	reg       prometheus.Registerer
	namespace string
	subsystem string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New returns a Registry that registers on reg, or on the default registerer
// when reg is nil.
func New(reg prometheus.Registerer, namespace, subsystem string) Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &registry{
		reg:        reg,
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (r *registry) Counter(name string, help string, labelKeys ...string) observability.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ok := r.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.namespace, Subsystem: r.subsystem, Name: name, Help: help,
		}, labelKeys)
		r.reg.MustRegister(cv)
		r.counters[name] = cv
	}
	return counter{v: cv}
}

func (r *registry) Histogram(name string, help string, buckets []float64, labelKeys ...string) observability.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	hv, ok := r.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace, Subsystem: r.subsystem, Name: name, Help: help, Buckets: buckets,
		}, labelKeys)
		r.reg.MustRegister(hv)
		r.histograms[name] = hv
	}
	return histogram{v: hv}
}

// Label sets that do not match the vector's keys are dropped instead of
// panicking; a bad label must not take down a request.
type counter struct{ v *prometheus.CounterVec }

func (c counter) Add(d float64, labels ...observability.Label) {
	if m, err := c.v.GetMetricWith(labelMap(labels)); err == nil {
		m.Add(d)
	}
}

func (c counter) Bind(labels ...observability.Label) observability.BoundCounter {
	m, err := c.v.GetMetricWith(labelMap(labels))
	if err != nil {
		return observability.NopCounter().Bind()
	}
	return m
}

type histogram struct{ v *prometheus.HistogramVec }

func (h histogram) Observe(v float64, labels ...observability.Label) {
	if m, err := h.v.GetMetricWith(labelMap(labels)); err == nil {
		m.Observe(v)
	}
}

func (h histogram) Bind(labels ...observability.Label) observability.BoundHistogram {
	m, err := h.v.GetMetricWith(labelMap(labels))
	if err != nil {
		return observability.NopHistogram().Bind()
	}
	return m
}

func labelMap(ls []observability.Label) prometheus.Labels {
	m := make(prometheus.Labels, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}

type counterSpec struct {
	key    observability.MetricKey
	help   string
	labels []string
}

type histogramSpec struct {
	key    observability.MetricKey
	help   string
	labels []string
}

var counterSpecs = []counterSpec{
	{observability.MUsecaseRequests, "Use case invocations by outcome.", []string{"use_case", "outcome"}},
	{observability.MExternalRequests, "Calls to external dependencies by outcome.", []string{"peer", "endpoint", "outcome"}},
	{observability.MHTTPRequests, "HTTP requests by route and status.", []string{"method", "route", "status"}},
	{observability.MWebhookEvents, "Payment processor webhook events by type and outcome.", []string{"type", "outcome"}},
	{observability.MReservations, "Stock reservation operations by operation and outcome.", []string{"op", "outcome"}},
	{observability.MOutboxEvents, "In-process bus events by event and outcome.", []string{"event", "outcome"}},
}

var histogramSpecs = []histogramSpec{
	{observability.MUsecaseDuration, "Use case latency in seconds.", []string{"use_case"}},
	{observability.MExternalRequestDuration, "External dependency latency in seconds.", []string{"peer", "endpoint"}},
	{observability.MHTTPRequestDuration, "HTTP request latency in seconds.", []string{"method", "route", "status"}},
}

// Instruments registers the checkout metric set on r and returns it keyed for
// the observability provider.
func Instruments(r Registry) (map[observability.MetricKey]observability.Counter, map[observability.MetricKey]observability.Histogram) {
	counters := make(map[observability.MetricKey]observability.Counter, len(counterSpecs))
	for _, s := range counterSpecs {
		counters[s.key] = r.Counter(string(s.key), s.help, s.labels...)
	}
	histograms := make(map[observability.MetricKey]observability.Histogram, len(histogramSpecs))
	for _, s := range histogramSpecs {
		histograms[s.key] = r.Histogram(string(s.key), s.help, prometheus.DefBuckets, s.labels...)
	}
	return counters, histograms
}
