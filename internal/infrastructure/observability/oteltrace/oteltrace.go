// Package oteltrace adapts an OpenTelemetry tracer to the observability port.
package oteltrace

import (
	"context"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultScope = "github.com/Zhima-Mochi/minishop-checkout"

type tracer struct {
	t    trace.Tracer
	kind trace.SpanKind
}

type Option func(*config)

type config struct {
	provider trace.TracerProvider
	kind     trace.SpanKind
}

// WithProvider uses p instead of the global provider.
func WithProvider(p trace.TracerProvider) Option {
	return func(c *config) {
		if p != nil {
			c.provider = p
		}
	}
}

// WithSpanKind sets the kind of every span started. Use cases default to internal.
func WithSpanKind(k trace.SpanKind) Option {
	return func(c *config) { c.kind = k }
}

// New returns a tracer for the instrumentation scope. Until an SDK provider
// is installed with otel.SetTracerProvider the global one records nothing,
// but span contexts still propagate.
func New(scope string, opts ...Option) observability.Tracer {
	if scope == "" {
		scope = defaultScope
	}
	c := config{kind: trace.SpanKindInternal}
	for _, opt := range opts {
		opt(&c)
	}
	if c.provider == nil {
		c.provider = otel.GetTracerProvider()
	}
	return &tracer{t: c.provider.Tracer(scope), kind: c.kind}
}

func (t *tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.t.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(t.kind))
}
