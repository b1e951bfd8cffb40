package logctx

import (
	"context"
	"testing"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	observability.Logger
	fields []observability.Field
}

func (l *recordingLogger) With(fields ...observability.Field) observability.Logger {
	return &recordingLogger{Logger: observability.NopLogger(), fields: append(append([]observability.Field{}, l.fields...), fields...)}
}

func TestFromOrFallsBack(t *testing.T) {
	fallback := &recordingLogger{Logger: observability.NopLogger()}

	assert.Same(t, fallback, FromOr(context.Background(), fallback))
	assert.Nil(t, From(context.Background()))

	ctx := With(context.Background(), nil)
	assert.Nil(t, From(ctx))
}

func TestBindLayersFields(t *testing.T) {
	root := &recordingLogger{Logger: observability.NopLogger()}

	ctx, _ := Bind(context.Background(), root, observability.F("request_id", "r-1"))
	ctx, logger := Bind(ctx, nil, observability.F("use_case", "order.create"))

	got := logger.(*recordingLogger).fields
	assert.Equal(t, []observability.Field{
		observability.F("request_id", "r-1"),
		observability.F("use_case", "order.create"),
	}, got)
	assert.Same(t, logger, From(ctx))
}
