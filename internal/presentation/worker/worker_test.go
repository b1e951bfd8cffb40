package workerpresentation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application/webhook"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	polls     int
	err       error
	seen      chan string
}

func (f *fakeProcessor) Process(_ context.Context, ev *payment.Event) error {
	f.mu.Lock()
	f.processed = append(f.processed, ev.ID)
	f.mu.Unlock()
	if f.seen != nil {
		f.seen <- ev.ID
	}
	return f.err
}

func (f *fakeProcessor) ProcessPending(context.Context, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return 1, f.err
}

func (f *fakeProcessor) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fieldLogger struct {
	observability.Logger
	fields map[string]any
}

func (l fieldLogger) With(fields ...observability.Field) observability.Logger {
	next := fieldLogger{Logger: l.Logger, fields: map[string]any{}}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for _, f := range fields {
		next.fields[f.Key] = f.Value
	}
	return next
}

func TestWithEventContextBindsEventFields(t *testing.T) {
	base := fieldLogger{Logger: observability.NopLogger(), fields: map[string]any{}}
	ctx := WithEventContext(context.Background(), base, map[string]string{
		"event_id": "evt_1",
		"event":    "webhook.received",
		"empty":    "",
	})

	got, ok := logctx.From(ctx).(fieldLogger)
	require.True(t, ok)
	assert.Equal(t, "evt_1", got.fields["event_id"])
	assert.Equal(t, "webhook.received", got.fields["event"])
	assert.NotContains(t, got.fields, "empty")
	assert.NotContains(t, got.fields, "trace_id")

	ctx = WithEventContext(context.Background(), base, nil)
	got = logctx.From(ctx).(fieldLogger)
	assert.NotEmpty(t, got.fields["event_id"])
}

func TestWebhookWorkerProcessesBusDeliveries(t *testing.T) {
	bus := outbox.NewBus(observability.Nop())
	proc := &fakeProcessor{seen: make(chan string, 1)}
	NewWebhookWorker(bus, proc, time.Hour, observability.Nop()).Start()
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	require.NoError(t, bus.Publish(context.Background(), webhook.Received{Event: &payment.Event{ID: "evt_1", Type: payment.EventPaymentSucceeded}}))

	select {
	case id := <-proc.seen:
		assert.Equal(t, "evt_1", id)
	case <-time.After(time.Second):
		t.Fatal("delivery never reached the processor")
	}
}

func TestWebhookWorkerReportsDeferredDeliveries(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("gateway down")}
	w := NewWebhookWorker(nil, proc, time.Hour, observability.Nop())

	err := w.handleReceived(context.Background(), webhook.Received{Event: &payment.Event{ID: "evt_1"}})
	assert.Error(t, err)
	assert.NoError(t, w.handleReceived(context.Background(), webhook.Received{}))
}

func TestWebhookWorkerPollsUntilCancelled(t *testing.T) {
	proc := &fakeProcessor{}
	w := NewWebhookWorker(nil, proc, 5*time.Millisecond, observability.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return proc.pollCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
