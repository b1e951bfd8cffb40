package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/payment/gateway"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

var signedAt = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type mockOrders struct{ mock.Mock }

func (m *mockOrders) HandlePaymentSucceeded(ctx context.Context, orderID, intentID, chargeID string) (*domorder.Order, error) {
	args := m.Called(ctx, orderID, intentID, chargeID)
	return nil, args.Error(0)
}

func (m *mockOrders) HandlePaymentFailed(ctx context.Context, orderID, intentID, reason string) (*domorder.Order, error) {
	args := m.Called(ctx, orderID, intentID, reason)
	return nil, args.Error(0)
}

func (m *mockOrders) HandleChargeRefunded(ctx context.Context, orderID, intentID string, refundedTotal int64) (*domorder.Order, error) {
	args := m.Called(ctx, orderID, intentID, refundedTotal)
	return nil, args.Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type brokenInbox struct {
	*memory.WebhookInbox
	err error
}

func (b brokenInbox) Enqueue(context.Context, *payment.Event) (bool, error) { return false, b.err }

func event(id, typ string) *payment.Event {
	return &payment.Event{
		ID:      id,
		Type:    typ,
		Created: signedAt,
		Data: payment.EventData{
			IntentID:      "pi_1",
			ChargeID:      "ch_1",
			RefundedMinor: 1250,
			Metadata:      map[string]string{payment.MetadataOrderID: "order-1"},
		},
	}
}

func signed(t *testing.T, ev *payment.Event) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body, gateway.SignPayload(body, secret, signedAt)
}

func newReceiver(inbox Inbox, pub domoutbox.Publisher) *Receiver {
	sim := gateway.NewSimulator(gateway.WithClock(func() time.Time { return signedAt }))
	return NewReceiver(sim, secret, inbox, pub, observability.Nop())
}

func TestAcceptStoresAndPublishesOnce(t *testing.T) {
	inbox := memory.NewWebhookInbox()
	pub := &recordingPublisher{}
	r := newReceiver(inbox, pub)
	body, sig := signed(t, event("evt_1", payment.EventPaymentSucceeded))

	for i := 0; i < 3; i++ {
		ev, err := r.Accept(context.Background(), body, sig)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ev.ID)
	}

	pending, err := inbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "order-1", pending[0].OrderID())

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventReceived, pub.events[0].EventName())
}

func TestAcceptRejectsBadSignatureBeforeStoring(t *testing.T) {
	inbox := memory.NewWebhookInbox()
	r := newReceiver(inbox, nil)
	body, _ := signed(t, event("evt_1", payment.EventPaymentSucceeded))

	_, err := r.Accept(context.Background(), body, gateway.SignPayload(body, "wrong", signedAt))
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	_, err = r.Accept(context.Background(), []byte(`{"id":"evt_2"`), "")
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	pending, err := inbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcceptReportsInboxFailure(t *testing.T) {
	down := errors.New("redis down")
	r := newReceiver(brokenInbox{WebhookInbox: memory.NewWebhookInbox(), err: down}, nil)
	body, sig := signed(t, event("evt_1", payment.EventPaymentSucceeded))

	_, err := r.Accept(context.Background(), body, sig)
	require.ErrorIs(t, err, ErrInboxUnavailable)
	require.ErrorIs(t, err, down)
}

func TestAcceptSucceedsWhenPublishFails(t *testing.T) {
	inbox := memory.NewWebhookInbox()
	r := newReceiver(inbox, &recordingPublisher{err: errors.New("bus stopped")})
	body, sig := signed(t, event("evt_1", payment.EventPaymentSucceeded))

	_, err := r.Accept(context.Background(), body, sig)
	require.NoError(t, err)

	pending, err := inbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func stored(t *testing.T, events ...*payment.Event) *memory.WebhookInbox {
	t.Helper()
	inbox := memory.NewWebhookInbox()
	for _, ev := range events {
		_, err := inbox.Enqueue(context.Background(), ev)
		require.NoError(t, err)
	}
	return inbox
}

func TestProcessDispatchesByType(t *testing.T) {
	ctx := context.Background()
	orders := &mockOrders{}
	orders.On("HandlePaymentSucceeded", mock.Anything, "order-1", "pi_1", "ch_1").Return(nil).Once()
	orders.On("HandlePaymentFailed", mock.Anything, "order-1", "pi_1", "card_declined").Return(nil).Once()
	orders.On("HandleChargeRefunded", mock.Anything, "order-1", "pi_1", int64(1250)).Return(nil).Once()

	failed := event("evt_2", payment.EventPaymentFailed)
	failed.Data.FailureMessage = "card_declined"
	inbox := stored(t,
		event("evt_1", payment.EventPaymentSucceeded),
		failed,
		event("evt_3", payment.EventChargeRefunded),
	)
	p := NewProcessor(inbox, orders, observability.Nop())

	n, err := p.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	orders.AssertExpectations(t)

	pending, err := inbox.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessSkipsAppliedEvents(t *testing.T) {
	ctx := context.Background()
	orders := &mockOrders{}
	orders.On("HandlePaymentSucceeded", mock.Anything, "order-1", "pi_1", "ch_1").Return(nil)

	ev := event("evt_1", payment.EventPaymentSucceeded)
	p := NewProcessor(stored(t, ev), orders, observability.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Process(ctx, ev))
		}()
	}
	wg.Wait()

	orders.AssertNumberOfCalls(t, "HandlePaymentSucceeded", 1)
}

func TestProcessAcksUnknownTypes(t *testing.T) {
	ctx := context.Background()
	orders := &mockOrders{}
	inbox := stored(t, event("evt_1", "customer.created"))
	p := NewProcessor(inbox, orders, observability.Nop())

	n, err := p.ProcessPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	orders.AssertNotCalled(t, "HandlePaymentSucceeded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	applied, err := inbox.Applied(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestProcessAcksPermanentFailures(t *testing.T) {
	ctx := context.Background()
	orders := &mockOrders{}
	orders.On("HandlePaymentSucceeded", mock.Anything, "order-1", "pi_1", "ch_1").
		Return(&domorder.TransitionError{From: domorder.StatusShipped, Event: domorder.EventPaymentSucceeded})

	orphan := event("evt_2", payment.EventPaymentSucceeded)
	orphan.Data.Metadata = nil
	inbox := stored(t, event("evt_1", payment.EventPaymentSucceeded), orphan)
	p := NewProcessor(inbox, orders, observability.Nop())

	n, err := p.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	orders.AssertNumberOfCalls(t, "HandlePaymentSucceeded", 1)

	pending, err := inbox.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessLeavesTransientFailuresPending(t *testing.T) {
	ctx := context.Background()
	orders := &mockOrders{}
	gatewayDown := &payment.GatewayError{Op: "refund", Retryable: true, Err: errors.New("timeout")}
	orders.On("HandlePaymentSucceeded", mock.Anything, "order-1", "pi_1", "ch_1").Return(gatewayDown).Twice()
	orders.On("HandlePaymentSucceeded", mock.Anything, "order-1", "pi_1", "ch_1").Return(nil).Once()

	inbox := stored(t, event("evt_1", payment.EventPaymentSucceeded))
	p := NewProcessor(inbox, orders, observability.Nop())

	for i := 0; i < 2; i++ {
		n, err := p.ProcessPending(ctx, 10)
		require.ErrorIs(t, err, payment.ErrGateway)
		assert.Equal(t, 0, n)
	}
	pending, err := inbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	n, err := p.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	orders.AssertExpectations(t)
}
