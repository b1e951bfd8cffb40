// Package webhook accepts payment processor deliveries and applies them to
// orders at least once. Deliveries are authenticated, stored in an inbox keyed
// by event ID, and acknowledged; applying them happens afterwards, from the
// bus or from the inbox poll.
package webhook

import (
	"context"
	"errors"

	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

const (
	webhookService = "webhook-service"

	useCaseAccept  = "webhook.accept"
	useCaseProcess = "webhook.process"

	// EventReceived is published on the bus after a delivery is stored.
	EventReceived = "webhook.received"
)

// ErrInboxUnavailable means the delivery could not be stored and the
// processor should redeliver it.
var ErrInboxUnavailable = errors.New("webhook: inbox unavailable")

// Inbox stores deliveries until they are applied. Enqueue reports false for
// an event ID it has already seen.
type Inbox interface {
	Enqueue(ctx context.Context, ev *payment.Event) (bool, error)
	Pending(ctx context.Context, limit int) ([]*payment.Event, error)
	Applied(ctx context.Context, eventID string) (bool, error)
	MarkApplied(ctx context.Context, eventID string) error
	RecordAttempt(ctx context.Context, eventID string) (int, error)
}

// Verifier authenticates a raw delivery. payment.Gateway satisfies it.
type Verifier interface {
	VerifyWebhookSignature(rawBody []byte, signatureHeader, secret string) (*payment.Event, error)
}

// OrderHandler applies processor outcomes to orders.
type OrderHandler interface {
	HandlePaymentSucceeded(ctx context.Context, orderID, intentID, chargeID string) (*domorder.Order, error)
	HandlePaymentFailed(ctx context.Context, orderID, intentID, reason string) (*domorder.Order, error)
	HandleChargeRefunded(ctx context.Context, orderID, intentID string, refundedTotal int64) (*domorder.Order, error)
}

// Received is the bus message carrying a stored delivery.
type Received struct {
	Event *payment.Event
}

func (Received) EventName() string { return EventReceived }

// typeLabel keeps the metric label set closed.
func typeLabel(t string) string {
	switch t {
	case payment.EventPaymentSucceeded, payment.EventPaymentFailed, payment.EventChargeRefunded:
		return t
	default:
		return "other"
	}
}
