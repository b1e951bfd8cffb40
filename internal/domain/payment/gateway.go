package payment

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
)

type IntentRequest struct {
	Amount   money.Money
	Metadata map[string]string
	// IdempotencyKey lets the processor collapse retried creates.
	IdempotencyKey string
}

type Intent struct {
	ID           string
	ClientSecret string
}

type RefundRequest struct {
	IntentID string
	// Amount nil refunds whatever is left on the charge.
	Amount         *money.Money
	IdempotencyKey string
}

type RefundRecord struct {
	ID        string
	IntentID  string
	Amount    money.Money
	CreatedAt time.Time
}

// Event types the processor delivers to the webhook endpoint.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
)

// Event is a verified webhook delivery.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Created  time.Time `json:"created"`
	Data     EventData `json:"data"`
	Attempts int       `json:"attempts,omitempty"`
}

type EventData struct {
	IntentID       string            `json:"intent_id"`
	ChargeID       string            `json:"charge_id,omitempty"`
	AmountMinor    int64             `json:"amount,omitempty"`
	RefundedMinor  int64             `json:"amount_refunded,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// OrderID returns the order the processor echoed back in the intent metadata.
func (e *Event) OrderID() string {
	if e.Data.Metadata == nil {
		return ""
	}
	return e.Data.Metadata[MetadataOrderID]
}

const MetadataOrderID = "order_id"

// Gateway is the narrow contract to a payment processor.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (Status, error)
	CancelIntent(ctx context.Context, intentID string) error
	Refund(ctx context.Context, req RefundRequest) (*RefundRecord, error)
	// VerifyWebhookSignature authenticates rawBody before it is parsed.
	VerifyWebhookSignature(rawBody []byte, signatureHeader, secret string) (*Event, error)
}
