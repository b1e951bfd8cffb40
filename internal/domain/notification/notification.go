package notification

import "context"

// Kind names the customer notification being sent.
type Kind string

const (
	KindOrderConfirmation Kind = "order_confirmation"
	KindShipping          Kind = "shipping"
	KindDelivery          Kind = "delivery"
)

// Notifier delivers customer notifications. Calls are fire-and-forget from the
// order pipeline's point of view: errors are logged by the caller, never retried.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, orderID string) error
	SendShippingNotification(ctx context.Context, orderID string) error
	SendDeliveryNotification(ctx context.Context, orderID string) error
}

// Message is the payload published for a notification.
type Message struct {
	Kind    Kind   `json:"kind"`
	OrderID string `json:"order_id"`
}
