package notify

import (
	"context"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/notification"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

// LogNotifier writes notifications to the structured log instead of
// delivering them. It is the default when no broker is configured.
type LogNotifier struct {
	log observability.Logger
}

func NewLogNotifier(logger observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogNotifier{log: logger.With(observability.F("component", "notifier"))}
}

func (n *LogNotifier) send(ctx context.Context, kind notification.Kind, orderID string) error {
	logctx.FromOr(ctx, n.log).Info("notification_sent",
		observability.F("kind", string(kind)),
		observability.F("order_id", orderID),
	)
	return nil
}

func (n *LogNotifier) SendOrderConfirmation(ctx context.Context, orderID string) error {
	return n.send(ctx, notification.KindOrderConfirmation, orderID)
}

func (n *LogNotifier) SendShippingNotification(ctx context.Context, orderID string) error {
	return n.send(ctx, notification.KindShipping, orderID)
}

func (n *LogNotifier) SendDeliveryNotification(ctx context.Context, orderID string) error {
	return n.send(ctx, notification.KindDelivery, orderID)
}
