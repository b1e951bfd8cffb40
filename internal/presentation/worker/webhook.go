package workerpresentation

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application/webhook"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const componentWebhookWorker = "webhook_worker"

// WebhookProcessor applies stored webhook deliveries.
type WebhookProcessor interface {
	Process(ctx context.Context, ev *payment.Event) error
	ProcessPending(ctx context.Context, limit int) (int, error)
}

// WebhookWorker feeds stored deliveries to the processor. Fresh deliveries
// arrive over the bus; the poll picks up whatever the bus lost or a transient
// failure left pending.
type WebhookWorker struct {
	subscriber domoutbox.Subscriber
	processor  WebhookProcessor
	interval   time.Duration
	batch      int
	log        observability.Logger
}

func NewWebhookWorker(subscriber domoutbox.Subscriber, processor WebhookProcessor, interval time.Duration, tel observability.Observability) *WebhookWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := observability.NopLogger()
	if tel != nil {
		logger = tel.Logger()
	}
	return &WebhookWorker{
		subscriber: subscriber,
		processor:  processor,
		interval:   interval,
		batch:      webhook.DefaultBatchSize,
		log:        logger.With(observability.F("component", componentWebhookWorker)),
	}
}

func (w *WebhookWorker) Start() {
	if w.subscriber == nil || w.processor == nil {
		return
	}
	w.subscriber.Subscribe(webhook.EventReceived, w.handleReceived)
}

func (w *WebhookWorker) handleReceived(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(webhook.Received)
	if !ok || evt.Event == nil {
		return nil
	}
	ctx = WithEventContext(ctx, w.log, map[string]string{
		"event_id":   evt.Event.ID,
		"event":      e.EventName(),
		"event_type": evt.Event.Type,
	})

	if err := w.processor.Process(ctx, evt.Event); err != nil {
		logctx.FromOr(ctx, w.log).Warn("webhook_apply_deferred", observability.Err(err))
		return err
	}
	return nil
}

// Run polls the inbox every interval until ctx is done. The first poll runs
// immediately so deliveries stored before a restart are not held back.
func (w *WebhookWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("webhook_worker_started", observability.F("interval", w.interval.String()))
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("webhook_worker_stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one batch of pending deliveries.
func (w *WebhookWorker) Poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = WithEventContext(ctx, w.log, map[string]string{"event": "webhook.poll"})
	logger := logctx.FromOr(ctx, w.log)

	n, err := w.processor.ProcessPending(ctx, w.batch)
	if n > 0 {
		logger.Info("webhook_pending_applied", observability.F("count", n))
	}
	if err != nil {
		logger.Warn("webhook_pending_failed", observability.Err(err))
	}
}
