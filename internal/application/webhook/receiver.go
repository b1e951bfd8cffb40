package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

type Receiver struct {
	verifier  Verifier
	secret    string
	inbox     Inbox
	publisher domoutbox.Publisher
	obs       application.Instruments

	events observability.Counter // webhook_events_total{type,outcome}
}

func NewReceiver(verifier Verifier, secret string, inbox Inbox, publisher domoutbox.Publisher, tel observability.Observability) *Receiver {
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		metricsProvider = tel.Metrics()
	}
	return &Receiver{
		verifier:  verifier,
		secret:    secret,
		inbox:     inbox,
		publisher: publisher,
		obs:       application.NewInstruments(tel, webhookService),
		events:    metricsProvider.Counter(observability.MWebhookEvents),
	}
}

// Accept authenticates rawBody and stores it. A nil error means the delivery
// is durable and may be acknowledged; a redelivered event ID is accepted
// without being stored twice.
func (r *Receiver) Accept(ctx context.Context, rawBody []byte, signatureHeader string) (_ *payment.Event, err error) {
	ctx, run := r.obs.Begin(ctx, useCaseAccept, "AcceptWebhook")
	defer func() { run.End(err) }()

	ev, err := r.verifier.VerifyWebhookSignature(rawBody, signatureHeader, r.secret)
	if err != nil {
		if errors.Is(err, payment.ErrMalformedEvent) {
			run.Fail("MALFORMED_EVENT")
		} else {
			run.Fail("INVALID_SIGNATURE")
		}
		r.events.Add(1, observability.L("type", "other"), observability.L("outcome", "rejected"))
		return nil, err
	}
	run.With(observability.F("event_id", ev.ID), observability.F("event_type", ev.Type))
	run.SetAttributes(attribute.String("webhook.event_id", ev.ID), attribute.String("webhook.type", ev.Type))

	fresh, err := r.inbox.Enqueue(ctx, ev)
	if err != nil {
		run.Fail("ENQUEUE_FAILED")
		return nil, fmt.Errorf("%w: %w", ErrInboxUnavailable, err)
	}
	if !fresh {
		run.Status("DUPLICATE")
		r.events.Add(1, observability.L("type", typeLabel(ev.Type)), observability.L("outcome", "duplicate"))
		return ev, nil
	}
	r.events.Add(1, observability.L("type", typeLabel(ev.Type)), observability.L("outcome", "received"))

	if r.publisher != nil {
		// The inbox poll picks the event up if this is lost.
		if perr := r.publisher.Publish(ctx, Received{Event: ev}); perr != nil {
			run.Logger().Warn("webhook_publish_failed",
				observability.F("event_id", ev.ID),
				observability.Err(perr),
			)
		}
	}
	return ev, nil
}
