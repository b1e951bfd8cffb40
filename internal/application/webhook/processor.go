package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	"github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/keylock"

	"go.opentelemetry.io/otel/attribute"
)

// errUnhandled marks an event type nobody consumes.
var errUnhandled = errors.New("webhook: unhandled event type")

const DefaultBatchSize = 100

// Processor applies stored deliveries. An event is marked applied once it
// took effect, once it turned out to be unknown, or once it failed in a way
// no retry can fix. Anything else stays pending for the next attempt.
type Processor struct {
	inbox  Inbox
	orders OrderHandler
	locks  *keylock.Locker
	obs    application.Instruments

	events observability.Counter // webhook_events_total{type,outcome}
}

func NewProcessor(inbox Inbox, orders OrderHandler, tel observability.Observability) *Processor {
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		metricsProvider = tel.Metrics()
	}
	return &Processor{
		inbox:  inbox,
		orders: orders,
		locks:  keylock.New(),
		obs:    application.NewInstruments(tel, webhookService),
		events: metricsProvider.Counter(observability.MWebhookEvents),
	}
}

// Process applies ev unless it was already applied. The returned error is
// non-nil only when the event was left pending.
func (p *Processor) Process(ctx context.Context, ev *payment.Event) (err error) {
	ctx, run := p.obs.Begin(ctx, useCaseProcess, "ProcessWebhook",
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.type", ev.Type),
	)
	run.With(
		observability.F("event_id", ev.ID),
		observability.F("event_type", ev.Type),
		observability.F("order_id", ev.OrderID()),
	)
	outcome := "applied"
	defer func() {
		p.events.Add(1, observability.L("type", typeLabel(ev.Type)), observability.L("outcome", outcome))
		run.End(err)
	}()

	// The bus and the poll can hand over the same event at once.
	unlock := p.locks.Lock(ev.ID)
	defer unlock()

	applied, err := p.inbox.Applied(ctx, ev.ID)
	if err != nil {
		outcome = "retry"
		run.Fail("INBOX_READ_FAILED")
		return fmt.Errorf("webhook: check applied %s: %w", ev.ID, err)
	}
	if applied {
		outcome = "duplicate"
		run.Status("ALREADY_APPLIED")
		return nil
	}

	aerr := p.apply(ctx, ev)
	switch {
	case aerr == nil:
	case errors.Is(aerr, errUnhandled):
		outcome = "ignored"
		run.Status("IGNORED")
		run.Logger().Info("webhook_event_ignored", observability.F("event_type", ev.Type))
	case order.IsPermanent(aerr):
		outcome = "rejected"
		run.Status("REJECTED")
		run.Logger().Warn("webhook_event_rejected", observability.Err(aerr))
	default:
		outcome = "retry"
		run.Fail("APPLY_FAILED")
		attempts, rerr := p.inbox.RecordAttempt(ctx, ev.ID)
		if rerr != nil {
			return errors.Join(aerr, rerr)
		}
		run.With(observability.F("attempts", attempts))
		return aerr
	}

	if err = p.inbox.MarkApplied(ctx, ev.ID); err != nil {
		// Applying again is harmless; the order handlers are idempotent.
		outcome = "retry"
		run.Fail("MARK_APPLIED_FAILED")
		return fmt.Errorf("webhook: mark applied %s: %w", ev.ID, err)
	}
	return nil
}

func (p *Processor) apply(ctx context.Context, ev *payment.Event) error {
	orderID := ev.OrderID()
	if orderID == "" && typeLabel(ev.Type) != "other" {
		return fmt.Errorf("webhook: event %s has no order: %w", ev.ID, order.ErrNotFound)
	}

	var err error
	switch ev.Type {
	case payment.EventPaymentSucceeded:
		_, err = p.orders.HandlePaymentSucceeded(ctx, orderID, ev.Data.IntentID, ev.Data.ChargeID)
	case payment.EventPaymentFailed:
		_, err = p.orders.HandlePaymentFailed(ctx, orderID, ev.Data.IntentID, ev.Data.FailureMessage)
	case payment.EventChargeRefunded:
		_, err = p.orders.HandleChargeRefunded(ctx, orderID, ev.Data.IntentID, ev.Data.RefundedMinor)
	default:
		return errUnhandled
	}
	return err
}

// ProcessPending runs up to limit pending events, oldest first, and returns
// how many were settled.
func (p *Processor) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	events, err := p.inbox.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("webhook: list pending: %w", err)
	}
	var (
		done int
		errs []error
	)
	for _, ev := range events {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if perr := p.Process(ctx, ev); perr != nil {
			errs = append(errs, perr)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
