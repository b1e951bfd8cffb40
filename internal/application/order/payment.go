package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
)

// PaymentSession is what the client needs to complete payment with the processor.
type PaymentSession struct {
	OrderID      string
	IntentID     string
	ClientSecret string
	Amount       string
	Currency     string
}

// InitiatePayment returns a payment intent for the order's current total.
// A pending intent for the same amount is reused; one for a stale amount is
// cancelled and replaced. Concurrent calls for one order share a single result.
func (s *Service) InitiatePayment(ctx context.Context, orderID string) (*PaymentSession, error) {
	v, err, _ := s.inflight.Do(orderID, func() (any, error) {
		return s.initiatePayment(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PaymentSession), nil
}

func (s *Service) initiatePayment(ctx context.Context, orderID string) (_ *PaymentSession, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseInitiatePayment, "InitiatePayment", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() { run.End(err) }()

	var session *PaymentSession
	_, err = s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		if o.Status != domain.StatusPendingPayment {
			return nil, &domain.TransitionError{From: o.Status, Event: "initiate_payment"}
		}
		if err := o.CheckTotals(); err != nil {
			return nil, err
		}

		if p := o.Payment; p != nil && p.Status == payment.StatusPending {
			if p.Amount.Equal(o.TotalAmount) {
				run.Status("INTENT_REUSED")
				session = sessionOf(o)
				return nil, errUnchanged
			}
			if err := s.cancelIntent(ctx, p.IntentID); err != nil {
				return nil, fmt.Errorf("order: cancel stale intent: %w", err)
			}
			run.Event("payment.intent_replaced", attribute.String("intent.id", p.IntentID))
			o.Payment = nil
		}

		intent, err := s.createIntent(ctx, o)
		if err != nil {
			return nil, err
		}
		o.Payment = payment.NewPayment(intent, o.TotalAmount)
		o.Touch(s.now())
		session = sessionOf(o)
		return nil, nil
	})
	if err != nil {
		var te *domain.TransitionError
		switch {
		case errors.As(err, &te):
			run.Fail("INVALID_STATE")
		case errors.Is(err, payment.ErrGateway):
			run.Fail("GATEWAY_FAILED")
		default:
			run.Fail("INITIATE_FAILED")
		}
		return nil, err
	}
	run.With(observability.F("intent_id", session.IntentID))
	return session, nil
}

func sessionOf(o *domain.Order) *PaymentSession {
	return &PaymentSession{
		OrderID:      o.ID,
		IntentID:     o.Payment.IntentID,
		ClientSecret: o.Payment.ClientSecret,
		Amount:       o.Payment.Amount.Amount().StringFixed(2),
		Currency:     o.Payment.Currency(),
	}
}

// createIntent retries retryable gateway failures a bounded number of times.
// The idempotency key is tied to the order version so retries collapse on the
// processor side while a later re-creation gets a fresh intent.
func (s *Service) createIntent(ctx context.Context, o *domain.Order) (*payment.Intent, error) {
	req := payment.IntentRequest{
		Amount:         o.TotalAmount,
		Metadata:       map[string]string{payment.MetadataOrderID: o.ID, "order_number": o.OrderNumber},
		IdempotencyKey: fmt.Sprintf("%s:intent:v%d", o.ID, o.Version),
	}

	logger := logctx.FromOr(ctx, s.obs.Logger())
	var lastErr error
	for attempt := 1; attempt <= s.gatewayAttempts; attempt++ {
		var intent *payment.Intent
		err := s.obs.External(ctx, gatewayPeer, "create_intent", func(ctx context.Context) error {
			var err error
			intent, err = s.gateway.CreateIntent(context.WithoutCancel(ctx), req)
			return err
		})
		if err == nil {
			return intent, nil
		}
		lastErr = err
		if !payment.IsRetryable(err) {
			break
		}
		logger.Warn("create_intent_retry",
			observability.F("order_id", o.ID),
			observability.F("attempt", attempt),
			observability.Err(err),
		)
		if attempt < s.gatewayAttempts && s.gatewayBackoff > 0 {
			time.Sleep(s.gatewayBackoff << (attempt - 1))
		}
	}
	return nil, fmt.Errorf("order: create intent: %w", lastErr)
}

func (s *Service) cancelIntent(ctx context.Context, intentID string) error {
	return s.obs.External(ctx, gatewayPeer, "cancel_intent", func(ctx context.Context) error {
		return s.gateway.CancelIntent(context.WithoutCancel(ctx), intentID)
	})
}

// ConfirmPayment asks the processor for the intent's outcome and applies it
// through the same path the webhook uses.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, intentID string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseConfirmPayment, "ConfirmPayment",
		attribute.String("order.id", orderID),
		attribute.String("intent.id", intentID),
	)
	run.With(observability.F("order_id", orderID), observability.F("intent_id", intentID))
	defer func() { run.End(err) }()

	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		run.Fail("ORDER_NOT_FOUND")
		return nil, fmt.Errorf("order: load %s: %w", orderID, err)
	}
	if o.Payment == nil {
		run.Fail("PAYMENT_NOT_INITIATED")
		return nil, ErrPaymentNotInitiated
	}
	if intentID == "" {
		intentID = o.Payment.IntentID
	}
	if o.Payment.IntentID != intentID {
		run.Fail("INTENT_MISMATCH")
		return nil, ErrIntentMismatch
	}
	if o.Payment.Status != payment.StatusPending {
		run.Status("ALREADY_SETTLED")
		return o, nil
	}

	var status payment.Status
	err = s.obs.External(ctx, gatewayPeer, "confirm_intent", func(ctx context.Context) error {
		var err error
		status, err = s.gateway.ConfirmIntent(context.WithoutCancel(ctx), intentID)
		return err
	})
	if err != nil {
		run.Fail("GATEWAY_FAILED")
		return nil, fmt.Errorf("order: confirm intent: %w", err)
	}
	run.With(observability.F("payment_status", string(status)))

	switch status {
	case payment.StatusPaid:
		o, err = s.HandlePaymentSucceeded(ctx, orderID, intentID, "")
	case payment.StatusFailed:
		o, err = s.HandlePaymentFailed(ctx, orderID, intentID, "declined")
	default:
		run.Status("PAYMENT_PENDING")
	}
	if err != nil {
		run.Fail("APPLY_FAILED")
		return nil, err
	}
	return o, nil
}

// HandlePaymentSucceeded applies a captured payment. Replays are no-ops. A
// capture for an order that is already cancelled is refunded.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, orderID, intentID, chargeID string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCasePaymentSucceed, "PaymentSucceeded",
		attribute.String("order.id", orderID),
		attribute.String("intent.id", intentID),
	)
	run.With(observability.F("order_id", orderID), observability.F("intent_id", intentID))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		if o.Payment == nil || o.Payment.IntentID != intentID {
			return nil, s.refundStray(ctx, o, intentID)
		}

		switch o.Status {
		case domain.StatusPendingPayment:
		case domain.StatusCancelled:
			if o.Payment.Status != payment.StatusPending {
				run.Status("ALREADY_APPLIED")
				return nil, errUnchanged
			}
			// Capture lost the race with cancellation; give the money back.
			run.Status("REFUND_AFTER_CANCEL")
			o.Payment.MarkPaid(chargeID)
			o.Touch(s.now())
			return []domain.SideEffect{domain.EffectRefundPayment}, nil
		default:
			if o.Payment.Status != payment.StatusPending {
				run.Status("ALREADY_APPLIED")
				return nil, errUnchanged
			}
		}

		before := o.Clone()
		o.Payment.MarkPaid(chargeID)
		effects, err := o.Apply(domain.EventPaymentSucceeded, s.now())
		if err != nil {
			return nil, err
		}

		cerr := s.inventory.Confirm(ctx, o.ID)
		if errors.Is(cerr, dominv.ErrReservationReleased) {
			// The hold expired before payment landed; try to take the stock again.
			if _, rerr := s.inventory.Reserve(ctx, o.ID, linesOf(o)); rerr == nil {
				cerr = s.inventory.Confirm(ctx, o.ID)
			} else if errors.Is(rerr, dominv.ErrInsufficientStock) {
				run.Status("STOCK_LOST_REFUNDED")
				*o = *before
				o.Payment.MarkPaid(chargeID)
				o.CancelReason = "stock_unavailable"
				effects, err := o.Apply(domain.EventCancel, s.now())
				if err != nil {
					return nil, err
				}
				return append([]domain.SideEffect{domain.EffectRefundPayment}, effects...), nil
			} else {
				cerr = rerr
			}
		}
		if cerr != nil {
			return nil, fmt.Errorf("order: confirm stock: %w", cerr)
		}
		return without(effects, domain.EffectConfirmStock), nil
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	run.With(observability.F("status_after", string(o.Status)))
	return o, nil
}

// refundStray returns money captured on an intent the order no longer
// tracks, such as one replaced after a total change.
func (s *Service) refundStray(ctx context.Context, o *domain.Order, intentID string) error {
	err := s.obs.External(ctx, gatewayPeer, "refund", func(ctx context.Context) error {
		_, err := s.gateway.Refund(context.WithoutCancel(ctx), payment.RefundRequest{
			IntentID:       intentID,
			IdempotencyKey: o.ID + ":stray:" + intentID,
		})
		return err
	})
	if err != nil {
		s.critical(ctx, "stray_charge_refund_failed", err,
			observability.F("order_id", o.ID),
			observability.F("intent_id", intentID),
		)
		return fmt.Errorf("order: refund stray charge: %w", err)
	}
	logctx.FromOr(ctx, s.obs.Logger()).Warn("stray_charge_refunded",
		observability.F("order_id", o.ID),
		observability.F("intent_id", intentID),
	)
	return errUnchanged
}

// HandlePaymentFailed cancels a pending order whose current intent failed
// and releases its stock. Failures for other intents or settled orders are ignored.
func (s *Service) HandlePaymentFailed(ctx context.Context, orderID, intentID, reason string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCasePaymentFailed, "PaymentFailed",
		attribute.String("order.id", orderID),
		attribute.String("intent.id", intentID),
	)
	run.With(observability.F("order_id", orderID), observability.F("intent_id", intentID))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		if o.Payment == nil || o.Payment.IntentID != intentID || o.Status != domain.StatusPendingPayment {
			run.Status("IGNORED")
			return nil, errUnchanged
		}
		if reason == "" {
			reason = "payment_failed"
		}
		o.Payment.MarkFailed(reason)
		o.CancelReason = reason
		return o.Apply(domain.EventPaymentFailed, s.now())
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

// HandleChargeRefunded syncs a refund made on the processor side, for
// example from its dashboard. refundedTotal is the cumulative refunded amount
// in minor units.
func (s *Service) HandleChargeRefunded(ctx context.Context, orderID, intentID string, refundedTotal int64) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseChargeRefunded, "ChargeRefunded",
		attribute.String("order.id", orderID),
		attribute.String("intent.id", intentID),
	)
	run.With(observability.F("order_id", orderID), observability.F("intent_id", intentID))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		p := o.Payment
		if p == nil || p.IntentID != intentID || !p.Charged() {
			run.Status("IGNORED")
			return nil, errUnchanged
		}
		delta := refundedTotal - p.RefundedAmount.Minor()
		if delta <= 0 {
			run.Status("ALREADY_APPLIED")
			return nil, errUnchanged
		}
		amount, err := money.FromMinor(delta, p.Currency())
		if err != nil {
			return nil, err
		}
		full, err := p.RecordRefund(amount)
		if err != nil {
			return nil, err
		}
		o.Touch(s.now())
		if full && domain.CanApply(o.Status, domain.EventRefund) {
			return o.Apply(domain.EventRefund, s.now())
		}
		o.PartialRefund = !full
		return nil, nil
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

func without(effects []domain.SideEffect, drop domain.SideEffect) []domain.SideEffect {
	out := effects[:0:0]
	for _, e := range effects {
		if e != drop {
			out = append(out, e)
		}
	}
	return out
}

// failStatus maps an error to the stable status code logged with use_case_done.
func failStatus(err error) string {
	var te *domain.TransitionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "ORDER_NOT_FOUND"
	case errors.As(err, &te):
		return "INVALID_STATE"
	case errors.Is(err, domain.ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, dominv.ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, payment.ErrGateway):
		return "GATEWAY_FAILED"
	default:
		return "ERROR"
	}
}
