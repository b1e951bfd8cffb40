package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
)

// Cancel reasons recorded by the background sweeper.
const (
	ReasonReservationExpired = "reservation_expired"
	ReasonAutoCancel         = "auto_cancel"
)

// CancelOrder cancels a non-terminal order. A captured payment is refunded
// before the stock is released and the cancellation persisted.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseCancel, "CancelOrder", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID), observability.F("reason", reason))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		effects, err := o.Apply(domain.EventCancel, s.now())
		if err != nil {
			return nil, err
		}
		o.CancelReason = strings.TrimSpace(reason)
		s.voidPendingIntent(ctx, o)
		return effects, nil
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

// ExpireOrder applies the timeout transition to a pending order. Orders in
// any other status are left alone, so the sweeper can call it blindly.
func (s *Service) ExpireOrder(ctx context.Context, orderID, reason string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseExpire, "ExpireOrder", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID), observability.F("reason", reason))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		if o.Status != domain.StatusPendingPayment {
			run.Status("NOT_PENDING")
			return nil, errUnchanged
		}
		effects, err := o.Apply(domain.EventTimeout, s.now())
		if err != nil {
			return nil, err
		}
		o.CancelReason = reason
		s.voidPendingIntent(ctx, o)
		return effects, nil
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

// voidPendingIntent cancels an unpaid intent so the customer cannot pay for
// a cancelled order. If it fails and the customer pays anyway, the capture
// is refunded when it is reported.
func (s *Service) voidPendingIntent(ctx context.Context, o *domain.Order) {
	if o.Payment == nil || o.Payment.Status != payment.StatusPending {
		return
	}
	if err := s.cancelIntent(ctx, o.Payment.IntentID); err != nil {
		logctx.FromOr(ctx, s.obs.Logger()).Warn("cancel_intent_failed",
			observability.F("order_id", o.ID),
			observability.F("intent_id", o.Payment.IntentID),
			observability.Err(err),
		)
	}
}

// RefundOrder refunds amount, or everything still captured when amount is
// nil. The order becomes refunded only once the whole payment is returned;
// until then it keeps its status and is flagged PartialRefund.
func (s *Service) RefundOrder(ctx context.Context, orderID string, amount *money.Money, reason string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseRefund, "RefundOrder", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID), observability.F("reason", reason))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		if !domain.CanApply(o.Status, domain.EventRefund) {
			return nil, &domain.TransitionError{From: o.Status, Event: domain.EventRefund}
		}
		p := o.Payment
		if p == nil || !p.Charged() {
			return nil, ErrNotRefundable
		}

		refundable := p.Refundable()
		want := refundable
		if amount != nil {
			want = *amount
		}
		if want.Currency() != p.Currency() {
			return nil, &domain.ValidationError{Field: "amount", Reason: "currency must be " + p.Currency()}
		}
		if want.IsZero() {
			return nil, &domain.ValidationError{Field: "amount", Reason: "must be greater than zero"}
		}
		if cmp, _ := want.Cmp(refundable); cmp > 0 {
			return nil, fmt.Errorf("%w: %s requested, %s refundable", payment.ErrRefundExceedsPaid, want, refundable)
		}

		if _, err := s.refund(ctx, o, want); err != nil {
			return nil, fmt.Errorf("order: refund: %w", err)
		}
		full, err := p.RecordRefund(want)
		if err != nil {
			return nil, err
		}
		run.With(observability.F("refunded", want.String()), observability.F("full", full))
		if reason != "" {
			logctx.FromOr(ctx, s.obs.Logger()).Info("refund_issued",
				observability.F("order_id", o.ID),
				observability.F("amount", want.String()),
				observability.F("reason", reason),
			)
		}
		if !full {
			o.PartialRefund = true
			o.Touch(s.now())
			return nil, nil
		}
		o.PartialRefund = false
		// The refund effect finds nothing left to return and is a no-op.
		return o.Apply(domain.EventRefund, s.now())
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

// ApplyDiscount replaces the discount on an unpaid order. If a payment intent
// exists for the old total it is cancelled; the next InitiatePayment creates
// one for the new total.
func (s *Service) ApplyDiscount(ctx context.Context, orderID string, discount money.Money) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseDiscount, "ApplyDiscount", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID), observability.F("discount", discount.String()))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		if err := o.ApplyDiscount(discount); err != nil {
			return nil, err
		}
		if err := o.CheckTotals(); err != nil {
			return nil, err
		}
		if p := o.Payment; p != nil && p.Status == payment.StatusPending && !p.Amount.Equal(o.TotalAmount) {
			if err := s.cancelIntent(ctx, p.IntentID); err != nil {
				return nil, fmt.Errorf("order: cancel stale intent: %w", err)
			}
			run.Event("payment.intent_invalidated", attribute.String("intent.id", p.IntentID))
			o.Payment = nil
		}
		return nil, nil
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

// StartFulfillment moves a paid order to processing. Nothing but the status
// changes, so it goes through the repository's status update.
func (s *Service) StartFulfillment(ctx context.Context, orderID string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseFulfillment, "StartFulfillment", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() { run.End(err) }()

	unlock := s.locks.Lock(orderID)
	o, err := s.startFulfillment(ctx, orderID)
	unlock()
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

func (s *Service) startFulfillment(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: load %s: %w", orderID, err)
	}
	next, _, err := domain.Transition(o.Status, domain.EventFulfillmentStarted)
	if err != nil {
		return nil, err
	}
	if err := s.orders.UpdateStatus(ctx, orderID, o.Status, next); err != nil {
		return nil, fmt.Errorf("order: update status: %w", err)
	}
	return s.orders.FindByID(ctx, orderID)
}

// MarkShipped records the tracking number and notifies the customer.
func (s *Service) MarkShipped(ctx context.Context, orderID, trackingNumber string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseShip, "MarkShipped", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() { run.End(err) }()

	if strings.TrimSpace(trackingNumber) == "" {
		run.Fail("VALIDATION_FAILED")
		return nil, &domain.ValidationError{Field: "tracking_number", Reason: "is required"}
	}
	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		effects, err := o.Apply(domain.EventShipped, s.now())
		if err != nil {
			return nil, err
		}
		o.TrackingNumber = strings.TrimSpace(trackingNumber)
		return effects, nil
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

func (s *Service) MarkDelivered(ctx context.Context, orderID string) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseDeliver, "MarkDelivered", attribute.String("order.id", orderID))
	run.With(observability.F("order_id", orderID))
	defer func() { run.End(err) }()

	o, err := s.mutate(ctx, orderID, func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error) {
		return o.Apply(domain.EventDelivered, s.now())
	})
	if err != nil {
		run.Fail(failStatus(err))
		return nil, err
	}
	return o, nil
}

// IsPermanent reports whether retrying the operation that returned err can
// never succeed: the order is gone or the transition is not legal.
func IsPermanent(err error) bool {
	var te *domain.TransitionError
	return errors.Is(err, domain.ErrNotFound) ||
		errors.As(err, &te) ||
		errors.Is(err, domain.ErrInvalidStateTransition) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, ErrIntentMismatch)
}
