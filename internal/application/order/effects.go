package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

// errUnchanged lets a mutation report that the order is already in the
// requested state; mutate then skips the save and returns the stored order.
var errUnchanged = errors.New("order: unchanged")

// mutation edits a freshly loaded order and returns the side effects of any
// transition it applied.
type mutation func(ctx context.Context, o *domain.Order) ([]domain.SideEffect, error)

// mutate runs one load, modify, side effects, save cycle under the order lock.
// Side effects run in saga order: refund first, then stock, then the save.
// Notifications go out only after the save.
func (s *Service) mutate(ctx context.Context, orderID string, fn mutation) (*domain.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: load %s: %w", orderID, err)
	}

	effects, err := fn(ctx, o)
	if errors.Is(err, errUnchanged) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}

	res := s.execute(ctx, o, effects)
	if res.abort != nil {
		return nil, res.abort
	}

	if err := s.orders.Save(ctx, o); err != nil {
		err = fmt.Errorf("order: save %s: %w", orderID, err)
		if res.refunded {
			s.critical(ctx, "refund_not_recorded", err,
				observability.F("order_id", orderID),
				observability.F("refunded_amount", o.Payment.RefundedAmount.String()),
			)
		}
		return nil, errors.Join(err, res.degraded)
	}

	s.notify(ctx, o.ID, res.notices)
	return o.Clone(), res.degraded
}

type execution struct {
	notices  []domain.SideEffect
	refunded bool
	// abort means nothing durable happened and the order must not be saved.
	abort error
	// degraded means the save must still happen, but the caller hears about
	// a compensation that failed.
	degraded error
}

func (s *Service) execute(ctx context.Context, o *domain.Order, effects []domain.SideEffect) execution {
	var res execution
	has := func(e domain.SideEffect) bool {
		for _, x := range effects {
			if x == e {
				return true
			}
		}
		return false
	}

	if has(domain.EffectRefundPayment) {
		refunded, err := s.refundRemaining(ctx, o)
		if err != nil {
			s.critical(ctx, "compensation_failed", err,
				observability.F("order_id", o.ID),
				observability.F("compensation", "refund_payment"),
			)
			res.abort = fmt.Errorf("order: refund: %w", err)
			return res
		}
		res.refunded = refunded
	}

	if has(domain.EffectConfirmStock) {
		if err := s.inventory.Confirm(ctx, o.ID); err != nil {
			res.abort = fmt.Errorf("order: confirm stock: %w", err)
			return res
		}
	}

	if has(domain.EffectReleaseStock) {
		if err := s.inventory.Release(context.WithoutCancel(ctx), o.ID); err != nil {
			err = fmt.Errorf("order: release stock: %w", err)
			if !res.refunded {
				res.abort = err
				return res
			}
			// Money already went back; keep the cancellation and leave the
			// reservation to the expiry sweep.
			s.critical(ctx, "compensation_failed", err,
				observability.F("order_id", o.ID),
				observability.F("compensation", "release_stock"),
			)
			res.degraded = err
		}
	}

	for _, e := range effects {
		switch e {
		case domain.EffectNotifyConfirmation, domain.EffectNotifyShipping, domain.EffectNotifyDelivery:
			res.notices = append(res.notices, e)
		}
	}
	return res
}

// refundRemaining returns whatever is still captured on the order's payment.
// It reports whether any money moved.
func (s *Service) refundRemaining(ctx context.Context, o *domain.Order) (bool, error) {
	p := o.Payment
	if p == nil || !p.Charged() {
		return false, nil
	}
	amount := p.Refundable()
	if amount.IsZero() {
		return false, nil
	}
	if _, err := s.refund(ctx, o, amount); err != nil {
		return false, err
	}
	if _, err := p.RecordRefund(amount); err != nil {
		return true, err
	}
	return true, nil
}

// refund calls the gateway once; refunds are never retried here. The
// idempotency key is derived from what was refunded before this call, so a
// redelivered request cannot refund twice.
func (s *Service) refund(ctx context.Context, o *domain.Order, amount money.Money) (*payment.RefundRecord, error) {
	key := fmt.Sprintf("%s:refund:%s:%s", o.ID, o.Payment.RefundedAmount.Amount().StringFixed(2), amount.Amount().StringFixed(2))
	var rec *payment.RefundRecord
	err := s.obs.External(ctx, gatewayPeer, "refund", func(ctx context.Context) error {
		var err error
		rec, err = s.gateway.Refund(context.WithoutCancel(ctx), payment.RefundRequest{
			IntentID:       o.Payment.IntentID,
			Amount:         &amount,
			IdempotencyKey: key,
		})
		return err
	})
	return rec, err
}

func (s *Service) notify(ctx context.Context, orderID string, notices []domain.SideEffect) {
	if s.notifier == nil {
		return
	}
	logger := logctx.FromOr(ctx, s.obs.Logger())
	for _, n := range notices {
		var send func(context.Context, string) error
		switch n {
		case domain.EffectNotifyConfirmation:
			send = s.notifier.SendOrderConfirmation
		case domain.EffectNotifyShipping:
			send = s.notifier.SendShippingNotification
		case domain.EffectNotifyDelivery:
			send = s.notifier.SendDeliveryNotification
		default:
			continue
		}
		err := s.obs.External(ctx, notifierPeer, string(n), func(ctx context.Context) error {
			return send(context.WithoutCancel(ctx), orderID)
		})
		if err != nil {
			logger.Warn("notification_failed",
				observability.F("order_id", orderID),
				observability.F("notification", string(n)),
				observability.Err(err),
			)
		}
	}
}

// critical logs a failure that needs an operator: a compensation that did
// not go through after money or stock already moved.
func (s *Service) critical(ctx context.Context, msg string, err error, fields ...observability.Field) {
	fields = append(fields,
		observability.F("severity", "CRITICAL"),
		observability.Err(err),
	)
	logctx.FromOr(ctx, s.obs.Logger()).Error(msg, fields...)
}
