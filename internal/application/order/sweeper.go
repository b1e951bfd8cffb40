package order

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const (
	sweeperService = "order-sweeper"
	useCaseSweep   = "order.sweep"
)

// SweepResult counts what one sweep pass did.
type SweepResult struct {
	Expired       int
	AutoCancelled int
	Orphans       int
}

// Sweeper is the background job that cancels abandoned checkouts. Orders
// whose reservations passed their TTL are cancelled with the timeout event,
// whose release side effect frees the stock; pending orders older than the
// auto-cancel age are cancelled the same way. Reservations left behind with
// no pending order are released last, except for orders whose cancellation
// failed in the same pass.
type Sweeper struct {
	svc             *Service
	orders          domain.Repository
	stock           StockSweeper
	interval        time.Duration
	autoCancelAfter time.Duration
	now             application.Clock
	obs             application.Instruments
}

func NewSweeper(svc *Service, orders domain.Repository, stock StockSweeper, interval, autoCancelAfter time.Duration, tel observability.Observability) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:             svc,
		orders:          orders,
		stock:           stock,
		interval:        interval,
		autoCancelAfter: autoCancelAfter,
		now:             svc.now,
		obs:             application.NewInstruments(tel, sweeperService),
	}
}

// Run sweeps every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger := logctx.FromOr(ctx, w.obs.Logger())
	logger.Info("sweeper_started", observability.F("interval", w.interval.String()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopped")
			return
		case <-ticker.C:
			_, _ = w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Per-order failures are logged and do not stop the pass.
func (w *Sweeper) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, run := w.obs.Begin(ctx, useCaseSweep, "Sweep")
	defer func() {
		run.With(
			observability.F("expired", res.Expired),
			observability.F("auto_cancelled", res.AutoCancelled),
			observability.F("orphans", res.Orphans),
		)
		run.End(err)
	}()

	now := w.now()
	logger := run.Logger()
	var errs []error
	// Orders whose cancellation failed keep their stock until a later pass.
	var failed []string

	expired, lerr := w.stock.ExpiredOrders(ctx, now)
	if lerr != nil {
		errs = append(errs, lerr)
	}
	for _, id := range expired {
		o, eerr := w.svc.ExpireOrder(ctx, id, ReasonReservationExpired)
		switch {
		case errors.Is(eerr, domain.ErrNotFound):
			// Reservation without an order; released below.
		case eerr != nil:
			logger.Warn("expire_order_failed", observability.F("order_id", id), observability.Err(eerr))
			errs = append(errs, eerr)
			failed = append(failed, id)
		case o.Status == domain.StatusCancelled && o.CancelReason == ReasonReservationExpired:
			res.Expired++
		}
	}

	if w.autoCancelAfter > 0 {
		stale, serr := w.orders.ListByStatus(ctx, domain.StatusPendingPayment, now.Add(-w.autoCancelAfter))
		if serr != nil {
			errs = append(errs, serr)
		}
		for _, o := range stale {
			if _, cerr := w.svc.ExpireOrder(ctx, o.ID, ReasonAutoCancel); cerr != nil {
				logger.Warn("auto_cancel_failed", observability.F("order_id", o.ID), observability.Err(cerr))
				errs = append(errs, cerr)
				failed = append(failed, o.ID)
				continue
			}
			res.AutoCancelled++
		}
	}

	orphans, rerr := w.stock.ReleaseExpired(ctx, now, failed...)
	if rerr != nil {
		errs = append(errs, rerr)
	}
	res.Orphans = len(orphans)

	if err = errors.Join(errs...); err != nil {
		run.Fail("PARTIAL_SWEEP")
	}
	return res, err
}
