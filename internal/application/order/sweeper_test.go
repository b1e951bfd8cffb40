package order

import (
	"context"
	"errors"
	"testing"
	"time"

	appinv "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (f *fixture) sweeper(autoCancelAfter time.Duration) *Sweeper {
	return NewSweeper(f.svc, f.orders, f.stock, time.Minute, autoCancelAfter, observability.Nop())
}

func TestSweepCancelsOrdersWhoseReservationExpired(t *testing.T) {
	f := newFixture(t, map[string]int{"sku-a": 10, "sku-b": 5})
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, cart(""))
	require.NoError(t, err)
	session, err := f.svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)

	res, err := f.sweeper(0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(16 * time.Minute)
	res, err = f.sweeper(0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Orphans)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, ReasonReservationExpired, got.CancelReason)
	assert.Equal(t, 10, f.available(t, "sku-a"))
	assert.Equal(t, 5, f.available(t, "sku-b"))

	// The intent was voided, so the customer can no longer pay.
	_, err = f.gw.ConfirmIntent(ctx, session.IntentID)
	assert.Error(t, err)

	res, err = f.sweeper(0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepLeavesPaidOrdersAlone(t *testing.T) {
	f := newFixture(t, map[string]int{"sku-a": 10, "sku-b": 5})
	paid := f.paidOrder(t)

	f.clock.Advance(time.Hour)
	res, err := f.sweeper(30 * time.Minute).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	got, err := f.svc.GetOrder(context.Background(), paid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.Equal(t, 8, f.onHand(t, "sku-a"))
}

func TestSweepAutoCancelsStalePendingOrders(t *testing.T) {
	f := newFixture(t, map[string]int{"sku-a": 10, "sku-b": 5})
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, cart(""))
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	res, err := f.sweeper(10 * time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.AutoCancelled)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, ReasonAutoCancel, got.CancelReason)
	assert.Equal(t, 10, f.available(t, "sku-a"))
}

func TestSweepReleasesOrphanReservations(t *testing.T) {
	f := newFixture(t, map[string]int{"sku-a": 10})
	ctx := context.Background()

	_, err := f.stock.Reserve(ctx, "ghost-order", []appinv.Line{{ProductID: "sku-a", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, 7, f.available(t, "sku-a"))

	f.clock.Advance(16 * time.Minute)
	res, err := f.sweeper(0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.Orphans)
	assert.Equal(t, 10, f.available(t, "sku-a"))
}

type unreadableOrders struct {
	*memory.OrderRepository
	down error
}

func (u *unreadableOrders) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	if u.down != nil {
		return nil, u.down
	}
	return u.OrderRepository.FindByID(ctx, id)
}

func TestSweepKeepsStockOfOrdersItFailedToExpire(t *testing.T) {
	repo := &unreadableOrders{OrderRepository: memory.NewOrderRepository()}
	f := newFixture(t, map[string]int{"sku-a": 10, "sku-b": 5}, func(o *fixtureOptions) { o.orders = repo })
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, cart(""))
	require.NoError(t, err)

	repo.down = errors.New("db down")
	f.clock.Advance(16 * time.Minute)
	res, err := f.sweeper(0).Sweep(ctx)
	require.ErrorIs(t, err, repo.down)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 8, f.available(t, "sku-a"))
	assert.Equal(t, 4, f.available(t, "sku-b"))

	repo.down = nil
	res, err = f.sweeper(0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Orphans)
	assert.Equal(t, 10, f.available(t, "sku-a"))

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestLateCaptureAfterSweepIsRefunded(t *testing.T) {
	f := newFixture(t, map[string]int{"sku-a": 10, "sku-b": 5})
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, cart(""))
	require.NoError(t, err)
	session, err := f.svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.gw.Capture(session.IntentID))

	f.clock.Advance(16 * time.Minute)
	_, err = f.sweeper(0).Sweep(ctx)
	require.NoError(t, err)

	got, err := f.svc.HandlePaymentSucceeded(ctx, o.ID, session.IntentID, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, payment.StatusRefunded, got.Payment.Status)
	f.notifier.AssertNotCalled(t, "SendOrderConfirmation", mock.Anything, mock.Anything)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t, map[string]int{"sku-a": 10})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSweeper(f.svc, f.orders, f.stock, 5*time.Millisecond, 0, observability.Nop()).Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
