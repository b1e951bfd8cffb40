package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct{ n int }

func (ping) EventName() string { return "test.ping" }

func TestBusFansOutToEverySubscriber(t *testing.T) {
	bus := NewBus(observability.Nop())
	var a, b atomic.Int32
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { a.Add(1); return nil })
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { b.Add(1); return nil })
	bus.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), ping{n: i}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Stop(ctx)

	assert.EqualValues(t, 5, a.Load())
	assert.EqualValues(t, 5, b.Load())
}

func TestBusSurvivesHandlerErrorsAndPanics(t *testing.T) {
	bus := NewBus(observability.Nop())
	var ok atomic.Int32
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { return errors.New("boom") })
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { panic("handler bug") })
	bus.Subscribe("test.ping", func(context.Context, domoutbox.Event) error { ok.Add(1); return nil })
	bus.Start(context.Background())

	require.NoError(t, bus.Publish(context.Background(), ping{}))
	require.NoError(t, bus.Publish(context.Background(), ping{}))
	bus.Stop(context.Background())

	assert.EqualValues(t, 2, ok.Load())
}

func TestPublishAfterStopIsRejected(t *testing.T) {
	bus := NewBus(observability.Nop())
	bus.Start(context.Background())
	bus.Stop(context.Background())
	bus.Stop(context.Background())

	assert.ErrorIs(t, bus.Publish(context.Background(), ping{}), ErrBusStopped)
	assert.NoError(t, bus.Publish(context.Background(), nil))
}

func TestPublishHonoursContextWhenQueueIsFull(t *testing.T) {
	bus := NewBus(observability.Nop(), WithQueueSize(1))
	require.NoError(t, bus.Publish(context.Background(), ping{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, ping{}), context.DeadlineExceeded)
}

func TestHandlersGetATimeout(t *testing.T) {
	bus := NewBus(observability.Nop(), WithHandlerTimeout(5*time.Millisecond))
	got := make(chan error, 1)
	bus.Subscribe("test.ping", func(ctx context.Context, _ domoutbox.Event) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})
	bus.Start(context.Background())
	require.NoError(t, bus.Publish(context.Background(), ping{}))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("handler never timed out")
	}
	bus.Stop(context.Background())
}
