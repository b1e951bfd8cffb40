package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

func usd(s string) money.Money { return money.MustNew(s, "USD") }

func TestCreateIntentCollapsesIdempotentRetries(t *testing.T) {
	sim := NewSimulator(WithSuccessRate(1))
	ctx := context.Background()

	req := payment.IntentRequest{Amount: usd("25.00"), IdempotencyKey: "o-1:25.00"}
	a, err := sim.CreateIntent(ctx, req)
	require.NoError(t, err)
	b, err := sim.CreateIntent(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, sim.Intents())
}

func TestInjectedFailureIsReturnedOnce(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()
	boom := &payment.GatewayError{Op: OpCreateIntent, Retryable: true, Err: errors.New("503")}
	sim.FailNext(OpCreateIntent, boom)

	_, err := sim.CreateIntent(ctx, payment.IntentRequest{Amount: usd("1.00")})
	require.ErrorIs(t, err, payment.ErrGateway)
	assert.True(t, payment.IsRetryable(err))

	_, err = sim.CreateIntent(ctx, payment.IntentRequest{Amount: usd("1.00")})
	require.NoError(t, err)
}

func TestConfirmHonoursSuccessRate(t *testing.T) {
	ctx := context.Background()

	ok := NewSimulator(WithSuccessRate(1))
	in, err := ok.CreateIntent(ctx, payment.IntentRequest{Amount: usd("5.00")})
	require.NoError(t, err)
	status, err := ok.ConfirmIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, status)

	// Confirming again reports the settled state.
	status, err = ok.ConfirmIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, status)

	declined := NewSimulator(WithSuccessRate(0))
	in, err = declined.CreateIntent(ctx, payment.IntentRequest{Amount: usd("5.00")})
	require.NoError(t, err)
	status, err = declined.ConfirmIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, status)

	_, err = declined.ConfirmIntent(ctx, "pi_missing")
	assert.ErrorIs(t, err, payment.ErrIntentNotFound)
}

func TestCancelledIntentCannotBeConfirmed(t *testing.T) {
	sim := NewSimulator(WithSuccessRate(1))
	ctx := context.Background()

	in, err := sim.CreateIntent(ctx, payment.IntentRequest{Amount: usd("5.00")})
	require.NoError(t, err)
	require.NoError(t, sim.CancelIntent(ctx, in.ID))

	_, err = sim.ConfirmIntent(ctx, in.ID)
	assert.ErrorIs(t, err, ErrIntentCancelled)
}

func TestRefundIsBoundedByCapture(t *testing.T) {
	sim := NewSimulator(WithSuccessRate(1))
	ctx := context.Background()

	in, err := sim.CreateIntent(ctx, payment.IntentRequest{Amount: usd("30.00")})
	require.NoError(t, err)

	_, err = sim.Refund(ctx, payment.RefundRequest{IntentID: in.ID})
	require.ErrorIs(t, err, ErrNotCaptured)

	_, err = sim.ConfirmIntent(ctx, in.ID)
	require.NoError(t, err)

	part := usd("10.00")
	rec, err := sim.Refund(ctx, payment.RefundRequest{IntentID: in.ID, Amount: &part, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "10.00 USD", rec.Amount.String())

	again, err := sim.Refund(ctx, payment.RefundRequest{IntentID: in.ID, Amount: &part, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)

	tooMuch := usd("25.00")
	_, err = sim.Refund(ctx, payment.RefundRequest{IntentID: in.ID, Amount: &tooMuch})
	require.ErrorIs(t, err, payment.ErrRefundExceedsPaid)

	rest, err := sim.Refund(ctx, payment.RefundRequest{IntentID: in.ID})
	require.NoError(t, err)
	assert.Equal(t, "20.00 USD", rest.Amount.String())

	assert.ErrorIs(t, sim.CancelIntent(ctx, in.ID), ErrIntentCaptured)
}

func TestEventCarriesOrderMetadata(t *testing.T) {
	sim := NewSimulator(WithSuccessRate(1))
	ctx := context.Background()

	in, err := sim.CreateIntent(ctx, payment.IntentRequest{
		Amount:   usd("12.34"),
		Metadata: map[string]string{payment.MetadataOrderID: "o-9"},
	})
	require.NoError(t, err)
	require.NoError(t, sim.Capture(in.ID))

	ev, err := sim.Event(in.ID, payment.EventPaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, "o-9", ev.OrderID())
	assert.Equal(t, int64(1234), ev.Data.AmountMinor)
	assert.NotEmpty(t, ev.Data.ChargeID)
}

func TestVerifyWebhookSignature(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sim := NewSimulator(WithClock(func() time.Time { return now }))

	body, err := json.Marshal(payment.Event{ID: "evt_1", Type: payment.EventPaymentSucceeded})
	require.NoError(t, err)

	header := SignPayload(body, secret, now.Add(-time.Minute))
	ev, err := sim.VerifyWebhookSignature(body, header, secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)

	cases := map[string]struct {
		body   []byte
		header string
		secret string
	}{
		"wrong secret":   {body, header, "other"},
		"tampered body":  {append([]byte(nil), append(body, ' ')...), header, secret},
		"stale":          {body, SignPayload(body, secret, now.Add(-10*time.Minute)), secret},
		"future":         {body, SignPayload(body, secret, now.Add(10*time.Minute)), secret},
		"missing header": {body, "", secret},
		"no v1":          {body, "t=123", secret},
		"no secret":      {body, header, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sim.VerifyWebhookSignature(tc.body, tc.header, tc.secret)
			assert.ErrorIs(t, err, payment.ErrInvalidSignature)
		})
	}
}

func TestVerifyRejectsGarbageOnlyAfterSignatureCheck(t *testing.T) {
	now := time.Now()
	body := []byte("not json")

	_, err := VerifySignature(body, "t=1,v1=00", secret, now, DefaultTolerance)
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	_, err = VerifySignature(body, SignPayload(body, secret, now), secret, now, DefaultTolerance)
	require.ErrorIs(t, err, payment.ErrMalformedEvent)
	assert.NotErrorIs(t, err, payment.ErrInvalidSignature)

	anonymous := []byte(`{"type":"payment_intent.succeeded"}`)
	_, err = VerifySignature(anonymous, SignPayload(anonymous, secret, now), secret, now, DefaultTolerance)
	assert.ErrorIs(t, err, payment.ErrMalformedEvent)
}
