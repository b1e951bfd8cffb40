package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_LegalPaths(t *testing.T) {
	tests := []struct {
		from    Status
		event   Event
		to      Status
		effects []SideEffect
	}{
		{StatusDraft, EventCreate, StatusPendingPayment, nil},
		{StatusPendingPayment, EventPaymentSucceeded, StatusPaid, []SideEffect{EffectConfirmStock, EffectNotifyConfirmation}},
		{StatusPendingPayment, EventPaymentFailed, StatusCancelled, []SideEffect{EffectReleaseStock}},
		{StatusPendingPayment, EventTimeout, StatusCancelled, []SideEffect{EffectReleaseStock}},
		{StatusPendingPayment, EventCancel, StatusCancelled, []SideEffect{EffectReleaseStock}},
		{StatusPaid, EventFulfillmentStarted, StatusProcessing, nil},
		{StatusPaid, EventCancel, StatusCancelled, []SideEffect{EffectRefundPayment, EffectReleaseStock}},
		{StatusPaid, EventRefund, StatusRefunded, []SideEffect{EffectRefundPayment}},
		{StatusProcessing, EventShipped, StatusShipped, []SideEffect{EffectNotifyShipping}},
		{StatusProcessing, EventCancel, StatusCancelled, []SideEffect{EffectRefundPayment, EffectReleaseStock}},
		{StatusProcessing, EventRefund, StatusRefunded, []SideEffect{EffectRefundPayment}},
		{StatusShipped, EventDelivered, StatusDelivered, []SideEffect{EffectNotifyDelivery}},
		{StatusShipped, EventRefund, StatusRefunded, []SideEffect{EffectRefundPayment}},
		{StatusDelivered, EventRefund, StatusRefunded, []SideEffect{EffectRefundPayment}},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			next, effects, err := Transition(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.to, next)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestTransition_RejectsEverythingElse(t *testing.T) {
	legal := map[Status][]Event{
		StatusDraft:          {EventCreate},
		StatusPendingPayment: {EventPaymentSucceeded, EventPaymentFailed, EventTimeout, EventCancel},
		StatusPaid:           {EventFulfillmentStarted, EventCancel, EventRefund},
		StatusProcessing:     {EventShipped, EventCancel, EventRefund},
		StatusShipped:        {EventDelivered, EventRefund},
		StatusDelivered:      {EventRefund},
		StatusCancelled:      {},
		StatusRefunded:       {},
	}
	all := []Event{
		EventCreate, EventPaymentSucceeded, EventPaymentFailed, EventTimeout,
		EventFulfillmentStarted, EventShipped, EventDelivered, EventCancel, EventRefund,
	}

	for from, ok := range legal {
		for _, ev := range all {
			if contains(ok, ev) {
				continue
			}
			next, effects, err := Transition(from, ev)
			assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s --%s-->", from, ev)
			assert.Equal(t, from, next)
			assert.Nil(t, effects)
		}
	}
}

func TestTransition_UnknownStatusOrEvent(t *testing.T) {
	_, _, err := Transition("archived", EventCancel)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, _, err = Transition(StatusPaid, "teleport")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestApply_ShippedCannotReturnToPendingPayment(t *testing.T) {
	o := newTestOrder(t)
	now := time.Now().UTC()
	for _, ev := range []Event{EventCreate, EventPaymentSucceeded, EventFulfillmentStarted, EventShipped} {
		_, err := o.Apply(ev, now)
		require.NoError(t, err)
	}
	require.Equal(t, StatusShipped, o.Status)
	require.NotNil(t, o.ShippedAt)

	// Neither the create nor the payment events can move it backwards.
	for _, ev := range []Event{EventCreate, EventPaymentSucceeded, EventPaymentFailed, EventTimeout} {
		_, err := o.Apply(ev, now)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StatusShipped, te.From)
		assert.Equal(t, StatusShipped, o.Status)
	}
}

func contains(evs []Event, ev Event) bool {
	for _, e := range evs {
		if e == ev {
			return true
		}
	}
	return false
}
