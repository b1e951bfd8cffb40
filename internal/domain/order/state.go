package order

import (
	"errors"
	"fmt"
)

var ErrInvalidStateTransition = errors.New("order: invalid state transition")

type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// Event triggers a state transition.
type Event string

const (
	EventCreate             Event = "create"
	EventPaymentSucceeded   Event = "payment_succeeded"
	EventPaymentFailed      Event = "payment_failed"
	EventTimeout            Event = "timeout"
	EventFulfillmentStarted Event = "fulfillment_started"
	EventShipped            Event = "shipped"
	EventDelivered          Event = "delivered"
	EventCancel             Event = "cancel"
	EventRefund             Event = "refund"
)

// SideEffect is work a transition asks its caller to perform. Transitions
// never perform it themselves.
type SideEffect string

const (
	EffectConfirmStock       SideEffect = "confirm_stock"
	EffectReleaseStock       SideEffect = "release_stock"
	EffectRefundPayment      SideEffect = "refund_payment"
	EffectNotifyConfirmation SideEffect = "notify_confirmation"
	EffectNotifyShipping     SideEffect = "notify_shipping"
	EffectNotifyDelivery     SideEffect = "notify_delivery"
)

// TransitionError reports an event that is illegal from the current status.
// It matches ErrInvalidStateTransition.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order: cannot apply %q in status %q", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidStateTransition }

// Transition is the order state machine. It is pure: same input, same output.
func Transition(from Status, ev Event) (Status, []SideEffect, error) {
	st, ok := states[from]
	if !ok {
		return from, nil, &TransitionError{From: from, Event: ev}
	}

	var (
		next    Status
		effects []SideEffect
		err     error
	)
	switch ev {
	case EventCreate:
		next, effects, err = st.OnCreate()
	case EventPaymentSucceeded:
		next, effects, err = st.OnPaymentSucceeded()
	case EventPaymentFailed:
		next, effects, err = st.OnPaymentFailed()
	case EventTimeout:
		next, effects, err = st.OnTimeout()
	case EventFulfillmentStarted:
		next, effects, err = st.OnFulfillmentStarted()
	case EventShipped:
		next, effects, err = st.OnShipped()
	case EventDelivered:
		next, effects, err = st.OnDelivered()
	case EventCancel:
		next, effects, err = st.OnCancel()
	case EventRefund:
		next, effects, err = st.OnRefund()
	default:
		err = errIllegal
	}
	if err != nil {
		return from, nil, &TransitionError{From: from, Event: ev}
	}
	return next, effects, nil
}

// CanApply reports whether ev is legal from status.
func CanApply(from Status, ev Event) bool {
	_, _, err := Transition(from, ev)
	return err == nil
}

// OrderState implements the state pattern for order lifecycle transitions.
type OrderState interface {
	Status() Status
	OnCreate() (Status, []SideEffect, error)
	OnPaymentSucceeded() (Status, []SideEffect, error)
	OnPaymentFailed() (Status, []SideEffect, error)
	OnTimeout() (Status, []SideEffect, error)
	OnFulfillmentStarted() (Status, []SideEffect, error)
	OnShipped() (Status, []SideEffect, error)
	OnDelivered() (Status, []SideEffect, error)
	OnCancel() (Status, []SideEffect, error)
	OnRefund() (Status, []SideEffect, error)
}

var errIllegal = errors.New("illegal")

var states = map[Status]OrderState{
	StatusDraft:          draftState{},
	StatusPendingPayment: pendingPaymentState{},
	StatusPaid:           paidState{},
	StatusProcessing:     processingState{},
	StatusShipped:        shippedState{},
	StatusDelivered:      deliveredState{},
	StatusCancelled:      cancelledState{},
	StatusRefunded:       refundedState{},
}

func to(s Status, effects ...SideEffect) (Status, []SideEffect, error) {
	return s, effects, nil
}

// rejectAll is embedded by every state; states override the events they accept.
type rejectAll struct{}

func (rejectAll) OnCreate() (Status, []SideEffect, error)             { return "", nil, errIllegal }
func (rejectAll) OnPaymentSucceeded() (Status, []SideEffect, error)   { return "", nil, errIllegal }
func (rejectAll) OnPaymentFailed() (Status, []SideEffect, error)      { return "", nil, errIllegal }
func (rejectAll) OnTimeout() (Status, []SideEffect, error)            { return "", nil, errIllegal }
func (rejectAll) OnFulfillmentStarted() (Status, []SideEffect, error) { return "", nil, errIllegal }
func (rejectAll) OnShipped() (Status, []SideEffect, error)            { return "", nil, errIllegal }
func (rejectAll) OnDelivered() (Status, []SideEffect, error)          { return "", nil, errIllegal }
func (rejectAll) OnCancel() (Status, []SideEffect, error)             { return "", nil, errIllegal }
func (rejectAll) OnRefund() (Status, []SideEffect, error)             { return "", nil, errIllegal }

type draftState struct{ rejectAll }

func (draftState) Status() Status { return StatusDraft }

func (draftState) OnCreate() (Status, []SideEffect, error) { return to(StatusPendingPayment) }

type pendingPaymentState struct{ rejectAll }

func (pendingPaymentState) Status() Status { return StatusPendingPayment }

func (pendingPaymentState) OnPaymentSucceeded() (Status, []SideEffect, error) {
	return to(StatusPaid, EffectConfirmStock, EffectNotifyConfirmation)
}

func (pendingPaymentState) OnPaymentFailed() (Status, []SideEffect, error) {
	return to(StatusCancelled, EffectReleaseStock)
}

func (pendingPaymentState) OnTimeout() (Status, []SideEffect, error) {
	return to(StatusCancelled, EffectReleaseStock)
}

func (pendingPaymentState) OnCancel() (Status, []SideEffect, error) {
	return to(StatusCancelled, EffectReleaseStock)
}

type paidState struct{ rejectAll }

func (paidState) Status() Status { return StatusPaid }

func (paidState) OnFulfillmentStarted() (Status, []SideEffect, error) {
	return to(StatusProcessing)
}

func (paidState) OnCancel() (Status, []SideEffect, error) {
	return to(StatusCancelled, EffectRefundPayment, EffectReleaseStock)
}

func (paidState) OnRefund() (Status, []SideEffect, error) {
	return to(StatusRefunded, EffectRefundPayment)
}

type processingState struct{ rejectAll }

func (processingState) Status() Status { return StatusProcessing }

func (processingState) OnShipped() (Status, []SideEffect, error) {
	return to(StatusShipped, EffectNotifyShipping)
}

func (processingState) OnCancel() (Status, []SideEffect, error) {
	return to(StatusCancelled, EffectRefundPayment, EffectReleaseStock)
}

func (processingState) OnRefund() (Status, []SideEffect, error) {
	return to(StatusRefunded, EffectRefundPayment)
}

type shippedState struct{ rejectAll }

func (shippedState) Status() Status { return StatusShipped }

func (shippedState) OnDelivered() (Status, []SideEffect, error) {
	return to(StatusDelivered, EffectNotifyDelivery)
}

func (shippedState) OnRefund() (Status, []SideEffect, error) {
	return to(StatusRefunded, EffectRefundPayment)
}

type deliveredState struct{ rejectAll }

func (deliveredState) Status() Status { return StatusDelivered }

func (deliveredState) OnRefund() (Status, []SideEffect, error) {
	return to(StatusRefunded, EffectRefundPayment)
}

type cancelledState struct{ rejectAll }

func (cancelledState) Status() Status { return StatusCancelled }

type refundedState struct{ rejectAll }

func (refundedState) Status() Status { return StatusRefunded }
