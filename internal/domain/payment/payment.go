package payment

import (
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
)

var (
	ErrInvalidSignature  = errors.New("payment: invalid webhook signature")
	ErrMalformedEvent    = errors.New("payment: malformed webhook event")
	ErrGateway           = errors.New("payment: gateway failure")
	ErrIntentNotFound    = errors.New("payment: intent not found")
	ErrRefundExceedsPaid = errors.New("payment: refund exceeds captured amount")
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
)

// Payment is the order's record of its processor-side charge.
type Payment struct {
	IntentID       string      `json:"intent_id"`
	ClientSecret   string      `json:"client_secret,omitempty"`
	ChargeID       string      `json:"charge_id,omitempty"`
	Status         Status      `json:"status"`
	Amount         money.Money `json:"amount"`
	RefundedAmount money.Money `json:"refunded_amount"`
	FailureReason  string      `json:"failure_reason,omitempty"`
}

func NewPayment(intent *Intent, amount money.Money) *Payment {
	return &Payment{
		IntentID:       intent.ID,
		ClientSecret:   intent.ClientSecret,
		Status:         StatusPending,
		Amount:         amount,
		RefundedAmount: money.Zero(amount.Currency()),
	}
}

func (p *Payment) Currency() string { return p.Amount.Currency() }

// Charged reports whether money has been captured and not fully returned.
func (p *Payment) Charged() bool {
	return p.Status == StatusPaid || p.Status == StatusPartiallyRefunded
}

func (p *Payment) MarkPaid(chargeID string) {
	p.Status = StatusPaid
	if chargeID != "" {
		p.ChargeID = chargeID
	}
	p.FailureReason = ""
}

func (p *Payment) MarkFailed(reason string) {
	p.Status = StatusFailed
	p.FailureReason = reason
}

// Refundable is the captured amount not yet returned.
func (p *Payment) Refundable() money.Money {
	left, err := p.Amount.Sub(p.RefundedAmount)
	if err != nil {
		return money.Zero(p.Currency())
	}
	return left
}

// RecordRefund adds amount to RefundedAmount and moves the status to
// partially_refunded or refunded. It reports whether the charge is now fully refunded.
func (p *Payment) RecordRefund(amount money.Money) (bool, error) {
	total, err := p.RefundedAmount.Add(amount)
	if err != nil {
		return false, err
	}
	cmp, err := total.Cmp(p.Amount)
	if err != nil {
		return false, err
	}
	if cmp > 0 {
		return false, ErrRefundExceedsPaid
	}
	p.RefundedAmount = total
	if cmp == 0 {
		p.Status = StatusRefunded
		return true, nil
	}
	p.Status = StatusPartiallyRefunded
	return false, nil
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// GatewayError wraps a processor failure. Retryable is set for transport
// failures and 5xx-style responses where repeating an idempotent call is safe.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() []error { return []error{ErrGateway, e.Err} }

// IsRetryable reports whether err is a GatewayError marked retryable.
func IsRetryable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable
}
