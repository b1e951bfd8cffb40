package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/google/uuid"
)

const (
	OpCreateIntent  = "create_intent"
	OpConfirmIntent = "confirm_intent"
	OpCancelIntent  = "cancel_intent"
	OpRefund        = "refund"
)

var (
	ErrIntentCancelled = errors.New("payment: intent cancelled")
	ErrIntentCaptured  = errors.New("payment: intent already captured")
	ErrNotCaptured     = errors.New("payment: intent has no capture to refund")
)

type intent struct {
	id       string
	secret   string
	amount   money.Money
	metadata map[string]string
	status   payment.Status
	chargeID string
	refunded money.Money
	canceled bool
	created  time.Time
}

// Simulator is an in-process payment processor. Confirmations succeed with the
// configured probability; everything else behaves like a real processor:
// idempotency keys collapse retries and refunds are bounded by the capture.
type Simulator struct {
	mu          sync.Mutex
	random      *rand.Rand
	successRate float64
	tolerance   time.Duration
	now         func() time.Time

	intents     map[string]*intent
	byKey       map[string]string
	refundByKey map[string]*payment.RefundRecord
	injected    map[string][]error
}

type Option func(*Simulator)

// WithSuccessRate sets the probability that ConfirmIntent captures funds.
func WithSuccessRate(rate float64) Option {
	return func(s *Simulator) {
		if rate >= 0 && rate <= 1 {
			s.successRate = rate
		}
	}
}

func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.random = rand.New(rand.NewSource(seed)) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTolerance(d time.Duration) Option {
	return func(s *Simulator) { s.tolerance = d }
}

func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: 0.7,
		tolerance:   DefaultTolerance,
		now:         time.Now,
		intents:     make(map[string]*intent),
		byKey:       make(map[string]string),
		refundByKey: make(map[string]*payment.RefundRecord),
		injected:    make(map[string][]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) SuccessRate() float64 { return s.successRate }

// FailNext makes the next call of op return err instead of running.
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[op] = append(s.injected[op], err)
}

func (s *Simulator) takeInjected(op string) error {
	q := s.injected[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.injected[op] = q[1:]
	return err
}

func (s *Simulator) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, &payment.GatewayError{Op: OpCreateIntent, Retryable: true, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeInjected(OpCreateIntent); err != nil {
		return nil, err
	}
	if req.Amount.IsZero() {
		return nil, &payment.GatewayError{Op: OpCreateIntent, Err: errors.New("amount must be greater than zero")}
	}
	if req.IdempotencyKey != "" {
		if id, ok := s.byKey[req.IdempotencyKey]; ok {
			in := s.intents[id]
			return &payment.Intent{ID: in.id, ClientSecret: in.secret}, nil
		}
	}

	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	in := &intent{
		id:       "pi_" + uuid.NewString(),
		secret:   "pi_secret_" + uuid.NewString(),
		amount:   req.Amount,
		metadata: meta,
		status:   payment.StatusPending,
		refunded: money.Zero(req.Amount.Currency()),
		created:  s.now(),
	}
	s.intents[in.id] = in
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = in.id
	}
	return &payment.Intent{ID: in.id, ClientSecret: in.secret}, nil
}

func (s *Simulator) ConfirmIntent(ctx context.Context, intentID string) (payment.Status, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeInjected(OpConfirmIntent); err != nil {
		return payment.StatusFailed, err
	}
	in, ok := s.intents[intentID]
	if !ok {
		return payment.StatusFailed, &payment.GatewayError{Op: OpConfirmIntent, Err: payment.ErrIntentNotFound}
	}
	if in.canceled {
		return payment.StatusFailed, &payment.GatewayError{Op: OpConfirmIntent, Err: ErrIntentCancelled}
	}
	if in.status != payment.StatusPending {
		return in.status, nil
	}

	if s.random.Float64() < s.successRate {
		in.status = payment.StatusPaid
		in.chargeID = "ch_" + uuid.NewString()
	} else {
		in.status = payment.StatusFailed
	}
	return in.status, nil
}

func (s *Simulator) CancelIntent(ctx context.Context, intentID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeInjected(OpCancelIntent); err != nil {
		return err
	}
	in, ok := s.intents[intentID]
	if !ok {
		return &payment.GatewayError{Op: OpCancelIntent, Err: payment.ErrIntentNotFound}
	}
	if in.status == payment.StatusPaid || in.status == payment.StatusPartiallyRefunded || in.status == payment.StatusRefunded {
		return &payment.GatewayError{Op: OpCancelIntent, Err: ErrIntentCaptured}
	}
	in.canceled = true
	return nil
}

func (s *Simulator) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeInjected(OpRefund); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if rec, ok := s.refundByKey[req.IdempotencyKey]; ok {
			cp := *rec
			return &cp, nil
		}
	}
	in, ok := s.intents[req.IntentID]
	if !ok {
		return nil, &payment.GatewayError{Op: OpRefund, Err: payment.ErrIntentNotFound}
	}
	if in.status != payment.StatusPaid && in.status != payment.StatusPartiallyRefunded {
		return nil, &payment.GatewayError{Op: OpRefund, Err: ErrNotCaptured}
	}

	remaining, err := in.amount.Sub(in.refunded)
	if err != nil {
		return nil, &payment.GatewayError{Op: OpRefund, Err: err}
	}
	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
	}
	if cmp, err := amount.Cmp(remaining); err != nil || cmp > 0 {
		return nil, &payment.GatewayError{Op: OpRefund, Err: payment.ErrRefundExceedsPaid}
	}
	if amount.IsZero() {
		return nil, &payment.GatewayError{Op: OpRefund, Err: errors.New("refund amount must be greater than zero")}
	}

	in.refunded, _ = in.refunded.Add(amount)
	if in.refunded.Equal(in.amount) {
		in.status = payment.StatusRefunded
	} else {
		in.status = payment.StatusPartiallyRefunded
	}

	rec := &payment.RefundRecord{
		ID:        "re_" + uuid.NewString(),
		IntentID:  in.id,
		Amount:    amount,
		CreatedAt: s.now(),
	}
	if req.IdempotencyKey != "" {
		s.refundByKey[req.IdempotencyKey] = rec
	}
	cp := *rec
	return &cp, nil
}

func (s *Simulator) VerifyWebhookSignature(rawBody []byte, signatureHeader, secret string) (*payment.Event, error) {
	return VerifySignature(rawBody, signatureHeader, secret, s.now(), s.tolerance)
}

// Event builds the webhook the processor would deliver for the intent's
// current state. eventType is one of the payment.Event* constants.
func (s *Simulator) Event(intentID, eventType string) (*payment.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("simulator: %w", payment.ErrIntentNotFound)
	}
	meta := make(map[string]string, len(in.metadata))
	for k, v := range in.metadata {
		meta[k] = v
	}
	ev := &payment.Event{
		ID:      "evt_" + uuid.NewString(),
		Type:    eventType,
		Created: s.now().UTC(),
		Data: payment.EventData{
			IntentID:      in.id,
			ChargeID:      in.chargeID,
			AmountMinor:   in.amount.Minor(),
			RefundedMinor: in.refunded.Minor(),
			Currency:      in.amount.Currency(),
			Metadata:      meta,
		},
	}
	if eventType == payment.EventPaymentFailed {
		ev.Data.FailureMessage = "card_declined"
	}
	return ev, nil
}

// Capture forces a pending intent into the paid state, as if the customer
// completed payment out of band.
func (s *Simulator) Capture(intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[intentID]
	if !ok {
		return payment.ErrIntentNotFound
	}
	if in.status == payment.StatusPending && !in.canceled {
		in.status = payment.StatusPaid
		in.chargeID = "ch_" + uuid.NewString()
	}
	return nil
}

// Intents returns how many intents have been created.
func (s *Simulator) Intents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}
