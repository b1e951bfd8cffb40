package httppresentation

import (
	"errors"
	"net/http"
	"time"

	appOrder "github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/application/webhook"
	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

type itemResponse struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
	TotalPrice string `json:"total_price"`
}

type paymentResponse struct {
	IntentID       string `json:"intent_id"`
	ChargeID       string `json:"charge_id,omitempty"`
	Status         string `json:"status"`
	Amount         string `json:"amount"`
	RefundedAmount string `json:"refunded_amount"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

type orderResponse struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"order_number"`
	CustomerID      string               `json:"customer_id"`
	Status          string               `json:"status"`
	Currency        string               `json:"currency"`
	Items           []itemResponse       `json:"items"`
	Subtotal        string               `json:"subtotal"`
	ShippingCost    string               `json:"shipping_cost"`
	TaxRate         string               `json:"tax_rate"`
	TaxAmount       string               `json:"tax_amount"`
	DiscountAmount  string               `json:"discount_amount"`
	TotalAmount     string               `json:"total_amount"`
	BillingAddress  domainOrder.Address  `json:"billing_address"`
	ShippingAddress *domainOrder.Address `json:"shipping_address,omitempty"`
	Payment         *paymentResponse     `json:"payment,omitempty"`
	TrackingNumber  string               `json:"tracking_number,omitempty"`
	CancelReason    string               `json:"cancel_reason,omitempty"`
	ShippedAt       *time.Time           `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time           `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time           `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func amount(m money.Money) string { return m.Amount().StringFixed(2) }

// Amounts are rendered as decimal strings so clients never see float rounding.
func toOrderResponse(o *domainOrder.Order) orderResponse {
	items := make([]itemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemResponse{
			ProductID:  it.ProductID,
			Quantity:   it.Quantity.Int(),
			UnitPrice:  amount(it.UnitPrice),
			TotalPrice: amount(it.TotalPrice),
		})
	}
	resp := orderResponse{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		CustomerID:      o.CustomerID,
		Status:          string(o.Status),
		Currency:        o.Currency,
		Items:           items,
		Subtotal:        amount(o.Subtotal),
		ShippingCost:    amount(o.ShippingCost),
		TaxRate:         o.TaxRate.String(),
		TaxAmount:       amount(o.TaxAmount),
		DiscountAmount:  amount(o.DiscountAmount),
		TotalAmount:     amount(o.TotalAmount),
		BillingAddress:  o.BillingAddress,
		ShippingAddress: o.ShippingAddress,
		TrackingNumber:  o.TrackingNumber,
		CancelReason:    o.CancelReason,
		ShippedAt:       o.ShippedAt,
		DeliveredAt:     o.DeliveredAt,
		CancelledAt:     o.CancelledAt,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if p := o.Payment; p != nil {
		resp.Payment = &paymentResponse{
			IntentID:       p.IntentID,
			ChargeID:       p.ChargeID,
			Status:         string(p.Status),
			Amount:         amount(p.Amount),
			RefundedAmount: amount(p.RefundedAmount),
			FailureReason:  p.FailureReason,
		}
	}
	return resp
}

// writeDomainError maps service errors to a status and a stable message.
// Internal detail is logged, never returned.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, msg := http.StatusInternalServerError, fallback
	var details map[string]string

	var ve *domainOrder.ValidationError
	switch {
	case errors.As(err, &ve):
		status, msg = http.StatusBadRequest, "invalid request"
		details = map[string]string{ve.Field: ve.Reason}
	case errors.Is(err, payment.ErrInvalidSignature):
		status, msg = http.StatusBadRequest, "invalid signature"
	case errors.Is(err, payment.ErrMalformedEvent):
		status, msg = http.StatusBadRequest, "malformed event"
	case errors.Is(err, domainOrder.ErrNotFound), errors.Is(err, dominv.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, dominv.ErrInsufficientStock):
		status, msg = http.StatusConflict, "insufficient stock"
	case errors.Is(err, domainOrder.ErrInvalidStateTransition):
		status, msg = http.StatusConflict, "invalid state transition"
	case errors.Is(err, domainOrder.ErrConflict):
		status, msg = http.StatusConflict, "conflict"
	case errors.Is(err, appOrder.ErrIntentMismatch):
		status, msg = http.StatusUnprocessableEntity, "payment intent mismatch"
	case errors.Is(err, appOrder.ErrPaymentNotInitiated):
		status, msg = http.StatusUnprocessableEntity, "payment not initiated"
	case errors.Is(err, appOrder.ErrNotRefundable):
		status, msg = http.StatusUnprocessableEntity, "nothing to refund"
	case errors.Is(err, payment.ErrRefundExceedsPaid):
		status, msg = http.StatusUnprocessableEntity, "refund exceeds paid amount"
	case errors.Is(err, domainOrder.ErrNegativeTotal):
		status, msg = http.StatusUnprocessableEntity, "total would be negative"
	case errors.Is(err, money.ErrCurrencyMismatch), errors.Is(err, money.ErrNegative),
		errors.Is(err, money.ErrInvalidCurrency), errors.Is(err, dominv.ErrInvalidQuantity):
		status, msg = http.StatusUnprocessableEntity, "invalid amount"
	case errors.Is(err, payment.ErrGateway):
		status, msg = http.StatusBadGateway, "payment processor unavailable"
	case errors.Is(err, webhook.ErrInboxUnavailable):
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable"
	}

	log := logctx.FromOr(r.Context(), h.log)
	fields := []observability.Field{
		observability.F("status", status),
		observability.Err(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error("request_failed", fields...)
	} else {
		log.Warn("request_rejected", fields...)
	}
	writeError(w, status, msg, details)
}
