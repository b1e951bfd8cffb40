package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appinv "github.com/Zhima-Mochi/minishop-checkout/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/application/webhook"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	componentHTTPHandler = "http_server"

	headerIdempotencyKey   = "Idempotency-Key"
	headerPaymentSignature = "Payment-Signature"

	maxBodyBytes    = 1 << 20
	healthCheckWait = 2 * time.Second
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	orders   *appOrder.Service
	stock    *appinv.Manager
	webhooks *webhook.Receiver
	metrics  http.Handler
	checks   map[string]HealthCheck
	log      observability.Logger
	tel      observability.Observability
}

type Option func(*Handler)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(x *Handler) { x.metrics = h }
}

// WithHealthCheck adds a dependency probed by GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(x *Handler) {
		if check != nil {
			x.checks[name] = check
		}
	}
}

func NewHandler(orders *appOrder.Service, stock *appinv.Manager, webhooks *webhook.Receiver, tel observability.Observability, opts ...Option) *Handler {
	baseLogger := observability.NopLogger()
	if tel != nil {
		baseLogger = tel.Logger()
	}
	h := &Handler{
		orders:   orders,
		stock:    stock,
		webhooks: webhooks,
		checks:   make(map[string]HealthCheck),
		log:      baseLogger.With(observability.F("component", componentHTTPHandler)),
		tel:      tel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router wires the checkout API. Server spans come from the otelhttp
// wrapper in main; the observability middleware names them by route.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(ObservabilityMiddleware(h.log, h.tel))

	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.handleCreateOrder)
		r.Get("/by-number/{number}", h.handleGetOrderByNumber)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetOrder)
			r.Post("/payment", h.handleInitiatePayment)
			r.Post("/payment/confirm", h.handleConfirmPayment)
			r.Post("/discount", h.handleApplyDiscount)
			r.Post("/cancel", h.handleCancel)
			r.Post("/refund", h.handleRefund)
			r.Post("/fulfillment", h.handleStartFulfillment)
			r.Post("/shipment", h.handleShip)
			r.Post("/delivery", h.handleDeliver)
		})
	})
	r.Put("/inventory/{productID}", h.handleSetStock)
	r.Post("/webhooks/payments", h.handlePaymentWebhook)

	return r
}

type itemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	CustomerID      string               `json:"customer_id"`
	IdempotencyKey  string               `json:"idempotency_key"`
	Currency        string               `json:"currency"`
	Items           []itemRequest        `json:"items"`
	BillingAddress  domainOrder.Address  `json:"billing_address"`
	ShippingAddress *domainOrder.Address `json:"shipping_address"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	key := req.IdempotencyKey
	if hk := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); hk != "" {
		key = hk
	}

	items := make([]appOrder.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, appOrder.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	o, err := h.orders.CreateOrder(r.Context(), appOrder.CreateOrderInput{
		CustomerID:      req.CustomerID,
		IdempotencyKey:  key,
		Currency:        req.Currency,
		Items:           items,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		h.writeDomainError(w, r, err, "checkout failed")
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) handleGetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrderByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeDomainError(w, r, err, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type paymentSessionResponse struct {
	OrderID      string `json:"order_id"`
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

func (h *Handler) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	s, err := h.orders.InitiatePayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "payment initiation failed")
		return
	}
	writeJSON(w, http.StatusOK, paymentSessionResponse{
		OrderID:      s.OrderID,
		IntentID:     s.IntentID,
		ClientSecret: s.ClientSecret,
		Amount:       s.Amount,
		Currency:     s.Currency,
	})
}

type confirmPaymentRequest struct {
	IntentID string `json:"intent_id"`
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	o, err := h.orders.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.IntentID)
	if err != nil {
		h.writeDomainError(w, r, err, "payment confirmation failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type amountRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) handleApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	id := chi.URLParam(r, "id")
	discount, err := h.parseAmount(r.Context(), id, req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err, "discount failed")
		return
	}
	o, err := h.orders.ApplyDiscount(r.Context(), id, discount)
	if err != nil {
		h.writeDomainError(w, r, err, "discount failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	o, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err, "cancellation failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	id := chi.URLParam(r, "id")
	var partial *money.Money
	if strings.TrimSpace(req.Amount) != "" {
		m, err := h.parseAmount(r.Context(), id, req.Amount)
		if err != nil {
			h.writeDomainError(w, r, err, "refund failed")
			return
		}
		partial = &m
	}
	o, err := h.orders.RefundOrder(r.Context(), id, partial, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err, "refund failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// parseAmount reads a decimal amount in the order's currency.
func (h *Handler) parseAmount(ctx context.Context, orderID, raw string) (money.Money, error) {
	o, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		return money.Money{}, err
	}
	m, err := money.Parse(raw, o.Currency)
	if err != nil {
		return money.Money{}, &domainOrder.ValidationError{Field: "amount", Reason: err.Error()}
	}
	return m, nil
}

func (h *Handler) handleStartFulfillment(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.StartFulfillment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "fulfillment failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type shipRequest struct {
	TrackingNumber string `json:"tracking_number"`
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	var req shipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	o, err := h.orders.MarkShipped(r.Context(), chi.URLParam(r, "id"), req.TrackingNumber)
	if err != nil {
		h.writeDomainError(w, r, err, "shipment failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type stockRequest struct {
	OnHand    int    `json:"on_hand"`
	UnitPrice string `json:"unit_price"`
	Currency  string `json:"currency"`
}

type stockResponse struct {
	ProductID string `json:"product_id"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	UnitPrice string `json:"unit_price"`
}

func (h *Handler) handleSetStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	price, err := money.Parse(req.UnitPrice, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", map[string]string{"unit_price": err.Error()})
		return
	}
	item, err := h.stock.SetStock(r.Context(), chi.URLParam(r, "productID"), req.OnHand, price)
	if err != nil {
		h.writeDomainError(w, r, err, "stock update failed")
		return
	}
	writeJSON(w, http.StatusOK, stockResponse{
		ProductID: item.ProductID,
		OnHand:    item.OnHand,
		Reserved:  item.Reserved,
		Available: item.Available(),
		UnitPrice: amount(item.UnitPrice),
	})
}

// handlePaymentWebhook acknowledges a delivery once it is stored. The body is
// read raw because the signature covers the exact bytes.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	ev, err := h.webhooks.Accept(r.Context(), body, r.Header.Get(headerPaymentSignature))
	if err != nil {
		h.writeDomainError(w, r, err, "webhook rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": ev.ID})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckWait)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{"status": "ok"}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report["status"] = "degraded"
			report[name] = "unavailable"
			logctx.FromOr(r.Context(), h.log).Warn("health_check_failed",
				observability.F("dependency", name),
				observability.Err(err),
			)
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}
