package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/payflowhq/payflow/infra/response"
	"github.com/payflowhq/payflow/payment"
	"github.com/payflowhq/payflow/provider"
)

// maxWebhookBody caps provider callback payloads
const maxWebhookBody = 1 << 20

// OrchestratorService defines the payment operations the handler depends on
type OrchestratorService interface {
	Create(ctx context.Context, in payment.CreateInput) (*payment.PaymentIntent, error)
	Retry(ctx context.Context, in payment.RetryInput) (*payment.PaymentIntent, error)
	Void(ctx context.Context, intentID, reason string) (*payment.PaymentIntent, error)
	Refund(ctx context.Context, intentID string, amount int64, reason, requester string) (*payment.RefundRequest, error)
	Status(ctx context.Context, intentID string) (*payment.PaymentIntent, []*payment.RefundRequest, error)
}

// WebhookService defines the webhook ingestion dependency
type WebhookService interface {
	Handle(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*payment.WebhookOutcome, error)
}

// PaymentHandler handles payment related HTTP requests
type PaymentHandler struct {
	orchestrator OrchestratorService
	webhooks     WebhookService
	registry     *provider.Registry
	validate     *validator.Validate
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(orchestrator OrchestratorService, webhooks WebhookService, registry *provider.Registry, validate *validator.Validate) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orchestrator,
		webhooks:     webhooks,
		registry:     registry,
		validate:     validate,
	}
}

type createPaymentRequest struct {
	TenantID       string            `json:"tenantId"`
	Requester      string            `json:"requester"`
	Amount         int64             `json:"amount" validate:"required,gt=0"`
	Currency       string            `json:"currency" validate:"required,len=3"`
	Purpose        string            `json:"purpose" validate:"required"`
	Provider       string            `json:"provider"`
	Phone          string            `json:"phone"`
	Description    string            `json:"description"`
	CallbackURL    string            `json:"callbackUrl" validate:"omitempty,url"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata"`
}

// CreatePayment handles payment creation requests
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	intent, err := h.orchestrator.Create(ctx, payment.CreateInput{
		TenantID:       req.TenantID,
		Requester:      req.Requester,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Purpose:        req.Purpose,
		Provider:       req.Provider,
		Phone:          req.Phone,
		Description:    req.Description,
		CallbackURL:    req.CallbackURL,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writePaymentError(w, err)
		return
	}

	response.Success(w, http.StatusCreated, "Payment created", intent)
}

// GetPaymentStatus returns one intent with its refund history
func (h *PaymentHandler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	intentID := chi.URLParam(r, "intentID")
	if intentID == "" {
		response.Error(w, http.StatusBadRequest, "Missing intent ID", nil)
		return
	}

	intent, refunds, err := h.orchestrator.Status(ctx, intentID)
	if err != nil {
		writePaymentError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Payment status retrieved", map[string]any{
		"intent":  intent,
		"refunds": refunds,
	})
}

type retryPaymentRequest struct {
	Purpose           string `json:"purpose" validate:"required"`
	ReferenceID       string `json:"referenceId" validate:"required"`
	TenantID          string `json:"tenant"`
	Requester         string `json:"requester"`
	Phone             string `json:"phone"`
	PreferredProvider string `json:"preferredProvider"`
}

// RetryPayment re-drives the payment behind a business reference. The caller
// addresses the charge by (tenant, purpose, referenceId) and never needs to
// know which intent in the retry chain is current.
func (h *PaymentHandler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req retryPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	intent, err := h.orchestrator.Retry(ctx, payment.RetryInput{
		TenantID:          req.TenantID,
		Requester:         req.Requester,
		Purpose:           req.Purpose,
		ReferenceID:       req.ReferenceID,
		Phone:             req.Phone,
		PreferredProvider: req.PreferredProvider,
	})
	if err != nil {
		writePaymentError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Payment retry accepted", intent)
}

type voidPaymentRequest struct {
	Reason string `json:"reason"`
}

// VoidPayment cancels a payment that has not settled yet
func (h *PaymentHandler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	intentID := chi.URLParam(r, "intentID")
	if intentID == "" {
		response.Error(w, http.StatusBadRequest, "Missing intent ID", nil)
		return
	}

	var req voidPaymentRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	intent, err := h.orchestrator.Void(ctx, intentID, req.Reason)
	if err != nil {
		writePaymentError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Payment voided", intent)
}

type refundPaymentRequest struct {
	Amount    int64  `json:"amount" validate:"omitempty,gte=0"`
	Reason    string `json:"reason"`
	Requester string `json:"requester"`
}

// RefundPayment returns money for a settled payment. A zero or absent amount
// refunds the remaining balance.
func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	intentID := chi.URLParam(r, "intentID")
	if intentID == "" {
		response.Error(w, http.StatusBadRequest, "Missing intent ID", nil)
		return
	}

	var req refundPaymentRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	refund, err := h.orchestrator.Refund(ctx, intentID, req.Amount, req.Reason, req.Requester)
	if err != nil {
		if refund != nil {
			response.Error(w, http.StatusBadGateway, "Refund failed at provider", err)
			return
		}
		writePaymentError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Refund processed", refund)
}

// HandleWebhook ingests one provider callback. Bad signatures, unparseable
// payloads and unknown providers are rejected with 400; everything accepted
// is answered 200 even when it changes nothing, redeliveries must stop.
func (h *PaymentHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	providerName := chi.URLParam(r, "provider")
	if providerName == "" {
		response.Error(w, http.StatusBadRequest, "Missing provider", nil)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "Failed to read payload", err)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	outcome, err := h.webhooks.Handle(ctx, providerName, payload, headers)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidSignature):
			response.Error(w, http.StatusBadRequest, "Invalid signature", err)
		case errors.Is(err, provider.ErrMalformedPayload):
			response.Error(w, http.StatusBadRequest, "Malformed payload", err)
		case errors.Is(err, provider.ErrUnknownProvider):
			response.Error(w, http.StatusBadRequest, "Unknown provider", err)
		default:
			response.Error(w, http.StatusInternalServerError, "Webhook processing failed", err)
		}
		return
	}

	response.Success(w, http.StatusOK, "Webhook accepted", outcome)
}

// ListProviders returns every registered provider with its capabilities
func (h *PaymentHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, "Providers retrieved", h.registry.AllCapabilities())
}

// writePaymentError maps orchestrator errors onto HTTP statuses
func writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrIntentNotFound):
		response.Error(w, http.StatusNotFound, "Payment not found", err)
	case errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrProviderUnsupported):
		response.Error(w, http.StatusBadRequest, "Invalid payment request", err)
	case errors.Is(err, payment.ErrNoProviderAvailable):
		response.Error(w, http.StatusUnprocessableEntity, "No payment provider available", err)
	case errors.Is(err, payment.ErrIntentNotRetryable),
		errors.Is(err, payment.ErrIntentNotVoidable),
		errors.Is(err, payment.ErrIntentNotRefundable),
		errors.Is(err, payment.ErrRefundNotSupported):
		response.Error(w, http.StatusConflict, "Operation not allowed in current state", err)
	default:
		response.Error(w, http.StatusInternalServerError, "Payment operation failed", err)
	}
}
