package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflowhq/payflow/infra/response"
	"github.com/payflowhq/payflow/payment"
	"github.com/payflowhq/payflow/provider"
)

// Mock orchestrator for handler tests
type mockOrchestrator struct {
	createFunc func(ctx context.Context, in payment.CreateInput) (*payment.PaymentIntent, error)
	retryFunc  func(ctx context.Context, in payment.RetryInput) (*payment.PaymentIntent, error)
	voidFunc   func(ctx context.Context, intentID, reason string) (*payment.PaymentIntent, error)
	refundFunc func(ctx context.Context, intentID string, amount int64, reason, requester string) (*payment.RefundRequest, error)
	statusFunc func(ctx context.Context, intentID string) (*payment.PaymentIntent, []*payment.RefundRequest, error)
}

func (m *mockOrchestrator) Create(ctx context.Context, in payment.CreateInput) (*payment.PaymentIntent, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, in)
	}
	return &payment.PaymentIntent{
		ID:       "intent-123",
		Amount:   in.Amount,
		Currency: in.Currency,
		Purpose:  in.Purpose,
		Status:   payment.IntentPending,
	}, nil
}

func (m *mockOrchestrator) Retry(ctx context.Context, in payment.RetryInput) (*payment.PaymentIntent, error) {
	if m.retryFunc != nil {
		return m.retryFunc(ctx, in)
	}
	return &payment.PaymentIntent{ID: "intent-retry", Status: payment.IntentPending}, nil
}

func (m *mockOrchestrator) Void(ctx context.Context, intentID, reason string) (*payment.PaymentIntent, error) {
	if m.voidFunc != nil {
		return m.voidFunc(ctx, intentID, reason)
	}
	return &payment.PaymentIntent{ID: intentID, Status: payment.IntentCancelled}, nil
}

func (m *mockOrchestrator) Refund(ctx context.Context, intentID string, amount int64, reason, requester string) (*payment.RefundRequest, error) {
	if m.refundFunc != nil {
		return m.refundFunc(ctx, intentID, amount, reason, requester)
	}
	return &payment.RefundRequest{ID: "refund-123", IntentID: intentID, Status: payment.RefundSuccess}, nil
}

func (m *mockOrchestrator) Status(ctx context.Context, intentID string) (*payment.PaymentIntent, []*payment.RefundRequest, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx, intentID)
	}
	return &payment.PaymentIntent{ID: intentID, Status: payment.IntentSuccess}, nil, nil
}

type mockWebhooks struct {
	handleFunc func(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*payment.WebhookOutcome, error)
}

func (m *mockWebhooks) Handle(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*payment.WebhookOutcome, error) {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, providerName, payload, headers)
	}
	return &payment.WebhookOutcome{Applied: true, IntentID: "intent-123", Status: payment.IntentSuccess}, nil
}

type stubCapProvider struct{}

func (stubCapProvider) Initialize(config map[string]string) error { return nil }
func (stubCapProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Currencies: []string{"XOF"}, SupportsRefund: true, MinAmount: 1}
}
func (stubCapProvider) Create(ctx context.Context, request provider.CreateRequest) (*provider.Result, error) {
	return nil, nil
}
func (stubCapProvider) Confirm(ctx context.Context, providerTxID string) (*provider.Result, error) {
	return nil, nil
}
func (stubCapProvider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	return nil, nil
}
func (stubCapProvider) VerifySignature(payload []byte, headers map[string]string) bool { return true }
func (stubCapProvider) ParseWebhook(payload []byte, headers map[string]string) (*provider.WebhookEvent, error) {
	return nil, provider.ErrMalformedPayload
}

func newTestHandler(orch *mockOrchestrator, hooks *mockWebhooks) *PaymentHandler {
	registry := provider.NewRegistry()
	registry.Register("fakepay", func() provider.PaymentProvider { return stubCapProvider{} })
	return NewPaymentHandler(orch, hooks, registry, validator.New())
}

func doRequest(h http.HandlerFunc, method, target, body string, params map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, target, reader)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestCreatePaymentSuccess(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	body := `{"amount":5000,"currency":"XOF","purpose":"subscription","idempotencyKey":"idem-1"}`
	rec := doRequest(h.CreatePayment, http.MethodPost, "/v1/payments", body, nil)

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp response.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestCreatePaymentValidation(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	tests := []struct {
		name string
		body string
	}{
		{"missing amount", `{"currency":"XOF","purpose":"subscription"}`},
		{"negative amount", `{"amount":-5,"currency":"XOF","purpose":"subscription"}`},
		{"bad currency", `{"amount":100,"currency":"FRANCS","purpose":"subscription"}`},
		{"missing purpose", `{"amount":100,"currency":"XOF"}`},
		{"not json", `amount=100`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h.CreatePayment, http.MethodPost, "/v1/payments", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreatePaymentIdempotencyHeader(t *testing.T) {
	var seen string
	h := newTestHandler(&mockOrchestrator{
		createFunc: func(ctx context.Context, in payment.CreateInput) (*payment.PaymentIntent, error) {
			seen = in.IdempotencyKey
			return &payment.PaymentIntent{ID: "intent-123", Status: payment.IntentPending}, nil
		},
	}, &mockWebhooks{})

	body := `{"amount":5000,"currency":"XOF","purpose":"subscription"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "header-key-1")
	rec := httptest.NewRecorder()
	h.CreatePayment(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "header-key-1", seen)
}

func TestCreatePaymentErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unsupported", payment.ErrProviderUnsupported, http.StatusBadRequest},
		{"no provider", payment.ErrNoProviderAvailable, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&mockOrchestrator{
				createFunc: func(ctx context.Context, in payment.CreateInput) (*payment.PaymentIntent, error) {
					return nil, tt.err
				},
			}, &mockWebhooks{})

			body := `{"amount":5000,"currency":"XOF","purpose":"subscription","idempotencyKey":"k"}`
			rec := doRequest(h.CreatePayment, http.MethodPost, "/v1/payments", body, nil)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestGetPaymentStatus(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	rec := doRequest(h.GetPaymentStatus, http.MethodGet, "/v1/payments/status/intent-123", "", map[string]string{"intentID": "intent-123"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h.GetPaymentStatus, http.MethodGet, "/v1/payments/status/", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPaymentStatusNotFound(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{
		statusFunc: func(ctx context.Context, intentID string) (*payment.PaymentIntent, []*payment.RefundRequest, error) {
			return nil, nil, payment.ErrIntentNotFound
		},
	}, &mockWebhooks{})

	rec := doRequest(h.GetPaymentStatus, http.MethodGet, "/v1/payments/status/missing", "", map[string]string{"intentID": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryPayment(t *testing.T) {
	var seen payment.RetryInput
	h := newTestHandler(&mockOrchestrator{
		retryFunc: func(ctx context.Context, in payment.RetryInput) (*payment.PaymentIntent, error) {
			seen = in
			return &payment.PaymentIntent{ID: "intent-retry", Status: payment.IntentPending}, nil
		},
	}, &mockWebhooks{})

	body := `{"purpose":"subscription","referenceId":"sub-99","tenant":"tenant-1","requester":"user-1","phone":"+237670000001"}`
	rec := doRequest(h.RetryPayment, http.MethodPost, "/v1/payments/retry", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "subscription", seen.Purpose)
	assert.Equal(t, "sub-99", seen.ReferenceID)
	assert.Equal(t, "tenant-1", seen.TenantID)
	assert.Equal(t, "+237670000001", seen.Phone)
}

func TestRetryPaymentValidation(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	// purpose and referenceId are mandatory
	rec := doRequest(h.RetryPayment, http.MethodPost, "/v1/payments/retry", `{"requester":"user-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryPaymentSettledConflict(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{
		retryFunc: func(ctx context.Context, in payment.RetryInput) (*payment.PaymentIntent, error) {
			return nil, payment.ErrIntentNotRetryable
		},
	}, &mockWebhooks{})

	body := `{"purpose":"subscription","referenceId":"sub-99"}`
	rec := doRequest(h.RetryPayment, http.MethodPost, "/v1/payments/retry", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVoidPayment(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	rec := doRequest(h.VoidPayment, http.MethodPost, "/v1/payments/void/intent-1", `{"reason":"user cancelled"}`, map[string]string{"intentID": "intent-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefundPaymentConflict(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{
		refundFunc: func(ctx context.Context, intentID string, amount int64, reason, requester string) (*payment.RefundRequest, error) {
			return nil, payment.ErrIntentNotRefundable
		},
	}, &mockWebhooks{})

	rec := doRequest(h.RefundPayment, http.MethodPost, "/v1/payments/refund/intent-1", "", map[string]string{"intentID": "intent-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleWebhook(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	rec := doRequest(h.HandleWebhook, http.MethodPost, "/v1/webhooks/fakepay", `{"event":"x"}`, map[string]string{"provider": "fakepay"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleWebhookInvalidSignature(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{
		handleFunc: func(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*payment.WebhookOutcome, error) {
			return nil, provider.ErrInvalidSignature
		},
	})

	rec := doRequest(h.HandleWebhook, http.MethodPost, "/v1/webhooks/fakepay", `{}`, map[string]string{"provider": "fakepay"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{
		handleFunc: func(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*payment.WebhookOutcome, error) {
			return nil, provider.ErrUnknownProvider
		},
	})

	rec := doRequest(h.HandleWebhook, http.MethodPost, "/v1/webhooks/nosuch", `{}`, map[string]string{"provider": "nosuch"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookMalformed(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{
		handleFunc: func(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*payment.WebhookOutcome, error) {
			return nil, provider.ErrMalformedPayload
		},
	})

	rec := doRequest(h.HandleWebhook, http.MethodPost, "/v1/webhooks/fakepay", `garbage`, map[string]string{"provider": "fakepay"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookMissingProvider(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	rec := doRequest(h.HandleWebhook, http.MethodPost, "/v1/webhooks/", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListProviders(t *testing.T) {
	h := newTestHandler(&mockOrchestrator{}, &mockWebhooks{})

	rec := doRequest(h.ListProviders, http.MethodGet, "/v1/providers", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp response.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "fakepay")
}
