package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/payflowhq/payflow/provider"
)

const signatureHeader = "Stripe-Signature"

// StripeProvider implements the provider.PaymentProvider interface on top of
// the official Stripe SDK. Card rails rather than mobile money; kept for
// tenants selling outside the mobile-money markets.
type StripeProvider struct {
	secretKey     string
	webhookSecret string
	api           *client.API
}

// NewProvider creates a new Stripe payment provider
func NewProvider() provider.PaymentProvider {
	return &StripeProvider{}
}

// Initialize sets up the Stripe payment provider with authentication credentials
func (p *StripeProvider) Initialize(conf map[string]string) error {
	p.secretKey = conf["secretKey"]
	p.webhookSecret = conf["webhookSecret"]

	if p.secretKey == "" {
		return errors.New("stripe: secretKey is required")
	}

	p.api = &client.API{}
	p.api.Init(p.secretKey, nil)

	return nil
}

// Capabilities returns the static capability metadata for Stripe
func (p *StripeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Modes:          []provider.PaymentMode{provider.ModeDirect, provider.ModeRedirect},
		Currencies:     []string{"USD", "EUR", "XAF", "GBP"},
		Countries:      []string{"US", "GB", "FR", "DE"},
		SupportsRefund: true,
		MinAmount:      50,
		MaxAmount:      99999999,
	}
}

// Create opens a PaymentIntent at Stripe. The client completes it with the
// returned client secret; the final outcome arrives via webhook.
func (p *StripeProvider) Create(ctx context.Context, request provider.CreateRequest) (*provider.Result, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(request.Amount),
		Currency: stripeapi.String(strings.ToLower(request.Currency)),
	}
	params.Context = ctx
	if request.Description != "" {
		params.Description = stripeapi.String(request.Description)
	}
	params.AddMetadata("external_id", request.Reference)
	params.AddMetadata("intent_id", request.IntentID)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return stripeFailure(err), nil
	}

	return &provider.Result{
		Success:      true,
		Status:       mapIntentStatus(pi.Status),
		Mode:         provider.ModeDirect,
		ProviderTxID: pi.ID,
		ClientToken:  pi.ClientSecret,
	}, nil
}

// Confirm retrieves the current state of a PaymentIntent
func (p *StripeProvider) Confirm(ctx context.Context, providerTxID string) (*provider.Result, error) {
	if providerTxID == "" {
		return nil, errors.New("stripe: providerTxID is required")
	}

	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Get(providerTxID, params)
	if err != nil {
		return stripeFailure(err), nil
	}

	result := &provider.Result{
		ProviderTxID: pi.ID,
		Status:       mapIntentStatus(pi.Status),
	}
	result.Success = result.Status == provider.StatusSuccessful ||
		result.Status == provider.StatusPending ||
		result.Status == provider.StatusProcessing
	if pi.LastPaymentError != nil {
		result.ErrorCode = string(pi.LastPaymentError.Code)
		result.Message = pi.LastPaymentError.Msg
	}

	return result, nil
}

// Refund issues a full or partial refund against a PaymentIntent
func (p *StripeProvider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	if request.ProviderTxID == "" {
		return nil, errors.New("stripe: providerTxID is required")
	}

	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(request.ProviderTxID),
	}
	params.Context = ctx
	if request.Amount > 0 {
		params.Amount = stripeapi.Int64(request.Amount)
	}
	if request.Reason != "" {
		params.Reason = stripeapi.String(string(stripeapi.RefundReasonRequestedByCustomer))
	}

	re, err := p.api.Refunds.New(params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) {
			return &provider.RefundResult{
				Success:   false,
				ErrorCode: string(stripeErr.Code),
				Message:   stripeErr.Msg,
				Retryable: isRetryable(stripeErr),
			}, nil
		}
		return &provider.RefundResult{Success: false, ErrorCode: "GATEWAY_ERROR", Message: err.Error(), Retryable: true}, nil
	}

	return &provider.RefundResult{
		Success:          true,
		ProviderRefundID: re.ID,
		Status:           string(re.Status),
		Amount:           re.Amount,
	}, nil
}

// VerifySignature checks the Stripe-Signature header against the endpoint secret
func (p *StripeProvider) VerifySignature(payload []byte, headers map[string]string) bool {
	if p.webhookSecret == "" {
		return false
	}

	sig := headers[signatureHeader]
	if sig == "" {
		sig = headers[http.CanonicalHeaderKey(signatureHeader)]
	}
	if sig == "" {
		return false
	}

	_, err := webhook.ConstructEventWithOptions(payload, sig, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	return err == nil
}

// ParseWebhook validates and normalizes a Stripe event delivery
func (p *StripeProvider) ParseWebhook(payload []byte, headers map[string]string) (*provider.WebhookEvent, error) {
	sig := headers[signatureHeader]
	if sig == "" {
		sig = headers[http.CanonicalHeaderKey(signatureHeader)]
	}
	if sig == "" || p.webhookSecret == "" {
		return nil, provider.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, provider.ErrInvalidSignature
	}

	var pi struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Metadata struct {
			ExternalID string `json:"external_id"`
		} `json:"metadata"`
		LastPaymentError *struct {
			Code string `json:"code"`
		} `json:"last_payment_error"`
	}
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, provider.ErrMalformedPayload
	}

	out := &provider.WebhookEvent{
		EventID:      event.ID,
		ProviderTxID: pi.ID,
		ExternalRef:  pi.Metadata.ExternalID,
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(pi.Currency),
	}

	switch event.Type {
	case "payment_intent.succeeded":
		out.Status = provider.StatusSuccessful
	case "payment_intent.payment_failed":
		out.Status = provider.StatusFailed
		if pi.LastPaymentError != nil {
			out.Reason = pi.LastPaymentError.Code
		}
	case "payment_intent.canceled":
		out.Status = provider.StatusCancelled
	default:
		out.Status = provider.StatusPending
	}

	return out, nil
}

func mapIntentStatus(status stripeapi.PaymentIntentStatus) provider.PaymentStatus {
	switch status {
	case stripeapi.PaymentIntentStatusSucceeded:
		return provider.StatusSuccessful
	case stripeapi.PaymentIntentStatusProcessing:
		return provider.StatusProcessing
	case stripeapi.PaymentIntentStatusCanceled:
		return provider.StatusCancelled
	case stripeapi.PaymentIntentStatusRequiresPaymentMethod,
		stripeapi.PaymentIntentStatusRequiresConfirmation,
		stripeapi.PaymentIntentStatusRequiresAction:
		return provider.StatusPending
	default:
		return provider.StatusPending
	}
}

func isRetryable(err *stripeapi.Error) bool {
	if err.HTTPStatusCode == http.StatusTooManyRequests || err.HTTPStatusCode >= 500 {
		return true
	}
	return err.Type == stripeapi.ErrorTypeAPI
}

func stripeFailure(err error) *provider.Result {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		return &provider.Result{
			Success:   false,
			Status:    provider.StatusFailed,
			ErrorCode: string(stripeErr.Code),
			Message:   stripeErr.Msg,
			Retryable: isRetryable(stripeErr),
		}
	}

	return &provider.Result{
		Success:   false,
		Status:    provider.StatusFailed,
		ErrorCode: "GATEWAY_ERROR",
		Message:   err.Error(),
		Retryable: true,
	}
}
