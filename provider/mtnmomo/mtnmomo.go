package mtnmomo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/payflowhq/payflow/provider"
)

const (
	// API URLs
	apiSandboxURL    = "https://sandbox.momodeveloper.mtn.com"
	apiProductionURL = "https://proxy.momoapi.mtn.com"

	// API Endpoints
	endpointToken        = "/collection/token/"
	endpointRequestToPay = "/collection/v1_0/requesttopay"
	endpointPaymentState = "/collection/v1_0/requesttopay/%s" // %s is the reference id

	// MoMo status codes
	statusPending    = "PENDING"
	statusSuccessful = "SUCCESSFUL"
	statusFailed     = "FAILED"

	// Signature header set by the callback forwarder
	signatureHeader = "X-Callback-Signature"

	defaultTimeout = 10 * time.Second
)

// MomoProvider implements the provider.PaymentProvider interface for MTN
// Mobile Money collections
type MomoProvider struct {
	subscriptionKey string
	apiUser         string
	apiKey          string
	webhookSecret   string
	callbackHost    string
	targetEnv       string
	baseURL         string
	isProduction    bool
	client          *provider.ProviderHTTPClient
}

// NewProvider creates a new MTN MoMo payment provider
func NewProvider() provider.PaymentProvider {
	return &MomoProvider{}
}

// Initialize sets up the MoMo provider with tenant credentials
func (p *MomoProvider) Initialize(conf map[string]string) error {
	p.subscriptionKey = conf["subscriptionKey"]
	p.apiUser = conf["apiUser"]
	p.apiKey = conf["apiKey"]
	p.webhookSecret = conf["webhookSecret"]
	p.callbackHost = conf["callbackHost"]

	if p.subscriptionKey == "" {
		return errors.New("mtnmomo: subscriptionKey is required")
	}
	if p.apiUser == "" || p.apiKey == "" {
		return errors.New("mtnmomo: apiUser and apiKey are required")
	}

	p.isProduction = conf["environment"] == "production"
	if p.isProduction {
		p.baseURL = apiProductionURL
		p.targetEnv = "mtncameroon"
	} else {
		p.baseURL = apiSandboxURL
		p.targetEnv = "sandbox"
	}

	p.client = provider.NewProviderHTTPClient(&provider.HTTPClientConfig{
		BaseURL:            p.baseURL,
		Timeout:            defaultTimeout,
		InsecureSkipVerify: !p.isProduction,
		DefaultHeaders: map[string]string{
			"Ocp-Apim-Subscription-Key": p.subscriptionKey,
			"X-Target-Environment":      p.targetEnv,
		},
	})

	return nil
}

// Capabilities returns the static capability metadata for MTN MoMo.
// Collections cannot be refunded through this API, refunds go through the
// merchant's disbursement account instead.
func (p *MomoProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Modes:          []provider.PaymentMode{provider.ModeUSSD},
		Currencies:     []string{"XAF", "EUR"},
		Countries:      []string{"CM"},
		SupportsRefund: false,
		MinAmount:      100,
		MaxAmount:      1000000 * 100,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   any    `json:"expires_in"`
}

type requestToPayBody struct {
	Amount       string      `json:"amount"`
	Currency     string      `json:"currency"`
	ExternalID   string      `json:"externalId"`
	Payer        payerParty  `json:"payer"`
	PayerMessage string      `json:"payerMessage,omitempty"`
	PayeeNote    string      `json:"payeeNote,omitempty"`
}

type payerParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type paymentStateResponse struct {
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason,omitempty"`
	FinancialTransactionID string `json:"financialTransactionId,omitempty"`
}

// Create starts a request-to-pay: the customer receives a USSD prompt and the
// final outcome arrives via webhook or reconciliation, never synchronously.
func (p *MomoProvider) Create(ctx context.Context, request provider.CreateRequest) (*provider.Result, error) {
	if request.Phone == "" {
		return nil, errors.New("mtnmomo: payer phone number is required")
	}

	token, err := p.fetchToken(ctx)
	if err != nil {
		return failureResult("AUTH_FAILED", err.Error(), false), nil
	}

	// The reference id we mint here is the provider transaction id for the
	// lifetime of this payment.
	referenceID := uuid.New().String()

	body := requestToPayBody{
		Amount:     strconv.FormatInt(request.Amount, 10),
		Currency:   request.Currency,
		ExternalID: request.Reference,
		Payer: payerParty{
			PartyIDType: "MSISDN",
			PartyID:     request.Phone,
		},
		PayerMessage: request.Description,
		PayeeNote:    request.Description,
	}

	headers := map[string]string{
		"Authorization":  "Bearer " + token,
		"X-Reference-Id": referenceID,
	}
	if p.callbackHost != "" {
		headers["X-Callback-Url"] = fmt.Sprintf("%s/payments/webhooks/mtnmomo/", p.callbackHost)
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointRequestToPay,
		Headers:  headers,
		Body:     body,
	})
	if err != nil {
		return failureResult("GATEWAY_ERROR", err.Error(), provider.IsRetryableError(err) || (resp != nil && provider.IsRetryableStatus(resp.StatusCode))), nil
	}

	if resp.StatusCode != http.StatusAccepted {
		return failureResult(
			fmt.Sprintf("HTTP_%d", resp.StatusCode),
			string(resp.Body),
			provider.IsRetryableStatus(resp.StatusCode),
		), nil
	}

	return &provider.Result{
		Success:      true,
		Status:       provider.StatusPending,
		Mode:         provider.ModeUSSD,
		ProviderTxID: referenceID,
		Instructions: "Confirm the payment on your phone by entering your Mobile Money PIN",
	}, nil
}

// Confirm fetches the current state of a request-to-pay
func (p *MomoProvider) Confirm(ctx context.Context, providerTxID string) (*provider.Result, error) {
	if providerTxID == "" {
		return nil, errors.New("mtnmomo: providerTxID is required")
	}

	token, err := p.fetchToken(ctx)
	if err != nil {
		return failureResult("AUTH_FAILED", err.Error(), false), nil
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf(endpointPaymentState, providerTxID),
		Headers:  map[string]string{"Authorization": "Bearer " + token},
	})
	if err != nil {
		return failureResult("GATEWAY_ERROR", err.Error(), true), nil
	}

	var state paymentStateResponse
	if err := p.client.ParseJSONResponse(resp, &state); err != nil {
		return nil, fmt.Errorf("mtnmomo: failed to parse payment state: %w", err)
	}

	result := &provider.Result{
		ProviderTxID: providerTxID,
		Mode:         provider.ModeUSSD,
	}

	switch state.Status {
	case statusSuccessful:
		result.Success = true
		result.Status = provider.StatusSuccessful
	case statusFailed:
		result.Status = provider.StatusFailed
		result.ErrorCode = reasonCode(state.Reason)
		result.Message = reasonCode(state.Reason)
	default:
		result.Success = true
		result.Status = provider.StatusPending
	}

	return result, nil
}

// Refund is not supported by the collections API
func (p *MomoProvider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	return nil, errors.New("mtnmomo: refunds are not supported")
}

// VerifySignature checks the HMAC-SHA256 signature of a webhook delivery
func (p *MomoProvider) VerifySignature(payload []byte, headers map[string]string) bool {
	if p.webhookSecret == "" {
		return false
	}

	signature := headers[signatureHeader]
	if signature == "" {
		signature = headers[http.CanonicalHeaderKey(signatureHeader)]
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

type webhookBody struct {
	ReferenceID            string `json:"referenceId"`
	ExternalID             string `json:"externalId"`
	FinancialTransactionID string `json:"financialTransactionId"`
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason,omitempty"`
}

// ParseWebhook validates and normalizes a request-to-pay callback
func (p *MomoProvider) ParseWebhook(payload []byte, headers map[string]string) (*provider.WebhookEvent, error) {
	if !p.VerifySignature(payload, headers) {
		return nil, provider.ErrInvalidSignature
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, provider.ErrMalformedPayload
	}
	if body.Status == "" {
		return nil, provider.ErrMalformedPayload
	}

	amount, _ := strconv.ParseInt(body.Amount, 10, 64)

	event := &provider.WebhookEvent{
		EventID:      eventID(payload),
		ProviderTxID: body.ReferenceID,
		ExternalRef:  body.ExternalID,
		Amount:       amount,
		Currency:     body.Currency,
		Reason:       reasonCode(body.Reason),
	}

	switch body.Status {
	case statusSuccessful:
		event.Status = provider.StatusSuccessful
	case statusFailed:
		event.Status = provider.StatusFailed
	default:
		event.Status = provider.StatusPending
	}

	return event, nil
}

// fetchToken obtains a collection access token via basic auth
func (p *MomoProvider) fetchToken(ctx context.Context) (string, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(p.apiUser + ":" + p.apiKey))

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointToken,
		Headers:  map[string]string{"Authorization": "Basic " + basic},
	})
	if err != nil {
		return "", fmt.Errorf("mtnmomo: token request failed: %w", err)
	}

	var token tokenResponse
	if err := p.client.ParseJSONResponse(resp, &token); err != nil {
		return "", fmt.Errorf("mtnmomo: failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("mtnmomo: empty access token")
	}

	return token.AccessToken, nil
}

// eventID derives a stable event id from the payload. MoMo callbacks carry no
// delivery id of their own, so a content hash makes redeliveries collapse
// onto the same event log row.
func eventID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "momo_" + hex.EncodeToString(sum[:16])
}

func reasonCode(reason any) string {
	switch r := reason.(type) {
	case string:
		return r
	case map[string]any:
		if code, ok := r["code"].(string); ok {
			return code
		}
	}
	return ""
}

func failureResult(code, message string, retryable bool) *provider.Result {
	return &provider.Result{
		Success:   false,
		Status:    provider.StatusFailed,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}
}
