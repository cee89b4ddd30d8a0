package orangemoney

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/payflowhq/payflow/provider"
)

const (
	// API URLs
	apiSandboxURL    = "https://api.orange.com/orange-money-webpay/dev/v1"
	apiProductionURL = "https://api.orange.com/orange-money-webpay/cm/v1"
	apiTokenURL      = "https://api.orange.com/oauth/v3/token"

	// API Endpoints
	endpointWebPayment    = "/webpayment"
	endpointTransactionSt = "/transactionstatus"

	// Orange Money status codes
	statusInitiated = "INITIATED"
	statusPending   = "PENDING"
	statusSuccess   = "SUCCESS"
	statusFailed    = "FAILED"
	statusExpired   = "EXPIRED"

	signatureHeader = "X-Om-Signature"

	defaultTimeout = 10 * time.Second
)

// OrangeProvider implements the provider.PaymentProvider interface for the
// Orange Money web payment API
type OrangeProvider struct {
	clientID      string
	clientSecret  string
	merchantKey   string
	webhookSecret string
	returnURL     string
	isProduction  bool
	client        *provider.ProviderHTTPClient
}

// NewProvider creates a new Orange Money payment provider
func NewProvider() provider.PaymentProvider {
	return &OrangeProvider{}
}

// Initialize sets up the Orange Money provider with tenant credentials
func (p *OrangeProvider) Initialize(conf map[string]string) error {
	p.clientID = conf["clientId"]
	p.clientSecret = conf["clientSecret"]
	p.merchantKey = conf["merchantKey"]
	p.webhookSecret = conf["webhookSecret"]
	p.returnURL = conf["returnUrl"]

	if p.clientID == "" || p.clientSecret == "" {
		return errors.New("orangemoney: clientId and clientSecret are required")
	}
	if p.merchantKey == "" {
		return errors.New("orangemoney: merchantKey is required")
	}

	p.isProduction = conf["environment"] == "production"
	baseURL := apiSandboxURL
	if p.isProduction {
		baseURL = apiProductionURL
	}

	p.client = provider.NewProviderHTTPClient(&provider.HTTPClientConfig{
		BaseURL:            baseURL,
		Timeout:            defaultTimeout,
		InsecureSkipVerify: !p.isProduction,
	})

	return nil
}

// Capabilities returns the static capability metadata for Orange Money
func (p *OrangeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Modes:          []provider.PaymentMode{provider.ModeRedirect, provider.ModeQR},
		Currencies:     []string{"XAF", "XOF"},
		Countries:      []string{"CM", "CI", "SN"},
		SupportsRefund: true,
		MinAmount:      100,
		MaxAmount:      500000 * 100,
	}
}

type webPaymentBody struct {
	MerchantKey string `json:"merchant_key"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	ReturnURL   string `json:"return_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
	NotifURL    string `json:"notif_url,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

type webPaymentResponse struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	PayToken   string `json:"pay_token"`
	PaymentURL string `json:"payment_url"`
	NotifToken string `json:"notif_token"`
	QRCode     string `json:"qr_code,omitempty"`
}

type transactionStatusResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	TxnID   string `json:"txnid"`
}

// Create initiates a web payment session and hands back the hosted payment URL
func (p *OrangeProvider) Create(ctx context.Context, request provider.CreateRequest) (*provider.Result, error) {
	token, err := p.fetchToken(ctx)
	if err != nil {
		return failureResult("AUTH_FAILED", err.Error(), false), nil
	}

	body := webPaymentBody{
		MerchantKey: p.merchantKey,
		Currency:    request.Currency,
		OrderID:     request.IntentID,
		Amount:      request.Amount,
		ReturnURL:   p.returnURL,
		NotifURL:    request.CallbackURL,
		Lang:        "fr",
		Reference:   request.Reference,
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointWebPayment,
		Headers:  map[string]string{"Authorization": "Bearer " + token},
		Body:     body,
	})
	if err != nil {
		retryable := provider.IsRetryableError(err) || (resp != nil && provider.IsRetryableStatus(resp.StatusCode))
		return failureResult("GATEWAY_ERROR", err.Error(), retryable), nil
	}

	var payment webPaymentResponse
	if err := p.client.ParseJSONResponse(resp, &payment); err != nil {
		return nil, fmt.Errorf("orangemoney: failed to parse webpayment response: %w", err)
	}

	if payment.PayToken == "" {
		return failureResult("WEBPAYMENT_REJECTED", payment.Message, false), nil
	}

	return &provider.Result{
		Success:      true,
		Status:       provider.StatusPending,
		Mode:         provider.ModeRedirect,
		ProviderTxID: payment.PayToken,
		RedirectURL:  payment.PaymentURL,
		QRCode:       payment.QRCode,
		Meta:         map[string]string{"notifToken": payment.NotifToken},
	}, nil
}

// Confirm fetches the transaction status for a pay token
func (p *OrangeProvider) Confirm(ctx context.Context, providerTxID string) (*provider.Result, error) {
	if providerTxID == "" {
		return nil, errors.New("orangemoney: providerTxID is required")
	}

	token, err := p.fetchToken(ctx)
	if err != nil {
		return failureResult("AUTH_FAILED", err.Error(), false), nil
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointTransactionSt,
		Headers:  map[string]string{"Authorization": "Bearer " + token},
		Body:     map[string]string{"pay_token": providerTxID},
	})
	if err != nil {
		return failureResult("GATEWAY_ERROR", err.Error(), true), nil
	}

	var status transactionStatusResponse
	if err := p.client.ParseJSONResponse(resp, &status); err != nil {
		return nil, fmt.Errorf("orangemoney: failed to parse transaction status: %w", err)
	}

	return mapStatus(status.Status, providerTxID), nil
}

// Refund reverses a completed transaction through the merchant refund API
func (p *OrangeProvider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	if request.ProviderTxID == "" {
		return nil, errors.New("orangemoney: providerTxID is required")
	}

	token, err := p.fetchToken(ctx)
	if err != nil {
		return &provider.RefundResult{Success: false, ErrorCode: "AUTH_FAILED", Message: err.Error()}, nil
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: "/refund",
		Headers:  map[string]string{"Authorization": "Bearer " + token},
		Body: map[string]any{
			"pay_token": request.ProviderTxID,
			"amount":    request.Amount,
			"reason":    request.Reason,
		},
	})
	if err != nil {
		retryable := provider.IsRetryableError(err) || (resp != nil && provider.IsRetryableStatus(resp.StatusCode))
		return &provider.RefundResult{Success: false, ErrorCode: "GATEWAY_ERROR", Message: err.Error(), Retryable: retryable}, nil
	}

	var refund struct {
		Status   string `json:"status"`
		RefundID string `json:"refund_id"`
		Message  string `json:"message"`
	}
	if err := p.client.ParseJSONResponse(resp, &refund); err != nil {
		return nil, fmt.Errorf("orangemoney: failed to parse refund response: %w", err)
	}

	if refund.Status != statusSuccess && refund.Status != statusPending {
		return &provider.RefundResult{Success: false, ErrorCode: "REFUND_REJECTED", Message: refund.Message}, nil
	}

	return &provider.RefundResult{
		Success:          true,
		ProviderRefundID: refund.RefundID,
		Status:           refund.Status,
		Amount:           request.Amount,
	}, nil
}

// VerifySignature checks the SHA512 HMAC signature Orange attaches to
// notification deliveries
func (p *OrangeProvider) VerifySignature(payload []byte, headers map[string]string) bool {
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

	mac := hmac.New(sha512.New, []byte(p.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

type notificationBody struct {
	NotifToken string `json:"notif_token"`
	PayToken   string `json:"pay_token"`
	Status     string `json:"status"`
	OrderID    string `json:"order_id"`
	Reference  string `json:"reference"`
	Amount     any    `json:"amount"`
	Currency   string `json:"currency"`
}

// ParseWebhook validates and normalizes a payment notification. Orange echoes
// back the order id we supplied instead of its own transaction id when the
// session expired before a pay token was issued, so ExternalRef is always set.
func (p *OrangeProvider) ParseWebhook(payload []byte, headers map[string]string) (*provider.WebhookEvent, error) {
	if !p.VerifySignature(payload, headers) {
		return nil, provider.ErrInvalidSignature
	}

	var body notificationBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, provider.ErrMalformedPayload
	}
	if body.Status == "" || body.NotifToken == "" {
		return nil, provider.ErrMalformedPayload
	}

	event := &provider.WebhookEvent{
		EventID:      "om_" + body.NotifToken,
		ProviderTxID: body.PayToken,
		ExternalRef:  body.OrderID,
		Amount:       parseAmount(body.Amount),
		Currency:     body.Currency,
	}
	if event.ExternalRef == "" {
		event.ExternalRef = body.Reference
	}

	switch body.Status {
	case statusSuccess:
		event.Status = provider.StatusSuccessful
	case statusFailed, statusExpired:
		event.Status = provider.StatusFailed
		event.Reason = body.Status
	default:
		event.Status = provider.StatusPending
	}

	return event, nil
}

// fetchToken obtains an OAuth access token using the client credentials grant
func (p *OrangeProvider) fetchToken(ctx context.Context) (string, error) {
	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: apiTokenURL,
		FormData: map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     p.clientID,
			"client_secret": p.clientSecret,
		},
	})
	if err != nil {
		return "", fmt.Errorf("orangemoney: token request failed: %w", err)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.client.ParseJSONResponse(resp, &token); err != nil {
		return "", fmt.Errorf("orangemoney: failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("orangemoney: empty access token")
	}

	return token.AccessToken, nil
}

func mapStatus(status, providerTxID string) *provider.Result {
	result := &provider.Result{ProviderTxID: providerTxID, Mode: provider.ModeRedirect}

	switch status {
	case statusSuccess:
		result.Success = true
		result.Status = provider.StatusSuccessful
	case statusFailed, statusExpired:
		result.Status = provider.StatusFailed
		result.ErrorCode = status
	case statusInitiated, statusPending:
		result.Success = true
		result.Status = provider.StatusPending
	default:
		result.Success = true
		result.Status = provider.StatusProcessing
	}

	return result
}

func parseAmount(v any) int64 {
	switch a := v.(type) {
	case float64:
		return int64(a)
	case string:
		n, _ := strconv.ParseInt(a, 10, 64)
		return n
	}
	return 0
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
