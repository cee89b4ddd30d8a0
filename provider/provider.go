package provider

import (
	"context"
	"errors"
	"time"
)

// PaymentStatus represents the provider-reported status of a payment
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusSuccessful PaymentStatus = "successful"
	StatusFailed     PaymentStatus = "failed"
	StatusCancelled  PaymentStatus = "cancelled"
	StatusRefunded   PaymentStatus = "refunded"
)

// PaymentMode identifies how the customer completes the payment
type PaymentMode string

const (
	ModeRedirect PaymentMode = "redirect" // hosted page, caller follows RedirectURL
	ModeUSSD     PaymentMode = "ussd"     // push prompt on the customer's phone
	ModeQR       PaymentMode = "qr"       // customer scans a QR code
	ModeDirect   PaymentMode = "direct"   // charged immediately, no interaction
)

// Sentinel errors surfaced by adapters and the registry. Webhook parsing
// failures are hard errors; everything gateway-side travels as data on the
// Result instead.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownProvider  = errors.New("payment provider is not registered")
)

// Capabilities describes what a provider supports. Computed once at
// registration time and served from the registry cache afterwards.
type Capabilities struct {
	Modes          []PaymentMode `json:"modes"`
	Currencies     []string      `json:"currencies"`
	Countries      []string      `json:"countries"`
	SupportsRefund bool          `json:"supportsRefund"`
	MinAmount      int64         `json:"minAmount"`
	MaxAmount      int64         `json:"maxAmount"`
}

// SupportsCurrency reports whether the provider accepts the given currency code
func (c Capabilities) SupportsCurrency(currency string) bool {
	for _, cur := range c.Currencies {
		if cur == currency {
			return true
		}
	}
	return false
}

// CreateRequest carries everything an adapter needs to start a payment.
// Amount is in the smallest currency unit.
type CreateRequest struct {
	IntentID    string            `json:"intentId"`
	TenantID    string            `json:"tenantId,omitempty"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Phone       string            `json:"phone,omitempty"`
	Description string            `json:"description,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Result is the standardized outcome of a create or confirm call.
// Gateway failures are reported as data: Success=false plus ErrorCode and the
// Retryable classification, so the orchestrator can make policy decisions
// without exception-style control flow.
type Result struct {
	Success      bool              `json:"success"`
	Status       PaymentStatus     `json:"status"`
	Mode         PaymentMode       `json:"mode,omitempty"`
	ProviderTxID string            `json:"providerTxId,omitempty"`
	RedirectURL  string            `json:"redirectUrl,omitempty"`
	ClientToken  string            `json:"clientToken,omitempty"`
	QRCode       string            `json:"qrCode,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Message      string            `json:"message,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	Retryable    bool              `json:"retryable,omitempty"`
	SystemTime   *time.Time        `json:"systemTime,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// RefundRequest contains information to request a refund
type RefundRequest struct {
	ProviderTxID string `json:"providerTxId"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// RefundResult contains the result of a refund request
type RefundResult struct {
	Success          bool   `json:"success"`
	ProviderRefundID string `json:"providerRefundId,omitempty"`
	Status           string `json:"status,omitempty"`
	Amount           int64  `json:"amount,omitempty"`
	Message          string `json:"message,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	Retryable        bool   `json:"retryable,omitempty"`
}

// WebhookEvent is the normalized form of one provider callback
type WebhookEvent struct {
	EventID      string            `json:"eventId"`
	ProviderTxID string            `json:"providerTxId,omitempty"`
	// ExternalRef echoes the caller-supplied correlation id when the provider
	// does not return its own transaction id in the callback.
	ExternalRef string            `json:"externalRef,omitempty"`
	Status      PaymentStatus     `json:"status"`
	Amount      int64             `json:"amount,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Raw         map[string]string `json:"raw,omitempty"`
}

// PaymentProvider defines the interface that all payment gateways must implement.
// Create must complete within a short bound; any longer-running confirmation
// happens out-of-band via webhook or reconciliation.
type PaymentProvider interface {
	// Initialize sets up the payment provider with tenant-specific configuration
	Initialize(config map[string]string) error

	// Capabilities returns the static capability metadata for this provider
	Capabilities() Capabilities

	// Create starts a payment at the gateway
	Create(ctx context.Context, request CreateRequest) (*Result, error)

	// Confirm fetches the current gateway-side state of a payment
	Confirm(ctx context.Context, providerTxID string) (*Result, error)

	// Refund issues a full or partial refund for a completed payment
	Refund(ctx context.Context, request RefundRequest) (*RefundResult, error)

	// VerifySignature checks the authenticity of a raw webhook delivery
	VerifySignature(payload []byte, headers map[string]string) bool

	// ParseWebhook validates and normalizes a raw webhook delivery.
	// Returns ErrInvalidSignature or ErrMalformedPayload on rejection.
	ParseWebhook(payload []byte, headers map[string]string) (*WebhookEvent, error)
}

// ProviderFactory is a function type that creates a new PaymentProvider
type ProviderFactory func() PaymentProvider
