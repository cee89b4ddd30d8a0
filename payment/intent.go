package payment

import (
	"errors"
	"fmt"
	"time"
)

// IntentStatus represents the lifecycle state of a PaymentIntent
type IntentStatus string

const (
	IntentCreated    IntentStatus = "created"
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentSuccess    IntentStatus = "success"
	IntentFailed     IntentStatus = "failed"
	IntentCancelled  IntentStatus = "cancelled"
	IntentRefunded   IntentStatus = "refunded"
)

// IntentEvent is something that happened to a payment intent
type IntentEvent string

const (
	EventProviderAccepted   IntentEvent = "provider_accepted"
	EventProviderProcessing IntentEvent = "provider_processing"
	EventSucceeded          IntentEvent = "succeeded"
	EventFailed             IntentEvent = "failed"
	EventCancelled          IntentEvent = "cancelled"
	EventRefunded           IntentEvent = "refunded"
	EventExpired            IntentEvent = "expired"
)

// Purpose tags carried by intents. Free-form, these are the known ones.
const (
	PurposeSubscription = "subscription"
	PurposeDomain       = "domain"
	PurposeStorefront   = "storefront"
)

// MetaExternalID is the metadata key carrying the caller's own correlation id.
// Webhooks that echo this value instead of a provider transaction id are
// resolved through it.
const MetaExternalID = "external_id"

// ErrInvalidTransition is returned when an event is not legal for the
// intent's current status
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the single authority on status changes: current status ×
// event → next status. Anything absent is rejected, which is what makes
// terminal states terminal.
var transitions = map[IntentStatus]map[IntentEvent]IntentStatus{
	IntentCreated: {
		EventProviderAccepted:   IntentPending,
		EventProviderProcessing: IntentProcessing,
		EventSucceeded:          IntentSuccess,
		EventFailed:             IntentFailed,
		EventCancelled:          IntentCancelled,
		EventExpired:            IntentFailed,
	},
	IntentPending: {
		EventProviderProcessing: IntentProcessing,
		EventSucceeded:          IntentSuccess,
		EventFailed:             IntentFailed,
		EventCancelled:          IntentCancelled,
		EventExpired:            IntentFailed,
	},
	IntentProcessing: {
		EventSucceeded: IntentSuccess,
		EventFailed:    IntentFailed,
		EventExpired:   IntentFailed,
	},
	IntentSuccess: {
		EventRefunded: IntentRefunded,
	},
}

// NextStatus resolves a transition or returns ErrInvalidTransition
func NextStatus(current IntentStatus, event IntentEvent) (IntentStatus, error) {
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
}

// CanTransition reports whether the event is legal for the current status
func CanTransition(current IntentStatus, event IntentEvent) bool {
	_, ok := transitions[current][event]
	return ok
}

// IsTerminal reports whether a status is final. Refunded intents can still
// never leave success/refunded territory; refunded itself accepts nothing.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentSuccess, IntentFailed, IntentCancelled, IntentRefunded:
		return true
	}
	return false
}

// PaymentIntent is the canonical record of one requested payment attempt.
// Amount is in the smallest currency unit. Rows are never deleted.
type PaymentIntent struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId,omitempty"`
	Requester        string            `json:"requester,omitempty"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Purpose          string            `json:"purpose"`
	Provider         string            `json:"provider"`
	ProviderTxID     string            `json:"providerTxId,omitempty"`
	Status           IntentStatus      `json:"status"`
	IdempotencyKey   string            `json:"idempotencyKey"`
	FailureReason    string            `json:"failureReason,omitempty"`
	RetryCount       int               `json:"retryCount"`
	OriginalIntentID string            `json:"originalIntentId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ExpiresAt        time.Time         `json:"expiresAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Expired reports whether the fixed expiry window has passed
func (p *PaymentIntent) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Reusable reports whether a retry call may hand this intent back unchanged
func (p *PaymentIntent) Reusable(now time.Time) bool {
	return !p.Status.IsTerminal() && !p.Expired(now)
}

// ExternalRef returns the caller-supplied correlation id, if any
func (p *PaymentIntent) ExternalRef() string {
	return p.Metadata[MetaExternalID]
}

// TransactionLog kinds. One row per provider interaction, append-only.
const (
	LogKindCreateCall     = "create_call"
	LogKindWebhookReceive = "webhook_received"
	LogKindReconcileCheck = "reconcile_check"
	LogKindRefundCall     = "refund_call"
	LogKindVoid           = "void"
	LogKindExpired        = "expired"
)

// TransactionLog is an immutable record of one interaction with a provider
type TransactionLog struct {
	ID        int64     `json:"id"`
	IntentID  string    `json:"intentId"`
	Provider  string    `json:"provider"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventLogEntry is the webhook idempotency primitive, keyed by the
// provider-assigned event id
type EventLogEntry struct {
	ID          int64      `json:"id"`
	Provider    string     `json:"provider"`
	EventID     string     `json:"eventId"`
	Processed   bool       `json:"processed"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// RefundStatus values for RefundRequest
const (
	RefundRequested = "requested"
	RefundPending   = "pending"
	RefundSuccess   = "success"
	RefundFailed    = "failed"
)

// RefundRequest tracks one refund against a payment intent
type RefundRequest struct {
	ID               string    `json:"id"`
	IntentID         string    `json:"intentId"`
	Amount           int64     `json:"amount"`
	Status           string    `json:"status"`
	ProviderRefundID string    `json:"providerRefundId,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Requester        string    `json:"requester,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// MerchantPaymentMethod is the per-tenant provider enablement record,
// consumed read-only for provider selection
type MerchantPaymentMethod struct {
	TenantID string            `json:"tenantId"`
	Provider string            `json:"provider"`
	Enabled  bool              `json:"enabled"`
	Verified bool              `json:"verified"`
	Config   map[string]string `json:"-"`
	Priority int               `json:"priority"`
}
