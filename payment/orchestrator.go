package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/payflowhq/payflow/infra/config"
	"github.com/payflowhq/payflow/infra/logger"
	"github.com/payflowhq/payflow/provider"
)

// Orchestrator errors surfaced to the API layer
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrNoProviderAvailable = errors.New("no enabled payment provider for tenant")
	ErrProviderUnsupported = errors.New("provider does not support this payment")
	ErrIntentNotRetryable  = errors.New("intent is not in a retryable state")
	ErrIntentNotVoidable   = errors.New("intent cannot be voided in its current state")
	ErrIntentNotRefundable = errors.New("only successful payments can be refunded")
	ErrRefundNotSupported  = errors.New("provider does not support refunds")
)

// Metadata keys written by the orchestrator so the client action survives an
// idempotent replay of the create call
const (
	MetaMode         = "mode"
	MetaRedirectURL  = "redirect_url"
	MetaClientToken  = "client_token"
	MetaQRCode       = "qr_code"
	MetaInstructions = "instructions"
)

// ConfigSource yields per-tenant provider credentials and selection order.
// The Store is the canonical implementation.
type ConfigSource interface {
	EnabledMethod(ctx context.Context, tenantID, providerName string) (*MerchantPaymentMethod, error)
	FirstEnabledMethod(ctx context.Context, tenantID string) (*MerchantPaymentMethod, error)
}

// StaticConfigSource serves fixed provider credentials regardless of tenant.
// Used by single-merchant deployments that configure providers from the
// environment instead of the merchant table.
type StaticConfigSource struct {
	Configs map[string]map[string]string
	Order   []string
}

func (s *StaticConfigSource) EnabledMethod(ctx context.Context, tenantID, providerName string) (*MerchantPaymentMethod, error) {
	conf, ok := s.Configs[providerName]
	if !ok {
		return nil, nil
	}
	return &MerchantPaymentMethod{
		TenantID: tenantID,
		Provider: providerName,
		Enabled:  true,
		Verified: true,
		Config:   conf,
	}, nil
}

func (s *StaticConfigSource) FirstEnabledMethod(ctx context.Context, tenantID string) (*MerchantPaymentMethod, error) {
	for _, name := range s.Order {
		if method, _ := s.EnabledMethod(ctx, tenantID, name); method != nil {
			return method, nil
		}
	}
	return nil, nil
}

// CreateInput carries one payment request from the API layer
type CreateInput struct {
	TenantID       string
	Requester      string
	Amount         int64
	Currency       string
	Purpose        string
	Provider       string
	Phone          string
	Description    string
	CallbackURL    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Orchestrator drives the payment intent lifecycle: creation against a
// provider, retry chains, voiding, refunds and reconciliation. All state
// mutations go through the store's locked transactions; provider calls happen
// strictly outside of them.
type Orchestrator struct {
	store      *Store
	registry   *provider.Registry
	configs    ConfigSource
	dispatcher *Dispatcher
	policy     *config.PaymentPolicy
}

// NewOrchestrator wires the orchestrator. configs may be nil, in which case
// the store serves tenant provider configuration.
func NewOrchestrator(store *Store, registry *provider.Registry, configs ConfigSource, dispatcher *Dispatcher, policy *config.PaymentPolicy) *Orchestrator {
	if configs == nil {
		configs = store
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil)
	}
	return &Orchestrator{
		store:      store,
		registry:   registry,
		configs:    configs,
		dispatcher: dispatcher,
		policy:     policy,
	}
}

// Create starts a new payment. Calls with a known idempotency key return the
// intent created by the first call and never reach the provider.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*PaymentIntent, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Currency == "" || in.Purpose == "" {
		return nil, fmt.Errorf("currency and purpose are required")
	}

	// callers without their own idempotency key get a minted one; the
	// key is still stored so the intent stays addressable
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.New().String()
	} else if existing, err := o.store.GetIntentByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrIntentNotFound) {
		return nil, err
	}

	method, err := o.selectProvider(ctx, in.TenantID, in.Provider)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(in.Currency)

	caps, err := o.registry.Capabilities(method.Provider)
	if err != nil {
		return nil, err
	}
	if !caps.SupportsCurrency(currency) {
		return nil, fmt.Errorf("%w: currency %s", ErrProviderUnsupported, currency)
	}
	if in.Amount < caps.MinAmount || (caps.MaxAmount > 0 && in.Amount > caps.MaxAmount) {
		return nil, fmt.Errorf("%w: amount out of range", ErrProviderUnsupported)
	}

	now := time.Now().UTC()
	intent := &PaymentIntent{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		Requester:      in.Requester,
		Amount:         in.Amount,
		Currency:       currency,
		Purpose:        in.Purpose,
		Provider:       method.Provider,
		Status:         IntentCreated,
		IdempotencyKey: in.IdempotencyKey,
		Metadata:       cloneMeta(in.Metadata),
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.policy.ExpiryWindow),
		UpdatedAt:      now,
	}
	// keep the payer contact and the charge presentation so a retry can
	// re-issue the call as the caller shaped it
	if in.Phone != "" {
		intent.Metadata["phone"] = in.Phone
	}
	if in.Description != "" {
		intent.Metadata["description"] = in.Description
	}
	if in.CallbackURL != "" {
		intent.Metadata["callback_url"] = in.CallbackURL
	}

	if err := o.store.CreateIntent(ctx, intent); err != nil {
		// two concurrent calls with the same key; the loser reloads the winner
		if existing, lookupErr := o.store.GetIntentByIdempotencyKey(ctx, in.IdempotencyKey); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}

	return o.callProvider(ctx, intent, method, in)
}

// callProvider performs the gateway create call for a freshly persisted
// intent and records the outcome
func (o *Orchestrator) callProvider(ctx context.Context, intent *PaymentIntent, method *MerchantPaymentMethod, in CreateInput) (*PaymentIntent, error) {
	adapter, err := o.registry.Resolve(method.Provider, method.Config)
	if err != nil {
		return nil, err
	}

	result, callErr := adapter.Create(ctx, provider.CreateRequest{
		IntentID:    intent.ID,
		TenantID:    intent.TenantID,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Phone:       in.Phone,
		Description: in.Description,
		CallbackURL: in.CallbackURL,
		Reference:   intent.ExternalRef(),
		Metadata:    intent.Metadata,
	})

	err = o.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, locked *PaymentIntent) error {
		if err := o.store.AppendLogTx(ctx, tx, &TransactionLog{
			IntentID: locked.ID,
			Provider: locked.Provider,
			Kind:     LogKindCreateCall,
			Detail:   createCallDetail(result, callErr),
		}); err != nil {
			return err
		}

		switch {
		case callErr != nil:
			if err := o.store.TransitionTx(ctx, tx, locked, EventFailed, "provider unreachable: "+callErr.Error()); err != nil {
				return err
			}
		case !result.Success:
			if err := o.store.TransitionTx(ctx, tx, locked, EventFailed, failureReason(result)); err != nil {
				return err
			}
		default:
			if result.ProviderTxID != "" {
				if err := o.store.SetProviderTxTx(ctx, tx, locked, result.ProviderTxID); err != nil {
					return err
				}
			}
			stashClientAction(locked, result)
			if err := o.store.UpdateMetadataTx(ctx, tx, locked); err != nil {
				return err
			}
			event := EventProviderAccepted
			if result.Status == provider.StatusProcessing {
				event = EventProviderProcessing
			}
			if err := o.store.TransitionTx(ctx, tx, locked, event, ""); err != nil {
				return err
			}
		}

		*intent = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if intent.Status.IsTerminal() {
		o.dispatcher.Dispatch(ctx, intent)
	}

	logger.WithProvider(intent.Provider).SetIntentID(intent.ID).
		Info(fmt.Sprintf("Payment create finished with status %s", intent.Status))
	return intent, nil
}

// RetryInput addresses a payment by its business reference instead of an
// intent id, so callers can re-drive a charge without tracking which attempt
// is current
type RetryInput struct {
	TenantID          string
	Requester         string
	Purpose           string
	ReferenceID       string
	Phone             string
	PreferredProvider string
}

// Retry gives the payment behind a business reference another attempt. A
// still-live intent is handed back unchanged; otherwise a fresh intent is
// created, chained to the root of the retry chain, and sent to the provider.
// Locating the latest intent and creating its replacement happen inside one
// write transaction, so two concurrent retries for the same reference cannot
// both create a new charge.
func (o *Orchestrator) Retry(ctx context.Context, in RetryInput) (*PaymentIntent, error) {
	if in.Purpose == "" || in.ReferenceID == "" {
		return nil, fmt.Errorf("purpose and referenceId are required")
	}

	now := time.Now().UTC()
	var fresh *PaymentIntent
	created := false
	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		fresh = nil
		created = false

		prior, err := o.store.LatestIntentByReferenceTx(ctx, tx, in.TenantID, in.Purpose, in.ReferenceID)
		if err != nil {
			return err
		}
		if prior.Reusable(now) {
			fresh = prior
			return nil
		}
		if prior.Status == IntentSuccess || prior.Status == IntentRefunded {
			return fmt.Errorf("%w: payment already settled", ErrIntentNotRetryable)
		}

		// guard against a sibling retry that just created a replacement
		cutoff := now.Add(-o.policy.RetryReuseWindow)
		if recent, err := o.store.RecentIntentByReferenceTx(ctx, tx, in.TenantID, in.Purpose, in.ReferenceID, cutoff); err == nil && recent.ID != prior.ID {
			fresh = recent
			return nil
		} else if err != nil && !errors.Is(err, ErrIntentNotFound) {
			return err
		}

		rootID := prior.OriginalIntentID
		if rootID == "" {
			rootID = prior.ID
		}
		providerName := prior.Provider
		if in.PreferredProvider != "" {
			providerName = in.PreferredProvider
		}

		fresh = &PaymentIntent{
			ID:               uuid.New().String(),
			TenantID:         prior.TenantID,
			Requester:        in.Requester,
			Amount:           prior.Amount,
			Currency:         prior.Currency,
			Purpose:          prior.Purpose,
			Provider:         providerName,
			Status:           IntentCreated,
			IdempotencyKey:   uuid.New().String(),
			RetryCount:       prior.RetryCount + 1,
			OriginalIntentID: rootID,
			Metadata:         cloneMeta(prior.Metadata),
			CreatedAt:        now,
			ExpiresAt:        now.Add(o.policy.ExpiryWindow),
			UpdatedAt:        now,
		}
		delete(fresh.Metadata, MetaRedirectURL)
		delete(fresh.Metadata, MetaClientToken)
		delete(fresh.Metadata, MetaQRCode)
		delete(fresh.Metadata, MetaInstructions)
		delete(fresh.Metadata, MetaMode)
		if in.Phone != "" {
			fresh.Metadata["phone"] = in.Phone
		}

		created = true
		return o.store.CreateIntentTx(ctx, tx, fresh)
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return fresh, nil
	}

	method, err := o.selectProvider(ctx, fresh.TenantID, fresh.Provider)
	if err != nil {
		return nil, err
	}

	return o.callProvider(ctx, fresh, method, CreateInput{
		Phone:       fresh.Metadata["phone"],
		Description: fresh.Metadata["description"],
		CallbackURL: fresh.Metadata["callback_url"],
	})
}

// Void cancels a payment that has not reached the provider's pipeline yet
func (o *Orchestrator) Void(ctx context.Context, intentID, reason string) (*PaymentIntent, error) {
	var voided *PaymentIntent
	err := o.store.WithIntentLock(ctx, intentID, func(tx *sql.Tx, intent *PaymentIntent) error {
		if intent.Status != IntentCreated && intent.Status != IntentPending {
			return fmt.Errorf("%w: status %s", ErrIntentNotVoidable, intent.Status)
		}

		if err := o.store.TransitionTx(ctx, tx, intent, EventCancelled, reason); err != nil {
			return err
		}
		if err := o.store.AppendLogTx(ctx, tx, &TransactionLog{
			IntentID: intent.ID,
			Provider: intent.Provider,
			Kind:     LogKindVoid,
			Detail:   fmt.Sprintf(`{"reason":%q}`, reason),
		}); err != nil {
			return err
		}

		voided = intent
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.dispatcher.Dispatch(ctx, voided)
	return voided, nil
}

// Refund returns money for a settled payment. amount <= 0 means the full
// remaining balance. The intent moves to refunded once the completed refunds
// add up to the original amount; partial refunds leave it on success.
func (o *Orchestrator) Refund(ctx context.Context, intentID string, amount int64, reason, requester string) (*RefundRequest, error) {
	intent, err := o.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != IntentSuccess {
		return nil, fmt.Errorf("%w: status %s", ErrIntentNotRefundable, intent.Status)
	}

	caps, err := o.registry.Capabilities(intent.Provider)
	if err != nil {
		return nil, err
	}
	if !caps.SupportsRefund {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotSupported, intent.Provider)
	}

	refund := &RefundRequest{
		ID:        uuid.New().String(),
		IntentID:  intent.ID,
		Status:    RefundRequested,
		Reason:    reason,
		Requester: requester,
	}

	err = o.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, locked *PaymentIntent) error {
		if locked.Status != IntentSuccess {
			return fmt.Errorf("%w: status %s", ErrIntentNotRefundable, locked.Status)
		}

		reserved, err := o.store.RefundReservedTx(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		remaining := locked.Amount - reserved
		refund.Amount = amount
		if refund.Amount <= 0 {
			refund.Amount = remaining
		}
		if remaining <= 0 || refund.Amount > remaining {
			return fmt.Errorf("%w: %d exceeds remaining balance %d", ErrInvalidAmount, refund.Amount, remaining)
		}

		*intent = *locked
		return o.store.CreateRefundTx(ctx, tx, refund)
	})
	if err != nil {
		return nil, err
	}

	method, err := o.selectProvider(ctx, intent.TenantID, intent.Provider)
	if err != nil {
		return nil, err
	}
	adapter, err := o.registry.Resolve(method.Provider, method.Config)
	if err != nil {
		return nil, err
	}

	result, callErr := adapter.Refund(ctx, provider.RefundRequest{
		ProviderTxID: intent.ProviderTxID,
		Amount:       refund.Amount,
		Currency:     intent.Currency,
		Reason:       reason,
	})

	err = o.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, locked *PaymentIntent) error {
		if err := o.store.AppendLogTx(ctx, tx, &TransactionLog{
			IntentID: locked.ID,
			Provider: locked.Provider,
			Kind:     LogKindRefundCall,
			Detail:   refundCallDetail(result, callErr),
		}); err != nil {
			return err
		}

		switch {
		case callErr != nil:
			refund.Status = RefundFailed
			refund.Reason = "provider unreachable: " + callErr.Error()
		case !result.Success:
			refund.Status = RefundFailed
			refund.Reason = result.Message
		default:
			refund.Status = RefundSuccess
			refund.ProviderRefundID = result.ProviderRefundID
		}

		if err := o.store.UpdateRefundTx(ctx, tx, refund); err != nil {
			return err
		}

		if refund.Status == RefundSuccess {
			refunded, err := o.store.RefundedTotalTx(ctx, tx, locked.ID)
			if err != nil {
				return err
			}
			// a webhook or a sibling refund may have flipped the intent
			// to refunded already; the provider refund id on the row must
			// survive either way
			if refunded >= locked.Amount && CanTransition(locked.Status, EventRefunded) {
				if err := o.store.TransitionTx(ctx, tx, locked, EventRefunded, ""); err != nil {
					return err
				}
			}
		}

		*intent = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if intent.Status == IntentRefunded {
		o.dispatcher.Dispatch(ctx, intent)
	}
	if refund.Status == RefundFailed {
		return refund, fmt.Errorf("refund failed: %s", refund.Reason)
	}
	return refund, nil
}

// Reconcile asks the provider for the authoritative state of one in-flight
// intent and applies it. It stands down when a webhook already settled the
// intent or when a webhook-received log exists for it.
func (o *Orchestrator) Reconcile(ctx context.Context, intentID string) (bool, error) {
	intent, err := o.store.GetIntent(ctx, intentID)
	if err != nil {
		return false, err
	}
	if intent.Status.IsTerminal() {
		return false, nil
	}
	if intent.ProviderTxID == "" {
		return false, nil
	}

	skip := false
	err = o.store.WithTx(ctx, func(tx *sql.Tx) error {
		has, err := o.store.HasLogTx(ctx, tx, intent.ID, LogKindWebhookReceive)
		if err != nil {
			return err
		}
		skip = has
		return nil
	})
	if err != nil || skip {
		return false, err
	}

	method, err := o.selectProvider(ctx, intent.TenantID, intent.Provider)
	if err != nil {
		return false, err
	}
	adapter, err := o.registry.Resolve(method.Provider, method.Config)
	if err != nil {
		return false, err
	}

	result, callErr := adapter.Confirm(ctx, intent.ProviderTxID)
	if callErr != nil {
		return false, fmt.Errorf("reconcile confirm failed: %w", callErr)
	}

	var changed bool
	var settled *PaymentIntent
	err = o.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, locked *PaymentIntent) error {
		// a webhook may have won the race while we were on the wire
		if locked.Status.IsTerminal() {
			return nil
		}

		if err := o.store.AppendLogTx(ctx, tx, &TransactionLog{
			IntentID: locked.ID,
			Provider: locked.Provider,
			Kind:     LogKindReconcileCheck,
			Detail:   fmt.Sprintf(`{"providerStatus":%q}`, result.Status),
		}); err != nil {
			return err
		}

		event, ok := statusEvent(result.Status)
		if !ok || !CanTransition(locked.Status, event) {
			return o.store.TouchIntentTx(ctx, tx, locked.ID)
		}

		if err := o.store.TransitionTx(ctx, tx, locked, event, reconcileReason(result)); err != nil {
			return err
		}
		changed = true
		if locked.Status.IsTerminal() {
			settled = locked
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if settled != nil {
		o.dispatcher.Dispatch(ctx, settled)
	}
	return changed, nil
}

// Status returns the intent with its refund history
func (o *Orchestrator) Status(ctx context.Context, intentID string) (*PaymentIntent, []*RefundRequest, error) {
	intent, err := o.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	refunds, err := o.store.ListRefunds(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	return intent, refunds, nil
}

func (o *Orchestrator) selectProvider(ctx context.Context, tenantID, preferred string) (*MerchantPaymentMethod, error) {
	if preferred != "" {
		method, err := o.configs.EnabledMethod(ctx, tenantID, preferred)
		if err != nil {
			return nil, err
		}
		if method != nil {
			return method, nil
		}
	}

	method, err := o.configs.FirstEnabledMethod(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if method != nil {
		return method, nil
	}

	if o.policy.DefaultProvider != "" && preferred == "" {
		if method, err := o.configs.EnabledMethod(ctx, tenantID, o.policy.DefaultProvider); err == nil && method != nil {
			return method, nil
		}
	}

	return nil, ErrNoProviderAvailable
}

// statusEvent maps a provider-reported status to the lifecycle event it implies
func statusEvent(status provider.PaymentStatus) (IntentEvent, bool) {
	switch status {
	case provider.StatusPending:
		return EventProviderAccepted, true
	case provider.StatusProcessing:
		return EventProviderProcessing, true
	case provider.StatusSuccessful:
		return EventSucceeded, true
	case provider.StatusFailed:
		return EventFailed, true
	case provider.StatusCancelled:
		return EventCancelled, true
	case provider.StatusRefunded:
		return EventRefunded, true
	}
	return "", false
}

func stashClientAction(intent *PaymentIntent, result *provider.Result) {
	if intent.Metadata == nil {
		intent.Metadata = map[string]string{}
	}
	if result.Mode != "" {
		intent.Metadata[MetaMode] = string(result.Mode)
	}
	if result.RedirectURL != "" {
		intent.Metadata[MetaRedirectURL] = result.RedirectURL
	}
	if result.ClientToken != "" {
		intent.Metadata[MetaClientToken] = result.ClientToken
	}
	if result.QRCode != "" {
		intent.Metadata[MetaQRCode] = result.QRCode
	}
	if result.Instructions != "" {
		intent.Metadata[MetaInstructions] = result.Instructions
	}
}

func failureReason(result *provider.Result) string {
	if result.ErrorCode != "" {
		return result.ErrorCode
	}
	if result.Message != "" {
		return result.Message
	}
	return "provider declined"
}

func reconcileReason(result *provider.Result) string {
	if result.Status == provider.StatusFailed || result.Status == provider.StatusCancelled {
		return failureReason(result)
	}
	return ""
}

func createCallDetail(result *provider.Result, callErr error) string {
	if callErr != nil {
		return fmt.Sprintf(`{"error":%q}`, callErr.Error())
	}
	detail, err := json.Marshal(map[string]any{
		"success":      result.Success,
		"status":       result.Status,
		"providerTxId": result.ProviderTxID,
		"errorCode":    result.ErrorCode,
		"retryable":    result.Retryable,
	})
	if err != nil {
		return "{}"
	}
	return string(detail)
}

func refundCallDetail(result *provider.RefundResult, callErr error) string {
	if callErr != nil {
		return fmt.Sprintf(`{"error":%q}`, callErr.Error())
	}
	detail, err := json.Marshal(map[string]any{
		"success":          result.Success,
		"providerRefundId": result.ProviderRefundID,
		"errorCode":        result.ErrorCode,
	})
	if err != nil {
		return "{}"
	}
	return string(detail)
}

func cloneMeta(meta map[string]string) map[string]string {
	clone := make(map[string]string, len(meta))
	for k, v := range meta {
		clone[k] = v
	}
	return clone
}
