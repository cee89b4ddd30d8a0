package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/payflowhq/payflow/infra/logger"
	"github.com/payflowhq/payflow/provider"
)

// WebhookOutcome tells the transport layer what happened to one delivery.
// Anything that is not an error must be acknowledged with 2xx so the
// provider stops redelivering.
type WebhookOutcome struct {
	Duplicate bool         `json:"duplicate"`
	Orphan    bool         `json:"orphan"`
	Applied   bool         `json:"applied"`
	IntentID  string       `json:"intentId,omitempty"`
	Status    IntentStatus `json:"status,omitempty"`
}

// WebhookRouter turns provider callbacks into intent transitions. Deliveries
// are at-least-once; the event log collapses redeliveries so each event
// changes state at most once.
type WebhookRouter struct {
	store      *Store
	registry   *provider.Registry
	configs    ConfigSource
	dispatcher *Dispatcher
}

// NewWebhookRouter wires the router. configs holds the webhook credentials
// per provider, dispatcher may be nil.
func NewWebhookRouter(store *Store, registry *provider.Registry, configs ConfigSource, dispatcher *Dispatcher) *WebhookRouter {
	if configs == nil {
		configs = store
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil)
	}
	return &WebhookRouter{
		store:      store,
		registry:   registry,
		configs:    configs,
		dispatcher: dispatcher,
	}
}

// Handle processes one webhook delivery. The signature is verified before
// the payload is trusted in any way; unverifiable deliveries are rejected
// outright and never acknowledged.
func (w *WebhookRouter) Handle(ctx context.Context, providerName string, payload []byte, headers map[string]string) (*WebhookOutcome, error) {
	method, err := w.configs.EnabledMethod(ctx, "", providerName)
	if err != nil {
		return nil, err
	}
	var conf map[string]string
	if method != nil {
		conf = method.Config
	}

	adapter, err := w.registry.Resolve(providerName, conf)
	if err != nil {
		return nil, err
	}

	if !adapter.VerifySignature(payload, headers) {
		logger.WithProvider(providerName).Warn("Webhook rejected, signature verification failed")
		return nil, provider.ErrInvalidSignature
	}

	event, err := adapter.ParseWebhook(payload, headers)
	if err != nil {
		logger.WithProvider(providerName).Warn("Webhook rejected, payload unparseable")
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}

	outcome := &WebhookOutcome{}
	var settled *PaymentIntent

	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		entry, created, err := w.store.GetOrCreateEventTx(ctx, tx, providerName, event.EventID)
		if err != nil {
			return err
		}
		if !created && entry.Processed {
			outcome.Duplicate = true
			return nil
		}

		intent, err := w.locateIntent(ctx, tx, event)
		if err != nil {
			if errors.Is(err, ErrIntentNotFound) {
				// no intent to attach this to; acknowledge so the
				// provider stops retrying a delivery we can never use
				outcome.Orphan = true
				return w.store.MarkEventProcessedTx(ctx, tx, providerName, event.EventID)
			}
			return err
		}
		outcome.IntentID = intent.ID

		if err := w.store.AppendLogTx(ctx, tx, &TransactionLog{
			IntentID: intent.ID,
			Provider: providerName,
			Kind:     LogKindWebhookReceive,
			Detail:   webhookDetail(event, intent),
		}); err != nil {
			return err
		}

		lifecycleEvent, ok := statusEvent(event.Status)
		if ok && CanTransition(intent.Status, lifecycleEvent) {
			if err := w.store.TransitionTx(ctx, tx, intent, lifecycleEvent, event.Reason); err != nil {
				return err
			}
			outcome.Applied = true
			if intent.Status.IsTerminal() {
				settled = intent
			}
		} else {
			// stale or repeated status report, ack without changing state
			if err := w.store.TouchIntentTx(ctx, tx, intent.ID); err != nil {
				return err
			}
		}
		outcome.Status = intent.Status

		return w.store.MarkEventProcessedTx(ctx, tx, providerName, event.EventID)
	})
	if err != nil {
		return nil, err
	}

	if settled != nil {
		w.dispatcher.Dispatch(ctx, settled)
	}

	log := logger.WithProvider(providerName)
	if outcome.IntentID != "" {
		log = log.SetIntentID(outcome.IntentID)
	}
	switch {
	case outcome.Duplicate:
		log.Debug("Webhook redelivery ignored")
	case outcome.Orphan:
		log.Warn(fmt.Sprintf("Webhook event %s matches no intent", event.EventID))
	default:
		log.Info(fmt.Sprintf("Webhook applied, intent status %s", outcome.Status))
	}

	return outcome, nil
}

// locateIntent resolves the delivery to an intent, preferring the provider's
// transaction id and falling back to the echoed correlation reference
func (w *WebhookRouter) locateIntent(ctx context.Context, tx *sql.Tx, event *provider.WebhookEvent) (*PaymentIntent, error) {
	if event.ProviderTxID != "" {
		intent, err := w.store.GetIntentByProviderTxTx(ctx, tx, event.ProviderTxID)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, ErrIntentNotFound) {
			return nil, err
		}
	}

	if event.ExternalRef != "" {
		return w.store.GetIntentByExternalRefTx(ctx, tx, event.ExternalRef)
	}

	return nil, ErrIntentNotFound
}

func webhookDetail(event *provider.WebhookEvent, intent *PaymentIntent) string {
	detail := map[string]any{
		"eventId": event.EventID,
		"status":  event.Status,
	}
	if event.Reason != "" {
		detail["reason"] = event.Reason
	}
	// an amount disagreement is recorded but does not block the transition,
	// the provider's settlement report is authoritative
	if event.Amount > 0 && event.Amount != intent.Amount {
		detail["amountMismatch"] = fmt.Sprintf("event=%d intent=%d", event.Amount, intent.Amount)
	}
	out, err := json.Marshal(detail)
	if err != nil {
		return "{}"
	}
	return string(out)
}
