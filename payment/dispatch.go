package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/payflowhq/payflow/infra/logger"
)

// Payment event types published to the bus
const (
	EventTypeSucceeded = "payment.succeeded"
	EventTypeFailed    = "payment.failed"
	EventTypeRefunded  = "payment.refunded"
)

// PaymentEvent is the message emitted when an intent reaches a terminal state
type PaymentEvent struct {
	Type         string    `json:"type"`
	IntentID     string    `json:"intentId"`
	TenantID     string    `json:"tenantId,omitempty"`
	Purpose      string    `json:"purpose"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Provider     string    `json:"provider"`
	ProviderTxID string    `json:"providerTxId,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// EventPublisher pushes payment events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
}

// NopPublisher swallows events, used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event PaymentEvent) error { return nil }

// KafkaPublisher sends payment events to a Kafka topic, keyed by intent id so
// all events of one intent land on the same partition in order
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to the given brokers
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event PaymentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.IntentID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}

	return nil
}

// Close shuts the underlying producer down
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// EffectHandler runs the business side effect of a settled payment for one
// purpose, activating a subscription, releasing an order and so on
type EffectHandler interface {
	OnSuccess(ctx context.Context, intent *PaymentIntent) error
	OnFailure(ctx context.Context, intent *PaymentIntent) error
}

// EffectFuncs adapts two plain functions to EffectHandler
type EffectFuncs struct {
	Success func(ctx context.Context, intent *PaymentIntent) error
	Failure func(ctx context.Context, intent *PaymentIntent) error
}

func (f EffectFuncs) OnSuccess(ctx context.Context, intent *PaymentIntent) error {
	if f.Success == nil {
		return nil
	}
	return f.Success(ctx, intent)
}

func (f EffectFuncs) OnFailure(ctx context.Context, intent *PaymentIntent) error {
	if f.Failure == nil {
		return nil
	}
	return f.Failure(ctx, intent)
}

// Dispatcher fans terminal outcomes out to per-purpose effect handlers and
// the event bus. The status transition that precedes a dispatch can happen
// only once per intent, which is what keeps effects exactly-once even under
// webhook redelivery. Handler errors and panics are contained here, a broken
// effect must never fail the webhook or reconcile path that triggered it.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string]EffectHandler
	publisher EventPublisher
}

// NewDispatcher creates a dispatcher, publisher may be nil
func NewDispatcher(publisher EventPublisher) *Dispatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Dispatcher{
		handlers:  make(map[string]EffectHandler),
		publisher: publisher,
	}
}

// RegisterEffect binds a handler to a purpose tag
func (d *Dispatcher) RegisterEffect(purpose string, handler EffectHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[purpose] = handler
}

// Dispatch runs the purpose effect and publishes the matching event. Call it
// after the terminal transition committed.
func (d *Dispatcher) Dispatch(ctx context.Context, intent *PaymentIntent) {
	eventType := ""
	switch intent.Status {
	case IntentSuccess:
		eventType = EventTypeSucceeded
	case IntentFailed, IntentCancelled:
		eventType = EventTypeFailed
	case IntentRefunded:
		eventType = EventTypeRefunded
	default:
		return
	}

	d.runEffect(ctx, intent)

	event := PaymentEvent{
		Type:         eventType,
		IntentID:     intent.ID,
		TenantID:     intent.TenantID,
		Purpose:      intent.Purpose,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Provider:     intent.Provider,
		ProviderTxID: intent.ProviderTxID,
		Reason:       intent.FailureReason,
		OccurredAt:   time.Now().UTC(),
	}
	if err := d.publisher.Publish(ctx, event); err != nil {
		logger.WithIntent(intent.ID).Error(fmt.Sprintf("Failed to publish %s event", eventType), err)
	}
}

func (d *Dispatcher) runEffect(ctx context.Context, intent *PaymentIntent) {
	d.mu.RLock()
	handler, ok := d.handlers[intent.Purpose]
	d.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithIntent(intent.ID).Error(fmt.Sprintf("Effect handler panic for purpose %s", intent.Purpose), fmt.Errorf("%v", r))
		}
	}()

	var err error
	if intent.Status == IntentSuccess {
		err = handler.OnSuccess(ctx, intent)
	} else {
		err = handler.OnFailure(ctx, intent)
	}
	if err != nil {
		logger.WithIntent(intent.ID).Error(fmt.Sprintf("Effect handler failed for purpose %s", intent.Purpose), err)
	}
}
