package payment

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflowhq/payflow/infra/config"
	"github.com/payflowhq/payflow/provider"
)

type fakeAdapter struct {
	caps          provider.Capabilities
	createResult  *provider.Result
	createErr     error
	confirmResult *provider.Result
	confirmErr    error
	refundResult  *provider.RefundResult
	refundErr     error
	createCalls   *int32
	confirmCalls  *int32
	refundCalls   *int32
	refundGate    chan struct{}
	lastCreate    provider.CreateRequest
	verifyFail    bool
	webhookEvent  *provider.WebhookEvent
}

func (f *fakeAdapter) Initialize(config map[string]string) error { return nil }
func (f *fakeAdapter) Capabilities() provider.Capabilities       { return f.caps }

func (f *fakeAdapter) Create(ctx context.Context, request provider.CreateRequest) (*provider.Result, error) {
	if f.createCalls != nil {
		atomic.AddInt32(f.createCalls, 1)
	}
	f.lastCreate = request
	return f.createResult, f.createErr
}

func (f *fakeAdapter) Confirm(ctx context.Context, providerTxID string) (*provider.Result, error) {
	if f.confirmCalls != nil {
		atomic.AddInt32(f.confirmCalls, 1)
	}
	return f.confirmResult, f.confirmErr
}

func (f *fakeAdapter) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	if f.refundCalls != nil {
		atomic.AddInt32(f.refundCalls, 1)
	}
	if f.refundGate != nil {
		<-f.refundGate
	}
	return f.refundResult, f.refundErr
}

func (f *fakeAdapter) VerifySignature(payload []byte, headers map[string]string) bool {
	return !f.verifyFail
}

func (f *fakeAdapter) ParseWebhook(payload []byte, headers map[string]string) (*provider.WebhookEvent, error) {
	if f.webhookEvent == nil {
		return nil, provider.ErrMalformedPayload
	}
	return f.webhookEvent, nil
}

func testPolicy() *config.PaymentPolicy {
	return &config.PaymentPolicy{
		ExpiryWindow:       30 * time.Minute,
		ReconcileMinAge:    2 * time.Minute,
		ReconcileMaxAge:    25 * time.Minute,
		ReconcileInterval:  time.Minute,
		ExpiryInterval:     time.Minute,
		ReconcileBatchSize: 50,
		RetryReuseWindow:   90 * time.Second,
	}
}

type orchestratorFixture struct {
	store   *Store
	adapter *fakeAdapter
	pub     *capturePublisher
	orch    *Orchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	store := newTestStore(t)
	adapter := &fakeAdapter{
		caps: provider.Capabilities{
			Modes:          []provider.PaymentMode{provider.ModeUSSD},
			Currencies:     []string{"XOF", "USD"},
			SupportsRefund: true,
			MinAmount:      100,
			MaxAmount:      10000000,
		},
		createResult: &provider.Result{
			Success:      true,
			Status:       provider.StatusPending,
			Mode:         provider.ModeUSSD,
			ProviderTxID: "fp-tx-1",
			Instructions: "Approve the prompt on your phone",
		},
		createCalls:  new(int32),
		confirmCalls: new(int32),
		refundCalls:  new(int32),
	}

	registry := provider.NewRegistry()
	registry.Register("fakepay", func() provider.PaymentProvider { return adapter })

	configs := &StaticConfigSource{
		Configs: map[string]map[string]string{"fakepay": {"apiKey": "k"}},
		Order:   []string{"fakepay"},
	}

	pub := &capturePublisher{}
	orch := NewOrchestrator(store, registry, configs, NewDispatcher(pub), testPolicy())

	return &orchestratorFixture{store: store, adapter: adapter, pub: pub, orch: orch}
}

func createInput() CreateInput {
	return CreateInput{
		TenantID:       "tenant-1",
		Requester:      "user-42",
		Amount:         5000,
		Currency:       "XOF",
		Purpose:        PurposeSubscription,
		IdempotencyKey: "idem-1",
		Phone:          "+237670000001",
		Metadata:       map[string]string{MetaExternalID: "sub-99"},
	}
}

func retryInput() RetryInput {
	return RetryInput{
		TenantID:    "tenant-1",
		Requester:   "user-42",
		Purpose:     PurposeSubscription,
		ReferenceID: "sub-99",
	}
}

func TestOrchestratorCreateSuccess(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	assert.Equal(t, IntentPending, intent.Status)
	assert.Equal(t, "fp-tx-1", intent.ProviderTxID)
	assert.Equal(t, "fakepay", intent.Provider)
	assert.Equal(t, "Approve the prompt on your phone", intent.Metadata[MetaInstructions])
	assert.Equal(t, string(provider.ModeUSSD), intent.Metadata[MetaMode])

	logs, err := f.store.ListLogs(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogKindCreateCall, logs[0].Kind)

	// pending is not terminal, nothing goes to the bus yet
	assert.Empty(t, f.pub.events)
}

func TestOrchestratorCreateIdempotentReplay(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	first, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	second, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.adapter.createCalls))
	// the replay still carries the client action
	assert.Equal(t, "Approve the prompt on your phone", second.Metadata[MetaInstructions])
}

func TestOrchestratorCreateDeclined(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.adapter.createResult = &provider.Result{
		Success:   false,
		Status:    provider.StatusFailed,
		ErrorCode: "INSUFFICIENT_FUNDS",
		Retryable: false,
	}

	intent, err := f.orch.Create(context.Background(), createInput())
	require.NoError(t, err)

	assert.Equal(t, IntentFailed, intent.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", intent.FailureReason)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, EventTypeFailed, f.pub.events[0].Type)
}

func TestOrchestratorCreateProviderUnreachable(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.adapter.createResult = nil
	f.adapter.createErr = errors.New("connection refused")

	intent, err := f.orch.Create(context.Background(), createInput())
	require.NoError(t, err)

	assert.Equal(t, IntentFailed, intent.Status)
	assert.Contains(t, intent.FailureReason, "provider unreachable")
}

func TestOrchestratorCreateValidation(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	in := createInput()
	in.Amount = 0
	_, err := f.orch.Create(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	in = createInput()
	in.Currency = "GBP"
	_, err = f.orch.Create(ctx, in)
	assert.ErrorIs(t, err, ErrProviderUnsupported)

	in = createInput()
	in.Amount = 10
	_, err = f.orch.Create(ctx, in)
	assert.ErrorIs(t, err, ErrProviderUnsupported)
}

func TestOrchestratorCreateMintsIdempotencyKey(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	in := createInput()
	in.IdempotencyKey = ""
	first, err := f.orch.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, first.IdempotencyKey)

	// without a caller key every call is a fresh charge
	in = createInput()
	in.IdempotencyKey = ""
	f.adapter.createResult = &provider.Result{
		Success: true, Status: provider.StatusPending, ProviderTxID: "fp-tx-2",
	}
	second, err := f.orch.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, int32(2), atomic.LoadInt32(f.adapter.createCalls))
}

func TestOrchestratorCreateNormalizesCurrency(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	in := createInput()
	in.Currency = "xof"
	intent, err := f.orch.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "XOF", intent.Currency)
}

func TestOrchestratorCreateNoProvider(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.orch.configs = &StaticConfigSource{}

	_, err := f.orch.Create(context.Background(), createInput())
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestOrchestratorRetryReusesLiveIntent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	pending, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.Equal(t, IntentPending, pending.Status)

	again, err := f.orch.Retry(ctx, retryInput())
	require.NoError(t, err)
	assert.Equal(t, pending.ID, again.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.adapter.createCalls))
}

func TestOrchestratorRetryUnknownReference(t *testing.T) {
	f := newOrchestratorFixture(t)

	in := retryInput()
	in.ReferenceID = "sub-never-paid"
	_, err := f.orch.Retry(context.Background(), in)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestOrchestratorRetryCreatesChainedIntent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	f.adapter.createResult = &provider.Result{
		Success: false, Status: provider.StatusFailed, ErrorCode: "TIMEOUT", Retryable: true,
	}
	failed, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.Equal(t, IntentFailed, failed.Status)

	f.adapter.createResult = &provider.Result{
		Success: true, Status: provider.StatusPending, ProviderTxID: "fp-tx-2",
	}
	fresh, err := f.orch.Retry(ctx, retryInput())
	require.NoError(t, err)

	assert.NotEqual(t, failed.ID, fresh.ID)
	assert.Equal(t, failed.ID, fresh.OriginalIntentID)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, IntentPending, fresh.Status)
	assert.Equal(t, "fp-tx-2", fresh.ProviderTxID)
	assert.Equal(t, failed.ExternalRef(), fresh.ExternalRef())
}

func TestOrchestratorRetryChainKeepsRoot(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	f.adapter.createResult = &provider.Result{
		Success: false, Status: provider.StatusFailed, ErrorCode: "TIMEOUT", Retryable: true,
	}
	root, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	// two failed retries in a row, every link points at the first intent
	second, err := f.orch.Retry(ctx, retryInput())
	require.NoError(t, err)
	third, err := f.orch.Retry(ctx, retryInput())
	require.NoError(t, err)

	assert.Equal(t, root.ID, second.OriginalIntentID)
	assert.Equal(t, root.ID, third.OriginalIntentID)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, 2, third.RetryCount)
}

func TestOrchestratorRetryReplaysChargeDetails(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	f.adapter.createResult = &provider.Result{
		Success: false, Status: provider.StatusFailed, ErrorCode: "TIMEOUT", Retryable: true,
	}
	in := createInput()
	in.Description = "Premium plan renewal"
	in.CallbackURL = "https://merchant.example/pay/callback"
	_, err := f.orch.Create(ctx, in)
	require.NoError(t, err)

	f.adapter.createResult = &provider.Result{
		Success: true, Status: provider.StatusPending, ProviderTxID: "fp-tx-2",
	}
	_, err = f.orch.Retry(ctx, retryInput())
	require.NoError(t, err)

	// the retry charge carries everything the original call had
	assert.Equal(t, in.Phone, f.adapter.lastCreate.Phone)
	assert.Equal(t, "Premium plan renewal", f.adapter.lastCreate.Description)
	assert.Equal(t, "https://merchant.example/pay/callback", f.adapter.lastCreate.CallbackURL)
}

func TestOrchestratorRetryRejectsSettled(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	_, err = f.orch.Retry(ctx, retryInput())
	assert.ErrorIs(t, err, ErrIntentNotRetryable)
}

func TestOrchestratorRetryRaceGuard(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	// a live pending attempt exists for the reference
	pending, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.Equal(t, IntentPending, pending.Status)

	// a later attempt for the same reference died at the provider, so the
	// newest intent is terminal while its in-flight sibling is still open
	f.adapter.createResult = &provider.Result{
		Success: false, Status: provider.StatusFailed, ErrorCode: "TIMEOUT",
	}
	in := createInput()
	in.IdempotencyKey = "idem-2"
	dead, err := f.orch.Create(ctx, in)
	require.NoError(t, err)
	require.Equal(t, IntentFailed, dead.Status)

	// retry must hand back the open sibling instead of charging again
	got, err := f.orch.Retry(ctx, retryInput())
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(f.adapter.createCalls))
}

func TestOrchestratorVoid(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	voided, err := f.orch.Void(ctx, intent.ID, "customer changed mind")
	require.NoError(t, err)
	assert.Equal(t, IntentCancelled, voided.Status)

	logs, err := f.store.ListLogs(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, LogKindVoid, logs[1].Kind)

	// voiding again fails, cancelled is terminal
	_, err = f.orch.Void(ctx, intent.ID, "again")
	assert.ErrorIs(t, err, ErrIntentNotVoidable)
}

func TestOrchestratorRefund(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	f.adapter.refundResult = &provider.RefundResult{Success: true, ProviderRefundID: "rf-1"}

	refund, err := f.orch.Refund(ctx, intent.ID, 0, "duplicate charge", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, RefundSuccess, refund.Status)
	assert.Equal(t, intent.Amount, refund.Amount)
	assert.Equal(t, "rf-1", refund.ProviderRefundID)

	loaded, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentRefunded, loaded.Status)

	found := false
	for _, e := range f.pub.events {
		if e.Type == EventTypeRefunded {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOrchestratorPartialRefunds(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	f.adapter.refundResult = &provider.RefundResult{Success: true, ProviderRefundID: "rf-p1"}

	// a partial refund leaves the payment settled
	first, err := f.orch.Refund(ctx, intent.ID, 2000, "partial", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), first.Amount)

	loaded, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentSuccess, loaded.Status)

	// refunding more than the remaining balance is rejected
	_, err = f.orch.Refund(ctx, intent.ID, 4000, "too much", "admin-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// refunding the rest flips the intent to refunded
	rest, err := f.orch.Refund(ctx, intent.ID, 0, "remainder", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, intent.Amount-2000, rest.Amount)

	loaded, err = f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentRefunded, loaded.Status)
}

func TestOrchestratorConcurrentRefundsChargeOnce(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	f.adapter.refundResult = &provider.RefundResult{Success: true, ProviderRefundID: "rf-1"}
	f.adapter.refundGate = make(chan struct{})

	type outcome struct {
		refund *RefundRequest
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := f.orch.Refund(ctx, intent.ID, 0, "duplicate charge", "admin-1")
			results <- outcome{refund: r, err: err}
		}()
	}

	// the winner reserves the full balance and reaches the provider; the
	// loser must bounce off the reservation without its own provider call
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(f.adapter.refundCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(f.adapter.refundGate)

	first, second := <-results, <-results
	if first.err != nil {
		first, second = second, first
	}
	require.NoError(t, first.err)
	assert.Equal(t, RefundSuccess, first.refund.Status)
	assert.ErrorIs(t, second.err, ErrInvalidAmount)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.adapter.refundCalls))

	loaded, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentRefunded, loaded.Status)
}

func TestOrchestratorRefundSurvivesConcurrentSettlement(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	f.adapter.refundResult = &provider.RefundResult{Success: true, ProviderRefundID: "rf-late"}
	f.adapter.refundGate = make(chan struct{})

	done := make(chan struct{})
	var refund *RefundRequest
	var refundErr error
	go func() {
		refund, refundErr = f.orch.Refund(ctx, intent.ID, 0, "duplicate charge", "admin-1")
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(f.adapter.refundCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the provider's webhook flips the intent to refunded while our
	// refund call is still in flight
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventRefunded, "")
	}))

	close(f.adapter.refundGate)
	<-done

	// the outcome row keeps the provider refund id even though the
	// intent settled underneath us
	require.NoError(t, refundErr)
	assert.Equal(t, RefundSuccess, refund.Status)
	assert.Equal(t, "rf-late", refund.ProviderRefundID)

	refunds, err := f.store.ListRefunds(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, RefundSuccess, refunds[0].Status)
	assert.Equal(t, "rf-late", refunds[0].ProviderRefundID)
}

func TestOrchestratorRefundRejectsUnsettled(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	_, err = f.orch.Refund(ctx, intent.ID, 0, "nope", "admin-1")
	assert.ErrorIs(t, err, ErrIntentNotRefundable)
}

func TestOrchestratorRefundProviderDeclines(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	f.adapter.refundResult = &provider.RefundResult{Success: false, Message: "too late"}

	refund, err := f.orch.Refund(ctx, intent.ID, 0, "changed mind", "admin-1")
	require.Error(t, err)
	assert.Equal(t, RefundFailed, refund.Status)

	// intent stays successful when the refund does not go through
	loaded, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentSuccess, loaded.Status)
}

func TestOrchestratorReconcileAppliesProviderState(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.Equal(t, IntentPending, intent.Status)

	f.adapter.confirmResult = &provider.Result{Success: true, Status: provider.StatusSuccessful}

	changed, err := f.orch.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	loaded, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentSuccess, loaded.Status)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, EventTypeSucceeded, f.pub.events[0].Type)

	logs, err := f.store.ListLogs(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, LogKindReconcileCheck, logs[1].Kind)
}

func TestOrchestratorReconcileSkipsAfterWebhook(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	require.NoError(t, f.store.AppendLog(ctx, &TransactionLog{
		IntentID: intent.ID,
		Provider: intent.Provider,
		Kind:     LogKindWebhookReceive,
	}))

	changed, err := f.orch.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.adapter.confirmCalls))
}

func TestOrchestratorReconcileNoChangeWhilePending(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)

	f.adapter.confirmResult = &provider.Result{Success: true, Status: provider.StatusPending}

	changed, err := f.orch.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	loaded, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, loaded.Status)
}

func TestOrchestratorReconcileSkipsTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	_, err = f.orch.Void(ctx, intent.ID, "cancelled")
	require.NoError(t, err)

	changed, err := f.orch.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.adapter.confirmCalls))
}

func TestOrchestratorStatusIncludesRefunds(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	intent, err := f.orch.Create(ctx, createInput())
	require.NoError(t, err)
	require.NoError(t, f.store.WithIntentLock(ctx, intent.ID, func(tx *sql.Tx, in *PaymentIntent) error {
		return f.store.TransitionTx(ctx, tx, in, EventSucceeded, "")
	}))

	f.adapter.refundResult = &provider.RefundResult{Success: true, ProviderRefundID: "rf-9"}
	_, err = f.orch.Refund(ctx, intent.ID, 0, "test", "admin-1")
	require.NoError(t, err)

	loaded, refunds, err := f.orch.Status(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentRefunded, loaded.Status)
	require.Len(t, refunds, 1)
	assert.Equal(t, RefundSuccess, refunds[0].Status)
}
