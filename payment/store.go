package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/payflowhq/payflow/infra/conn"
)

// Sentinel errors of the payment store
var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrRefundNotFound = errors.New("refund request not found")
)

// Store is the canonical persistence layer for payment intents and their
// satellite tables. All writes go through immediate transactions: the
// database write lock is taken at BEGIN, so a transaction that reads an
// intent row and then decides what to do cannot interleave with another
// writer. That is the row-lock guarantee retry, void and reconcile rely on.
type Store struct {
	db *sql.DB
}

// NewStore creates a store and ensures the schema exists
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize payment schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS payment_intents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		requester TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		purpose TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		provider_tx_id TEXT UNIQUE,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		failure_reason TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		original_intent_id TEXT NOT NULL DEFAULT '',
		external_ref TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		completed_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_intents_reference
		ON payment_intents(tenant_id, purpose, external_ref, created_at);
	CREATE INDEX IF NOT EXISTS idx_intents_status_created
		ON payment_intents(status, created_at);

	CREATE TABLE IF NOT EXISTS transaction_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_txlogs_intent ON transaction_logs(intent_id, kind);

	CREATE TABLE IF NOT EXISTS event_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE(provider, event_id)
	);

	CREATE TABLE IF NOT EXISTS refund_requests (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		provider_refund_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		requester TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_intent ON refund_requests(intent_id);

	CREATE TABLE IF NOT EXISTS merchant_payment_methods (
		tenant_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		verified INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		UNIQUE(tenant_id, provider)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// WithTx runs fn inside one immediate write transaction with busy retry
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return conn.WithRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	}, 3)
}

// WithIntentLock loads the intent inside a write transaction and hands it to
// fn. This is the read-lock-decide-act primitive: no concurrent caller can
// observe the row between the read and fn's writes.
func (s *Store) WithIntentLock(ctx context.Context, intentID string, fn func(tx *sql.Tx, intent *PaymentIntent) error) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		intent, err := s.getIntentTx(ctx, tx, intentID)
		if err != nil {
			return err
		}
		return fn(tx, intent)
	})
}

const intentColumns = `id, tenant_id, requester, amount, currency, purpose, provider,
	provider_tx_id, status, idempotency_key, failure_reason, retry_count,
	original_intent_id, external_ref, metadata, created_at, expires_at, completed_at, updated_at`

func scanIntent(row interface{ Scan(...any) error }) (*PaymentIntent, error) {
	var intent PaymentIntent
	var providerTxID sql.NullString
	var completedAt sql.NullTime
	var metadata string
	var externalRef string

	err := row.Scan(
		&intent.ID, &intent.TenantID, &intent.Requester, &intent.Amount,
		&intent.Currency, &intent.Purpose, &intent.Provider, &providerTxID,
		&intent.Status, &intent.IdempotencyKey, &intent.FailureReason,
		&intent.RetryCount, &intent.OriginalIntentID, &externalRef, &metadata,
		&intent.CreatedAt, &intent.ExpiresAt, &completedAt, &intent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("failed to scan payment intent: %w", err)
	}

	intent.ProviderTxID = providerTxID.String
	if completedAt.Valid {
		t := completedAt.Time
		intent.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(metadata), &intent.Metadata); err != nil {
		intent.Metadata = map[string]string{}
	}

	return &intent, nil
}

// CreateIntent persists a new intent in one transaction
func (s *Store) CreateIntent(ctx context.Context, intent *PaymentIntent) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.CreateIntentTx(ctx, tx, intent)
	})
}

// CreateIntentTx persists a new intent inside an existing transaction
func (s *Store) CreateIntentTx(ctx context.Context, tx *sql.Tx, intent *PaymentIntent) error {
	metadata, err := json.Marshal(intent.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var providerTxID any
	if intent.ProviderTxID != "" {
		providerTxID = intent.ProviderTxID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_intents (
			id, tenant_id, requester, amount, currency, purpose, provider,
			provider_tx_id, status, idempotency_key, failure_reason, retry_count,
			original_intent_id, external_ref, metadata, created_at, expires_at,
			completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		intent.ID, intent.TenantID, intent.Requester, intent.Amount,
		intent.Currency, intent.Purpose, intent.Provider, providerTxID,
		intent.Status, intent.IdempotencyKey, intent.FailureReason,
		intent.RetryCount, intent.OriginalIntentID, intent.ExternalRef(),
		string(metadata), intent.CreatedAt, intent.ExpiresAt, intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment intent: %w", err)
	}

	return nil
}

// GetIntent loads one intent by id
func (s *Store) GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = ?`, intentID)
	return scanIntent(row)
}

func (s *Store) getIntentTx(ctx context.Context, tx *sql.Tx, intentID string) (*PaymentIntent, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = ?`, intentID)
	return scanIntent(row)
}

// GetIntentByIdempotencyKey loads the intent mapped to an idempotency key
func (s *Store) GetIntentByIdempotencyKey(ctx context.Context, key string) (*PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE idempotency_key = ?`, key)
	return scanIntent(row)
}

// GetIntentByProviderTxTx loads the intent holding a provider transaction id
func (s *Store) GetIntentByProviderTxTx(ctx context.Context, tx *sql.Tx, providerTxID string) (*PaymentIntent, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE provider_tx_id = ?`, providerTxID)
	return scanIntent(row)
}

// GetIntentByExternalRefTx resolves an intent through the caller-supplied
// correlation id, newest first. Fallback for providers that echo our
// reference instead of their own transaction id.
func (s *Store) GetIntentByExternalRefTx(ctx context.Context, tx *sql.Tx, externalRef string) (*PaymentIntent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE external_ref = ? OR id = ?
		ORDER BY created_at DESC LIMIT 1`, externalRef, externalRef)
	return scanIntent(row)
}

// LatestIntentByReferenceTx returns the newest intent for one business
// reference, inside the caller's transaction
func (s *Store) LatestIntentByReferenceTx(ctx context.Context, tx *sql.Tx, tenantID, purpose, externalRef string) (*PaymentIntent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE tenant_id = ? AND purpose = ? AND external_ref = ?
		ORDER BY created_at DESC LIMIT 1`, tenantID, purpose, externalRef)
	return scanIntent(row)
}

// RecentIntentByReferenceTx returns a non-terminal intent created after
// cutoff for the reference, used as the race guard between two
// near-simultaneous retry calls
func (s *Store) RecentIntentByReferenceTx(ctx context.Context, tx *sql.Tx, tenantID, purpose, externalRef string, cutoff time.Time) (*PaymentIntent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE tenant_id = ? AND purpose = ? AND external_ref = ?
			AND created_at > ?
			AND status NOT IN (?, ?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, purpose, externalRef, cutoff,
		IntentSuccess, IntentFailed, IntentCancelled, IntentRefunded)
	return scanIntent(row)
}

// TransitionTx applies an event to the intent through the transition table
// and persists the outcome. The intent is mutated in place on success.
func (s *Store) TransitionTx(ctx context.Context, tx *sql.Tx, intent *PaymentIntent, event IntentEvent, failureReason string) error {
	next, err := NextStatus(intent.Status, event)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var completedAt any
	if next.IsTerminal() {
		completedAt = now
	} else if intent.CompletedAt != nil {
		completedAt = *intent.CompletedAt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		next, failureReason, completedAt, now, intent.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment intent status: %w", err)
	}

	intent.Status = next
	intent.FailureReason = failureReason
	intent.UpdatedAt = now
	if next.IsTerminal() {
		intent.CompletedAt = &now
	}

	return nil
}

// SetProviderTxTx records the provider-assigned transaction id. Once set the
// unique constraint keeps it stable.
func (s *Store) SetProviderTxTx(ctx context.Context, tx *sql.Tx, intent *PaymentIntent, providerTxID string) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE payment_intents SET provider_tx_id = ?, updated_at = ?
		WHERE id = ? AND provider_tx_id IS NULL`,
		providerTxID, now, intent.ID)
	if err != nil {
		return fmt.Errorf("failed to set provider transaction id: %w", err)
	}

	intent.ProviderTxID = providerTxID
	intent.UpdatedAt = now
	return nil
}

// SetRetryChainTx links a fresh retry intent back to the root of its chain
func (s *Store) SetRetryChainTx(ctx context.Context, tx *sql.Tx, intent *PaymentIntent, originalID string, retryCount int) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE payment_intents SET original_intent_id = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		originalID, retryCount, now, intent.ID)
	if err != nil {
		return fmt.Errorf("failed to set retry chain: %w", err)
	}

	intent.OriginalIntentID = originalID
	intent.RetryCount = retryCount
	intent.UpdatedAt = now
	return nil
}

// UpdateMetadataTx persists the intent's current metadata map
func (s *Store) UpdateMetadataTx(ctx context.Context, tx *sql.Tx, intent *PaymentIntent) error {
	metadata, err := json.Marshal(intent.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE payment_intents SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(metadata), now, intent.ID)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}

	intent.UpdatedAt = now
	return nil
}

// TouchIntentTx bumps updated_at; used when a pending webhook reports no
// state change worth recording
func (s *Store) TouchIntentTx(ctx context.Context, tx *sql.Tx, intentID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payment_intents SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), intentID)
	return err
}

// ListReconcilable returns non-terminal intents aged between minAge and
// maxAge, oldest first. The age window keeps freshly created intents (their
// webhook is probably still in flight) and nearly expired ones out of the
// reconciliation path.
func (s *Store) ListReconcilable(ctx context.Context, minAge, maxAge time.Duration, limit int) ([]*PaymentIntent, error) {
	now := time.Now().UTC()
	newest := now.Add(-minAge)
	oldest := now.Add(-maxAge)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status IN (?, ?, ?)
			AND created_at <= ? AND created_at >= ?
		ORDER BY created_at ASC LIMIT ?`,
		IntentCreated, IntentPending, IntentProcessing,
		newest, oldest, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcilable intents: %w", err)
	}
	defer rows.Close()

	var intents []*PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}

	return intents, rows.Err()
}

// ExpireOverdue marks every non-terminal intent past its expiry as failed,
// appending an expiry log entry per intent. Returns the expired ids. Running
// it twice is a no-op for already expired intents because they are terminal
// after the first pass.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		expired = expired[:0]

		rows, err := tx.QueryContext(ctx, `
			SELECT `+intentColumns+` FROM payment_intents
			WHERE status IN (?, ?, ?) AND expires_at < ?`,
			IntentCreated, IntentPending, IntentProcessing, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to query overdue intents: %w", err)
		}

		var overdue []*PaymentIntent
		for rows.Next() {
			intent, err := scanIntent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			overdue = append(overdue, intent)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, intent := range overdue {
			if err := s.TransitionTx(ctx, tx, intent, EventExpired, "payment window expired"); err != nil {
				return err
			}
			if err := s.AppendLogTx(ctx, tx, &TransactionLog{
				IntentID: intent.ID,
				Provider: intent.Provider,
				Kind:     LogKindExpired,
				Detail:   fmt.Sprintf(`{"expiresAt":%q}`, intent.ExpiresAt.Format(time.RFC3339)),
			}); err != nil {
				return err
			}
			expired = append(expired, intent.ID)
		}

		return nil
	})

	return expired, err
}
