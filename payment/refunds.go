package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateRefundTx persists a new refund request inside the caller's transaction
func (s *Store) CreateRefundTx(ctx context.Context, tx *sql.Tx, refund *RefundRequest) error {
	now := time.Now().UTC()
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	refund.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO refund_requests (
			id, intent_id, amount, status, provider_refund_id, reason, requester,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID, refund.IntentID, refund.Amount, refund.Status,
		refund.ProviderRefundID, refund.Reason, refund.Requester,
		refund.CreatedAt, refund.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refund request: %w", err)
	}

	return nil
}

// UpdateRefund records the outcome of a provider refund call
func (s *Store) UpdateRefund(ctx context.Context, refund *RefundRequest) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateRefundTx(ctx, tx, refund)
	})
}

// UpdateRefundTx records the refund outcome inside the caller's transaction
func (s *Store) UpdateRefundTx(ctx context.Context, tx *sql.Tx, refund *RefundRequest) error {
	refund.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE refund_requests
		SET status = ?, provider_refund_id = ?, reason = ?, updated_at = ?
		WHERE id = ?`,
		refund.Status, refund.ProviderRefundID, refund.Reason, refund.UpdatedAt, refund.ID)
	if err != nil {
		return fmt.Errorf("failed to update refund request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRefundNotFound
	}

	return nil
}

// ListRefunds returns every refund recorded against an intent, oldest first
func (s *Store) ListRefunds(ctx context.Context, intentID string) ([]*RefundRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, amount, status, provider_refund_id, reason, requester,
			created_at, updated_at
		FROM refund_requests WHERE intent_id = ? ORDER BY created_at ASC`, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query refund requests: %w", err)
	}
	defer rows.Close()

	var refunds []*RefundRequest
	for rows.Next() {
		var r RefundRequest
		if err := rows.Scan(&r.ID, &r.IntentID, &r.Amount, &r.Status, &r.ProviderRefundID,
			&r.Reason, &r.Requester, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund request: %w", err)
		}
		refunds = append(refunds, &r)
	}

	return refunds, rows.Err()
}

// RefundedTotal sums completed refund amounts for an intent
func (s *Store) RefundedTotal(ctx context.Context, intentID string) (int64, error) {
	return refundedTotal(ctx, s.db, intentID)
}

// RefundedTotalTx sums completed refund amounts inside the caller's transaction
func (s *Store) RefundedTotalTx(ctx context.Context, tx *sql.Tx, intentID string) (int64, error) {
	return refundedTotal(ctx, tx, intentID)
}

// RefundReservedTx sums refund amounts already paid out or still in flight,
// inside the caller's transaction. A refund row reserves its amount from the
// moment it is created, so two concurrent refunds cannot spend the same
// balance twice.
func (s *Store) RefundReservedTx(ctx context.Context, tx *sql.Tx, intentID string) (int64, error) {
	var total sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM refund_requests
		WHERE intent_id = ? AND status IN (?, ?, ?)`,
		intentID, RefundRequested, RefundPending, RefundSuccess).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum reserved refunds: %w", err)
	}
	return total.Int64, nil
}

func refundedTotal(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, intentID string) (int64, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM refund_requests WHERE intent_id = ? AND status = ?`,
		intentID, RefundSuccess).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total.Int64, nil
}

// UpsertMerchantMethod stores or replaces one tenant provider configuration
func (s *Store) UpsertMerchantMethod(ctx context.Context, method *MerchantPaymentMethod) error {
	config, err := json.Marshal(method.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal provider config: %w", err)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO merchant_payment_methods (tenant_id, provider, enabled, verified, config, priority)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, provider) DO UPDATE SET
				enabled = excluded.enabled,
				verified = excluded.verified,
				config = excluded.config,
				priority = excluded.priority`,
			method.TenantID, method.Provider, boolToInt(method.Enabled),
			boolToInt(method.Verified), string(config), method.Priority)
		if err != nil {
			return fmt.Errorf("failed to upsert merchant payment method: %w", err)
		}
		return nil
	})
}

// EnabledMethod returns the tenant's configuration for one provider if it is
// enabled and verified
func (s *Store) EnabledMethod(ctx context.Context, tenantID, providerName string) (*MerchantPaymentMethod, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, provider, enabled, verified, config, priority
		FROM merchant_payment_methods
		WHERE tenant_id = ? AND provider = ? AND enabled = 1 AND verified = 1`,
		tenantID, providerName)
	return scanMethod(row)
}

// FirstEnabledMethod returns the tenant's highest priority enabled provider
func (s *Store) FirstEnabledMethod(ctx context.Context, tenantID string) (*MerchantPaymentMethod, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, provider, enabled, verified, config, priority
		FROM merchant_payment_methods
		WHERE tenant_id = ? AND enabled = 1 AND verified = 1
		ORDER BY priority ASC, provider ASC LIMIT 1`, tenantID)
	return scanMethod(row)
}

func scanMethod(row *sql.Row) (*MerchantPaymentMethod, error) {
	var method MerchantPaymentMethod
	var enabled, verified int
	var config string

	err := row.Scan(&method.TenantID, &method.Provider, &enabled, &verified,
		&config, &method.Priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan merchant payment method: %w", err)
	}

	method.Enabled = enabled != 0
	method.Verified = verified != 0
	if err := json.Unmarshal([]byte(config), &method.Config); err != nil {
		method.Config = map[string]string{}
	}
	return &method, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
