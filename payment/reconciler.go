package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/payflowhq/payflow/infra/config"
	"github.com/payflowhq/payflow/infra/logger"
)

// Claimer serializes a named job across replicas. Claim returns true when
// this instance should run the pass.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// nopClaimer always grants the claim, for single-instance deployments
type nopClaimer struct{}

func (nopClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

// RedisClaimer grants a job pass to exactly one replica per interval using a
// SET NX lease
type RedisClaimer struct {
	client     *redis.Client
	instanceID string
}

// NewRedisClaimer connects a claimer to the given redis address
func NewRedisClaimer(addr, password string) *RedisClaimer {
	return &RedisClaimer{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		instanceID: uuid.New().String(),
	}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, c.instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the redis connection
func (c *RedisClaimer) Close() error {
	return c.client.Close()
}

// PassStats summarizes one reconciliation pass
type PassStats struct {
	Checked int
	Changed int
	Failed  int
	Skipped int
}

// Scheduler runs the poll-based fallback: periodically reconciling in-flight
// intents whose webhook never arrived and expiring intents past their
// payment window. Webhooks remain the primary settlement path; this is the
// safety net behind them.
type Scheduler struct {
	store   *Store
	orch    *Orchestrator
	policy  *config.PaymentPolicy
	claimer Claimer
}

// NewScheduler wires the scheduler. claimer may be nil, in which case every
// instance runs every pass.
func NewScheduler(store *Store, orch *Orchestrator, policy *config.PaymentPolicy, claimer Claimer) *Scheduler {
	if claimer == nil {
		claimer = nopClaimer{}
	}
	return &Scheduler{
		store:   store,
		orch:    orch,
		policy:  policy,
		claimer: claimer,
	}
}

// Run blocks until ctx is cancelled, driving both background jobs
func (s *Scheduler) Run(ctx context.Context) {
	reconcile := time.NewTicker(s.policy.ReconcileInterval)
	expire := time.NewTicker(s.policy.ExpiryInterval)
	defer reconcile.Stop()
	defer expire.Stop()

	logger.Info(fmt.Sprintf("Background scheduler started, reconcile every %s, expiry every %s",
		s.policy.ReconcileInterval, s.policy.ExpiryInterval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Background scheduler stopped")
			return
		case <-reconcile.C:
			stats := s.ReconcilePass(ctx)
			if stats.Checked > 0 || stats.Skipped > 0 {
				logger.Info(fmt.Sprintf("Reconcile pass: checked=%d changed=%d failed=%d skipped=%d",
					stats.Checked, stats.Changed, stats.Failed, stats.Skipped))
			}
		case <-expire.C:
			if s.claimPass(ctx, "payflow:job:expiry", s.policy.ExpiryInterval) {
				s.ExpiryPass(ctx)
			}
		}
	}
}

func (s *Scheduler) claimPass(ctx context.Context, key string, interval time.Duration) bool {
	// lease slightly shorter than the interval so a crashed holder
	// does not block the next round
	ttl := interval - interval/10
	if ttl <= 0 {
		ttl = interval
	}

	ok, err := s.claimer.Claim(ctx, key, ttl)
	if err != nil {
		logger.Error("Job claim failed, running pass locally", err)
		return true
	}
	return ok
}

// ReconcilePass polls the provider for every intent in the reconciliation
// window and applies what it learns. Each row is claimed individually, so
// replicas split the batch between them instead of one replica running it
// all. One failing intent never stops the rest of the batch.
func (s *Scheduler) ReconcilePass(ctx context.Context) PassStats {
	var stats PassStats

	intents, err := s.store.ListReconcilable(ctx, s.policy.ReconcileMinAge, s.policy.ReconcileMaxAge, s.policy.ReconcileBatchSize)
	if err != nil {
		logger.Error("Failed to list reconcilable intents", err)
		return stats
	}

	for _, intent := range intents {
		if ctx.Err() != nil {
			return stats
		}

		ok, err := s.claimer.Claim(ctx, "payflow:reconcile:intent:"+intent.ID, s.policy.ReconcileInterval)
		if err != nil {
			logger.WithIntent(intent.ID).Error("Intent claim failed, checking locally", err)
		} else if !ok {
			stats.Skipped++
			continue
		}

		stats.Checked++
		changed, err := s.orch.Reconcile(ctx, intent.ID)
		if err != nil {
			stats.Failed++
			logger.WithIntent(intent.ID).Error("Reconcile failed", err)
			continue
		}
		if changed {
			stats.Changed++
		}
	}

	return stats
}

// ExpiryPass fails every intent past its payment window
func (s *Scheduler) ExpiryPass(ctx context.Context) int {
	expired, err := s.store.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("Expiry pass failed", err)
		return 0
	}

	for _, id := range expired {
		intent, err := s.store.GetIntent(ctx, id)
		if err != nil {
			continue
		}
		s.orch.dispatcher.Dispatch(ctx, intent)
	}

	if len(expired) > 0 {
		logger.Info(fmt.Sprintf("Expired %d overdue payment intents", len(expired)))
	}
	return len(expired)
}
