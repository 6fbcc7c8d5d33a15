// Package metering decides, per request, whether an account may spend one
// metered unit, and charges it when it may.
//
// The snapshot cache only feeds what is displayed back to the caller
// (warning level, rejection details). Every charge is decided by the guarded
// write in the quota package, so a stale or forged snapshot can never grant
// access the database would deny.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/internal/snapshot"
	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CodeQuotaExceeded is the rejection code returned when every pool is exhausted.
const CodeQuotaExceeded = "QUOTA_EXCEEDED"

// loadTimeout bounds a shared cache-miss load, which outlives any one caller.
const loadTimeout = 10 * time.Second

// Provisioner returns an account's subscription, creating a free one if needed.
type Provisioner interface {
	Provision(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error)
}

// Charger is the authoritative consume/refund primitive.
type Charger interface {
	Decrement(ctx context.Context, subscriptionID uuid.UUID) (quota.Result, error)
	Refund(ctx context.Context, subscriptionID uuid.UUID) error
}

// Decision is the outcome of a Charge call.
type Decision struct {
	Allowed        bool
	SubscriptionID uuid.UUID
	Tier           models.Tier
	Source         quota.Source
	Remaining      int
	WarningLevel   WarningLevel
	Rejection      *Rejection
}

// Rejection is the structured upgrade prompt returned instead of an error.
type Rejection struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Details RejectionDetails `json:"details"`
}

// RejectionDetails describes the exhausted subscription.
type RejectionDetails struct {
	Tier                  models.Tier           `json:"tier"`
	MonthlyLimit          int                   `json:"monthlyLimit"`
	UsedThisMonth         int                   `json:"usedThisMonth"`
	TopUpCreditsRemaining int                   `json:"topUpCreditsRemaining"`
	UpgradeOptions        []tiers.UpgradeOption `json:"upgradeOptions"`
}

// Usage is a read-only, database-sourced view of an account's allowance.
type Usage struct {
	SubscriptionID uuid.UUID     `json:"subscriptionId"`
	Tier           models.Tier   `json:"tier"`
	Status         models.Status `json:"status"`
	MonthlyLimit   int           `json:"monthlyLimit"`
	UsedThisMonth  int           `json:"usedThisMonth"`
	TopUpRemaining int           `json:"topUpRemaining"`
	Remaining      int           `json:"remaining"`
	WarningLevel   WarningLevel  `json:"warningLevel"`
	CycleResetAt   *time.Time    `json:"cycleResetAt,omitempty"`
}

// Gate orchestrates provisioning, snapshot reads, the charge and the cache refresh.
type Gate struct {
	subscriptions Provisioner
	charger       Charger
	backend       quota.Backend
	snapshots     *snapshot.Cache
	events        events.Publisher
	logger        *zap.Logger
	loads         singleflight.Group
	now           func() time.Time
}

// NewGate creates a metering gate. snapshots and publisher may be nil.
func NewGate(subscriptions Provisioner, charger Charger, backend quota.Backend, snapshots *snapshot.Cache, publisher events.Publisher, logger *zap.Logger) *Gate {
	if publisher == nil {
		publisher = (*events.Bus)(nil)
	}
	return &Gate{
		subscriptions: subscriptions,
		charger:       charger,
		backend:       backend,
		snapshots:     snapshots,
		events:        publisher,
		logger:        logger,
		now:           time.Now,
	}
}

// Charge spends exactly one unit for the account or returns a rejection.
// Only database failures are returned as errors.
func (g *Gate) Charge(ctx context.Context, accountID uuid.UUID) (*Decision, error) {
	start := time.Now()
	defer func() { metrics.ChargeDuration.Observe(time.Since(start).Seconds()) }()

	snap, hit := g.snapshots.Get(ctx, accountID)
	if !hit {
		loaded, err := g.load(ctx, accountID)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}

	level := ClassifyWarning(snap.UsedThisMonth, snap.MonthlyLimit)

	res, err := g.charger.Decrement(ctx, snap.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to charge quota: %w", err)
	}

	if !res.Success {
		return g.reject(ctx, accountID, snap, res), nil
	}

	refreshed := *snap
	if res.Source == quota.SourceMonthly {
		refreshed.UsedThisMonth++
	} else if refreshed.UsedThisMonth < refreshed.MonthlyLimit {
		// Paid from credit, so the pool is full whatever the snapshot said.
		refreshed.UsedThisMonth = refreshed.MonthlyLimit
	}
	g.snapshots.Put(ctx, accountID, refreshed)

	after := ClassifyWarning(refreshed.UsedThisMonth, refreshed.MonthlyLimit)
	if after.Severity() > level.Severity() && after != WarningSoft {
		g.events.Publish(ctx, events.NewEvent(events.EventQuotaWarning, accountID.String(), map[string]interface{}{
			"subscription_id": snap.SubscriptionID.String(),
			"level":           string(after),
			"remaining":       res.Remaining(),
		}))
	}
	metrics.QuotaWarnings.WithLabelValues(string(level)).Inc()

	return &Decision{
		Allowed:        true,
		SubscriptionID: snap.SubscriptionID,
		Tier:           snap.Tier,
		Source:         res.Source,
		Remaining:      res.Remaining(),
		WarningLevel:   level,
	}, nil
}

func (g *Gate) reject(ctx context.Context, accountID uuid.UUID, snap *snapshot.Snapshot, res quota.Result) *Decision {
	metrics.QuotaRejections.WithLabelValues(string(snap.Tier)).Inc()
	g.logger.Info("quota exhausted",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", snap.SubscriptionID.String()),
		zap.String("tier", string(snap.Tier)),
		zap.Int("monthly_limit", snap.MonthlyLimit),
	)
	g.events.Publish(ctx, events.NewEvent(events.EventQuotaExceeded, accountID.String(), map[string]interface{}{
		"subscription_id": snap.SubscriptionID.String(),
		"tier":            string(snap.Tier),
	}))

	return &Decision{
		Allowed:        false,
		SubscriptionID: snap.SubscriptionID,
		Tier:           snap.Tier,
		Source:         quota.SourceNone,
		WarningLevel:   WarningExceeded,
		Rejection: &Rejection{
			Code:    CodeQuotaExceeded,
			Message: fmt.Sprintf("Monthly limit of %d exchanges reached on the %s plan. Upgrade or buy a top-up pack to continue.", snap.MonthlyLimit, snap.Tier),
			Details: RejectionDetails{
				Tier:                  snap.Tier,
				MonthlyLimit:          snap.MonthlyLimit,
				UsedThisMonth:         snap.UsedThisMonth,
				TopUpCreditsRemaining: res.RemainingTopUp,
				UpgradeOptions:        tiers.UpgradeOptions(snap.Tier),
			},
		},
	}
}

// load reads the account's state from the database, provisioning it if
// needed, and backfills the cache. Concurrent misses for one account share a
// single load. The load does not inherit the first caller's cancellation;
// each caller stops waiting when its own ctx is done.
func (g *Gate) load(ctx context.Context, accountID uuid.UUID) (*snapshot.Snapshot, error) {
	ch := g.loads.DoChan(accountID.String(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		sub, err := g.subscriptions.Provision(ctx, accountID)
		if err != nil {
			return nil, err
		}

		snap := &snapshot.Snapshot{
			SubscriptionID: sub.ID,
			Tier:           sub.Tier,
			Status:         sub.Status,
			MonthlyLimit:   tiers.FreeQuota,
		}
		pool, err := g.backend.GetPool(ctx, sub.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to load quota pool: %w", err)
		default:
			snap.MonthlyLimit = pool.MonthlyLimit
			snap.UsedThisMonth = pool.UsedThisMonth
		}

		g.snapshots.Put(ctx, accountID, *snap)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap := *res.Val.(*snapshot.Snapshot)
		return &snap, nil
	}
}

// Refund returns a unit charged for work that did not complete, and drops the
// cached snapshot so the next request re-reads the pool.
func (g *Gate) Refund(ctx context.Context, accountID, subscriptionID uuid.UUID) error {
	if err := g.charger.Refund(ctx, subscriptionID); err != nil {
		return err
	}
	g.snapshots.Invalidate(ctx, accountID)
	g.logger.Info("refunded metered unit",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", subscriptionID.String()),
	)
	return nil
}

// Usage reports the account's allowance straight from the database.
func (g *Gate) Usage(ctx context.Context, accountID uuid.UUID) (*Usage, error) {
	sub, err := g.subscriptions.Provision(ctx, accountID)
	if err != nil {
		return nil, err
	}

	u := &Usage{
		SubscriptionID: sub.ID,
		Tier:           sub.Tier,
		Status:         sub.Status,
		MonthlyLimit:   tiers.FreeQuota,
	}
	pool, err := g.backend.GetPool(ctx, sub.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load quota pool: %w", err)
	default:
		u.MonthlyLimit = pool.MonthlyLimit
		u.UsedThisMonth = pool.UsedThisMonth
		resetAt := pool.CycleResetAt
		u.CycleResetAt = &resetAt
	}

	u.TopUpRemaining, err = g.backend.UsableCreditBalance(ctx, sub.ID, g.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load top-up balance: %w", err)
	}
	u.Remaining = Remaining(u.MonthlyLimit, u.UsedThisMonth, u.TopUpRemaining)
	u.WarningLevel = ClassifyWarning(u.UsedThisMonth, u.MonthlyLimit)
	return u, nil
}
