package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/snapshot"
	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultSweepInterval replaces a non-positive sweep interval.
const defaultSweepInterval = 15 * time.Minute

// TrialExpirer ends trials whose trial period has elapsed.
type TrialExpirer interface {
	ExpireTrials(ctx context.Context, now time.Time) (int, error)
}

// Sweeper runs the periodic billing-cycle reset and trial expiry.
type Sweeper struct {
	pools     store.Pools
	trials    TrialExpirer
	snapshots *snapshot.Cache
	events    events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. trials, snapshots and publisher may be nil.
func NewSweeper(pools store.Pools, trials TrialExpirer, snapshots *snapshot.Cache, publisher events.Publisher, logger *zap.Logger) *Sweeper {
	if publisher == nil {
		publisher = (*events.Bus)(nil)
	}
	return &Sweeper{
		pools:     pools,
		trials:    trials,
		snapshots: snapshots,
		events:    publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Run resets every pool whose cycle elapsed at or before now. Usage goes to
// zero, the limit is taken from the owning subscription's current tier
// (free for orphaned pools) and the next reset is one month after the
// previous one, not after now. Each reset is guarded by the previous reset
// time, so overlapping runs never advance a pool twice. Run returns how many
// pools this call reset.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (int, error) {
	due, err := s.pools.DuePools(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due pools: %w", err)
	}

	var (
		reset int
		errs  []error
	)
	for _, pool := range due {
		if err := ctx.Err(); err != nil {
			return reset, err
		}

		limit := tiers.Lookup(pool.Tier).MonthlyQuota
		next := pool.CycleResetAt.AddDate(0, 1, 0)

		ok, err := s.pools.ResetPool(ctx, pool.PoolID, limit, pool.CycleResetAt, next)
		if err != nil {
			metrics.CycleResets.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("pool %s: %w", pool.PoolID, err))
			continue
		}
		if !ok {
			metrics.CycleResets.WithLabelValues("skipped").Inc()
			continue
		}

		reset++
		metrics.CycleResets.WithLabelValues("reset").Inc()
		s.logger.Debug("quota pool reset",
			zap.String("pool_id", pool.PoolID.String()),
			zap.String("subscription_id", pool.SubscriptionID.String()),
			zap.Int("monthly_limit", limit),
			zap.Time("next_reset_at", next),
		)

		if pool.AccountID != uuid.Nil {
			s.snapshots.Invalidate(ctx, pool.AccountID)
			s.events.Publish(ctx, events.NewEvent(events.EventCycleReset, pool.AccountID.String(), map[string]interface{}{
				"subscription_id": pool.SubscriptionID.String(),
				"monthly_limit":   limit,
				"next_reset_at":   next,
			}))
		}
	}

	if reset > 0 || len(errs) > 0 {
		s.logger.Info("cycle reset sweep finished",
			zap.Int("due", len(due)),
			zap.Int("reset", reset),
			zap.Int("failed", len(errs)),
		)
	}
	return reset, errors.Join(errs...)
}

// RunOnce runs trial expiry followed by the cycle reset at the current time.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()

	if s.trials != nil {
		expired, err := s.trials.ExpireTrials(ctx, now)
		if err != nil {
			s.logger.Error("failed to expire trials", zap.Error(err))
		} else if expired > 0 {
			s.logger.Info("expired trials", zap.Int("count", expired))
		}
	}

	return s.Run(ctx, now)
}

// Start runs the sweep every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Warn("invalid cycle reset interval, using default",
			zap.Duration("interval", interval),
			zap.Duration("default", defaultSweepInterval),
		)
		interval = defaultSweepInterval
	}
	s.logger.Info("starting cycle reset sweeper", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("cycle reset sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("cycle reset sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
