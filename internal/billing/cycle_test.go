package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/metering/internal/store/memory"
	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedPool(t *testing.T, st *memory.Store, tier models.Tier, limit, used int, resetAt time.Time) uuid.UUID {
	t.Helper()
	sub, err := st.ProvisionSubscription(context.Background(), &models.Subscription{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Tier:      tier,
		Status:    models.StatusActive,
	}, &models.QuotaPool{
		ID:            uuid.New(),
		MonthlyLimit:  limit,
		UsedThisMonth: used,
		CycleResetAt:  resetAt,
	})
	require.NoError(t, err)
	return sub.ID
}

func TestSweepResetsDuePoolsFromPriorResetTime(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	prior := time.Date(2026, 5, 28, 10, 0, 0, 0, time.UTC)

	// Tier changed mid-cycle: the new limit applies at reset.
	due := seedPool(t, st, models.TierFamily, 500, 421, prior)
	notDue := seedPool(t, st, models.TierPlus, 500, 42, testNow.Add(time.Hour))

	sweeper := NewSweeper(st, nil, nil, nil, zap.NewNop())
	n, err := sweeper.Run(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pool, err := st.GetPool(ctx, due)
	require.NoError(t, err)
	assert.Equal(t, 0, pool.UsedThisMonth)
	assert.Equal(t, tiers.Lookup(models.TierFamily).MonthlyQuota, pool.MonthlyLimit)
	assert.Equal(t, time.Date(2026, 6, 28, 10, 0, 0, 0, time.UTC), pool.CycleResetAt)

	pool, err = st.GetPool(ctx, notDue)
	require.NoError(t, err)
	assert.Equal(t, 42, pool.UsedThisMonth)
}

func TestSweepOrphanPoolGetsFreeQuota(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	prior := testNow.Add(-time.Minute)
	st.PutPool(&models.QuotaPool{
		ID:             uuid.New(),
		SubscriptionID: uuid.New(),
		MonthlyLimit:   3000,
		UsedThisMonth:  3000,
		CycleResetAt:   prior,
	})

	sweeper := NewSweeper(st, nil, nil, nil, zap.NewNop())
	n, err := sweeper.Run(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := st.DuePools(ctx, testNow)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOverlappingSweepsAdvanceOnce(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	prior := testNow.Add(-time.Hour)
	subID := seedPool(t, st, models.TierPlus, 500, 300, prior)

	sweeper := NewSweeper(st, nil, nil, nil, zap.NewNop())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := sweeper.Run(ctx, testNow)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	pool, err := st.GetPool(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, prior.AddDate(0, 1, 0), pool.CycleResetAt)
}

func TestRunOnceExpiresTrials(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	svc := subscription.NewService(st, nil, nil, zap.NewNop())
	svc.SetClock(func() time.Time { return testNow.Add(-48 * time.Hour) })

	trial, err := svc.StartTrial(ctx, uuid.New(), models.TierPro, 24*time.Hour)
	require.NoError(t, err)

	sweeper := NewSweeper(st, svc, nil, nil, zap.NewNop())
	sweeper.now = func() time.Time { return testNow }
	_, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)

	got, err := st.GetSubscription(ctx, trial.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, models.TierFree, got.Tier)
}

func TestStartStopsOnCancel(t *testing.T) {
	for _, interval := range []time.Duration{time.Hour, 0, -time.Minute} {
		st := memory.New()
		sweeper := NewSweeper(st, nil, nil, nil, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			sweeper.Start(ctx, interval)
			close(done)
		}()
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweeper with interval %s did not stop", interval)
		}
	}
}
