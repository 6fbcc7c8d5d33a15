package metering

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/internal/snapshot"
	"github.com/crosslogic/metering/internal/store/memory"
	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)

type gateFixture struct {
	gate  *Gate
	store *memory.Store
	snaps *snapshot.Cache
	redis *miniredis.Miniredis
	bus   *events.Bus
}

func setupGate(t *testing.T) *gateFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := cache.NewCache(context.Background(), config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	logger := zap.NewNop()
	st := memory.New()
	snaps := snapshot.New(c, 0, time.Second, logger)
	bus := events.NewBus(logger)

	subs := subscription.NewService(st, snaps, bus, logger)
	subs.SetClock(func() time.Time { return testNow })
	meter := quota.NewMeter(st, logger, quota.WithClock(func() time.Time { return testNow }))

	gate := NewGate(subs, meter, st, snaps, bus, logger)
	gate.now = func() time.Time { return testNow }

	return &gateFixture{gate: gate, store: st, snaps: snaps, redis: mr, bus: bus}
}

func (f *gateFixture) seed(t *testing.T, tier models.Tier, limit, used int) *models.Subscription {
	t.Helper()
	sub, err := f.store.ProvisionSubscription(context.Background(), &models.Subscription{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Tier:      tier,
		Status:    models.StatusActive,
	}, &models.QuotaPool{
		ID:            uuid.New(),
		MonthlyLimit:  limit,
		UsedThisMonth: used,
		CycleResetAt:  testNow.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	return sub
}

func TestChargeProvisionsFreeAccountOnFirstUse(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	account := uuid.New()

	d, err := f.gate.Charge(ctx, account)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Nil(t, d.Rejection)
	assert.Equal(t, models.TierFree, d.Tier)
	assert.Equal(t, quota.SourceMonthly, d.Source)
	assert.Equal(t, tiers.FreeQuota-1, d.Remaining)
	assert.Equal(t, WarningNone, d.WarningLevel)

	snap, ok := f.snaps.Get(ctx, account)
	require.True(t, ok)
	assert.Equal(t, d.SubscriptionID, snap.SubscriptionID)
	assert.Equal(t, 1, snap.UsedThisMonth)

	pool, err := f.store.GetPool(ctx, d.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.UsedThisMonth)
}

func TestChargeWarningComesFromSnapshot(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierPlus, 500, 480)

	d, err := f.gate.Charge(ctx, sub.AccountID)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, WarningHard, d.WarningLevel)
	assert.Equal(t, 19, d.Remaining)
}

func TestForgedSnapshotCannotGrantAccess(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierFree, 50, 50)

	forged, err := json.Marshal(snapshot.Snapshot{
		SubscriptionID: sub.ID,
		Tier:           models.TierPro,
		Status:         models.StatusActive,
		MonthlyLimit:   1000000,
		UsedThisMonth:  0,
	})
	require.NoError(t, err)
	require.NoError(t, f.redis.Set(snapshot.Key(sub.AccountID), string(forged)))

	d, err := f.gate.Charge(ctx, sub.AccountID)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Rejection)
	assert.Equal(t, CodeQuotaExceeded, d.Rejection.Code)

	pool, err := f.store.GetPool(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, pool.UsedThisMonth)
}

func TestRejectionCarriesUpgradePrompt(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierPlus, 500, 500)

	exceeded := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventQuotaExceeded, func(_ context.Context, e events.Event) error {
		exceeded <- e
		return nil
	})

	d, err := f.gate.Charge(ctx, sub.AccountID)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, WarningExceeded, d.WarningLevel)

	details := d.Rejection.Details
	assert.Equal(t, models.TierPlus, details.Tier)
	assert.Equal(t, 500, details.MonthlyLimit)
	assert.Equal(t, 500, details.UsedThisMonth)
	assert.Equal(t, 0, details.TopUpCreditsRemaining)
	require.Len(t, details.UpgradeOptions, 3)
	for _, o := range details.UpgradeOptions {
		assert.NotEqual(t, models.TierPlus, o.Tier)
	}

	require.NoError(t, f.bus.Drain(ctx))
	select {
	case e := <-exceeded:
		assert.Equal(t, sub.AccountID.String(), e.AccountID)
	default:
		t.Fatal("expected quota.exceeded event")
	}
}

func TestChargeFallsThroughToTopUp(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierPlus, 500, 500)
	require.NoError(t, f.store.AddCredit(ctx, &models.TopUpCredit{
		SubscriptionID: sub.ID,
		Amount:         100,
		Remaining:      100,
		PurchasedAt:    testNow.Add(-time.Hour),
		ExpiresAt:      testNow.AddDate(1, 0, 0),
	}))

	d, err := f.gate.Charge(ctx, sub.AccountID)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, quota.SourceTopUp, d.Source)
	assert.Equal(t, 99, d.Remaining)

	snap, ok := f.snaps.Get(ctx, sub.AccountID)
	require.True(t, ok)
	assert.Equal(t, 500, snap.UsedThisMonth)
}

func TestChargeWorksWhenCacheIsDown(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierPlus, 500, 10)

	f.redis.Close()

	d, err := f.gate.Charge(ctx, sub.AccountID)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 489, d.Remaining)
}

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierPlus, 500, 490)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.gate.Charge(ctx, sub.AccountID)
			assert.NoError(t, err)
			if d != nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	pool, err := f.store.GetPool(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, pool.UsedThisMonth)
}

func TestRefundRestoresUnitAndDropsSnapshot(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierPlus, 500, 0)

	d, err := f.gate.Charge(ctx, sub.AccountID)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	_, ok := f.snaps.Get(ctx, sub.AccountID)
	require.True(t, ok)

	require.NoError(t, f.gate.Refund(ctx, sub.AccountID, d.SubscriptionID))

	pool, err := f.store.GetPool(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pool.UsedThisMonth)
	_, ok = f.snaps.Get(ctx, sub.AccountID)
	assert.False(t, ok)
}

func TestUsageReadsDatabase(t *testing.T) {
	f := setupGate(t)
	ctx := context.Background()
	sub := f.seed(t, models.TierFamily, 1500, 1200)
	require.NoError(t, f.store.AddCredit(ctx, &models.TopUpCredit{
		SubscriptionID: sub.ID,
		Amount:         100,
		Remaining:      40,
		PurchasedAt:    testNow.Add(-time.Hour),
		ExpiresAt:      testNow.AddDate(1, 0, 0),
	}))

	u, err := f.gate.Usage(ctx, sub.AccountID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFamily, u.Tier)
	assert.Equal(t, 1500, u.MonthlyLimit)
	assert.Equal(t, 1200, u.UsedThisMonth)
	assert.Equal(t, 40, u.TopUpRemaining)
	assert.Equal(t, 340, u.Remaining)
	assert.Equal(t, WarningSoft, u.WarningLevel)
	require.NotNil(t, u.CycleResetAt)
	assert.Equal(t, testNow.AddDate(0, 1, 0), *u.CycleResetAt)
}

// gatedProvisioner holds every Provision call until release is closed.
type gatedProvisioner struct {
	Provisioner
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedProvisioner) Provision(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Provisioner.Provision(ctx, accountID)
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	logger := zap.NewNop()
	st := memory.New()
	subs := subscription.NewService(st, nil, nil, logger)
	subs.SetClock(func() time.Time { return testNow })
	gated := &gatedProvisioner{Provisioner: subs, entered: make(chan struct{}), release: make(chan struct{})}
	gate := NewGate(gated, quota.NewMeter(st, logger), st, nil, nil, logger)
	account := uuid.New()

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := gate.load(leaderCtx, account)
		leaderErr <- err
	}()
	<-gated.entered

	type result struct {
		snap *snapshot.Snapshot
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		snap, err := gate.load(context.Background(), account)
		follower <- result{snap, err}
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(gated.release)

	res := <-follower
	require.NoError(t, res.err)
	sub, err := st.GetSubscriptionByAccount(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, res.snap.SubscriptionID)
	assert.Equal(t, models.TierFree, res.snap.Tier)
}
