package snapshot

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupSnapshots(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := cache.NewCache(context.Background(), config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return New(c, 0, time.Second, zap.NewNop()), mr
}

func TestPutGetRoundTripAndTTL(t *testing.T) {
	snaps, mr := setupSnapshots(t)
	ctx := context.Background()
	account := uuid.New()

	want := Snapshot{
		SubscriptionID: uuid.New(),
		Tier:           models.TierPlus,
		Status:         models.StatusActive,
		MonthlyLimit:   500,
		UsedThisMonth:  12,
	}
	snaps.Put(ctx, account, want)

	got, ok := snaps.Get(ctx, account)
	require.True(t, ok)
	assert.Equal(t, want, *got)
	assert.Equal(t, 24*time.Hour, mr.TTL("sub:"+account.String()))

	raw, err := mr.Get("sub:" + account.String())
	require.NoError(t, err)
	assert.Contains(t, raw, `"usedThisMonth":12`)
	assert.Contains(t, raw, `"subscriptionId"`)
}

func TestCorruptEntriesAreMisses(t *testing.T) {
	snaps, mr := setupSnapshots(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		value string
	}{
		{"not json", "{{{"},
		{"wrong shape", `[1,2,3]`},
		{"missing subscription", `{"tier":"free","status":"active","monthlyLimit":50,"usedThisMonth":1}`},
		{"unknown status", `{"subscriptionId":"` + uuid.NewString() + `","tier":"free","status":"paused","monthlyLimit":50,"usedThisMonth":1}`},
		{"negative usage", `{"subscriptionId":"` + uuid.NewString() + `","tier":"free","status":"active","monthlyLimit":50,"usedThisMonth":-1}`},
		{"unknown tier", `{"subscriptionId":"` + uuid.NewString() + `","tier":"gold","status":"active","monthlyLimit":50,"usedThisMonth":1}`},
		{"empty tier", `{"subscriptionId":"` + uuid.NewString() + `","tier":"","status":"active","monthlyLimit":50,"usedThisMonth":1}`},
		{"usage above limit", `{"subscriptionId":"` + uuid.NewString() + `","tier":"plus","status":"active","monthlyLimit":500,"usedThisMonth":501}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := uuid.New()
			require.NoError(t, mr.Set("sub:"+account.String(), tt.value))

			_, ok := snaps.Get(ctx, account)
			assert.False(t, ok)
		})
	}
}

func TestUnavailableRedisIsAMiss(t *testing.T) {
	snaps, mr := setupSnapshots(t)
	ctx := context.Background()
	account := uuid.New()

	mr.Close()

	_, ok := snaps.Get(ctx, account)
	assert.False(t, ok)

	// Writes and invalidations must not panic or block.
	snaps.Put(ctx, account, Snapshot{SubscriptionID: uuid.New(), Tier: models.TierFree, Status: models.StatusActive})
	snaps.Invalidate(ctx, account)
}

func TestInvalidate(t *testing.T) {
	snaps, _ := setupSnapshots(t)
	ctx := context.Background()
	account := uuid.New()

	snaps.Put(ctx, account, Snapshot{SubscriptionID: uuid.New(), Tier: models.TierFree, Status: models.StatusActive, MonthlyLimit: 50})
	snaps.Invalidate(ctx, account)

	_, ok := snaps.Get(ctx, account)
	assert.False(t, ok)
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	snaps := New(nil, 0, 0, zap.NewNop())
	_, ok := snaps.Get(context.Background(), uuid.New())
	assert.False(t, ok)
}
