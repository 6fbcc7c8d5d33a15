package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosslogic/metering/internal/store/memory"
	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T) (*Reconciler, *subscription.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc := subscription.NewService(st, nil, nil, zap.NewNop())
	svc.SetClock(func() time.Time { return testNow })
	return NewReconciler(st, svc, nil, nil, zap.NewNop()), svc, st
}

func linkedSubscription(t *testing.T, r *Reconciler, externalID string) *models.Subscription {
	t.Helper()
	sub, err := r.LinkCustomer(context.Background(), uuid.New(), "cus_"+externalID, &externalID)
	require.NoError(t, err)
	return sub
}

func tierPtr(t models.Tier) *models.Tier       { return &t }
func statusPtr(s models.Status) *models.Status { return &s }

func TestApplyWebhookUpdateOutOfOrder(t *testing.T) {
	r, _, _ := newReconciler(t)
	ctx := context.Background()
	linkedSubscription(t, r, "sub_123")

	newer := models.SubscriptionPatch{Tier: tierPtr(models.TierPro), Status: statusPtr(models.StatusActive), EventTimestamp: testNow.Add(2 * time.Minute)}
	older := models.SubscriptionPatch{Tier: tierPtr(models.TierPlus), Status: statusPtr(models.StatusPastDue), EventTimestamp: testNow.Add(time.Minute)}

	got, err := r.ApplyWebhookUpdate(ctx, "sub_123", newer)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, got.Tier)

	got, err = r.ApplyWebhookUpdate(ctx, "sub_123", older)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, got.Tier)
	assert.Equal(t, models.StatusActive, got.Status)
	require.NotNil(t, got.LastEventAt)
	assert.Equal(t, newer.EventTimestamp, *got.LastEventAt)
}

// flakyTierStore fails the first UpdateTier call.
type flakyTierStore struct {
	*memory.Store
	failed atomic.Bool
}

func (s *flakyTierStore) UpdateTier(ctx context.Context, id uuid.UUID, tier models.Tier) (*models.Subscription, error) {
	if s.failed.CompareAndSwap(false, true) {
		return nil, errors.New("connection reset")
	}
	return s.Store.UpdateTier(ctx, id, tier)
}

func TestApplyWebhookUpdateRedeliveryFinishesDowngrade(t *testing.T) {
	st := &flakyTierStore{Store: memory.New()}
	svc := subscription.NewService(st, nil, nil, zap.NewNop())
	svc.SetClock(func() time.Time { return testNow })
	r := NewReconciler(st, svc, nil, nil, zap.NewNop())
	ctx := context.Background()

	sub := linkedSubscription(t, r, "sub_flaky")
	_, err := st.Store.UpdateTier(ctx, sub.ID, models.TierPro)
	require.NoError(t, err)

	cancel := models.SubscriptionPatch{Status: statusPtr(models.StatusCancelled), EventTimestamp: testNow.Add(time.Minute)}
	_, err = r.ApplyWebhookUpdate(ctx, "sub_flaky", cancel)
	require.Error(t, err)

	got, err := r.ApplyWebhookUpdate(ctx, "sub_flaky", cancel)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.TierFree, got.Tier)

	stored, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, stored.Tier)
}

func TestApplyWebhookUpdateDuplicateIsNoop(t *testing.T) {
	r, _, st := newReconciler(t)
	ctx := context.Background()
	sub := linkedSubscription(t, r, "sub_dup")

	patch := models.SubscriptionPatch{Tier: tierPtr(models.TierFamily), EventTimestamp: testNow}
	_, err := r.ApplyWebhookUpdate(ctx, "sub_dup", patch)
	require.NoError(t, err)
	before, _ := st.GetSubscription(ctx, sub.ID)

	again, err := r.ApplyWebhookUpdate(ctx, "sub_dup", patch)
	require.NoError(t, err)
	assert.Equal(t, before, again)
}

func TestApplyWebhookUpdateConcurrentDeliveriesKeepNewest(t *testing.T) {
	r, _, st := newReconciler(t)
	ctx := context.Background()
	sub := linkedSubscription(t, r, "sub_race")

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.ApplyWebhookUpdate(ctx, "sub_race", models.SubscriptionPatch{
				EventTimestamp: testNow.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastEventAt)
	assert.Equal(t, testNow.Add(20*time.Second), *got.LastEventAt)
}

func TestApplyWebhookUpdateUnknownSubscription(t *testing.T) {
	r, _, _ := newReconciler(t)
	got, err := r.ApplyWebhookUpdate(context.Background(), "sub_missing", models.SubscriptionPatch{EventTimestamp: testNow})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApplyWebhookUpdateCancellationDowngrades(t *testing.T) {
	r, _, _ := newReconciler(t)
	ctx := context.Background()
	linkedSubscription(t, r, "sub_cancel")

	_, err := r.ApplyWebhookUpdate(ctx, "sub_cancel", models.SubscriptionPatch{
		Tier:           tierPtr(models.TierPlus),
		Status:         statusPtr(models.StatusActive),
		EventTimestamp: testNow,
	})
	require.NoError(t, err)

	cancelledAt := testNow.Add(time.Hour)
	got, err := r.ApplyWebhookUpdate(ctx, "sub_cancel", models.SubscriptionPatch{
		Status:         statusPtr(models.StatusCancelled),
		CancelledAt:    &cancelledAt,
		EventTimestamp: cancelledAt,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.TierFree, got.Tier)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, cancelledAt, *got.CancelledAt)
}

func TestLinkCustomerProvisionsAccount(t *testing.T) {
	r, _, st := newReconciler(t)
	ctx := context.Background()
	account := uuid.New()
	ext := "sub_new"

	sub, err := r.LinkCustomer(ctx, account, "cus_1", &ext)
	require.NoError(t, err)
	assert.Equal(t, account, sub.AccountID)
	require.NotNil(t, sub.StripeCustomerID)
	assert.Equal(t, "cus_1", *sub.StripeCustomerID)

	byExt, err := st.GetSubscriptionByExternalID(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, byExt.ID)

	_, err = st.GetPool(ctx, sub.ID)
	assert.NoError(t, err)
}
