// Package memory is an in-process Store used by tests and local development.
// Each method runs under one mutex so that it behaves like a single SQL
// statement; nothing is held across calls.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	subscriptions map[uuid.UUID]*models.Subscription
	byAccount     map[uuid.UUID]uuid.UUID
	pools         map[uuid.UUID]*models.QuotaPool // keyed by subscription id
	orphanPools   map[uuid.UUID]*models.QuotaPool // keyed by pool id
	credits       map[uuid.UUID]*models.TopUpCredit
	profiles      map[uuid.UUID]int

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		subscriptions: make(map[uuid.UUID]*models.Subscription),
		byAccount:     make(map[uuid.UUID]uuid.UUID),
		pools:         make(map[uuid.UUID]*models.QuotaPool),
		orphanPools:   make(map[uuid.UUID]*models.QuotaPool),
		credits:       make(map[uuid.UUID]*models.TopUpCredit),
		profiles:      make(map[uuid.UUID]int),
		now:           time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func cloneSub(sub *models.Subscription) *models.Subscription {
	c := *sub
	return &c
}

func clonePool(p *models.QuotaPool) *models.QuotaPool {
	c := *p
	return &c
}

// Subscriptions

func (s *Store) GetSubscription(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSub(sub), nil
}

func (s *Store) GetSubscriptionByAccount(_ context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccount[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSub(s.subscriptions[id]), nil
}

func (s *Store) GetSubscriptionByExternalID(_ context.Context, externalID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.findExternal(externalID)
	if sub == nil {
		return nil, store.ErrNotFound
	}
	return cloneSub(sub), nil
}

func (s *Store) findExternal(externalID string) *models.Subscription {
	for _, sub := range s.subscriptions {
		if sub.ExternalSubscriptionID != nil && *sub.ExternalSubscriptionID == externalID {
			return sub
		}
	}
	return nil
}

func (s *Store) ProvisionSubscription(_ context.Context, sub *models.Subscription, pool *models.QuotaPool) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAccount[sub.AccountID]; ok {
		return cloneSub(s.subscriptions[id]), nil
	}

	now := s.now()
	stored := cloneSub(sub)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.subscriptions[stored.ID] = stored
	s.byAccount[stored.AccountID] = stored.ID

	if pool != nil {
		p := clonePool(pool)
		p.SubscriptionID = stored.ID
		p.CreatedAt, p.UpdatedAt = now, now
		s.pools[stored.ID] = p
	}
	return cloneSub(stored), nil
}

func (s *Store) ApplyPatchIfNewer(_ context.Context, externalID string, patch models.SubscriptionPatch) (*models.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.findExternal(externalID)
	if sub == nil {
		return nil, false, store.ErrNotFound
	}
	if sub.LastEventAt != nil && !sub.LastEventAt.Before(patch.EventTimestamp) {
		return cloneSub(sub), false, nil
	}

	if patch.Tier != nil {
		sub.Tier = *patch.Tier
	}
	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	if patch.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = timePtr(*patch.CurrentPeriodStart)
	}
	if patch.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = timePtr(*patch.CurrentPeriodEnd)
	}
	if patch.CancelledAt != nil {
		sub.CancelledAt = timePtr(*patch.CancelledAt)
	}
	sub.LastEventAt = timePtr(patch.EventTimestamp)
	sub.UpdatedAt = s.now()
	return cloneSub(sub), true, nil
}

func (s *Store) LinkCustomer(_ context.Context, accountID uuid.UUID, customerID string, externalID *string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccount[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if externalID != nil {
		if other := s.findExternal(*externalID); other != nil && other.ID != id {
			return nil, store.ErrConflict
		}
	}

	sub := s.subscriptions[id]
	sub.StripeCustomerID = &customerID
	if externalID != nil {
		ext := *externalID
		sub.ExternalSubscriptionID = &ext
	}
	sub.UpdatedAt = s.now()
	return cloneSub(sub), nil
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, from, to models.Status, at time.Time) (*models.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if sub.Status != from {
		return cloneSub(sub), false, nil
	}
	sub.Status = to
	if to == models.StatusCancelled && sub.CancelledAt == nil {
		sub.CancelledAt = timePtr(at)
	}
	sub.UpdatedAt = at
	return cloneSub(sub), true, nil
}

func (s *Store) UpdateTier(_ context.Context, id uuid.UUID, tier models.Tier) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sub.Tier = tier
	sub.UpdatedAt = s.now()
	return cloneSub(sub), nil
}

func (s *Store) ExpiredTrials(_ context.Context, now time.Time) ([]*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == models.StatusTrial && sub.TrialEndsAt != nil && !sub.TrialEndsAt.After(now) {
			out = append(out, cloneSub(sub))
		}
	}
	return out, nil
}

func (s *Store) CountProfiles(_ context.Context, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[accountID], nil
}

// AddProfile registers a learner profile under the account.
func (s *Store) AddProfile(accountID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[accountID]++
}

// Pools

func (s *Store) GetPool(_ context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[subscriptionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePool(p), nil
}

// PutPool inserts or replaces the pool of a subscription.
func (s *Store) PutPool(pool *models.QuotaPool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := clonePool(pool)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, ok := s.subscriptions[p.SubscriptionID]; !ok {
		s.orphanPools[p.ID] = p
		return
	}
	s.pools[p.SubscriptionID] = p
}

func (s *Store) ConsumeMonthly(_ context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[subscriptionID]
	if !ok || p.UsedThisMonth >= p.MonthlyLimit {
		return nil, false, nil
	}
	p.UsedThisMonth++
	p.UpdatedAt = s.now()
	return clonePool(p), true, nil
}

func (s *Store) RefundMonthly(_ context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[subscriptionID]
	if !ok || p.UsedThisMonth <= 0 {
		return nil, false, nil
	}
	p.UsedThisMonth--
	p.UpdatedAt = s.now()
	return clonePool(p), true, nil
}

func (s *Store) DuePools(_ context.Context, now time.Time) ([]models.DuePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.DuePool
	for subID, p := range s.pools {
		if p.CycleResetAt.After(now) {
			continue
		}
		due := models.DuePool{PoolID: p.ID, SubscriptionID: subID, CycleResetAt: p.CycleResetAt}
		if sub, ok := s.subscriptions[subID]; ok {
			due.Tier = sub.Tier
			due.AccountID = sub.AccountID
		}
		out = append(out, due)
	}
	for _, p := range s.orphanPools {
		if !p.CycleResetAt.After(now) {
			out = append(out, models.DuePool{PoolID: p.ID, SubscriptionID: p.SubscriptionID, CycleResetAt: p.CycleResetAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleResetAt.Before(out[j].CycleResetAt) })
	return out, nil
}

func (s *Store) ResetPool(_ context.Context, poolID uuid.UUID, limit int, prior, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.poolByID(poolID)
	if p == nil || !p.CycleResetAt.Equal(prior) {
		return false, nil
	}
	p.UsedThisMonth = 0
	p.MonthlyLimit = limit
	p.CycleResetAt = next
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) poolByID(poolID uuid.UUID) *models.QuotaPool {
	if p, ok := s.orphanPools[poolID]; ok {
		return p
	}
	for _, p := range s.pools {
		if p.ID == poolID {
			return p
		}
	}
	return nil
}

// Credits

func (s *Store) OldestUsableCredit(_ context.Context, subscriptionID uuid.UUID, now time.Time) (*models.TopUpCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.TopUpCredit
	for _, c := range s.credits {
		if c.SubscriptionID != subscriptionID || !c.Usable(now) {
			continue
		}
		if oldest == nil || c.PurchasedAt.Before(oldest.PurchasedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	c := *oldest
	return &c, nil
}

func (s *Store) ConsumeCredit(_ context.Context, creditID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[creditID]
	if !ok || c.Remaining <= 0 {
		return false, nil
	}
	c.Remaining--
	return true, nil
}

func (s *Store) UsableCreditBalance(_ context.Context, subscriptionID uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.credits {
		if c.SubscriptionID == subscriptionID && c.Usable(now) {
			total += c.Remaining
		}
	}
	return total, nil
}

func (s *Store) AddCredit(_ context.Context, credit *models.TopUpCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if credit.CheckoutSessionID != nil {
		for _, other := range s.credits {
			if other.CheckoutSessionID != nil && *other.CheckoutSessionID == *credit.CheckoutSessionID {
				return store.ErrConflict
			}
		}
	}

	c := *credit
	if credit.CheckoutSessionID != nil {
		session := *credit.CheckoutSessionID
		c.CheckoutSessionID = &session
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
		credit.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.credits[c.ID] = &c
	return nil
}

// Credit returns a copy of a stored credit.
func (s *Store) Credit(id uuid.UUID) (*models.TopUpCredit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func timePtr(t time.Time) *time.Time {
	return &t
}
