package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/snapshot"
	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backend is the store surface the service needs.
type Backend interface {
	store.Subscriptions
	store.Credits
}

// Service owns subscription lifecycle flows: provisioning, status changes,
// tier changes and seat capacity.
type Service struct {
	store     Backend
	snapshots *snapshot.Cache
	events    events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a subscription service. snapshots and publisher may be nil.
func NewService(st Backend, snapshots *snapshot.Cache, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = (*events.Bus)(nil)
	}
	return &Service{
		store:     st,
		snapshots: snapshots,
		events:    publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Provision returns the account's subscription, creating a free-tier
// subscription and quota pool when none exists. Safe to call concurrently.
func (s *Service) Provision(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.store.GetSubscriptionByAccount(ctx, accountID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	now := s.now().UTC()
	candidate := &models.Subscription{
		ID:        uuid.New(),
		AccountID: accountID,
		Tier:      models.TierFree,
		Status:    models.StatusActive,
	}
	pool := &models.QuotaPool{
		ID:           uuid.New(),
		MonthlyLimit: tiers.FreeQuota,
		CycleResetAt: now.AddDate(0, 1, 0),
	}

	sub, err = s.store.ProvisionSubscription(ctx, candidate, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to provision subscription: %w", err)
	}

	if sub.ID == candidate.ID {
		s.logger.Info("provisioned free subscription",
			zap.String("account_id", accountID.String()),
			zap.String("subscription_id", sub.ID.String()),
		)
		s.events.Publish(ctx, events.NewEvent(events.EventSubscriptionProvisioned, accountID.String(), map[string]interface{}{
			"subscription_id": sub.ID.String(),
			"tier":            string(sub.Tier),
		}))
	}
	return sub, nil
}

// StartTrial provisions a subscription on the given tier in trial status.
// It returns the existing subscription unchanged if the account already has one.
func (s *Service) StartTrial(ctx context.Context, accountID uuid.UUID, tier models.Tier, length time.Duration) (*models.Subscription, error) {
	now := s.now().UTC()
	trialEnds := now.Add(length)
	cfg := tiers.Lookup(tier)

	sub, err := s.store.ProvisionSubscription(ctx, &models.Subscription{
		ID:          uuid.New(),
		AccountID:   accountID,
		Tier:        cfg.Tier,
		Status:      models.StatusTrial,
		TrialEndsAt: &trialEnds,
	}, &models.QuotaPool{
		ID:           uuid.New(),
		MonthlyLimit: cfg.MonthlyQuota,
		CycleResetAt: now.AddDate(0, 1, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start trial: %w", err)
	}
	return sub, nil
}

// Transition moves a subscription to status to. Invalid edges are rejected
// before anything is written; the write itself is guarded by the status the
// transition was validated against.
func (s *Service) Transition(ctx context.Context, subscriptionID uuid.UUID, to models.Status) (*models.Subscription, error) {
	current, err := s.get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !IsValidTransition(current.Status, to) {
		return nil, &TransitionError{From: current.Status, To: to}
	}

	updated, ok, err := s.store.UpdateStatus(ctx, subscriptionID, current.Status, to, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentUpdate
	}

	s.logger.Info("subscription status changed",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
	)

	updated, err = s.ApplyDowngrade(ctx, updated)
	if err != nil {
		return nil, err
	}

	s.snapshots.Invalidate(ctx, updated.AccountID)
	s.events.Publish(ctx, events.NewEvent(events.EventSubscriptionUpdated, updated.AccountID.String(), map[string]interface{}{
		"subscription_id": updated.ID.String(),
		"from":            string(current.Status),
		"to":              string(to),
	}))
	return updated, nil
}

// Cancel moves an active or past-due subscription to cancelled.
func (s *Service) Cancel(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	return s.Transition(ctx, subscriptionID, models.StatusCancelled)
}

// ApplyDowngrade resets a cancelled or expired subscription to the free tier.
// The new monthly limit takes effect at the next cycle reset.
func (s *Service) ApplyDowngrade(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if !ShouldDowngradeOnExpiry(sub.Status) || sub.Tier == models.TierFree {
		return sub, nil
	}

	downgraded, err := s.store.UpdateTier(ctx, sub.ID, models.TierFree)
	if err != nil {
		return nil, fmt.Errorf("failed to downgrade subscription: %w", err)
	}

	s.logger.Info("subscription downgraded to free tier",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("previous_tier", string(sub.Tier)),
		zap.String("status", string(sub.Status)),
	)
	s.events.Publish(ctx, events.NewEvent(events.EventSubscriptionDowngraded, sub.AccountID.String(), map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"previous_tier":   string(sub.Tier),
	}))
	return downgraded, nil
}

// ChangeTier sets the subscription's tier. The pool limit follows at the next cycle reset.
func (s *Service) ChangeTier(ctx context.Context, subscriptionID uuid.UUID, tier models.Tier) (*models.Subscription, error) {
	if _, err := tiers.Parse(string(tier)); err != nil {
		return nil, err
	}
	sub, err := s.store.UpdateTier(ctx, subscriptionID, tier)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to change tier: %w", err)
	}

	s.snapshots.Invalidate(ctx, sub.AccountID)
	s.logger.Info("subscription tier changed",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("tier", string(tier)),
	)
	return sub, nil
}

// ExpireTrials moves every trial that ended at or before now to expired and
// downgrades it. It returns how many trials were expired.
func (s *Service) ExpireTrials(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ExpiredTrials(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired trials: %w", err)
	}

	expired := 0
	for _, sub := range due {
		if _, err := s.Transition(ctx, sub.ID, models.StatusExpired); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrInvalidTransition) {
				// Converted or expired by someone else since the listing.
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// GrantTopUp adds a top-up pack sized for the subscription's tier, or amount
// units when amount is positive.
func (s *Service) GrantTopUp(ctx context.Context, subscriptionID uuid.UUID, amount int) (*models.TopUpCredit, error) {
	return s.grantTopUp(ctx, subscriptionID, amount, nil)
}

// GrantCheckoutTopUp is GrantTopUp for a paid checkout session. Each session
// is credited at most once; a repeat returns ErrTopUpAlreadyGranted.
func (s *Service) GrantCheckoutTopUp(ctx context.Context, subscriptionID uuid.UUID, amount int, sessionID string) (*models.TopUpCredit, error) {
	return s.grantTopUp(ctx, subscriptionID, amount, &sessionID)
}

func (s *Service) grantTopUp(ctx context.Context, subscriptionID uuid.UUID, amount int, sessionID *string) (*models.TopUpCredit, error) {
	sub, err := s.get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		amount = tiers.Lookup(sub.Tier).TopUpAmount
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTopUpPack, sub.Tier)
	}

	now := s.now().UTC()
	credit := &models.TopUpCredit{
		SubscriptionID: sub.ID,
		Amount:         amount,
		Remaining:      amount,
		PurchasedAt:    now,
		ExpiresAt:      now.AddDate(0, tiers.TopUpValidityMonths, 0),

		CheckoutSessionID: sessionID,
	}
	err = s.store.AddCredit(ctx, credit)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrTopUpAlreadyGranted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add top-up credit: %w", err)
	}

	s.logger.Info("top-up credit added",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("amount", amount),
	)
	s.events.Publish(ctx, events.NewEvent(events.EventTopUpPurchased, sub.AccountID.String(), map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"credit_id":       credit.ID.String(),
		"amount":          amount,
	}))
	return credit, nil
}

// CanAddProfile reports whether the owning account is below its tier's seat
// limit. This is a plain read: two concurrent adds can both see room.
func (s *Service) CanAddProfile(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	sub, err := s.get(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	count, err := s.store.CountProfiles(ctx, sub.AccountID)
	if err != nil {
		return false, fmt.Errorf("failed to count profiles: %w", err)
	}
	return count < tiers.Lookup(sub.Tier).MaxProfiles, nil
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}
