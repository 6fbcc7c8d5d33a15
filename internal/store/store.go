// Package store defines the relational collaborator of the metering engine.
//
// Every mutation that protects a billing invariant is a single guarded
// statement: the predicate that re-validates the invariant is evaluated in the
// same write that changes the row. Implementations must never split such a
// write into a read followed by an unconditional update.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("store: conflict")
)

// Subscriptions persists subscriptions and their provider linkage.
type Subscriptions interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	GetSubscriptionByAccount(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)

	// ProvisionSubscription inserts sub together with pool unless the account
	// already has a subscription, and returns whichever row won.
	ProvisionSubscription(ctx context.Context, sub *models.Subscription, pool *models.QuotaPool) (*models.Subscription, error)

	// ApplyPatchIfNewer applies patch to the subscription with the given
	// external id only if its watermark is absent or older than
	// patch.EventTimestamp. applied is false when the row exists but the
	// event was stale; ErrNotFound when no row matches.
	ApplyPatchIfNewer(ctx context.Context, externalID string, patch models.SubscriptionPatch) (sub *models.Subscription, applied bool, err error)

	// LinkCustomer stores the provider ids on the account's subscription.
	LinkCustomer(ctx context.Context, accountID uuid.UUID, customerID string, externalID *string) (*models.Subscription, error)

	// UpdateStatus moves a subscription from one status to another. ok is
	// false when the current status no longer equals from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status, at time.Time) (sub *models.Subscription, ok bool, err error)

	UpdateTier(ctx context.Context, id uuid.UUID, tier models.Tier) (*models.Subscription, error)

	// ExpiredTrials lists trial subscriptions whose trial ended at or before now.
	ExpiredTrials(ctx context.Context, now time.Time) ([]*models.Subscription, error)

	// CountProfiles counts learner profiles owned by the account.
	CountProfiles(ctx context.Context, accountID uuid.UUID) (int, error)
}

// Pools persists quota pools.
type Pools interface {
	GetPool(ctx context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, error)

	// ConsumeMonthly increments used_this_month by one where it is below the
	// monthly limit. ok is false when the guard failed or no pool exists.
	ConsumeMonthly(ctx context.Context, subscriptionID uuid.UUID) (pool *models.QuotaPool, ok bool, err error)

	// RefundMonthly decrements used_this_month by one where it is above zero.
	RefundMonthly(ctx context.Context, subscriptionID uuid.UUID) (pool *models.QuotaPool, ok bool, err error)

	// DuePools lists pools with cycle_reset_at <= now.
	DuePools(ctx context.Context, now time.Time) ([]models.DuePool, error)

	// ResetPool zeroes usage, sets the limit and moves cycle_reset_at to next,
	// guarded by cycle_reset_at still equal to prior.
	ResetPool(ctx context.Context, poolID uuid.UUID, limit int, prior, next time.Time) (bool, error)
}

// Credits persists top-up credits.
type Credits interface {
	// OldestUsableCredit returns the earliest purchased credit with
	// remaining > 0 and expires_at > now.
	OldestUsableCredit(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*models.TopUpCredit, error)

	// ConsumeCredit decrements remaining by one where it is above zero.
	ConsumeCredit(ctx context.Context, creditID uuid.UUID) (bool, error)

	// UsableCreditBalance sums remaining over unexpired credits.
	UsableCreditBalance(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (int, error)

	// AddCredit inserts a credit. It returns ErrConflict when a credit for
	// the same checkout session already exists.
	AddCredit(ctx context.Context, credit *models.TopUpCredit) error
}

// Store is the full relational collaborator.
type Store interface {
	Subscriptions
	Pools
	Credits
	Ping(ctx context.Context) error
}
