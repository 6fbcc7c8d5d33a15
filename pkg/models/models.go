package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the subscription plan a subscription is billed on.
type Tier string

const (
	TierFree   Tier = "free"
	TierPlus   Tier = "plus"
	TierFamily Tier = "family"
	TierPro    Tier = "pro"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Subscription is the billing relationship of a single account.
type Subscription struct {
	ID                     uuid.UUID  `json:"id"`
	AccountID              uuid.UUID  `json:"account_id"`
	Tier                   Tier       `json:"tier"`
	Status                 Status     `json:"status"`
	StripeCustomerID       *string    `json:"stripe_customer_id,omitempty"`
	ExternalSubscriptionID *string    `json:"external_subscription_id,omitempty"`
	TrialEndsAt            *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelledAt            *time.Time `json:"cancelled_at,omitempty"`
	// LastEventAt is the timestamp of the last provider event applied to this row.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// QuotaPool is the monthly allowance counter of a subscription.
type QuotaPool struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	MonthlyLimit   int       `json:"monthly_limit"`
	UsedThisMonth  int       `json:"used_this_month"`
	CycleResetAt   time.Time `json:"cycle_reset_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RemainingMonthly returns the unused part of the monthly allowance.
func (p *QuotaPool) RemainingMonthly() int {
	if p == nil {
		return 0
	}
	if r := p.MonthlyLimit - p.UsedThisMonth; r > 0 {
		return r
	}
	return 0
}

// TopUpCredit is a purchased block of extra exchanges, consumed FIFO by PurchasedAt.
type TopUpCredit struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Amount         int       `json:"amount"`
	Remaining      int       `json:"remaining"`
	PurchasedAt    time.Time `json:"purchased_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	// CheckoutSessionID is the Stripe checkout session that paid for the
	// pack. Nil for manual grants.
	CheckoutSessionID *string   `json:"checkout_session_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Usable reports whether the credit can still be drawn from at now.
func (c *TopUpCredit) Usable(now time.Time) bool {
	return c.Remaining > 0 && c.ExpiresAt.After(now)
}

// DuePool is a quota pool whose billing cycle has elapsed, joined with the
// owning subscription's current tier. Tier and AccountID are empty for
// orphaned pools.
type DuePool struct {
	PoolID         uuid.UUID
	SubscriptionID uuid.UUID
	AccountID      uuid.UUID
	Tier           Tier
	CycleResetAt   time.Time
}

// SubscriptionPatch is a partial update sourced from the billing provider.
// Nil fields are left untouched.
type SubscriptionPatch struct {
	Tier               *Tier
	Status             *Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelledAt        *time.Time
	EventTimestamp     time.Time
}

// Empty reports whether the patch carries no field besides the timestamp.
func (p SubscriptionPatch) Empty() bool {
	return p.Tier == nil && p.Status == nil && p.CurrentPeriodStart == nil &&
		p.CurrentPeriodEnd == nil && p.CancelledAt == nil
}
