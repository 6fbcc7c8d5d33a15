// Package billing keeps local subscription state consistent with the payment
// provider and runs the periodic billing jobs.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/metering/internal/snapshot"
	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle is the subscription behaviour the reconciler relies on.
type Lifecycle interface {
	Provision(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error)
	ApplyDowngrade(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
}

var _ Lifecycle = (*subscription.Service)(nil)

// Reconciler applies provider events to local subscriptions. Delivery may be
// duplicated and out of order; a per-subscription event watermark makes every
// apply idempotent and discards anything older than what was already applied.
type Reconciler struct {
	store     store.Subscriptions
	lifecycle Lifecycle
	snapshots *snapshot.Cache
	events    events.Publisher
	logger    *zap.Logger
}

// NewReconciler creates a reconciler. snapshots and publisher may be nil.
func NewReconciler(st store.Subscriptions, lifecycle Lifecycle, snapshots *snapshot.Cache, publisher events.Publisher, logger *zap.Logger) *Reconciler {
	if publisher == nil {
		publisher = (*events.Bus)(nil)
	}
	return &Reconciler{
		store:     st,
		lifecycle: lifecycle,
		snapshots: snapshots,
		events:    publisher,
		logger:    logger,
	}
}

// ApplyWebhookUpdate applies patch to the subscription linked to
// externalSubscriptionID. It returns nil without error when no subscription is
// linked, and the unchanged row when the event is stale or a duplicate.
// Status values are written as received; the provider is authoritative.
func (r *Reconciler) ApplyWebhookUpdate(ctx context.Context, externalSubscriptionID string, patch models.SubscriptionPatch) (*models.Subscription, error) {
	sub, applied, err := r.store.ApplyPatchIfNewer(ctx, externalSubscriptionID, patch)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("webhook for unknown subscription",
			zap.String("external_subscription_id", externalSubscriptionID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply subscription patch: %w", err)
	}

	if !applied {
		r.logger.Info("ignored stale subscription event",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("event_timestamp", patch.EventTimestamp),
		)
		// An earlier apply may have advanced the watermark and then failed to
		// downgrade; the redelivery is stale, so finish the downgrade here.
		if subscription.ShouldDowngradeOnExpiry(sub.Status) && sub.Tier != models.TierFree {
			sub, err = r.lifecycle.ApplyDowngrade(ctx, sub)
			if err != nil {
				return nil, err
			}
			r.snapshots.Invalidate(ctx, sub.AccountID)
		}
		return sub, nil
	}

	sub, err = r.lifecycle.ApplyDowngrade(ctx, sub)
	if err != nil {
		return nil, err
	}
	r.snapshots.Invalidate(ctx, sub.AccountID)

	fields := []zap.Field{
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tier", string(sub.Tier)),
		zap.String("status", string(sub.Status)),
		zap.Time("event_timestamp", patch.EventTimestamp),
	}
	r.logger.Info("subscription reconciled", fields...)
	r.events.Publish(ctx, events.NewEvent(events.EventSubscriptionUpdated, sub.AccountID.String(), map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"tier":            string(sub.Tier),
		"status":          string(sub.Status),
	}))
	return sub, nil
}

// LinkCustomer records the provider customer and subscription ids on the
// account's subscription, provisioning a free subscription first if needed.
func (r *Reconciler) LinkCustomer(ctx context.Context, accountID uuid.UUID, customerID string, externalSubscriptionID *string) (*models.Subscription, error) {
	if _, err := r.lifecycle.Provision(ctx, accountID); err != nil {
		return nil, err
	}

	sub, err := r.store.LinkCustomer(ctx, accountID, customerID, externalSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to link customer: %w", err)
	}

	r.snapshots.Invalidate(ctx, accountID)
	r.logger.Info("linked payment customer",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("customer_id", customerID),
	)
	return sub, nil
}
