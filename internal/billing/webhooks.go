package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
	webhookLocalCapacity = 10000

	maxWebhookBody = 1 << 16
)

// Checkout session metadata understood by the handler.
const (
	checkoutKindKey          = "kind"
	checkoutKindTopUp        = "top_up"
	checkoutKindSubscription = "subscription"
	checkoutUnitsKey         = "units"
	accountIDMetadataKey     = "account_id"
	tierMetadataKey          = "tier"
)

// TopUpGranter credits a purchased top-up pack to a subscription, at most
// once per checkout session.
type TopUpGranter interface {
	GrantCheckoutTopUp(ctx context.Context, subscriptionID uuid.UUID, amount int, sessionID string) (*models.TopUpCredit, error)
}

// WebhookHandler verifies Stripe webhook deliveries and turns them into
// reconciler calls.
//
// Handled events:
//   - customer.subscription.created/updated/deleted: tier, status and period
//     changes, applied through the event watermark
//   - checkout.session.completed: links the customer (subscription checkout)
//     or grants a top-up pack (top-up checkout)
//   - invoice.payment_failed: logged and published; the status change itself
//     arrives as customer.subscription.updated
//
// Unknown event types are acknowledged so Stripe stops retrying them.
//
// Event IDs are reserved before processing so concurrent redeliveries do not
// run twice. Reservations live in Redis when available and in a bounded
// in-process LRU otherwise, including while Redis is unreachable. The
// watermark and the per-session top-up key still guard correctness if a
// duplicate slips through.
type WebhookHandler struct {
	webhookSecret string
	reconciler    *Reconciler
	topUps        TopUpGranter
	cache         *cache.Cache
	events        events.Publisher
	logger        *zap.Logger

	// processed tracks event IDs when the cache is absent or failing.
	processed *expirable.LRU[string, time.Time]
	mu        sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cacheClient and
// publisher may be nil.
func NewWebhookHandler(webhookSecret string, reconciler *Reconciler, topUps TopUpGranter, cacheClient *cache.Cache, publisher events.Publisher, logger *zap.Logger) *WebhookHandler {
	if publisher == nil {
		publisher = (*events.Bus)(nil)
	}
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		reconciler:    reconciler,
		topUps:        topUps,
		cache:         cacheClient,
		events:        publisher,
		logger:        logger,
		processed:     expirable.NewLRU[string, time.Time](webhookLocalCapacity, nil, webhookProcessedTTL),
	}
}

// HandleWebhook processes a single Stripe delivery.
//
// HTTP Response Codes:
//   - 200 OK: event applied, ignored, or already processed
//   - 400 Bad Request: unreadable body or failed signature verification
//   - 500 Internal Server Error: database failure; Stripe will redeliver
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.RecordWebhook("unverified", "rejected")
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}
	eventType := string(event.Type)

	acquired, local := h.reserveEvent(ctx, event.ID, eventType)
	if !acquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
		metrics.RecordWebhook(eventType, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	handlerErr := h.dispatch(ctx, event)
	h.finalizeEvent(ctx, event.ID, handlerErr == nil, local)

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
		metrics.RecordWebhook(eventType, "failed")
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	metrics.RecordWebhook(eventType, "processed")
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return h.handleSubscriptionChanged(ctx, event)
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_failed":
		return h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Info("received unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}
}

// handleSubscriptionChanged normalizes a subscription object into a patch
// and applies it through the reconciler. Subscriptions created with an
// account_id in their metadata are linked first, so the first event for a
// new subscription is not dropped when it beats the checkout event.
func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription event missing subscription ID")
	}

	if raw := sub.Metadata[accountIDMetadataKey]; raw != "" && sub.Customer != nil {
		accountID, err := uuid.Parse(raw)
		if err != nil {
			h.logger.Warn("subscription metadata has invalid account id",
				zap.String("external_subscription_id", sub.ID),
				zap.String("account_id", raw),
			)
		} else if _, err := h.reconciler.LinkCustomer(ctx, accountID, sub.Customer.ID, &sub.ID); err != nil {
			return err
		}
	}

	patch := subscriptionPatch(&sub, event)
	updated, err := h.reconciler.ApplyWebhookUpdate(ctx, sub.ID, patch)
	if err != nil {
		return err
	}
	if updated == nil {
		h.logger.Warn("dropping event for unlinked subscription",
			zap.String("event_id", event.ID),
			zap.String("external_subscription_id", sub.ID),
		)
	}
	return nil
}

// handleCheckoutCompleted links the paying customer to the account named by
// client_reference_id, and credits top-up packs.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	accountID, err := uuid.Parse(session.ClientReferenceID)
	if err != nil {
		h.logger.Warn("checkout session without a valid account reference",
			zap.String("event_id", event.ID),
			zap.String("session_id", session.ID),
		)
		return nil
	}

	var customerID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	switch session.Metadata[checkoutKindKey] {
	case checkoutKindSubscription:
		var externalID *string
		if session.Subscription != nil && session.Subscription.ID != "" {
			externalID = &session.Subscription.ID
		}
		_, err := h.reconciler.LinkCustomer(ctx, accountID, customerID, externalID)
		return err

	case checkoutKindTopUp:
		sub, err := h.reconciler.lifecycle.Provision(ctx, accountID)
		if err != nil {
			return err
		}
		units := 0
		if raw := session.Metadata[checkoutUnitsKey]; raw != "" {
			units, err = strconv.Atoi(raw)
			if err != nil {
				h.logger.Warn("ignoring invalid top-up units",
					zap.String("session_id", session.ID),
					zap.String("units", raw),
				)
				units = 0
			}
		}
		credit, err := h.topUps.GrantCheckoutTopUp(ctx, sub.ID, units, session.ID)
		if errors.Is(err, subscription.ErrTopUpAlreadyGranted) {
			h.logger.Info("checkout session already credited",
				zap.String("event_id", event.ID),
				zap.String("session_id", session.ID),
			)
			return nil
		}
		if err != nil {
			return err
		}
		h.logger.Info("top-up purchase credited",
			zap.String("session_id", session.ID),
			zap.String("credit_id", credit.ID.String()),
			zap.Int("amount", credit.Amount),
		)
		return nil

	default:
		h.logger.Info("ignoring checkout session of unknown kind",
			zap.String("session_id", session.ID),
			zap.String("kind", session.Metadata[checkoutKindKey]),
		)
		return nil
	}
}

func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	fields := []zap.Field{zap.String("invoice_id", invoice.ID)}
	if invoice.Customer != nil {
		fields = append(fields, zap.String("customer_id", invoice.Customer.ID))
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		h.logger.Warn("payment failed for invoice without subscription", fields...)
		return nil
	}
	fields = append(fields, zap.String("external_subscription_id", invoice.Subscription.ID))

	sub, err := h.reconciler.store.GetSubscriptionByExternalID(ctx, invoice.Subscription.ID)
	if err != nil {
		h.logger.Warn("payment failed for unknown subscription", append(fields, zap.Error(err))...)
		return nil
	}

	h.logger.Warn("subscription payment failed", append(fields, zap.String("subscription_id", sub.ID.String()))...)
	h.events.Publish(ctx, events.NewEvent(events.EventPaymentFailed, sub.AccountID.String(), map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"invoice_id":      invoice.ID,
		"amount_due":      invoice.AmountDue,
	}))
	return nil
}

// subscriptionPatch maps a Stripe subscription to the fields the reconciler
// writes. Fields Stripe did not send stay nil.
func subscriptionPatch(sub *stripe.Subscription, event stripe.Event) models.SubscriptionPatch {
	patch := models.SubscriptionPatch{
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	}

	if tier, ok := tierFromSubscription(sub); ok {
		patch.Tier = &tier
	}

	if event.Type == "customer.subscription.deleted" {
		status := models.StatusCancelled
		patch.Status = &status
	} else if status, ok := mapSubscriptionStatus(sub.Status); ok {
		patch.Status = &status
	}

	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		patch.CurrentPeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		patch.CurrentPeriodEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		patch.CancelledAt = &t
	} else if event.Type == "customer.subscription.deleted" {
		t := patch.EventTimestamp
		patch.CancelledAt = &t
	}
	return patch
}

// tierFromSubscription reads the tier from the first price's "tier" metadata,
// falling back to a lookup key of the form "<tier>_<interval>".
func tierFromSubscription(sub *stripe.Subscription) (models.Tier, bool) {
	if sub.Items == nil {
		return "", false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if tier, err := tiers.Parse(item.Price.Metadata[tierMetadataKey]); err == nil {
			return tier, true
		}
		key, _, _ := strings.Cut(item.Price.LookupKey, "_")
		if tier, err := tiers.Parse(key); err == nil {
			return tier, true
		}
	}
	return "", false
}

// mapSubscriptionStatus maps a Stripe subscription status to a local status.
// ok is false for statuses that should leave the local status untouched.
func mapSubscriptionStatus(stripeStatus stripe.SubscriptionStatus) (models.Status, bool) {
	switch stripeStatus {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled:
		return models.StatusCancelled, true
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusExpired, true
	default:
		// incomplete, paused: wait for the next event.
		return "", false
	}
}

// reserveEvent claims eventID for processing. It uses Redis when configured
// and the in-process LRU otherwise, or when Redis fails; local reports which
// one holds the reservation.
func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID, eventType string) (acquired, local bool) {
	if h.cache != nil {
		ok, err := h.cache.SetNX(ctx, redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
		if err == nil {
			return ok, false
		}
		h.logger.Warn("webhook reservation cache unavailable, using local dedupe",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		metrics.RecordWebhook(eventType, "cache_error")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.processed.Contains(eventID) {
		return false, true
	}
	h.processed.Add(eventID, time.Now())
	return true, true
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success, local bool) {
	if !local {
		key := redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook lock",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		h.processed.Remove(eventID)
		h.mu.Unlock()
	}
}

func redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}
