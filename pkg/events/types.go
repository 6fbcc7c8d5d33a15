package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Quota events
	EventQuotaExceeded EventType = "quota.exceeded"
	EventQuotaWarning  EventType = "quota.warning"
	EventCycleReset    EventType = "quota.cycle_reset"

	// Subscription events
	EventSubscriptionProvisioned EventType = "subscription.provisioned"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDowngraded  EventType = "subscription.downgraded"

	// Billing events
	EventTopUpPurchased EventType = "billing.top_up_purchased"
	EventPaymentFailed  EventType = "billing.payment_failed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event
	ID string

	Type      EventType
	Timestamp time.Time

	// AccountID is the account this event belongs to (empty for system events)
	AccountID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, accountID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}
