package models

import (
	"time"

	"github.com/google/uuid"
)

type PaymentEventType string

const (
	EventCheckoutCompleted    PaymentEventType = "checkout_completed"
	EventSubscriptionUpdated  PaymentEventType = "subscription_updated"
	EventSubscriptionCanceled PaymentEventType = "subscription_canceled"
)

// SubscriptionStatusActive is the only gateway status that keeps a subscription plan.
const SubscriptionStatusActive = "active"

// PaymentEvent is a verified, parsed gateway notification. UserID may be uuid.Nil
// when the gateway only identifies the customer; the store then resolves it via CustomerID.
type PaymentEvent struct {
	EventID            string
	Type               PaymentEventType
	UserID             uuid.UUID
	CustomerID         string
	ProductID          string
	Quantity           int
	SubscriptionStatus string
	OccurredAt         time.Time
}

// PaymentEventOutcome is what happened to an event that was recorded as processed.
type PaymentEventOutcome string

const (
	OutcomeApplied             PaymentEventOutcome = "applied"
	OutcomeStale               PaymentEventOutcome = "stale"
	OutcomeUnrecognizedProduct PaymentEventOutcome = "unrecognized_product"
	// OutcomeDuplicate is never stored; it is returned when the event id was already recorded.
	OutcomeDuplicate PaymentEventOutcome = "duplicate"
)
