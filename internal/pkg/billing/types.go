package billing

import (
	"encoding/json"
	"time"
)

// Provider subscription statuses as reported by the payment provider.
const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusPaused            = "paused"
)

// Subscription is the provider-neutral shape of one subscription, already
// reduced to the single priced item the plan is derived from.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	ProductID         string
	ProductName       string
	UnitAmount        int64
	Interval          string
	Created           time.Time
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// Customer is a provider-side customer record.
type Customer struct {
	ID    string
	Email string
}

// Product is a provider-side product record.
type Product struct {
	ID   string
	Name string
}

// Event is a verified inbound billing event.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
	Payload  []byte
}

// Resolution is the canonical entitlement computed from a customer's
// subscriptions.
type Resolution struct {
	Plan           string
	Status         string
	PeriodEnd      *time.Time
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Unmapped       bool
}

// Write is one request to the store writer.
type Write struct {
	UserID         uint
	Plan           string
	Status         string
	PeriodEnd      *time.Time
	Source         string
	SourceID       string
	CustomerID     string
	SubscriptionID string
}

// WebhookResult tells the HTTP layer how a delivery was handled.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ReceiptRequest asks the side channel to send a payment receipt.
type ReceiptRequest struct {
	UserID          uint   `json:"user_id"`
	Email           string `json:"email"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	EventID         string `json:"event_id"`
}
