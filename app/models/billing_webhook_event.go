package models

import "time"

// Ledger outcomes. A row is inserted as received and moved to exactly one of
// the terminal outcomes once its handler returns. skipped-duplicate is only
// ever reported to the caller of a colliding delivery, never stored.
const (
	LedgerOutcomeReceived         = "received"
	LedgerOutcomeProcessed        = "processed"
	LedgerOutcomeError            = "error"
	LedgerOutcomeSkippedDuplicate = "skipped-duplicate"
	LedgerOutcomeUnhandled        = "unhandled"
)

// BillingWebhookEvent is the idempotency ledger. The unique index on
// (provider, provider_event_id) is what serializes concurrent duplicate
// deliveries across instances.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	Outcome         string     `gorm:"type:varchar(32);not null;default:'received';index" json:"outcome"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	Retryable       bool       `gorm:"default:false" json:"retryable"` // a redelivery may re-run the handler
	DuplicateCount  int        `gorm:"not null;default:0" json:"duplicate_count"`
	ReplayCount     int        `gorm:"not null;default:0" json:"replay_count"`
	ReceivedAt      time.Time  `gorm:"not null;index" json:"received_at"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsStuck reports whether the event never reached a successful terminal outcome.
func (e *BillingWebhookEvent) IsStuck() bool {
	return e.Outcome == LedgerOutcomeReceived || e.Outcome == LedgerOutcomeError
}
