package models

import "time"

const (
	PlanFree     = "free"
	PlanStandard = "standard"
	PlanPremium  = "premium"
)

const (
	EntitlementStatusInactive = "inactive"
	EntitlementStatusActive   = "active"
	EntitlementStatusTrialing = "trialing"
	EntitlementStatusPastDue  = "past_due"
	EntitlementStatusCanceled = "canceled"
)

const (
	EntitlementSourceEvent      = "event"
	EntitlementSourceResync     = "resync"
	EntitlementSourceRedemption = "redemption-code"
)

// Entitlement is the system of record for what a user may do. Exactly one row
// per user; every write is an upsert on user_id.
type Entitlement struct {
	ID                     uint       `gorm:"primaryKey" json:"-"`
	UserID                 uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	Plan                   string     `gorm:"type:varchar(20);not null;default:'free'" json:"plan"`
	Status                 string     `gorm:"type:varchar(20);not null;default:'inactive';index" json:"status"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	Source                 string     `gorm:"type:varchar(20);not null" json:"source"`
	SourceEventID          string     `gorm:"type:varchar(191);not null;default:''" json:"source_event_id"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);default:''" json:"-"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);default:''" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"-"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the status grants paid features.
func (e *Entitlement) IsEntitling() bool {
	if e == nil {
		return false
	}
	switch e.Status {
	case EntitlementStatusActive, EntitlementStatusTrialing, EntitlementStatusPastDue:
		return e.Plan != PlanFree
	default:
		return false
	}
}

// GrantLapsed reports whether e is a redemption grant whose period is over.
func (e *Entitlement) GrantLapsed(now time.Time) bool {
	return e != nil && e.Source == EntitlementSourceRedemption &&
		e.CurrentPeriodEnd != nil && !now.Before(*e.CurrentPeriodEnd)
}
