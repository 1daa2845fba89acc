package models

import "time"

// RedemptionCode is a one-time or capped-use code granting a plan for a fixed
// number of days. Rows are provisioned out of band; only redemption mutates them.
type RedemptionCode struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Code          string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"code"`
	Plan          string     `gorm:"type:varchar(20);not null;default:'standard'" json:"plan"`
	DurationDays  int        `gorm:"not null;default:30" json:"duration_days"`
	MaxUses       int        `gorm:"not null;default:1" json:"max_uses"`
	TimesRedeemed int        `gorm:"not null;default:0" json:"times_redeemed"`
	ExpiresAt     *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	IsActive      bool       `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired reports whether the code is past its expiry at the given time.
func (c *RedemptionCode) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Redemption records one successful use of a code by one user.
type Redemption struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CodeID     uint      `gorm:"not null;index:ux_redemptions_code_user,unique,priority:1" json:"code_id"`
	UserID     uint      `gorm:"not null;index:ux_redemptions_code_user,unique,priority:2;index" json:"user_id"`
	RedeemedAt time.Time `gorm:"not null" json:"redeemed_at"`
}
