package models

import "time"

// UserQuota is a read model of per-plan limits consumed by the property and
// document modules. It is derived from the entitlement and may lag behind it.
type UserQuota struct {
	ID                      uint      `gorm:"primaryKey" json:"-"`
	UserID                  uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	Plan                    string    `gorm:"type:varchar(20);not null;default:'free'" json:"plan"`
	MaxProperties           int       `gorm:"not null;default:1" json:"max_properties"`
	MaxStorageMB            int       `gorm:"not null;default:250" json:"max_storage_mb"`
	MaxDocumentsPerProperty int       `gorm:"not null;default:25" json:"max_documents_per_property"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
