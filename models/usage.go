package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PeriodLayout formats usage periods as YYYY-MM.
const PeriodLayout = "2006-01"

// UsageTracking accumulates a tenant's consumption for one calendar month.
type UsageTracking struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_usage_tenant_period,priority:1" json:"tenant_id"`
	Tenant            *Tenant   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Period            string    `gorm:"size:7;not null;uniqueIndex:idx_usage_tenant_period,priority:2" json:"period"`
	StorageBytes      int64     `gorm:"not null" json:"storage_bytes"`
	ProcessingSeconds int64     `gorm:"not null" json:"processing_seconds"`
	JobsCount         int       `gorm:"not null" json:"jobs_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (UsageTracking) TableName() string { return "usage_tracking" }

func (u *UsageTracking) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Period returns the usage period containing t.
func Period(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}
