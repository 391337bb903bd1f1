package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultQuotaStorageBytes    int64 = 10 * 1024 * 1024 * 1024
	DefaultQuotaProcessingHours       = 10
	DefaultQuotaJobsPerMonth          = 50
)

// TenantSettings are the per-tenant knobs stored in tenants.settings.
type TenantSettings struct {
	// Trigger overrides the global default pipeline trigger ("workflow" or "notebook").
	Trigger string `json:"trigger,omitempty"`
}

// Tenant is the isolation boundary for every other entity.
type Tenant struct {
	ID                   uuid.UUID                          `gorm:"type:uuid;primaryKey" json:"id"`
	Name                 string                             `gorm:"size:100;uniqueIndex;not null" json:"name"`
	DisplayName          string                             `gorm:"size:255;not null" json:"display_name"`
	BillingPlan          string                             `gorm:"size:50;not null;default:free" json:"billing_plan"`
	QuotaStorageBytes    int64                              `gorm:"not null" json:"quota_storage_bytes"`
	QuotaProcessingHours int                                `gorm:"not null" json:"quota_processing_hours"`
	QuotaJobsPerMonth    int                                `gorm:"not null" json:"quota_jobs_per_month"`
	Settings             datatypes.JSONType[TenantSettings] `gorm:"type:jsonb" json:"settings"`
	IsActive             bool                               `gorm:"not null" json:"is_active"`
	CreatedAt            time.Time                          `json:"created_at"`
	UpdatedAt            time.Time                          `json:"updated_at"`
}

// BeforeCreate fills the id and the default quotas.
func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.QuotaStorageBytes == 0 {
		t.QuotaStorageBytes = DefaultQuotaStorageBytes
	}
	if t.QuotaProcessingHours == 0 {
		t.QuotaProcessingHours = DefaultQuotaProcessingHours
	}
	if t.QuotaJobsPerMonth == 0 {
		t.QuotaJobsPerMonth = DefaultQuotaJobsPerMonth
	}
	if t.BillingPlan == "" {
		t.BillingPlan = "free"
	}
	return nil
}
