package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AssetTypeVideo     = "video"
	AssetTypeScript    = "script"
	AssetTypeThumbnail = "thumbnail"
	AssetTypeOutput    = "output"

	AssetStatusUploaded   = "uploaded"
	AssetStatusProcessing = "processing"
	AssetStatusCompleted  = "completed"
	AssetStatusFailed     = "failed"
)

// Asset is a file stored by the processing backend. TenantID is always copied from the project.
type Asset struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Project         *Project       `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Type            string         `gorm:"size:20;not null" json:"type"`
	Filename        string         `gorm:"size:255;not null" json:"filename"`
	StoragePath     string         `gorm:"size:500;not null" json:"storage_path"`
	ContentType     *string        `gorm:"size:100" json:"content_type,omitempty"`
	SizeBytes       int64          `gorm:"not null" json:"size_bytes"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Checksum        *string        `gorm:"size:64" json:"checksum,omitempty"` // sha256 hex
	Metadata        datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	Status          string         `gorm:"size:20;not null;index" json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (a *Asset) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = AssetStatusUploaded
	}
	return nil
}
