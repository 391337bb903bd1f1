package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	UploadStatusInitialized = "initialized"
	UploadStatusCompleted   = "completed"
	UploadStatusFailed      = "failed"
	UploadStatusExpired     = "expired"
)

// UploadSession tracks a resumable upload opened against the processing backend.
// UploadID is the backend's identifier and is what clients use in URLs.
type UploadSession struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	Project     *Project   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID      uuid.UUID  `gorm:"type:uuid;not null" json:"user_id"`
	UploadID    string     `gorm:"size:128;uniqueIndex;not null" json:"upload_id"`
	UploadURL   string     `gorm:"size:1024;not null" json:"upload_url"`
	FileType    string     `gorm:"size:20;not null" json:"file_type"`
	Filename    string     `gorm:"size:255;not null" json:"filename"`
	FileSize    int64      `gorm:"not null" json:"file_size"`
	ContentType *string    `gorm:"size:100" json:"content_type,omitempty"`
	ChunkSize   int64      `gorm:"not null" json:"chunk_size"`
	Status      string     `gorm:"size:20;not null;index" json:"status"`
	ExpiresAt   time.Time  `gorm:"not null;index" json:"expires_at"`
	AssetID     *uuid.UUID `gorm:"type:uuid" json:"asset_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = UploadStatusInitialized
	}
	return nil
}
