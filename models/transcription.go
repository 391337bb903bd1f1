package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TranscriptSegment represents a single timed segment of a transcript.
type TranscriptSegment struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Transcript is speech-to-text output for an asset, reported by the backend.
type Transcript struct {
	ID         uuid.UUID                              `gorm:"type:uuid;primaryKey" json:"id"`
	AssetID    uuid.UUID                              `gorm:"type:uuid;not null;index" json:"asset_id"`
	Asset      *Asset                                 `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID   uuid.UUID                              `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Language   string                                 `gorm:"size:16;not null" json:"language"`
	Text       string                                 `gorm:"type:text" json:"text"`
	Segments   datatypes.JSONSlice[TranscriptSegment] `gorm:"type:jsonb" json:"segments"`
	Confidence *float64                               `json:"confidence,omitempty"`
	CreatedAt  time.Time                              `json:"created_at"`
	UpdatedAt  time.Time                              `json:"updated_at"`
}

func (t *Transcript) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// ContentModeration is a moderation verdict for an asset.
type ContentModeration struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AssetID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"asset_id"`
	Asset     *Asset         `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Category  string         `gorm:"size:50;not null" json:"category"`
	Severity  string         `gorm:"size:20;not null" json:"severity"`
	Flagged   bool           `gorm:"not null" json:"flagged"`
	Details   datatypes.JSON `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (ContentModeration) TableName() string { return "content_moderation" }

func (m *ContentModeration) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
