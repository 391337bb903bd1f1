package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ProjectStatusActive     = "active"
	ProjectStatusProcessing = "processing"
	ProjectStatusCompleted  = "completed"
	ProjectStatusArchived   = "archived"
)

// Project groups the assets and jobs of one recap.
type Project struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Tenant      *Tenant        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	UserID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	User        *User          `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Title       string         `gorm:"size:255;not null" json:"title"`
	Description *string        `gorm:"type:text" json:"description,omitempty"` // Nullable TEXT
	Settings    datatypes.JSON `gorm:"type:jsonb" json:"settings,omitempty"`
	Status      string         `gorm:"size:20;not null;index" json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProjectStatusActive
	}
	return nil
}

// ValidProjectStatus reports whether s is a known project status.
func ValidProjectStatus(s string) bool {
	switch s {
	case ProjectStatusActive, ProjectStatusProcessing, ProjectStatusCompleted, ProjectStatusArchived:
		return true
	}
	return false
}
