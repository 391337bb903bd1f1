package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"

	ResourceJob     = "job"
	ResourceProject = "project"
	ResourceAsset   = "asset"
	ResourceUpload  = "upload"
	ResourceTenant  = "tenant"
	ResourceOutbox  = "outbox"
)

// AuditLog is an append-only record of something that happened to a resource.
// Job logs are the audit logs of resource type "job".
type AuditLog struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID       *uuid.UUID     `gorm:"type:uuid" json:"user_id,omitempty"`
	ResourceType string         `gorm:"size:50;not null;index:idx_audit_resource,priority:1" json:"resource_type"`
	ResourceID   uuid.UUID      `gorm:"type:uuid;not null;index:idx_audit_resource,priority:2" json:"resource_id"`
	Action       string         `gorm:"size:100;not null" json:"action"`
	Level        string         `gorm:"size:10;not null" json:"level"`
	Message      string         `gorm:"type:text;not null" json:"message"`
	Details      datatypes.JSON `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Level == "" {
		a.Level = LogLevelInfo
	}
	return nil
}
