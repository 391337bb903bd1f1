package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"recapflow/api-gateway/models"
)

func (s *Store) CreateAuditLog(ctx context.Context, l *models.AuditLog) error {
	return translate(s.db.WithContext(ctx).Create(l).Error, "create audit log")
}

// AuditFilter narrows ListAuditLogs. Audit trails allow pages of up to 1000 entries.
type AuditFilter struct {
	Level string
	Page
}

// ListAuditLogs returns a resource's audit trail, oldest first.
func (s *Store) ListAuditLogs(ctx context.Context, tenantID uuid.UUID, resourceType string, resourceID uuid.UUID, f AuditFilter) ([]models.AuditLog, int64, error) {
	var (
		logs  []models.AuditLog
		total int64
	)
	q := s.db.WithContext(ctx).Model(&models.AuditLog{}).
		Where("tenant_id = ? AND resource_type = ? AND resource_id = ?", tenantID, resourceType, resourceID)
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count audit logs")
	}
	if err := f.Page.applyMax(q.Order("created_at ASC"), 1000).Find(&logs).Error; err != nil {
		return nil, 0, translate(err, "list audit logs")
	}
	return logs, total, nil
}

// Audit appends an audit log entry. details may be nil.
func (s *Store) Audit(ctx context.Context, e AuditEntry) error {
	entry := &models.AuditLog{
		TenantID:     e.TenantID,
		UserID:       e.UserID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Action:       e.Action,
		Level:        e.Level,
		Message:      e.Message,
	}
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		entry.Details = datatypes.JSON(raw)
	}
	return s.CreateAuditLog(ctx, entry)
}

// AuditEntry is the input of Audit.
type AuditEntry struct {
	TenantID     uuid.UUID
	UserID       *uuid.UUID
	ResourceType string
	ResourceID   uuid.UUID
	Action       string
	Level        string
	Message      string
	Details      any
}
