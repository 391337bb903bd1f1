package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recapflow/api-gateway/models"
)

func (s *Store) CreateUploadSession(ctx context.Context, us *models.UploadSession) error {
	var p models.Project
	if err := s.db.WithContext(ctx).Select("id", "tenant_id").First(&p, "id = ?", us.ProjectID).Error; err != nil {
		return translate(err, "create upload session: load project")
	}
	us.TenantID = p.TenantID
	return translate(s.db.WithContext(ctx).Create(us).Error, "create upload session")
}

// GetUploadSession looks a session up by the backend's upload id.
func (s *Store) GetUploadSession(ctx context.Context, tenantID uuid.UUID, uploadID string) (*models.UploadSession, error) {
	var us models.UploadSession
	q := s.forUpdate(s.db.WithContext(ctx), false)
	if err := q.First(&us, "upload_id = ? AND tenant_id = ?", uploadID, tenantID).Error; err != nil {
		return nil, translate(err, "get upload session")
	}
	return &us, nil
}

// TransitionUploadSession moves an initialized session to status and returns
// ErrConflict when another request already closed it.
func (s *Store) TransitionUploadSession(ctx context.Context, id uuid.UUID, status string, assetID *uuid.UUID) error {
	updates := map[string]any{"status": status}
	if assetID != nil {
		updates["asset_id"] = *assetID
	}
	res := s.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("id = ? AND status = ?", id, models.UploadStatusInitialized).
		Updates(updates)
	if res.Error != nil {
		return translate(res.Error, "transition upload session")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upload session %s: %w", id, ErrConflict)
	}
	return nil
}

// ExpireUploadSessions marks initialized sessions past their deadline as expired.
func (s *Store) ExpireUploadSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("status = ? AND expires_at < ?", models.UploadStatusInitialized, now).
		Update("status", models.UploadStatusExpired)
	return res.RowsAffected, translate(res.Error, "expire upload sessions")
}
