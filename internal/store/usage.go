package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"recapflow/api-gateway/models"
)

// UsageDelta is added to a tenant's usage row for a period.
type UsageDelta struct {
	StorageBytes      int64
	ProcessingSeconds int64
	Jobs              int
}

// GetUsage returns the tenant's usage for period, or a zero row when nothing was recorded yet.
func (s *Store) GetUsage(ctx context.Context, tenantID uuid.UUID, period string) (*models.UsageTracking, error) {
	var u models.UsageTracking
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND period = ?", tenantID, period).Limit(1).Find(&u).Error
	if err != nil {
		return nil, translate(err, "get usage")
	}
	if u.ID == uuid.Nil {
		return &models.UsageTracking{TenantID: tenantID, Period: period}, nil
	}
	return &u, nil
}

// AddUsage increments the tenant's usage counters for period, creating the row if needed.
func (s *Store) AddUsage(ctx context.Context, tenantID uuid.UUID, period string, d UsageDelta) error {
	row := models.UsageTracking{
		TenantID:          tenantID,
		Period:            period,
		StorageBytes:      d.StorageBytes,
		ProcessingSeconds: d.ProcessingSeconds,
		JobsCount:         d.Jobs,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]any{
			"storage_bytes":      gorm.Expr("usage_tracking.storage_bytes + ?", d.StorageBytes),
			"processing_seconds": gorm.Expr("usage_tracking.processing_seconds + ?", d.ProcessingSeconds),
			"jobs_count":         gorm.Expr("usage_tracking.jobs_count + ?", d.Jobs),
			"updated_at":         gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&row).Error
	return translate(err, "add usage")
}
