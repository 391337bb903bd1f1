// Package quota checks tenant consumption against the tenant's plan limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

// ErrExceeded is returned when an operation would take a tenant past a quota.
var ErrExceeded = errors.New("quota exceeded")

// Reader is the part of the store the checks read from.
type Reader interface {
	GetUsage(ctx context.Context, tenantID uuid.UUID, period string) (*models.UsageTracking, error)
	TenantStorageBytes(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

var _ Reader = (*store.Store)(nil)

// CheckJobs fails when the tenant already created its monthly allowance of jobs.
func CheckJobs(ctx context.Context, r Reader, t *models.Tenant, now time.Time) error {
	usage, err := r.GetUsage(ctx, t.ID, models.Period(now))
	if err != nil {
		return err
	}
	if t.QuotaJobsPerMonth > 0 && usage.JobsCount >= t.QuotaJobsPerMonth {
		return fmt.Errorf("%w: %d of %d jobs used this month", ErrExceeded, usage.JobsCount, t.QuotaJobsPerMonth)
	}
	return nil
}

// CheckStorage fails when adding size bytes would exceed the tenant's storage quota.
func CheckStorage(ctx context.Context, r Reader, t *models.Tenant, size int64) error {
	used, err := r.TenantStorageBytes(ctx, t.ID)
	if err != nil {
		return err
	}
	if t.QuotaStorageBytes > 0 && used+size > t.QuotaStorageBytes {
		return fmt.Errorf("%w: storage would reach %d of %d bytes", ErrExceeded, used+size, t.QuotaStorageBytes)
	}
	return nil
}

// CheckProcessing fails once the tenant used up its processing hours for the month.
func CheckProcessing(ctx context.Context, r Reader, t *models.Tenant, now time.Time) error {
	usage, err := r.GetUsage(ctx, t.ID, models.Period(now))
	if err != nil {
		return err
	}
	limit := int64(t.QuotaProcessingHours) * 3600
	if limit > 0 && usage.ProcessingSeconds >= limit {
		return fmt.Errorf("%w: %d of %d processing hours used this month", ErrExceeded, usage.ProcessingSeconds/3600, t.QuotaProcessingHours)
	}
	return nil
}

// Summary is a tenant's consumption for one period next to its limits.
type Summary struct {
	Period               string `json:"period"`
	StorageBytes         int64  `json:"storage_bytes"`
	QuotaStorageBytes    int64  `json:"quota_storage_bytes"`
	ProcessingSeconds    int64  `json:"processing_seconds"`
	QuotaProcessingHours int    `json:"quota_processing_hours"`
	JobsCount            int    `json:"jobs_count"`
	QuotaJobsPerMonth    int    `json:"quota_jobs_per_month"`
}

// Summarize reports the tenant's usage for the period containing now.
// Storage is the tenant's current footprint, not the period's uploads.
func Summarize(ctx context.Context, r Reader, t *models.Tenant, now time.Time) (*Summary, error) {
	period := models.Period(now)
	usage, err := r.GetUsage(ctx, t.ID, period)
	if err != nil {
		return nil, err
	}
	storage, err := r.TenantStorageBytes(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Period:               period,
		StorageBytes:         storage,
		QuotaStorageBytes:    t.QuotaStorageBytes,
		ProcessingSeconds:    usage.ProcessingSeconds,
		QuotaProcessingHours: t.QuotaProcessingHours,
		JobsCount:            usage.JobsCount,
		QuotaJobsPerMonth:    t.QuotaJobsPerMonth,
	}, nil
}
