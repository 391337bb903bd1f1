// Package jobs owns the ProcessingJob registry: job creation together with its
// trigger intent, user cancel and review actions, and the callbacks through
// which the processing backend drives job state.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/metrics"
	"recapflow/api-gateway/internal/outbox"
	"recapflow/api-gateway/internal/quota"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

// ErrInvalidRequest is returned for malformed job requests and callbacks.
var ErrInvalidRequest = errors.New("invalid job request")

type Service struct {
	store *store.Store
	cfg   *config.Config
	log   *logrus.Logger
	now   func() time.Time
}

func NewService(st *store.Store, cfg *config.Config, log *logrus.Logger) *Service {
	return &Service{
		store: st,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Spec describes a job to enqueue.
type Spec struct {
	ProjectID         uuid.UUID
	UserID            *uuid.UUID
	Type              models.JobType
	InputAssets       []uuid.UUID
	Config            json.RawMessage
	Priority          int
	EstimatedDuration *int
}

// TriggerFor picks the pipeline runner for the tenant's jobs.
func (s *Service) TriggerFor(t *models.Tenant) string {
	switch t.Settings.Data().Trigger {
	case config.TriggerNotebook:
		return config.TriggerNotebook
	case config.TriggerWorkflow:
		return config.TriggerWorkflow
	}
	if s.cfg.DefaultTrigger == config.TriggerNotebook {
		return config.TriggerNotebook
	}
	return config.TriggerWorkflow
}

// Enqueue creates a pending job and its trigger intent inside tx. The caller
// owns the transaction so the job commits together with whatever caused it.
func (s *Service) Enqueue(ctx context.Context, tx *store.Store, tenant *models.Tenant, spec Spec) (*models.ProcessingJob, error) {
	now := s.now()
	if err := quota.CheckJobs(ctx, tx, tenant, now); err != nil {
		return nil, err
	}
	if err := quota.CheckProcessing(ctx, tx, tenant, now); err != nil {
		return nil, err
	}

	inputs := spec.InputAssets
	if inputs == nil {
		inputs = []uuid.UUID{}
	}
	job := &models.ProcessingJob{
		ProjectID:         spec.ProjectID,
		Type:              spec.Type,
		Status:            models.JobStatusPending,
		Priority:          spec.Priority,
		Progress:          datatypes.NewJSONType(models.JobProgress{Stage: "queued"}),
		Config:            datatypes.JSON(spec.Config),
		InputAssets:       datatypes.JSONSlice[uuid.UUID](inputs),
		MaxRetries:        s.cfg.DefaultMaxRetries,
		EstimatedDuration: spec.EstimatedDuration,
		Trigger:           s.TriggerFor(tenant),
	}
	if err := tx.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if job.TenantID != tenant.ID {
		return nil, fmt.Errorf("project %s: %w", spec.ProjectID, store.ErrNotFound)
	}

	msg, err := outbox.NewTriggerMessage(job, s.cfg.OutboxMaxAttempts)
	if err != nil {
		return nil, err
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return nil, err
	}
	if err := tx.AddUsage(ctx, tenant.ID, models.Period(now), store.UsageDelta{Jobs: 1}); err != nil {
		return nil, err
	}
	err = tx.Audit(ctx, store.AuditEntry{
		TenantID:     tenant.ID,
		UserID:       spec.UserID,
		ResourceType: models.ResourceJob,
		ResourceID:   job.ID,
		Action:       "job.created",
		Level:        models.LogLevelInfo,
		Message:      fmt.Sprintf("%s job created", job.Type),
		Details:      map[string]any{"trigger": job.Trigger, "input_assets": job.InputAssets},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateRequest is the body of POST /jobs.
type CreateRequest struct {
	ProjectID         uuid.UUID       `json:"project_id" validate:"required"`
	Type              string          `json:"type" validate:"required"`
	InputAssets       []uuid.UUID     `json:"input_assets" validate:"required,min=1"`
	Config            json.RawMessage `json:"config,omitempty" swaggertype:"object"`
	Priority          int             `json:"priority" validate:"gte=0,lte=10"`
	EstimatedDuration *int            `json:"estimated_duration,omitempty" validate:"omitempty,gt=0"`
}

// Create validates req against the caller's tenant and enqueues the job.
func (s *Service) Create(ctx context.Context, p *identity.Principal, req CreateRequest) (*models.ProcessingJob, error) {
	if !models.ValidJobType(req.Type) {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, req.Type)
	}
	if len(req.Config) > 0 && !isJSONObject(req.Config) {
		return nil, fmt.Errorf("%w: config must be a JSON object", ErrInvalidRequest)
	}
	if _, err := s.store.GetProject(ctx, p.TenantID, req.ProjectID); err != nil {
		return nil, err
	}
	assets, err := s.store.GetAssets(ctx, p.TenantID, req.InputAssets)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if a.ProjectID != req.ProjectID {
			return nil, fmt.Errorf("%w: asset %s belongs to another project", ErrInvalidRequest, a.ID)
		}
	}
	tenant, err := s.store.GetTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	var job *models.ProcessingJob
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		job, err = s.Enqueue(ctx, tx, tenant, Spec{
			ProjectID:         req.ProjectID,
			UserID:            &p.UserID,
			Type:              models.JobType(req.Type),
			InputAssets:       req.InputAssets,
			Config:            req.Config,
			Priority:          req.Priority,
			EstimatedDuration: req.EstimatedDuration,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCreated(job)
	return job, nil
}

func (s *Service) recordCreated(job *models.ProcessingJob) {
	metrics.RecordJobTransition("", string(job.Status))
	s.log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"project_id": job.ProjectID,
		"tenant_id":  job.TenantID,
		"type":       job.Type,
		"trigger":    job.Trigger,
	}).Info("Job created")
}

// RecordCreated logs and counts a job enqueued by another service once its
// transaction has committed.
func (s *Service) RecordCreated(job *models.ProcessingJob) {
	s.recordCreated(job)
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.ProcessingJob, error) {
	return s.store.GetJob(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, f store.JobFilter) ([]models.ProcessingJob, int64, error) {
	return s.store.ListJobs(ctx, tenantID, f)
}

// ProgressReport is what the UI polls while a job runs.
type ProgressReport struct {
	JobID               uuid.UUID          `json:"job_id"`
	Status              models.JobStatus   `json:"status"`
	Progress            models.JobProgress `json:"progress"`
	RuntimeSeconds      float64            `json:"runtime_seconds"`
	EstimatedCompletion *time.Time         `json:"estimated_completion,omitempty"`
	ErrorMessage        *string            `json:"error_message,omitempty"`
	CancelRequested     bool               `json:"cancel_requested"`
}

func (s *Service) Progress(ctx context.Context, tenantID, id uuid.UUID) (*ProgressReport, error) {
	job, err := s.store.GetJob(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &ProgressReport{
		JobID:               job.ID,
		Status:              job.Status,
		Progress:            job.Progress.Data(),
		RuntimeSeconds:      job.Runtime(now).Seconds(),
		EstimatedCompletion: job.EstimatedCompletion(now),
		ErrorMessage:        job.ErrorMessage,
		CancelRequested:     job.CancelRequestedAt != nil && job.Status.IsActive(),
	}, nil
}

// Scenes lists the scenes the backend reported for a job.
func (s *Service) Scenes(ctx context.Context, tenantID, id uuid.UUID) ([]models.Scene, error) {
	if _, err := s.store.GetJob(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListScenes(ctx, id)
}

// Logs returns the job's audit trail.
func (s *Service) Logs(ctx context.Context, tenantID, id uuid.UUID, f store.AuditFilter) ([]models.AuditLog, int64, error) {
	if _, err := s.store.GetJob(ctx, tenantID, id); err != nil {
		return nil, 0, err
	}
	return s.store.ListAuditLogs(ctx, tenantID, models.ResourceJob, id, f)
}

// Cancel stops a job on behalf of a user. A pending job is cancelled at once and
// its trigger is never delivered. A running job stays running until the backend
// confirms; the request is recorded and a cancel call is queued for the backend.
// Cancelling a job that is already cancelled or has a cancel in flight is a no-op.
func (s *Service) Cancel(ctx context.Context, p *identity.Principal, id uuid.UUID) (*models.ProcessingJob, error) {
	var (
		job  *models.ProcessingJob
		prev models.JobStatus
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		job, err = lockOwnedJob(ctx, tx, p.TenantID, id)
		if err != nil {
			return err
		}
		prev = job.Status
		now := s.now()

		switch job.Status {
		case models.JobStatusCancelled:
			return nil

		case models.JobStatusPending:
			if err := job.Transition(models.JobStatusCancelled, now); err != nil {
				return err
			}
			job.CancelRequestedAt = &now
			if err := tx.SaveJob(ctx, job); err != nil {
				return err
			}
			discarded, err := tx.DiscardJobTriggers(ctx, job.ID, "job cancelled before delivery")
			if err != nil {
				return err
			}
			return tx.Audit(ctx, store.AuditEntry{
				TenantID:     job.TenantID,
				UserID:       &p.UserID,
				ResourceType: models.ResourceJob,
				ResourceID:   job.ID,
				Action:       "job.cancelled",
				Level:        models.LogLevelInfo,
				Message:      "Job cancelled before processing started",
				Details:      map[string]any{"discarded_triggers": discarded},
			})

		case models.JobStatusRunning:
			if job.CancelRequestedAt != nil {
				return nil
			}
			job.CancelRequestedAt = &now
			if err := tx.SaveJob(ctx, job); err != nil {
				return err
			}
			msg, err := outbox.NewCancelMessage(job, s.cfg.OutboxMaxAttempts)
			if err != nil {
				return err
			}
			if err := tx.EnqueueOutbox(ctx, msg); err != nil {
				return err
			}
			return tx.Audit(ctx, store.AuditEntry{
				TenantID:     job.TenantID,
				UserID:       &p.UserID,
				ResourceType: models.ResourceJob,
				ResourceID:   job.ID,
				Action:       "job.cancel_requested",
				Level:        models.LogLevelInfo,
				Message:      "Cancellation requested from the processing backend",
			})
		}
		return fmt.Errorf("cannot cancel a %s job: %w", job.Status, models.ErrInvalidTransition)
	})
	if err != nil {
		return nil, err
	}
	if prev != job.Status {
		metrics.RecordJobTransition(string(prev), string(job.Status))
	}
	s.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"tenant_id": job.TenantID,
		"status":    job.Status,
	}).Info("Job cancel handled")
	return job, nil
}

// Retry sends a failed or cancelled job back to pending and queues a new trigger.
func (s *Service) Retry(ctx context.Context, p *identity.Principal, id uuid.UUID) (*models.ProcessingJob, error) {
	var (
		job  *models.ProcessingJob
		prev models.JobStatus
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		job, err = lockOwnedJob(ctx, tx, p.TenantID, id)
		if err != nil {
			return err
		}
		prev = job.Status
		if err := job.Retry(); err != nil {
			return err
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}
		msg, err := outbox.NewTriggerMessage(job, s.cfg.OutboxMaxAttempts)
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, msg); err != nil {
			return err
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     job.TenantID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceJob,
			ResourceID:   job.ID,
			Action:       "job.retried",
			Level:        models.LogLevelInfo,
			Message:      fmt.Sprintf("Retry %d of %d queued", job.RetryCount, job.MaxRetries),
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordJobTransition(string(prev), string(job.Status))
	return job, nil
}

// lockOwnedJob locks a job and hides jobs of other tenants.
func lockOwnedJob(ctx context.Context, tx *store.Store, tenantID, id uuid.UUID) (*models.ProcessingJob, error) {
	job, err := tx.LockJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, fmt.Errorf("get job: %w", store.ErrNotFound)
	}
	return job, nil
}

// NewAsset converts a backend asset descriptor into an asset of projectID.
func NewAsset(projectID uuid.UUID, d backend.AssetDescriptor, assetType, status string) (*models.Asset, error) {
	a := &models.Asset{
		ProjectID:       projectID,
		Type:            assetType,
		Filename:        d.Filename,
		StoragePath:     d.FilePath,
		SizeBytes:       d.FileSize,
		DurationSeconds: d.DurationSeconds,
		Status:          status,
	}
	if d.ContentType != "" {
		a.ContentType = &d.ContentType
	}
	if d.Checksum != "" {
		a.Checksum = &d.Checksum
	}
	if len(d.Metadata) > 0 {
		raw, err := json.Marshal(d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal asset metadata: %w", err)
		}
		a.Metadata = datatypes.JSON(raw)
	}
	return a, nil
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]any
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
