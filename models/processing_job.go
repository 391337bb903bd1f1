package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobType names the pipeline stage a job runs.
type JobType string

const (
	JobTypePreprocess JobType = "preprocess"
	JobTypeAlign      JobType = "align"
	JobTypeAssemble   JobType = "assemble"
	JobTypeUpscale    JobType = "upscale"
	JobTypeFinalize   JobType = "finalize"

	DefaultMaxRetries = 3
)

// ValidJobType reports whether t is a known job type.
func ValidJobType(t string) bool {
	switch JobType(t) {
	case JobTypePreprocess, JobTypeAlign, JobTypeAssemble, JobTypeUpscale, JobTypeFinalize:
		return true
	}
	return false
}

// JobProgress is the progress blob the UI polls.
type JobProgress struct {
	Percent float64        `json:"percent"`
	Stage   string         `json:"stage,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ProcessingJob represents one unit of backend work for a project.
type ProcessingJob struct {
	ID                uuid.UUID                       `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID         uuid.UUID                       `gorm:"type:uuid;not null;index" json:"project_id"`
	Project           *Project                        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID          uuid.UUID                       `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Type              JobType                         `gorm:"size:20;not null" json:"type"`
	Status            JobStatus                       `gorm:"size:20;not null;index" json:"status"`
	Priority          int                             `gorm:"not null" json:"priority"`
	Progress          datatypes.JSONType[JobProgress] `gorm:"type:jsonb" json:"progress"`
	Config            datatypes.JSON                  `gorm:"type:jsonb" json:"config,omitempty"`
	InputAssets       datatypes.JSONSlice[uuid.UUID]  `gorm:"type:jsonb" json:"input_assets"`
	OutputAssets      datatypes.JSONSlice[uuid.UUID]  `gorm:"type:jsonb" json:"output_assets"`
	ErrorMessage      *string                         `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount        int                             `gorm:"not null" json:"retry_count"`
	MaxRetries        int                             `gorm:"not null" json:"max_retries"`
	EstimatedDuration *int                            `json:"estimated_duration,omitempty"` // seconds
	Trigger           string                          `gorm:"size:20;not null" json:"trigger"`
	CancelRequestedAt *time.Time                      `json:"cancel_requested_at,omitempty"`
	StartedAt         *time.Time                      `json:"started_at,omitempty"`
	CompletedAt       *time.Time                      `json:"completed_at,omitempty"`
	CreatedAt         time.Time                       `json:"created_at"`
	UpdatedAt         time.Time                       `json:"updated_at"`
}

func (j *ProcessingJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
	if j.InputAssets == nil {
		j.InputAssets = datatypes.JSONSlice[uuid.UUID]{}
	}
	if j.OutputAssets == nil {
		j.OutputAssets = datatypes.JSONSlice[uuid.UUID]{}
	}
	return nil
}

// BeforeSave refuses to persist a job whose retry count exceeds its limit.
func (j *ProcessingJob) BeforeSave(tx *gorm.DB) error {
	if j.MaxRetries > 0 && j.RetryCount > j.MaxRetries {
		return fmt.Errorf("job %s: retry_count %d exceeds max_retries %d: %w", j.ID, j.RetryCount, j.MaxRetries, ErrRetryExhausted)
	}
	return nil
}

// Transition moves the job to target and stamps started_at/completed_at.
// Reporting the current status again is a no-op.
func (j *ProcessingJob) Transition(target JobStatus, now time.Time) error {
	if j.Status == target {
		return nil
	}
	if target == JobStatusPending {
		// Only Retry may re-enter pending.
		return fmt.Errorf("%s -> %s: %w", j.Status, target, ErrInvalidTransition)
	}
	if !j.Status.CanTransitionTo(target) {
		return fmt.Errorf("%s -> %s: %w", j.Status, target, ErrInvalidTransition)
	}
	j.Status = target
	if target == JobStatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if target.IsTerminal() {
		j.CompletedAt = &now
		if target == JobStatusCompleted {
			p := j.Progress.Data()
			p.Percent = 100
			j.Progress = datatypes.NewJSONType(p)
		}
	}
	return nil
}

// Retry takes the explicit retry edge back to pending.
func (j *ProcessingJob) Retry() error {
	if !j.Status.IsRetryable() {
		return fmt.Errorf("%s -> %s: %w", j.Status, JobStatusPending, ErrInvalidTransition)
	}
	if j.RetryCount >= j.MaxRetries {
		return ErrRetryExhausted
	}
	j.Status = JobStatusPending
	j.RetryCount++
	j.ErrorMessage = nil
	j.CancelRequestedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Progress = datatypes.NewJSONType(JobProgress{Stage: "queued"})
	return nil
}

// MergeProgress applies a reported progress. The stored percent never decreases.
func (j *ProcessingJob) MergeProgress(reported JobProgress) {
	cur := j.Progress.Data()
	reported.Percent = clampPercent(reported.Percent)
	if reported.Percent < cur.Percent {
		reported.Percent = cur.Percent
	}
	if reported.Stage == "" {
		reported.Stage = cur.Stage
	}
	if reported.Details == nil {
		reported.Details = cur.Details
	}
	j.Progress = datatypes.NewJSONType(reported)
}

// ApplyRetryCount records a retry count reported by the backend.
// A count past the limit forces the job to failed instead of being stored.
func (j *ProcessingJob) ApplyRetryCount(count int, now time.Time) error {
	if count <= j.MaxRetries {
		if count > j.RetryCount {
			j.RetryCount = count
		}
		return nil
	}
	j.RetryCount = j.MaxRetries
	msg := fmt.Sprintf("retry limit of %d exceeded", j.MaxRetries)
	j.ErrorMessage = &msg
	if j.Status == JobStatusFailed {
		return nil
	}
	if err := j.Transition(JobStatusFailed, now); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return fmt.Errorf("cannot fail job in status %s: %w", j.Status, err)
		}
		return err
	}
	return nil
}

// Runtime is the time spent since the job started, up to completion.
func (j *ProcessingJob) Runtime(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// EstimatedCompletion extrapolates from the current percent, falling back to
// the estimated duration. It returns nil when no estimate can be made.
func (j *ProcessingJob) EstimatedCompletion(now time.Time) *time.Time {
	if j.Status.IsTerminal() || j.StartedAt == nil {
		return nil
	}
	percent := j.Progress.Data().Percent
	if percent > 0 && percent < 100 {
		elapsed := now.Sub(*j.StartedAt)
		total := time.Duration(float64(elapsed) * 100 / percent)
		eta := j.StartedAt.Add(total)
		return &eta
	}
	if j.EstimatedDuration != nil {
		eta := j.StartedAt.Add(time.Duration(*j.EstimatedDuration) * time.Second)
		return &eta
	}
	return nil
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
