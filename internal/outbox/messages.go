package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/trigger"
	"recapflow/api-gateway/models"
)

// TriggerKind maps a trigger name ("workflow", "notebook") to its outbox kind.
func TriggerKind(name string) models.OutboxKind {
	if name == config.TriggerNotebook {
		return models.OutboxTriggerNotebook
	}
	return models.OutboxTriggerWorkflow
}

// NewTriggerMessage builds the trigger intent for a freshly created job.
func NewTriggerMessage(job *models.ProcessingJob, maxAttempts int) (*models.OutboxMessage, error) {
	ev := trigger.Event{
		Event:       trigger.EventJobCreated,
		ProjectID:   job.ProjectID,
		JobID:       job.ID,
		TenantID:    job.TenantID,
		JobType:     string(job.Type),
		InputAssets: []uuid.UUID(job.InputAssets),
		Config:      json.RawMessage(job.Config),
	}
	return newMessage(job, TriggerKind(job.Trigger), ev, maxAttempts)
}

// NewCancelMessage builds the request to stop a running job on the backend.
func NewCancelMessage(job *models.ProcessingJob, maxAttempts int) (*models.OutboxMessage, error) {
	return newMessage(job, models.OutboxBackendCancel, struct{}{}, maxAttempts)
}

// NewResumeMessage builds the request to resume a reviewed job on the backend.
func NewResumeMessage(job *models.ProcessingJob, req backend.ResumeRequest, maxAttempts int) (*models.OutboxMessage, error) {
	if req.ApprovedScenes == nil {
		req.ApprovedScenes = []uuid.UUID{}
	}
	return newMessage(job, models.OutboxBackendResume, req, maxAttempts)
}

func newMessage(job *models.ProcessingJob, kind models.OutboxKind, payload any, maxAttempts int) (*models.OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultOutboxMaxAttempts
	}
	return &models.OutboxMessage{
		TenantID:      job.TenantID,
		JobID:         job.ID,
		Kind:          kind,
		Payload:       datatypes.JSON(raw),
		Status:        models.OutboxPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}, nil
}
