package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutboxKind selects how the relay delivers a message.
type OutboxKind string

const (
	OutboxTriggerWorkflow OutboxKind = "trigger.workflow"
	OutboxTriggerNotebook OutboxKind = "trigger.notebook"
	OutboxBackendCancel   OutboxKind = "backend.cancel"
	OutboxBackendResume   OutboxKind = "backend.resume"
)

// IsTrigger reports whether the message starts the pipeline for a job.
func (k OutboxKind) IsTrigger() bool {
	return k == OutboxTriggerWorkflow || k == OutboxTriggerNotebook
}

const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxDead      = "dead"
	// OutboxDiscarded marks trigger intents of jobs cancelled before delivery.
	OutboxDiscarded = "discarded"

	DefaultOutboxMaxAttempts = 8
)

// OutboxMessage is a durable delivery intent written in the same transaction
// as the state change that caused it.
type OutboxMessage struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Kind          OutboxKind     `gorm:"size:32;not null" json:"kind"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Status        string         `gorm:"size:16;not null;index:idx_outbox_due,priority:1" json:"status"`
	Attempts      int            `gorm:"not null" json:"attempts"`
	MaxAttempts   int            `gorm:"not null" json:"max_attempts"`
	NextAttemptAt time.Time      `gorm:"not null;index:idx_outbox_due,priority:2" json:"next_attempt_at"`
	LastError     *string        `gorm:"type:text" json:"last_error,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (m *OutboxMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = OutboxPending
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = DefaultOutboxMaxAttempts
	}
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = time.Now().UTC()
	}
	return nil
}
