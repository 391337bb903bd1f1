package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Scene is a detected scene of a job's alignment, possibly flagged for manual review.
type Scene struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID                uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_scenes_job_index,priority:1" json:"job_id"`
	Job                  *ProcessingJob `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID             uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	SceneIndex           int            `gorm:"not null;uniqueIndex:idx_scenes_job_index,priority:2" json:"scene_index"`
	StartTime            float64        `gorm:"not null" json:"start_time"`
	EndTime              float64        `gorm:"not null" json:"end_time"`
	Confidence           *float64       `json:"confidence,omitempty"`
	Text                 *string        `gorm:"type:text" json:"text,omitempty"`
	ManualReviewRequired bool           `gorm:"not null" json:"manual_review_required"`
	UserApproved         *bool          `json:"user_approved,omitempty"` // nil until reviewed
	FlaggedReason        *string        `gorm:"size:255" json:"flagged_reason,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (s *Scene) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// AwaitingReview reports whether the scene still blocks the job's review.
func (s *Scene) AwaitingReview() bool {
	return s.ManualReviewRequired && s.UserApproved == nil
}
