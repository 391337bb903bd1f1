package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/outbox"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

const (
	ActionApproveScenes      = "approve_scenes"
	ActionRejectScenes       = "reject_scenes"
	ActionRetry              = "retry"
	ActionCancel             = "cancel"
	ActionAdjustSettings     = "adjust_settings"
	ActionContinueProcessing = "continue_processing"
)

// ActionRequest is the body of POST /jobs/:id/actions.
type ActionRequest struct {
	Action   string         `json:"action" validate:"required,oneof=approve_scenes reject_scenes retry cancel adjust_settings continue_processing"`
	SceneIDs []uuid.UUID    `json:"scene_ids,omitempty"`
	Reason   string         `json:"reason,omitempty" validate:"max=255"`
	Settings map[string]any `json:"settings,omitempty"`
}

// ActionResult reports what an action did.
type ActionResult struct {
	Job     *models.ProcessingJob `json:"job"`
	Message string                `json:"message"`
	// Resumed is true when the action queued a resume call to the backend.
	Resumed bool `json:"resumed"`
}

// Act performs a user action on a job.
func (s *Service) Act(ctx context.Context, p *identity.Principal, id uuid.UUID, req ActionRequest) (*ActionResult, error) {
	switch req.Action {
	case ActionApproveScenes:
		return s.review(ctx, p, id, req.SceneIDs, true, "")
	case ActionRejectScenes:
		return s.review(ctx, p, id, req.SceneIDs, false, req.Reason)
	case ActionRetry:
		job, err := s.Retry(ctx, p, id)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Job: job, Message: "Job queued for retry"}, nil
	case ActionCancel:
		job, err := s.Cancel(ctx, p, id)
		if err != nil {
			return nil, err
		}
		msg := "Job cancelled"
		if job.Status != models.JobStatusCancelled {
			msg = "Cancellation requested"
		}
		return &ActionResult{Job: job, Message: msg}, nil
	case ActionAdjustSettings:
		return s.adjustSettings(ctx, p, id, req.Settings)
	case ActionContinueProcessing:
		return s.continueProcessing(ctx, p, id)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
}

// review records approval or rejection of scenes. When the last scene awaiting
// review is decided, a resume call is queued for the backend.
func (s *Service) review(ctx context.Context, p *identity.Principal, id uuid.UUID, sceneIDs []uuid.UUID, approved bool, reason string) (*ActionResult, error) {
	sceneIDs = uniqueIDs(sceneIDs)
	if len(sceneIDs) == 0 {
		return nil, fmt.Errorf("%w: scene_ids is required", ErrInvalidRequest)
	}

	res := &ActionResult{}
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := lockOwnedJob(ctx, tx, p.TenantID, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusManualReview {
			return fmt.Errorf("scenes can only be reviewed in manual_review, job is %s: %w", job.Status, models.ErrInvalidTransition)
		}
		res.Job = job

		before, err := tx.CountScenesAwaitingReview(ctx, job.ID)
		if err != nil {
			return err
		}
		updated, err := tx.SetSceneApproval(ctx, job.ID, sceneIDs, approved, reason)
		if err != nil {
			return err
		}
		if updated != int64(len(sceneIDs)) {
			return fmt.Errorf("%w: %d of %d scenes belong to this job", ErrInvalidRequest, updated, len(sceneIDs))
		}
		after, err := tx.CountScenesAwaitingReview(ctx, job.ID)
		if err != nil {
			return err
		}

		action, verb := "scenes.approved", "approved"
		if !approved {
			action, verb = "scenes.rejected", "rejected"
		}
		res.Message = fmt.Sprintf("%d scenes %s", updated, verb)
		details := map[string]any{"scene_ids": sceneIDs, "awaiting_review": after}
		if reason != "" {
			details["reason"] = reason
		}
		err = tx.Audit(ctx, store.AuditEntry{
			TenantID:     job.TenantID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceJob,
			ResourceID:   job.ID,
			Action:       action,
			Level:        models.LogLevelInfo,
			Message:      res.Message,
			Details:      details,
		})
		if err != nil {
			return err
		}

		if before > 0 && after == 0 {
			res.Resumed = true
			return s.enqueueResume(ctx, tx, p, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// continueProcessing resumes a job in review once nothing is left to decide.
func (s *Service) continueProcessing(ctx context.Context, p *identity.Principal, id uuid.UUID) (*ActionResult, error) {
	res := &ActionResult{Message: "Processing will continue"}
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := lockOwnedJob(ctx, tx, p.TenantID, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusManualReview {
			return fmt.Errorf("job is %s, not manual_review: %w", job.Status, models.ErrInvalidTransition)
		}
		pending, err := tx.CountScenesAwaitingReview(ctx, job.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d scenes still await review", ErrInvalidRequest, pending)
		}
		res.Job = job
		res.Resumed = true
		return s.enqueueResume(ctx, tx, p, job)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) enqueueResume(ctx context.Context, tx *store.Store, p *identity.Principal, job *models.ProcessingJob) error {
	approved, err := tx.ApprovedSceneIDs(ctx, job.ID)
	if err != nil {
		return err
	}
	rejected, err := tx.RejectedSceneIDs(ctx, job.ID)
	if err != nil {
		return err
	}
	msg, err := outbox.NewResumeMessage(job, backend.ResumeRequest{ApprovedScenes: approved, RejectedScenes: rejected}, s.cfg.OutboxMaxAttempts)
	if err != nil {
		return err
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"approved": len(approved),
		"rejected": len(rejected),
	}).Info("Review finished, resume queued")
	return tx.Audit(ctx, store.AuditEntry{
		TenantID:     job.TenantID,
		UserID:       &p.UserID,
		ResourceType: models.ResourceJob,
		ResourceID:   job.ID,
		Action:       "job.resume_requested",
		Level:        models.LogLevelInfo,
		Message:      "Review finished, resume requested from the processing backend",
	})
}

// adjustSettings merges settings into the job config. The config is only
// editable while the backend is not working on the job.
func (s *Service) adjustSettings(ctx context.Context, p *identity.Principal, id uuid.UUID, settings map[string]any) (*ActionResult, error) {
	if len(settings) == 0 {
		return nil, fmt.Errorf("%w: settings is required", ErrInvalidRequest)
	}
	res := &ActionResult{Message: "Job settings updated"}
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := lockOwnedJob(ctx, tx, p.TenantID, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusPending && job.Status != models.JobStatusManualReview {
			return fmt.Errorf("settings of a %s job cannot change: %w", job.Status, models.ErrInvalidTransition)
		}
		merged := map[string]any{}
		if len(job.Config) > 0 {
			if err := json.Unmarshal(job.Config, &merged); err != nil {
				return fmt.Errorf("decode job config: %w", err)
			}
			if merged == nil {
				merged = map[string]any{}
			}
		}
		maps.Copy(merged, settings)
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode job config: %w", err)
		}
		job.Config = datatypes.JSON(raw)
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}
		res.Job = job
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     job.TenantID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceJob,
			ResourceID:   job.ID,
			Action:       "job.settings_adjusted",
			Level:        models.LogLevelInfo,
			Message:      res.Message,
			Details:      settings,
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
