package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/metrics"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

// Callback is a state report the processing backend posts for a job.
// Every field is optional; absent fields leave the job unchanged.
type Callback struct {
	Status            string                    `json:"status,omitempty"`
	Progress          *models.JobProgress       `json:"progress,omitempty"`
	ErrorMessage      *string                   `json:"error_message,omitempty"`
	RetryCount        *int                      `json:"retry_count,omitempty"`
	EstimatedDuration *int                      `json:"estimated_duration,omitempty"`
	OutputAssets      []backend.AssetDescriptor `json:"output_assets,omitempty"`
	Scenes            []SceneReport             `json:"scenes,omitempty"`
	Transcripts       []TranscriptReport        `json:"transcripts,omitempty"`
	Moderation        []ModerationReport        `json:"moderation,omitempty"`
}

type SceneReport struct {
	SceneIndex           int      `json:"scene_index"`
	StartTime            float64  `json:"start_time"`
	EndTime              float64  `json:"end_time"`
	Confidence           *float64 `json:"confidence,omitempty"`
	Text                 *string  `json:"text,omitempty"`
	ManualReviewRequired bool     `json:"manual_review_required"`
	FlaggedReason        *string  `json:"flagged_reason,omitempty"`
}

type TranscriptReport struct {
	AssetID    uuid.UUID                  `json:"asset_id"`
	Language   string                     `json:"language"`
	Text       string                     `json:"text"`
	Segments   []models.TranscriptSegment `json:"segments,omitempty"`
	Confidence *float64                   `json:"confidence,omitempty"`
}

type ModerationReport struct {
	AssetID  uuid.UUID       `json:"asset_id"`
	Category string          `json:"category"`
	Severity string          `json:"severity"`
	Flagged  bool            `json:"flagged"`
	Details  json.RawMessage `json:"details,omitempty" swaggertype:"object"`
}

func (cb *Callback) validate() error {
	if cb.Status != "" {
		if _, ok := models.ParseJobStatus(cb.Status); !ok {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, cb.Status)
		}
	}
	if cb.RetryCount != nil && *cb.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must not be negative", ErrInvalidRequest)
	}
	for _, sc := range cb.Scenes {
		if sc.SceneIndex < 0 || sc.EndTime < sc.StartTime {
			return fmt.Errorf("%w: scene %d has an invalid time range", ErrInvalidRequest, sc.SceneIndex)
		}
	}
	for _, d := range cb.OutputAssets {
		if d.FilePath == "" || d.Filename == "" {
			return fmt.Errorf("%w: output assets need a filename and a file_path", ErrInvalidRequest)
		}
	}
	return nil
}

// ApplyCallback applies a backend report to a job. An illegal status change
// fails with models.ErrInvalidTransition and leaves the row untouched. A report
// that repeats the current status only updates the progress and attachments.
func (s *Service) ApplyCallback(ctx context.Context, jobID uuid.UUID, cb Callback) (*models.ProcessingJob, error) {
	if err := cb.validate(); err != nil {
		return nil, err
	}

	var (
		job  *models.ProcessingJob
		prev models.JobStatus
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		job, err = tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		prev = job.Status
		now := s.now()

		if cb.Status != "" {
			if err := job.Transition(models.JobStatus(cb.Status), now); err != nil {
				return err
			}
		}
		if cb.RetryCount != nil {
			if err := job.ApplyRetryCount(*cb.RetryCount, now); err != nil {
				return err
			}
		}
		if cb.Progress != nil {
			job.MergeProgress(*cb.Progress)
		}
		if cb.ErrorMessage != nil {
			job.ErrorMessage = cb.ErrorMessage
		}
		if job.Status == models.JobStatusFailed && job.ErrorMessage == nil {
			msg := "processing failed"
			job.ErrorMessage = &msg
		}
		if cb.EstimatedDuration != nil {
			job.EstimatedDuration = cb.EstimatedDuration
		}

		if err := s.recordOutputs(ctx, tx, job, cb.OutputAssets); err != nil {
			return err
		}
		if err := s.recordScenes(ctx, tx, job, cb.Scenes); err != nil {
			return err
		}
		if err := s.recordAnalysis(ctx, tx, job, cb.Transcripts, cb.Moderation); err != nil {
			return err
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}

		if prev == job.Status {
			return nil
		}
		if job.Status.IsTerminal() {
			seconds := int64(math.Ceil(job.Runtime(now).Seconds()))
			if seconds > 0 {
				if err := tx.AddUsage(ctx, job.TenantID, models.Period(now), store.UsageDelta{ProcessingSeconds: seconds}); err != nil {
					return err
				}
			}
		}
		level := models.LogLevelInfo
		if job.Status == models.JobStatusFailed {
			level = models.LogLevelError
		}
		entry := store.AuditEntry{
			TenantID:     job.TenantID,
			ResourceType: models.ResourceJob,
			ResourceID:   job.ID,
			Action:       "job.status_changed",
			Level:        level,
			Message:      fmt.Sprintf("%s -> %s", prev, job.Status),
			Details:      map[string]any{"from": prev, "to": job.Status, "progress": job.Progress.Data()},
		}
		if job.ErrorMessage != nil {
			entry.Details = map[string]any{"from": prev, "to": job.Status, "error": *job.ErrorMessage}
		}
		return tx.Audit(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.log.WithError(err).WithFields(logrus.Fields{
				"job_id": jobID,
				"status": cb.Status,
			}).Warn("Rejected backend callback")
		}
		return nil, err
	}

	if prev != job.Status {
		metrics.RecordJobTransition(string(prev), string(job.Status))
	}
	s.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"tenant_id": job.TenantID,
		"from":      prev,
		"status":    job.Status,
		"percent":   job.Progress.Data().Percent,
	}).Debug("Backend callback applied")
	return job, nil
}

// recordOutputs registers reported output files as assets of the job's project.
// Files already recorded for the job are skipped so repeated callbacks are harmless.
func (s *Service) recordOutputs(ctx context.Context, tx *store.Store, job *models.ProcessingJob, outputs []backend.AssetDescriptor) error {
	if len(outputs) == 0 {
		return nil
	}
	existing, err := tx.GetAssets(ctx, job.TenantID, job.OutputAssets)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, a := range existing {
		known[a.StoragePath] = true
	}

	ids := append([]uuid.UUID{}, job.OutputAssets...)
	for _, d := range outputs {
		if known[d.FilePath] {
			continue
		}
		assetType := models.AssetTypeOutput
		if d.FileType == models.AssetTypeThumbnail {
			assetType = models.AssetTypeThumbnail
		}
		asset, err := NewAsset(job.ProjectID, d, assetType, models.AssetStatusCompleted)
		if err != nil {
			return err
		}
		if err := tx.CreateAsset(ctx, asset); err != nil {
			return err
		}
		known[d.FilePath] = true
		ids = append(ids, asset.ID)
	}
	job.OutputAssets = datatypes.JSONSlice[uuid.UUID](ids)
	return nil
}

func (s *Service) recordScenes(ctx context.Context, tx *store.Store, job *models.ProcessingJob, reports []SceneReport) error {
	if len(reports) == 0 {
		return nil
	}
	scenes := make([]models.Scene, 0, len(reports))
	for _, r := range reports {
		scenes = append(scenes, models.Scene{
			JobID:                job.ID,
			TenantID:             job.TenantID,
			SceneIndex:           r.SceneIndex,
			StartTime:            r.StartTime,
			EndTime:              r.EndTime,
			Confidence:           r.Confidence,
			Text:                 r.Text,
			ManualReviewRequired: r.ManualReviewRequired,
			FlaggedReason:        r.FlaggedReason,
		})
	}
	return tx.UpsertScenes(ctx, scenes)
}

// recordAnalysis stores transcripts and moderation verdicts. Each must name an
// asset of the job's tenant.
func (s *Service) recordAnalysis(ctx context.Context, tx *store.Store, job *models.ProcessingJob, transcripts []TranscriptReport, moderation []ModerationReport) error {
	for _, r := range transcripts {
		if _, err := tx.GetAsset(ctx, job.TenantID, r.AssetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: transcript asset %s not found", ErrInvalidRequest, r.AssetID)
			}
			return err
		}
		segments := r.Segments
		if segments == nil {
			segments = []models.TranscriptSegment{}
		}
		err := tx.CreateTranscript(ctx, &models.Transcript{
			AssetID:    r.AssetID,
			TenantID:   job.TenantID,
			Language:   r.Language,
			Text:       r.Text,
			Segments:   datatypes.JSONSlice[models.TranscriptSegment](segments),
			Confidence: r.Confidence,
		})
		if err != nil {
			return err
		}
	}
	for _, r := range moderation {
		if _, err := tx.GetAsset(ctx, job.TenantID, r.AssetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: moderation asset %s not found", ErrInvalidRequest, r.AssetID)
			}
			return err
		}
		err := tx.CreateModeration(ctx, &models.ContentModeration{
			AssetID:  r.AssetID,
			TenantID: job.TenantID,
			Category: r.Category,
			Severity: r.Severity,
			Flagged:  r.Flagged,
			Details:  datatypes.JSON(r.Details),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
