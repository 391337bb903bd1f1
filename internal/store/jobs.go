package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"recapflow/api-gateway/models"
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	ProjectID *uuid.UUID
	Status    models.JobStatus
	Type      models.JobType
	Page
}

// CreateJob stores j, copying the tenant from its project.
func (s *Store) CreateJob(ctx context.Context, j *models.ProcessingJob) error {
	var p models.Project
	if err := s.db.WithContext(ctx).Select("id", "tenant_id").First(&p, "id = ?", j.ProjectID).Error; err != nil {
		return translate(err, "create job: load project")
	}
	j.TenantID = p.TenantID
	return translate(s.db.WithContext(ctx).Create(j).Error, "create job")
}

func (s *Store) GetJob(ctx context.Context, tenantID, id uuid.UUID) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	if err := s.db.WithContext(ctx).First(&j, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, translate(err, "get job")
	}
	return &j, nil
}

// FindJob loads a job by id alone, for system callers such as the outbox relay.
func (s *Store) FindJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, translate(err, "find job")
	}
	return &j, nil
}

// LockJob loads a job for a read-modify-write inside a transaction. It is not
// tenant scoped: backend callbacks and the relay address jobs by id alone.
func (s *Store) LockJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	q := s.forUpdate(s.db.WithContext(ctx), false)
	if err := q.First(&j, "id = ?", id).Error; err != nil {
		return nil, translate(err, "lock job")
	}
	return &j, nil
}

func (s *Store) ListJobs(ctx context.Context, tenantID uuid.UUID, f JobFilter) ([]models.ProcessingJob, int64, error) {
	var (
		jobs  []models.ProcessingJob
		total int64
	)
	q := s.db.WithContext(ctx).Model(&models.ProcessingJob{}).Where("tenant_id = ?", tenantID)
	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count jobs")
	}
	if err := f.Page.apply(q.Order("created_at DESC")).Find(&jobs).Error; err != nil {
		return nil, 0, translate(err, "list jobs")
	}
	return jobs, total, nil
}

func (s *Store) SaveJob(ctx context.Context, j *models.ProcessingJob) error {
	return translate(s.db.WithContext(ctx).Save(j).Error, "save job")
}

func (s *Store) ListScenes(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error) {
	var scenes []models.Scene
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("scene_index ASC").Find(&scenes).Error
	return scenes, translate(err, "list scenes")
}

// UpsertScenes writes scenes keyed by (job_id, scene_index). A reported scene
// replaces the detection fields but keeps any review decision already recorded.
func (s *Store) UpsertScenes(ctx context.Context, scenes []models.Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "scene_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"start_time", "end_time", "confidence", "text",
			"manual_review_required", "flagged_reason", "updated_at",
		}),
	}).Create(&scenes).Error
	return translate(err, "upsert scenes")
}

// SetSceneApproval records a review decision on the given scenes of a job.
// A non-empty reason is stored as the flagged reason. It returns the number of
// scenes updated.
func (s *Store) SetSceneApproval(ctx context.Context, jobID uuid.UUID, sceneIDs []uuid.UUID, approved bool, reason string) (int64, error) {
	if len(sceneIDs) == 0 {
		return 0, nil
	}
	updates := map[string]any{"user_approved": approved}
	if reason != "" {
		updates["flagged_reason"] = reason
	}
	res := s.db.WithContext(ctx).Model(&models.Scene{}).
		Where("job_id = ? AND id IN ?", jobID, sceneIDs).
		Updates(updates)
	return res.RowsAffected, translate(res.Error, "set scene approval")
}

// RejectedSceneIDs lists the ids of the job's rejected scenes in index order.
func (s *Store) RejectedSceneIDs(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Scene{}).
		Where("job_id = ? AND user_approved = ?", jobID, false).
		Order("scene_index ASC").
		Pluck("id", &ids).Error
	return ids, translate(err, "list rejected scenes")
}

// CountScenesAwaitingReview counts flagged scenes without a decision.
func (s *Store) CountScenesAwaitingReview(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Scene{}).
		Where("job_id = ? AND manual_review_required = ? AND user_approved IS NULL", jobID, true).
		Count(&n).Error
	return n, translate(err, "count scenes awaiting review")
}

// ApprovedSceneIDs lists the ids of the job's approved scenes in index order.
func (s *Store) ApprovedSceneIDs(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Scene{}).
		Where("job_id = ? AND user_approved = ?", jobID, true).
		Order("scene_index ASC").
		Pluck("id", &ids).Error
	return ids, translate(err, "list approved scenes")
}
