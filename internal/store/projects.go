package store

import (
	"context"

	"github.com/google/uuid"

	"recapflow/api-gateway/models"
)

// ProjectFilter narrows ListProjects.
type ProjectFilter struct {
	UserID *uuid.UUID
	Status string
	Page
}

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	return translate(s.db.WithContext(ctx).Create(p).Error, "create project")
}

func (s *Store) GetProject(ctx context.Context, tenantID, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, translate(err, "get project")
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context, tenantID uuid.UUID, f ProjectFilter) ([]models.Project, int64, error) {
	var (
		projects []models.Project
		total    int64
	)
	q := s.db.WithContext(ctx).Model(&models.Project{}).Where("tenant_id = ?", tenantID)
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count projects")
	}
	if err := f.Page.apply(q.Order("created_at DESC")).Find(&projects).Error; err != nil {
		return nil, 0, translate(err, "list projects")
	}
	return projects, total, nil
}

func (s *Store) SaveProject(ctx context.Context, p *models.Project) error {
	return translate(s.db.WithContext(ctx).Save(p).Error, "save project")
}

// DeleteProject removes the project; assets, jobs and sessions go with it by cascade.
func (s *Store) DeleteProject(ctx context.Context, tenantID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&models.Project{})
	if res.Error != nil {
		return translate(res.Error, "delete project")
	}
	if res.RowsAffected == 0 {
		return translate(ErrNotFound, "delete project")
	}
	return nil
}

// CreateAsset stores a, copying the tenant from its project so the two can never disagree.
func (s *Store) CreateAsset(ctx context.Context, a *models.Asset) error {
	var p models.Project
	if err := s.db.WithContext(ctx).Select("id", "tenant_id").First(&p, "id = ?", a.ProjectID).Error; err != nil {
		return translate(err, "create asset: load project")
	}
	a.TenantID = p.TenantID
	return translate(s.db.WithContext(ctx).Create(a).Error, "create asset")
}

func (s *Store) GetAsset(ctx context.Context, tenantID, id uuid.UUID) (*models.Asset, error) {
	var a models.Asset
	if err := s.db.WithContext(ctx).First(&a, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, translate(err, "get asset")
	}
	return &a, nil
}

func (s *Store) ListProjectAssets(ctx context.Context, tenantID, projectID uuid.UUID) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND project_id = ?", tenantID, projectID).
		Order("created_at ASC").
		Find(&assets).Error
	return assets, translate(err, "list project assets")
}

// GetAssets loads the assets with the given ids, preserving the order of ids.
// A missing id, or one owned by another tenant, yields ErrNotFound.
func (s *Store) GetAssets(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]models.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.Asset
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id IN ?", tenantID, ids).Find(&found).Error; err != nil {
		return nil, translate(err, "get assets")
	}
	byID := make(map[uuid.UUID]models.Asset, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	out := make([]models.Asset, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, translate(ErrNotFound, "get assets: "+id.String())
		}
		out = append(out, a)
	}
	return out, nil
}

// TenantStorageBytes sums the size of every asset the tenant owns.
func (s *Store) TenantStorageBytes(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	return total, translate(err, "sum tenant storage")
}

func (s *Store) CreateTranscript(ctx context.Context, t *models.Transcript) error {
	return translate(s.db.WithContext(ctx).Create(t).Error, "create transcript")
}

func (s *Store) ListTranscripts(ctx context.Context, tenantID, assetID uuid.UUID) ([]models.Transcript, error) {
	var ts []models.Transcript
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND asset_id = ?", tenantID, assetID).
		Order("created_at ASC").
		Find(&ts).Error
	return ts, translate(err, "list transcripts")
}

func (s *Store) CreateModeration(ctx context.Context, m *models.ContentModeration) error {
	return translate(s.db.WithContext(ctx).Create(m).Error, "create content moderation")
}

func (s *Store) ListModeration(ctx context.Context, tenantID, assetID uuid.UUID) ([]models.ContentModeration, error) {
	var ms []models.ContentModeration
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND asset_id = ?", tenantID, assetID).
		Order("created_at ASC").
		Find(&ms).Error
	return ms, translate(err, "list content moderation")
}

// AssetStats is the count and total size of one type of asset.
type AssetStats struct {
	Count          int64 `json:"count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// ProjectStats counts a project's assets by type and its jobs by status.
type ProjectStats struct {
	Assets map[string]AssetStats `json:"assets"`
	Jobs   map[string]int64      `json:"jobs"`
}

func (s *Store) GetProjectStats(ctx context.Context, tenantID, projectID uuid.UUID) (*ProjectStats, error) {
	stats := &ProjectStats{Assets: map[string]AssetStats{}, Jobs: map[string]int64{}}

	var assets []struct {
		Type      string
		Count     int64
		TotalSize int64
	}
	err := s.db.WithContext(ctx).Model(&models.Asset{}).
		Select("type, COUNT(*) AS count, COALESCE(SUM(size_bytes), 0) AS total_size").
		Where("project_id = ? AND tenant_id = ?", projectID, tenantID).
		Group("type").Scan(&assets).Error
	if err != nil {
		return nil, translate(err, "project asset stats")
	}
	for _, a := range assets {
		stats.Assets[a.Type] = AssetStats{Count: a.Count, TotalSizeBytes: a.TotalSize}
	}

	var jobs []struct {
		Status string
		Count  int64
	}
	err = s.db.WithContext(ctx).Model(&models.ProcessingJob{}).
		Select("status, COUNT(*) AS count").
		Where("project_id = ? AND tenant_id = ?", projectID, tenantID).
		Group("status").Scan(&jobs).Error
	if err != nil {
		return nil, translate(err, "project job stats")
	}
	for _, j := range jobs {
		stats.Jobs[j.Status] = j.Count
	}
	return stats, nil
}
