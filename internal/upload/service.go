// Package upload is the upload gateway. Small files go to the processing
// backend in one request; large files go through a resumable session the
// backend owns. A confirmed video upload registers its asset and queues the
// preprocess job in one transaction, so a failed upload never leaves a job behind.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/internal/metrics"
	"recapflow/api-gateway/internal/quota"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

// DefaultDirectThreshold is the size from which uploads must be resumable.
const DefaultDirectThreshold int64 = 100 * 1024 * 1024

var (
	ErrValidation       = errors.New("invalid upload")
	ErrTooLarge         = errors.New("file too large")
	ErrUploadFailed     = errors.New("upload failed")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSessionExpired   = errors.New("upload session expired")
	ErrSessionClosed    = errors.New("upload session is no longer open")
	// ErrQuotaExceeded is returned when the upload would exceed a tenant quota.
	ErrQuotaExceeded = quota.ErrExceeded
)

// Path is the way a file reaches the backend.
type Path string

const (
	PathDirect    Path = "direct"
	PathResumable Path = "resumable"
)

// Route picks the upload path for a file of size bytes.
func Route(size int64) Path {
	return RouteWith(size, DefaultDirectThreshold)
}

// RouteWith is Route with an explicit threshold.
func RouteWith(size, threshold int64) Path {
	if size < threshold {
		return PathDirect
	}
	return PathResumable
}

// Backend is the part of the processing backend uploads go through.
type Backend interface {
	InitUpload(ctx context.Context, req backend.InitUploadRequest) (*backend.UploadSession, error)
	CompleteUpload(ctx context.Context, uploadID, checksum string) (*backend.AssetDescriptor, error)
	UploadDirect(ctx context.Context, up backend.DirectUpload) (*backend.AssetDescriptor, error)
	GetUploadStatus(ctx context.Context, uploadID string) (*backend.UploadStatus, error)
}

var _ Backend = (*backend.Client)(nil)

type Service struct {
	store      *store.Store
	backend    Backend
	jobs       *jobs.Service
	rules      Rules
	threshold  int64
	chunkSize  int64
	sessionTTL time.Duration
	log        *logrus.Logger
	now        func() time.Time
}

func NewService(st *store.Store, be Backend, js *jobs.Service, cfg *config.Config, log *logrus.Logger) *Service {
	threshold := cfg.DirectUploadThreshold
	if threshold <= 0 {
		threshold = DefaultDirectThreshold
	}
	ttl := cfg.UploadSessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:      st,
		backend:    be,
		jobs:       js,
		rules:      RulesFromConfig(cfg),
		threshold:  threshold,
		chunkSize:  cfg.ResumableChunkSize,
		sessionTTL: ttl,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Route picks the upload path using the configured threshold.
func (s *Service) Route(size int64) Path {
	return RouteWith(size, s.threshold)
}

// Threshold is the configured direct upload limit.
func (s *Service) Threshold() int64 {
	return s.threshold
}

// InitRequest opens a resumable upload.
type InitRequest struct {
	ProjectID   uuid.UUID `json:"project_id" validate:"required"`
	FileType    string    `json:"file_type" validate:"required,oneof=video script"`
	Filename    string    `json:"filename" validate:"required,max=255"`
	FileSize    int64     `json:"file_size" validate:"required,gt=0"`
	ContentType string    `json:"content_type,omitempty" validate:"max=100"`
}

// Result is what a confirmed upload produced.
type Result struct {
	Asset *models.Asset         `json:"asset"`
	Job   *models.ProcessingJob `json:"job,omitempty"`
}

// Init validates the upload, opens a session on the backend and records it.
func (s *Service) Init(ctx context.Context, p *identity.Principal, req InitRequest) (*models.UploadSession, error) {
	name, err := s.rules.Validate(req.FileType, req.Filename, req.FileSize)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, p, req.ProjectID, req.FileType, req.FileSize); err != nil {
		return nil, err
	}

	remote, err := s.backend.InitUpload(ctx, backend.InitUploadRequest{
		ProjectID:   req.ProjectID,
		TenantID:    p.TenantID,
		FileType:    req.FileType,
		Filename:    name,
		FileSize:    req.FileSize,
		ContentType: req.ContentType,
	})
	if err != nil {
		metrics.RecordUpload(string(PathResumable), req.FileType, req.FileSize, err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	now := s.now()
	chunk := remote.ChunkSize
	if chunk <= 0 {
		chunk = s.chunkSize
	}
	expires := now.Add(s.sessionTTL)
	if !remote.ExpiresAt.IsZero() && remote.ExpiresAt.Before(expires) {
		expires = remote.ExpiresAt.UTC()
	}
	sess := &models.UploadSession{
		ProjectID: req.ProjectID,
		UserID:    p.UserID,
		UploadID:  remote.UploadID,
		UploadURL: remote.UploadURL,
		FileType:  req.FileType,
		Filename:  name,
		FileSize:  req.FileSize,
		ChunkSize: chunk,
		Status:    models.UploadStatusInitialized,
		ExpiresAt: expires,
	}
	if req.ContentType != "" {
		sess.ContentType = &req.ContentType
	}
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateUploadSession(ctx, sess); err != nil {
			return err
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     p.TenantID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceUpload,
			ResourceID:   sess.ID,
			Action:       "upload.initialized",
			Level:        models.LogLevelInfo,
			Message:      fmt.Sprintf("Resumable upload of %s opened", name),
			Details:      map[string]any{"upload_id": sess.UploadID, "file_size": sess.FileSize},
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"upload_id":  sess.UploadID,
		"project_id": sess.ProjectID,
		"tenant_id":  p.TenantID,
		"file_size":  sess.FileSize,
	}).Info("Upload session initialized")
	return sess, nil
}

// CompleteRequest finishes a resumable upload. Checksum is the client's sha256 of the file.
type CompleteRequest struct {
	Checksum string `json:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// Complete confirms a resumable upload with the backend and registers the asset.
func (s *Service) Complete(ctx context.Context, p *identity.Principal, uploadID string, req CompleteRequest) (*Result, error) {
	sess, err := s.store.GetUploadSession(ctx, p.TenantID, uploadID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case models.UploadStatusInitialized:
	case models.UploadStatusExpired:
		return nil, ErrSessionExpired
	default:
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, sess.Status)
	}
	if !s.now().Before(sess.ExpiresAt) {
		if err := s.closeSession(ctx, s.store, sess, models.UploadStatusExpired, nil); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	desc, err := s.backend.CompleteUpload(ctx, uploadID, req.Checksum)
	if err != nil {
		// The session stays open so the client can try again.
		metrics.RecordUpload(string(PathResumable), sess.FileType, sess.FileSize, err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if req.Checksum != "" && !strings.EqualFold(desc.Checksum, req.Checksum) {
		if err := s.closeSession(ctx, s.store, sess, models.UploadStatusFailed, nil); err != nil {
			return nil, err
		}
		s.auditFailure(ctx, p, sess.ID, "checksum mismatch", map[string]any{
			"upload_id": uploadID, "expected": req.Checksum, "actual": desc.Checksum,
		})
		metrics.RecordUpload(string(PathResumable), sess.FileType, sess.FileSize, ErrChecksumMismatch)
		return nil, fmt.Errorf("%w: backend stored %q", ErrChecksumMismatch, desc.Checksum)
	}

	if desc.Filename == "" {
		desc.Filename = sess.Filename
	}
	if desc.FileSize <= 0 {
		desc.FileSize = sess.FileSize
	}
	if desc.ContentType == "" && sess.ContentType != nil {
		desc.ContentType = *sess.ContentType
	}
	res, err := s.register(ctx, p, sess.ProjectID, sess.FileType, PathResumable, *desc, func(tx *store.Store, asset *models.Asset) error {
		return s.closeSession(ctx, tx, sess, models.UploadStatusCompleted, &asset.ID)
	})
	metrics.RecordUpload(string(PathResumable), sess.FileType, sess.FileSize, err)
	return res, err
}

// DirectRequest is a whole file sent through the gateway.
type DirectRequest struct {
	ProjectID uuid.UUID
	FileType  string
	Filename  string
	Size      int64
	Body      io.Reader
}

// Direct streams a small file to the backend and registers the asset. The
// content type is sniffed and the sha256 checksum computed on the way through.
func (s *Service) Direct(ctx context.Context, p *identity.Principal, req DirectRequest) (res *Result, err error) {
	defer func() {
		metrics.RecordUpload(string(PathDirect), req.FileType, req.Size, err)
	}()

	name, err := s.rules.Validate(req.FileType, req.Filename, req.Size)
	if err != nil {
		return nil, err
	}
	if s.Route(req.Size) != PathDirect {
		return nil, fmt.Errorf("%w: files of %d bytes or more must use a resumable upload", ErrTooLarge, s.threshold)
	}
	if err := s.admit(ctx, p, req.ProjectID, req.FileType, req.Size); err != nil {
		return nil, err
	}

	head := make([]byte, SniffLen)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read upload: %w", ErrValidation, err)
	}
	head = head[:n]
	contentType, err := SniffContentType(head, req.FileType)
	if err != nil {
		return nil, err
	}

	hash := sha256.New()
	counter := &countingWriter{}
	body := io.TeeReader(io.MultiReader(bytes.NewReader(head), req.Body), io.MultiWriter(hash, counter))

	desc, err := s.backend.UploadDirect(ctx, backend.DirectUpload{
		ProjectID:   req.ProjectID,
		TenantID:    p.TenantID,
		FileType:    req.FileType,
		Filename:    name,
		ContentType: contentType,
		Size:        req.Size,
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	if desc.Checksum != "" && !strings.EqualFold(desc.Checksum, sum) {
		return nil, fmt.Errorf("%w: sent %s, backend stored %s", ErrChecksumMismatch, sum, desc.Checksum)
	}

	desc.Checksum = sum
	if desc.Filename == "" {
		desc.Filename = name
	}
	if desc.ContentType == "" {
		desc.ContentType = contentType
	}
	if desc.FileSize <= 0 {
		desc.FileSize = counter.n
	}
	return s.register(ctx, p, req.ProjectID, req.FileType, PathDirect, *desc, nil)
}

// Status reports the backend's progress on one of the caller's upload sessions.
func (s *Service) Status(ctx context.Context, p *identity.Principal, uploadID string) (*backend.UploadStatus, error) {
	if _, err := s.store.GetUploadSession(ctx, p.TenantID, uploadID); err != nil {
		return nil, err
	}
	return s.backend.GetUploadStatus(ctx, uploadID)
}

// Session returns one of the caller's upload sessions.
func (s *Service) Session(ctx context.Context, p *identity.Principal, uploadID string) (*models.UploadSession, error) {
	return s.store.GetUploadSession(ctx, p.TenantID, uploadID)
}

// ExpireSessions marks open sessions past their deadline as expired.
func (s *Service) ExpireSessions(ctx context.Context) (int64, error) {
	return s.store.ExpireUploadSessions(ctx, s.now())
}

// admit checks the project and the tenant's quotas before any bytes move.
func (s *Service) admit(ctx context.Context, p *identity.Principal, projectID uuid.UUID, fileType string, size int64) error {
	if _, err := s.store.GetProject(ctx, p.TenantID, projectID); err != nil {
		return err
	}
	tenant, err := s.store.GetTenant(ctx, p.TenantID)
	if err != nil {
		return err
	}
	if err := quota.CheckStorage(ctx, s.store, tenant, size); err != nil {
		return err
	}
	if fileType != models.AssetTypeVideo {
		return nil
	}
	if err := quota.CheckJobs(ctx, s.store, tenant, s.now()); err != nil {
		return err
	}
	return quota.CheckProcessing(ctx, s.store, tenant, s.now())
}

// register records the uploaded asset and, for videos, queues its preprocess
// job. extra runs inside the same transaction.
func (s *Service) register(ctx context.Context, p *identity.Principal, projectID uuid.UUID, fileType string, path Path, desc backend.AssetDescriptor, extra func(tx *store.Store, asset *models.Asset) error) (*Result, error) {
	tenant, err := s.store.GetTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if desc.Metadata == nil {
		desc.Metadata = map[string]any{}
	}
	desc.Metadata["upload_method"] = string(path)

	res := &Result{}
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		asset, err := jobs.NewAsset(projectID, desc, fileType, models.AssetStatusUploaded)
		if err != nil {
			return err
		}
		if err := tx.CreateAsset(ctx, asset); err != nil {
			return err
		}
		res.Asset = asset

		if fileType == models.AssetTypeVideo {
			job, err := s.jobs.Enqueue(ctx, tx, tenant, jobs.Spec{
				ProjectID:   projectID,
				UserID:      &p.UserID,
				Type:        models.JobTypePreprocess,
				InputAssets: []uuid.UUID{asset.ID},
			})
			if err != nil {
				return err
			}
			res.Job = job
		}
		if err := tx.AddUsage(ctx, tenant.ID, models.Period(s.now()), store.UsageDelta{StorageBytes: asset.SizeBytes}); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx, asset); err != nil {
				return err
			}
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     tenant.ID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceAsset,
			ResourceID:   asset.ID,
			Action:       "upload.completed",
			Level:        models.LogLevelInfo,
			Message:      fmt.Sprintf("%s uploaded (%s)", asset.Filename, path),
			Details:      map[string]any{"size_bytes": asset.SizeBytes, "checksum": asset.Checksum},
		})
	})
	if err != nil {
		return nil, err
	}

	if res.Job != nil {
		s.jobs.RecordCreated(res.Job)
	}
	s.log.WithFields(logrus.Fields{
		"asset_id":   res.Asset.ID,
		"project_id": projectID,
		"tenant_id":  tenant.ID,
		"path":       path,
		"size_bytes": res.Asset.SizeBytes,
	}).Info("Upload registered")
	return res, nil
}

func (s *Service) auditFailure(ctx context.Context, p *identity.Principal, sessionID uuid.UUID, reason string, details map[string]any) {
	err := s.store.Audit(ctx, store.AuditEntry{
		TenantID:     p.TenantID,
		UserID:       &p.UserID,
		ResourceType: models.ResourceUpload,
		ResourceID:   sessionID,
		Action:       "upload.failed",
		Level:        models.LogLevelWarning,
		Message:      "Upload failed: " + reason,
		Details:      details,
	})
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Error("Failed to write upload audit log")
	}
}

// closeSession moves an open session to status. Only one request can close a
// session; the others get ErrSessionClosed.
func (s *Service) closeSession(ctx context.Context, st *store.Store, sess *models.UploadSession, status string, assetID *uuid.UUID) error {
	if err := st.TransitionUploadSession(ctx, sess.ID, status, assetID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sess.UploadID)
		}
		return err
	}
	sess.Status = status
	sess.AssetID = assetID
	return nil
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
