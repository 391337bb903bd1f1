// Package backend is the HTTP client of the external processing backend: upload
// sessions, direct uploads and job control calls.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/breaker"
)

var (
	// ErrBackend reports that the backend could not serve a request.
	ErrBackend = errors.New("processing backend error")
	// ErrNotFound reports a 404 from the backend.
	ErrNotFound = errors.New("not found on processing backend")
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	if target == ErrNotFound {
		return e.Code == http.StatusNotFound
	}
	return target == ErrBackend
}

// InitUploadRequest opens a resumable upload session.
type InitUploadRequest struct {
	ProjectID   uuid.UUID `json:"project_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	FileType    string    `json:"file_type"`
	Filename    string    `json:"filename"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type,omitempty"`
}

// UploadSession is the backend's reply to InitUpload.
type UploadSession struct {
	UploadID  string    `json:"upload_id"`
	UploadURL string    `json:"upload_url"`
	ChunkSize int64     `json:"chunk_size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AssetDescriptor describes a file the backend has stored.
type AssetDescriptor struct {
	ProjectID       string         `json:"project_id,omitempty"`
	FileType        string         `json:"file_type"`
	Filename        string         `json:"filename"`
	FilePath        string         `json:"file_path"`
	ContentType     string         `json:"content_type,omitempty"`
	FileSize        int64          `json:"file_size"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Checksum        string         `json:"checksum,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// UploadStatus is the backend's view of an upload session.
type UploadStatus struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// DirectUpload is a whole file sent in one multipart request.
type DirectUpload struct {
	ProjectID   uuid.UUID
	TenantID    uuid.UUID
	FileType    string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Client talks to the processing backend.
type Client struct {
	http    *resty.Client
	breaker *breaker.Breaker
	log     *logrus.Logger
}

// NewClient creates a resty-backed client for cfg.BackendURL.
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BackendURL).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.BackendTimeout)
	if cfg.BackendAPIKey != "" {
		httpClient.SetAuthToken(cfg.BackendAPIKey)
	}
	return &Client{
		http:    httpClient,
		breaker: breaker.New("processing-backend", breaker.DefaultSettings(), log),
		log:     log,
	}
}

// do sends req through the breaker. Only transport errors and 5xx replies count
// against the breaker; any non-2xx reply is returned as a *StatusError.
func (c *Client) do(op string, send func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := c.breaker.Do(func() (*resty.Response, error) {
		resp, err := send()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, &StatusError{Op: op, Code: resp.StatusCode(), Body: resp.String()}
		}
		return resp, nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
	}
	if resp.IsError() {
		return nil, &StatusError{Op: op, Code: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

// InitUpload opens a resumable upload session on the backend.
func (c *Client) InitUpload(ctx context.Context, req InitUploadRequest) (*UploadSession, error) {
	var out UploadSession
	_, err := c.do("init upload", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&out).
			Post("/uploads/init")
	})
	if err != nil {
		return nil, err
	}
	if out.UploadID == "" || out.UploadURL == "" {
		return nil, fmt.Errorf("init upload: %w: incomplete session in reply", ErrBackend)
	}
	return &out, nil
}

// CompleteUpload finalizes a resumable upload and returns the stored asset.
func (c *Client) CompleteUpload(ctx context.Context, uploadID, checksum string) (*AssetDescriptor, error) {
	var out AssetDescriptor
	body := map[string]string{}
	if checksum != "" {
		body["checksum"] = checksum
	}
	_, err := c.do("complete upload", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("uploadID", uploadID).
			SetBody(body).
			SetResult(&out).
			Post("/uploads/{uploadID}/complete")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadDirect sends a small file to the backend in one request.
func (c *Client) UploadDirect(ctx context.Context, up DirectUpload) (*AssetDescriptor, error) {
	var out AssetDescriptor
	_, err := c.do("direct upload", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"project_id": up.ProjectID.String(),
				"tenant_id":  up.TenantID.String(),
				"file_type":  up.FileType,
				"file_size":  strconv.FormatInt(up.Size, 10),
			}).
			SetMultipartField("file", up.Filename, up.ContentType, up.Body).
			SetResult(&out).
			Post("/uploads/direct")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUploadStatus fetches the backend's progress for an upload session.
func (c *Client) GetUploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error) {
	var out UploadStatus
	_, err := c.do("upload status", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("uploadID", uploadID).
			SetResult(&out).
			Get("/uploads/{uploadID}/status")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob asks the backend to stop a running job. A 404 or 409 means the job
// already finished on the backend side and is not an error.
func (c *Client) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := c.do("cancel job", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("jobID", jobID.String()).
			Post("/jobs/{jobID}/cancel")
	})
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusConflict) {
		c.log.WithFields(logrus.Fields{
			"job_id": jobID,
			"code":   se.Code,
		}).Info("Backend reports job already finished, cancel treated as delivered")
		return nil
	}
	return err
}

// ResumeRequest tells the backend which scenes survived manual review.
type ResumeRequest struct {
	ApprovedScenes []uuid.UUID `json:"approved_scenes"`
	RejectedScenes []uuid.UUID `json:"rejected_scenes,omitempty"`
}

// ResumeJob resumes a job held in manual review.
func (c *Client) ResumeJob(ctx context.Context, jobID uuid.UUID, req ResumeRequest) error {
	_, err := c.do("resume job", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("jobID", jobID.String()).
			SetBody(req).
			Post("/jobs/{jobID}/resume")
	})
	return err
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}
