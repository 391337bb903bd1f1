package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recapflow/api-gateway/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := &config.Config{BackendURL: srv.URL, BackendAPIKey: "secret", BackendTimeout: 5 * time.Second}
	return NewClient(cfg, log)
}

func TestInitUpload(t *testing.T) {
	projectID := uuid.New()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uploads/init", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req InitUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, projectID, req.ProjectID)
		assert.Equal(t, int64(500<<20), req.FileSize)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"upload_id":"up-1","upload_url":"https://backend/upload/up-1","chunk_size":8388608,"expires_at":"2030-01-01T00:00:00Z"}`))
	}))

	sess, err := client.InitUpload(context.Background(), InitUploadRequest{
		ProjectID: projectID, FileType: "video", Filename: "movie.mp4", FileSize: 500 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "up-1", sess.UploadID)
	assert.Equal(t, int64(8<<20), sess.ChunkSize)
}

func TestInitUploadServerError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "drive unavailable", http.StatusServiceUnavailable)
	}))

	_, err := client.InitUpload(context.Background(), InitUploadRequest{FileType: "video", Filename: "a.mp4", FileSize: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackend)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestUploadDirectSendsMultipart(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uploads/direct", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "video", r.FormValue("file_type"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "movie.mp4", hdr.Filename)
		assert.Equal(t, "frames", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"file_type":"video","filename":"movie.mp4","file_path":"inputs/movie.mp4","file_size":6}`))
	}))

	asset, err := client.UploadDirect(context.Background(), DirectUpload{
		ProjectID: uuid.New(), FileType: "video", Filename: "movie.mp4",
		ContentType: "video/mp4", Size: 6, Body: strings.NewReader("frames"),
	})
	require.NoError(t, err)
	assert.Equal(t, "inputs/movie.mp4", asset.FilePath)
}

func TestGetUploadStatusNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.GetUploadStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelJobTreatsFinishedAsDelivered(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusConflict} {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/cancel"))
			w.WriteHeader(code)
		}))
		assert.NoError(t, client.CancelJob(context.Background(), uuid.New()))
	}

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	assert.ErrorIs(t, client.CancelJob(context.Background(), uuid.New()), ErrBackend)
}

func TestResumeJobSendsApprovedScenes(t *testing.T) {
	sceneID := uuid.New()
	jobID := uuid.New()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/"+jobID.String()+"/resume", r.URL.Path)
		var req ResumeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []uuid.UUID{sceneID}, req.ApprovedScenes)
		w.WriteHeader(http.StatusAccepted)
	}))

	require.NoError(t, client.ResumeJob(context.Background(), jobID, ResumeRequest{ApprovedScenes: []uuid.UUID{sceneID}}))
}
