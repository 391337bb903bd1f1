package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/store/storetest"
	"recapflow/api-gateway/models"
)

type fakeBackend struct {
	InitFn     func(req backend.InitUploadRequest) (*backend.UploadSession, error)
	CompleteFn func(uploadID, checksum string) (*backend.AssetDescriptor, error)
	DirectFn   func(up backend.DirectUpload, body []byte) (*backend.AssetDescriptor, error)
	StatusFn   func(uploadID string) (*backend.UploadStatus, error)

	directCalls int
}

func (f *fakeBackend) InitUpload(_ context.Context, req backend.InitUploadRequest) (*backend.UploadSession, error) {
	return f.InitFn(req)
}

func (f *fakeBackend) CompleteUpload(_ context.Context, uploadID, checksum string) (*backend.AssetDescriptor, error) {
	return f.CompleteFn(uploadID, checksum)
}

func (f *fakeBackend) UploadDirect(_ context.Context, up backend.DirectUpload) (*backend.AssetDescriptor, error) {
	f.directCalls++
	body, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, err
	}
	return f.DirectFn(up, body)
}

func (f *fakeBackend) GetUploadStatus(_ context.Context, uploadID string) (*backend.UploadStatus, error) {
	return f.StatusFn(uploadID)
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultTrigger:          config.TriggerWorkflow,
		DefaultMaxRetries:       3,
		OutboxMaxAttempts:       8,
		DirectUploadThreshold:   100 * config.MiB,
		MaxUploadSize:           12 * config.GiB,
		MaxScriptSize:           config.GiB,
		ResumableChunkSize:      8 * config.MiB,
		UploadSessionTTL:        24 * time.Hour,
		AllowedVideoExtensions:  []string{".mp4", ".avi", ".mkv", ".mov", ".wmv", ".flv"},
		AllowedScriptExtensions: []string{".txt", ".doc", ".docx", ".pdf"},
	}
}

type harness struct {
	svc     *Service
	store   *store.Store
	fx      storetest.Fixture
	user    *identity.Principal
	backend *fakeBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := storetest.New(t)
	fx := storetest.Seed(t, s, "default")
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := testConfig()

	fb := &fakeBackend{}
	return &harness{
		svc:     NewService(s, fb, jobs.NewService(s, cfg, log), cfg, log),
		store:   s,
		fx:      fx,
		user:    &identity.Principal{UserID: fx.User.ID, TenantID: fx.Tenant.ID},
		backend: fb,
	}
}

// mp4Bytes returns size bytes that sniff as an MP4 container.
func mp4Bytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm',
		0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'})
	return data
}

func (h *harness) countJobs(t *testing.T) int64 {
	t.Helper()
	_, total, err := h.store.ListJobs(context.Background(), h.fx.Tenant.ID, store.JobFilter{})
	require.NoError(t, err)
	return total
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want Path
	}{
		{"50MB goes direct", 50 * 1000 * 1000, PathDirect},
		{"500MB goes resumable", 500 * 1000 * 1000, PathResumable},
		{"one byte below threshold", DefaultDirectThreshold - 1, PathDirect},
		{"threshold itself", DefaultDirectThreshold, PathResumable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.size))
		})
	}
	assert.Equal(t, PathResumable, RouteWith(10, 10))
}

func TestRulesValidate(t *testing.T) {
	rules := RulesFromConfig(testConfig())
	tests := []struct {
		name     string
		fileType string
		filename string
		size     int64
		want     error
	}{
		{"video ok", "video", " movie.MP4 ", 1024, nil},
		{"script ok", "script", "script.docx", 1024, nil},
		{"unknown type", "audio", "song.mp3", 1024, ErrValidation},
		{"wrong video extension", "video", "movie.txt", 1024, ErrValidation},
		{"wrong script extension", "script", "script.mp4", 1024, ErrValidation},
		{"empty filename", "video", "  ", 1024, ErrValidation},
		{"path traversal", "video", "../movie.mp4", 1024, ErrValidation},
		{"separator", "video", "dir/movie.mp4", 1024, ErrValidation},
		{"reserved character", "video", "mo*vie.mp4", 1024, ErrValidation},
		{"zero size", "video", "movie.mp4", 0, ErrValidation},
		{"over max size", "video", "movie.mp4", 13 * config.GiB, ErrTooLarge},
		{"script over its limit", "script", "script.pdf", 2 * config.GiB, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, err := rules.Validate(tt.fileType, tt.filename, tt.size)
			if tt.want == nil {
				require.NoError(t, err)
				assert.NotContains(t, name, " ")
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSniffContentType(t *testing.T) {
	ct, err := SniffContentType(mp4Bytes(64), "video")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", ct)

	ct, err = SniffContentType([]byte("INT. APARTMENT - NIGHT\nA door creaks open."), "script")
	require.NoError(t, err)
	assert.Contains(t, ct, "text/plain")

	_, err = SniffContentType([]byte("just some text"), "video")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDirectUploadCreatesAssetAndJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := mp4Bytes(10 * 1024 * 1024)
	sum := sha256.Sum256(data)

	h.backend.DirectFn = func(up backend.DirectUpload, body []byte) (*backend.AssetDescriptor, error) {
		assert.Equal(t, "video/mp4", up.ContentType)
		assert.Equal(t, h.fx.Tenant.ID, up.TenantID)
		assert.Equal(t, len(data), len(body))
		return &backend.AssetDescriptor{FileType: "video", Filename: up.Filename, FilePath: "inputs/movie.mp4", FileSize: int64(len(body))}, nil
	}

	res, err := h.svc.Direct(ctx, h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "movie.mp4",
		Size: int64(len(data)), Body: bytes.NewReader(data),
	})
	require.NoError(t, err)

	require.NotNil(t, res.Asset)
	assert.Equal(t, h.fx.Tenant.ID, res.Asset.TenantID)
	require.NotNil(t, res.Asset.Checksum)
	assert.Equal(t, hex.EncodeToString(sum[:]), *res.Asset.Checksum)
	assert.JSONEq(t, `{"upload_method":"direct"}`, string(res.Asset.Metadata))

	require.NotNil(t, res.Job)
	assert.Equal(t, models.JobStatusPending, res.Job.Status)
	assert.Equal(t, models.JobTypePreprocess, res.Job.Type)
	assert.Equal(t, []uuid.UUID{res.Asset.ID}, []uuid.UUID(res.Job.InputAssets))
	assert.EqualValues(t, 1, h.countJobs(t))

	usage, err := h.store.GetUsage(ctx, h.fx.Tenant.ID, models.Period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), usage.StorageBytes)
	assert.Equal(t, 1, usage.JobsCount)
}

func TestDirectScriptCreatesNoJob(t *testing.T) {
	h := newHarness(t)
	h.backend.DirectFn = func(up backend.DirectUpload, body []byte) (*backend.AssetDescriptor, error) {
		return &backend.AssetDescriptor{FileType: "script", Filename: up.Filename, FilePath: "inputs/script.txt", FileSize: int64(len(body))}, nil
	}
	text := []byte("FADE IN:\nThe hero arrives.\n")
	res, err := h.svc.Direct(context.Background(), h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "script", Filename: "script.txt",
		Size: int64(len(text)), Body: bytes.NewReader(text),
	})
	require.NoError(t, err)
	assert.Equal(t, models.AssetTypeScript, res.Asset.Type)
	assert.Nil(t, res.Job)
	assert.Zero(t, h.countJobs(t))
}

func TestDirectUploadRejections(t *testing.T) {
	h := newHarness(t)
	h.backend.DirectFn = func(backend.DirectUpload, []byte) (*backend.AssetDescriptor, error) {
		t.Fatal("backend must not be called")
		return nil, nil
	}
	ctx := context.Background()

	_, err := h.svc.Direct(ctx, h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "big.mp4",
		Size: 100 * config.MiB, Body: bytes.NewReader(nil),
	})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = h.svc.Direct(ctx, h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "fake.mp4",
		Size: 14, Body: bytes.NewReader([]byte("not a video!!!")),
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Direct(ctx, h.user, DirectRequest{
		ProjectID: uuid.New(), FileType: "video", Filename: "movie.mp4",
		Size: 64, Body: bytes.NewReader(mp4Bytes(64)),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.fx.Tenant.QuotaStorageBytes = 10
	require.NoError(t, h.store.SaveTenant(ctx, h.fx.Tenant))
	_, err = h.svc.Direct(ctx, h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "movie.mp4",
		Size: 64, Body: bytes.NewReader(mp4Bytes(64)),
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	h.fx.Tenant.QuotaStorageBytes = config.GiB
	h.fx.Tenant.QuotaProcessingHours = 1
	require.NoError(t, h.store.SaveTenant(ctx, h.fx.Tenant))
	require.NoError(t, h.store.AddUsage(ctx, h.fx.Tenant.ID, models.Period(time.Now().UTC()), store.UsageDelta{ProcessingSeconds: 3600}))
	_, err = h.svc.Direct(ctx, h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "movie.mp4",
		Size: 64, Body: bytes.NewReader(mp4Bytes(64)),
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	assert.Zero(t, h.backend.directCalls)
	assert.Zero(t, h.countJobs(t))
}

func TestDirectBackendFailureLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.backend.DirectFn = func(backend.DirectUpload, []byte) (*backend.AssetDescriptor, error) {
		return nil, &backend.StatusError{Op: "direct upload", Code: 503, Body: "unavailable"}
	}

	_, err := h.svc.Direct(context.Background(), h.user, DirectRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "movie.mp4",
		Size: 64, Body: bytes.NewReader(mp4Bytes(64)),
	})
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, backend.ErrBackend)
	assert.Zero(t, h.countJobs(t))

	assets, err := h.store.ListProjectAssets(context.Background(), h.fx.Tenant.ID, h.fx.Project.ID)
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func (h *harness) initSession(t *testing.T, size int64) *models.UploadSession {
	t.Helper()
	h.backend.InitFn = func(req backend.InitUploadRequest) (*backend.UploadSession, error) {
		assert.Equal(t, "movie.mkv", req.Filename)
		return &backend.UploadSession{UploadID: "up-1", UploadURL: "https://backend.example/uploads/up-1"}, nil
	}
	sess, err := h.svc.Init(context.Background(), h.user, InitRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "movie.mkv", FileSize: size,
	})
	require.NoError(t, err)
	return sess
}

func TestResumableUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	size := int64(500 * 1000 * 1000)
	require.Equal(t, PathResumable, h.svc.Route(size))

	sess := h.initSession(t, size)
	assert.Equal(t, models.UploadStatusInitialized, sess.Status)
	assert.Equal(t, 8*config.MiB, sess.ChunkSize)
	assert.Equal(t, h.fx.Tenant.ID, sess.TenantID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), sess.ExpiresAt, time.Minute)

	h.backend.StatusFn = func(id string) (*backend.UploadStatus, error) {
		return &backend.UploadStatus{Status: "uploading", Progress: 42}, nil
	}
	st, err := h.svc.Status(ctx, h.user, "up-1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, st.Progress)

	checksum := hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32))
	h.backend.CompleteFn = func(id, sum string) (*backend.AssetDescriptor, error) {
		assert.Equal(t, checksum, sum)
		return &backend.AssetDescriptor{FileType: "video", Filename: "movie.mkv", FilePath: "inputs/movie.mkv",
			FileSize: size, Checksum: checksum}, nil
	}
	res, err := h.svc.Complete(ctx, h.user, "up-1", CompleteRequest{Checksum: checksum})
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.JobStatusPending, res.Job.Status)

	stored, err := h.svc.Session(ctx, h.user, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, stored.Status)
	require.NotNil(t, stored.AssetID)
	assert.Equal(t, res.Asset.ID, *stored.AssetID)

	_, err = h.svc.Complete(ctx, h.user, "up-1", CompleteRequest{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestConcurrentCompleteRegistersOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, 500*config.MiB)

	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	h.backend.CompleteFn = func(string, string) (*backend.AssetDescriptor, error) {
		arrived.Done()
		<-release
		return &backend.AssetDescriptor{FileType: "video", Filename: "movie.mkv", FilePath: "inputs/movie.mkv",
			FileSize: 500 * config.MiB}, nil
	}

	errs := make([]error, 2)
	var done sync.WaitGroup
	for i := range errs {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			_, errs[i] = h.svc.Complete(ctx, h.user, "up-1", CompleteRequest{})
		}(i)
	}
	arrived.Wait()
	close(release)
	done.Wait()

	var closed int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrSessionClosed)
			closed++
		}
	}
	assert.Equal(t, 1, closed)
	assert.EqualValues(t, 1, h.countJobs(t))

	usage, err := h.store.GetUsage(ctx, h.fx.Tenant.ID, models.Period(time.Now().UTC()))
	require.NoError(t, err)
	assert.EqualValues(t, 1, usage.JobsCount)
	assert.EqualValues(t, 500*config.MiB, usage.StorageBytes)
}

func TestInitBackendFailureCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.backend.InitFn = func(backend.InitUploadRequest) (*backend.UploadSession, error) {
		return nil, errors.Join(backend.ErrBackend, errors.New("connection refused"))
	}
	_, err := h.svc.Init(context.Background(), h.user, InitRequest{
		ProjectID: h.fx.Project.ID, FileType: "video", Filename: "movie.mkv", FileSize: 500 * config.MiB,
	})
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Zero(t, h.countJobs(t))

	_, err = h.svc.Session(context.Background(), h.user, "up-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteBackendFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, 500*config.MiB)

	h.backend.CompleteFn = func(string, string) (*backend.AssetDescriptor, error) {
		return nil, &backend.StatusError{Op: "complete upload", Code: 502}
	}
	_, err := h.svc.Complete(ctx, h.user, "up-1", CompleteRequest{})
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Zero(t, h.countJobs(t))

	stored, err := h.svc.Session(ctx, h.user, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusInitialized, stored.Status)
}

func TestCompleteChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, 500*config.MiB)

	h.backend.CompleteFn = func(string, string) (*backend.AssetDescriptor, error) {
		return &backend.AssetDescriptor{FileType: "video", Filename: "movie.mkv", FilePath: "inputs/movie.mkv",
			Checksum: hex.EncodeToString(bytes.Repeat([]byte{0x01}, 32))}, nil
	}
	_, err := h.svc.Complete(ctx, h.user, "up-1", CompleteRequest{Checksum: hex.EncodeToString(bytes.Repeat([]byte{0x02}, 32))})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Zero(t, h.countJobs(t))

	stored, err := h.svc.Session(ctx, h.user, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, stored.Status)
}

func TestCompleteExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, 500*config.MiB)

	h.svc.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	_, err := h.svc.Complete(ctx, h.user, "up-1", CompleteRequest{})
	assert.ErrorIs(t, err, ErrSessionExpired)

	stored, err := h.svc.Session(ctx, h.user, "up-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusExpired, stored.Status)
}

func TestExpireSessions(t *testing.T) {
	h := newHarness(t)
	h.initSession(t, 500*config.MiB)

	n, err := h.svc.ExpireSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.svc.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	n, err = h.svc.ExpireSessions(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSessionsAreTenantScoped(t *testing.T) {
	h := newHarness(t)
	h.initSession(t, 500*config.MiB)

	other := storetest.Seed(t, h.store, "other")
	intruder := &identity.Principal{UserID: other.User.ID, TenantID: other.Tenant.ID}
	_, err := h.svc.Status(context.Background(), intruder, "up-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
