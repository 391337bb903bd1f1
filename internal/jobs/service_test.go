package jobs

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/quota"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/store/storetest"
	"recapflow/api-gateway/models"
)

type harness struct {
	svc   *Service
	store *store.Store
	fx    storetest.Fixture
	user  *identity.Principal
	video *models.Asset
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := storetest.New(t)
	fx := storetest.Seed(t, s, "default")

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := &config.Config{
		DefaultTrigger:    config.TriggerWorkflow,
		DefaultMaxRetries: 3,
		OutboxMaxAttempts: 8,
	}

	video := &models.Asset{ProjectID: fx.Project.ID, Type: models.AssetTypeVideo, Filename: "movie.mp4",
		StoragePath: "default/movie.mp4", SizeBytes: 10 * 1024 * 1024}
	require.NoError(t, s.CreateAsset(context.Background(), video))

	h := &harness{
		svc:   NewService(s, cfg, log),
		store: s,
		fx:    fx,
		user:  &identity.Principal{UserID: fx.User.ID, TenantID: fx.Tenant.ID, Roles: []string{models.RoleUser}},
		video: video,
		clock: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) create(t *testing.T) *models.ProcessingJob {
	t.Helper()
	job, err := h.svc.Create(context.Background(), h.user, CreateRequest{
		ProjectID:   h.fx.Project.ID,
		Type:        string(models.JobTypePreprocess),
		InputAssets: []uuid.UUID{h.video.ID},
	})
	require.NoError(t, err)
	return job
}

func (h *harness) callback(t *testing.T, jobID uuid.UUID, cb Callback) *models.ProcessingJob {
	t.Helper()
	job, err := h.svc.ApplyCallback(context.Background(), jobID, cb)
	require.NoError(t, err)
	return job
}

func progress(percent float64) *models.JobProgress {
	return &models.JobProgress{Percent: percent, Stage: "working"}
}

func outboxKinds(t *testing.T, s *store.Store, jobID uuid.UUID) map[models.OutboxKind][]string {
	t.Helper()
	msgs, err := s.ListJobOutbox(context.Background(), jobID)
	require.NoError(t, err)
	out := map[models.OutboxKind][]string{}
	for _, m := range msgs {
		out[m.Kind] = append(out[m.Kind], m.Status)
	}
	return out
}

func TestCreateWritesJobTriggerAndUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.create(t)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, h.fx.Tenant.ID, job.TenantID)
	assert.Equal(t, config.TriggerWorkflow, job.Trigger)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, []uuid.UUID{h.video.ID}, []uuid.UUID(job.InputAssets))

	assert.Equal(t, map[models.OutboxKind][]string{
		models.OutboxTriggerWorkflow: {models.OutboxPending},
	}, outboxKinds(t, h.store, job.ID))

	usage, err := h.store.GetUsage(ctx, h.fx.Tenant.ID, models.Period(h.clock))
	require.NoError(t, err)
	assert.Equal(t, 1, usage.JobsCount)

	logs, _, err := h.svc.Logs(ctx, h.fx.Tenant.ID, job.ID, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "job.created", logs[0].Action)
}

func TestCreateUsesTenantTrigger(t *testing.T) {
	h := newHarness(t)
	h.fx.Tenant.Settings = datatypes.NewJSONType(models.TenantSettings{Trigger: config.TriggerNotebook})
	require.NoError(t, h.store.SaveTenant(context.Background(), h.fx.Tenant))

	job := h.create(t)
	assert.Equal(t, config.TriggerNotebook, job.Trigger)
	assert.Contains(t, outboxKinds(t, h.store, job.ID), models.OutboxTriggerNotebook)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := storetest.Seed(t, h.store, "other")
	otherProject := &models.Project{TenantID: h.fx.Tenant.ID, UserID: h.fx.User.ID, Title: "Second"}
	require.NoError(t, h.store.CreateProject(ctx, otherProject))

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown type", CreateRequest{ProjectID: h.fx.Project.ID, Type: "transcode", InputAssets: []uuid.UUID{h.video.ID}}, ErrInvalidRequest},
		{"config not an object", CreateRequest{ProjectID: h.fx.Project.ID, Type: "align", InputAssets: []uuid.UUID{h.video.ID}, Config: json.RawMessage(`[1]`)}, ErrInvalidRequest},
		{"foreign project", CreateRequest{ProjectID: other.Project.ID, Type: "align", InputAssets: []uuid.UUID{h.video.ID}}, store.ErrNotFound},
		{"unknown asset", CreateRequest{ProjectID: h.fx.Project.ID, Type: "align", InputAssets: []uuid.UUID{uuid.New()}}, store.ErrNotFound},
		{"asset of another project", CreateRequest{ProjectID: otherProject.ID, Type: "align", InputAssets: []uuid.UUID{h.video.ID}}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, h.user, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	jobs, total, err := h.svc.List(ctx, h.fx.Tenant.ID, store.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestCreateRespectsJobQuota(t *testing.T) {
	h := newHarness(t)
	h.fx.Tenant.QuotaJobsPerMonth = 1
	require.NoError(t, h.store.SaveTenant(context.Background(), h.fx.Tenant))

	h.create(t)
	_, err := h.svc.Create(context.Background(), h.user, CreateRequest{
		ProjectID: h.fx.Project.ID, Type: "align", InputAssets: []uuid.UUID{h.video.ID},
	})
	assert.ErrorIs(t, err, quota.ErrExceeded)
}

func TestCreateRespectsProcessingQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fx.Tenant.QuotaProcessingHours = 1
	require.NoError(t, h.store.SaveTenant(ctx, h.fx.Tenant))

	h.create(t)
	require.NoError(t, h.store.AddUsage(ctx, h.fx.Tenant.ID, models.Period(h.clock), store.UsageDelta{ProcessingSeconds: 3600}))

	_, err := h.svc.Create(ctx, h.user, CreateRequest{
		ProjectID: h.fx.Project.ID, Type: "align", InputAssets: []uuid.UUID{h.video.ID},
	})
	assert.ErrorIs(t, err, quota.ErrExceeded)

	_, total, err := h.store.ListJobs(ctx, h.fx.Tenant.ID, store.JobFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestCancelPendingDiscardsTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	cancelled, err := h.svc.Cancel(ctx, h.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	assert.Equal(t, map[models.OutboxKind][]string{
		models.OutboxTriggerWorkflow: {models.OutboxDiscarded},
	}, outboxKinds(t, h.store, job.ID))

	due, err := h.store.ClaimDueOutbox(ctx, time.Now().Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)

	again, err := h.svc.Cancel(ctx, h.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, again.Status)
}

func TestCancelRunningRequestsBackendCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)
	h.callback(t, job.ID, Callback{Status: "running"})

	res, err := h.svc.Cancel(ctx, h.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, res.Status)
	assert.NotNil(t, res.CancelRequestedAt)

	_, err = h.svc.Cancel(ctx, h.user, job.ID)
	require.NoError(t, err)
	assert.Len(t, outboxKinds(t, h.store, job.ID)[models.OutboxBackendCancel], 1)

	report, err := h.svc.Progress(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	assert.True(t, report.CancelRequested)

	// The backend finishing first wins.
	done := h.callback(t, job.ID, Callback{Status: "completed"})
	assert.Equal(t, models.JobStatusCompleted, done.Status)
}

func TestCancelFinishedJobFails(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	h.callback(t, job.ID, Callback{Status: "running"})
	h.callback(t, job.ID, Callback{Status: "completed"})

	_, err := h.svc.Cancel(context.Background(), h.user, job.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancelHidesOtherTenantsJobs(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	other := storetest.Seed(t, h.store, "other")
	intruder := &identity.Principal{UserID: other.User.ID, TenantID: other.Tenant.ID}
	_, err := h.svc.Cancel(context.Background(), intruder, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallbackProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	h.callback(t, job.ID, Callback{Status: "running", Progress: progress(50)})
	report, err := h.svc.Progress(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, report.Status)
	assert.Equal(t, 50.0, report.Progress.Percent)

	h.clock = h.clock.Add(10 * time.Minute)
	h.callback(t, job.ID, Callback{Status: "running", Progress: progress(30)})

	report, err = h.svc.Progress(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, report.Progress.Percent)
	assert.Equal(t, 600.0, report.RuntimeSeconds)
	require.NotNil(t, report.EstimatedCompletion)
	assert.Equal(t, h.clock.Add(10*time.Minute), *report.EstimatedCompletion)
}

func TestCallbackCompletionRecordsUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	h.callback(t, job.ID, Callback{Status: "running"})
	h.clock = h.clock.Add(90 * time.Second)
	done := h.callback(t, job.ID, Callback{
		Status: "completed",
		OutputAssets: []backend.AssetDescriptor{
			{FileType: "output", Filename: "recap.mp4", FilePath: "default/out/recap.mp4", FileSize: 2048},
		},
	})
	assert.Equal(t, 100.0, done.Progress.Data().Percent)
	require.Len(t, done.OutputAssets, 1)

	asset, err := h.store.GetAsset(ctx, h.fx.Tenant.ID, done.OutputAssets[0])
	require.NoError(t, err)
	assert.Equal(t, models.AssetTypeOutput, asset.Type)
	assert.Equal(t, h.fx.Tenant.ID, asset.TenantID)

	// Repeating the report does not duplicate outputs.
	again := h.callback(t, job.ID, Callback{Status: "completed", OutputAssets: []backend.AssetDescriptor{
		{FileType: "output", Filename: "recap.mp4", FilePath: "default/out/recap.mp4", FileSize: 2048},
	}})
	assert.Len(t, again.OutputAssets, 1)

	usage, err := h.store.GetUsage(ctx, h.fx.Tenant.ID, models.Period(h.clock))
	require.NoError(t, err)
	assert.Equal(t, int64(90), usage.ProcessingSeconds)
}

func TestCallbackRejectsIllegalTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	_, err := h.svc.ApplyCallback(ctx, job.ID, Callback{Status: "completed", Progress: progress(80)})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	stored, err := h.svc.Get(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Zero(t, stored.Progress.Data().Percent)

	_, err = h.svc.ApplyCallback(ctx, job.ID, Callback{Status: "exploded"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.ApplyCallback(ctx, uuid.New(), Callback{Status: "running"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallbackFailureKeepsMessage(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	msg := "scene detection crashed"
	failed := h.callback(t, job.ID, Callback{Status: "failed", ErrorMessage: &msg})
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, msg, *failed.ErrorMessage)

	logs, _, err := h.svc.Logs(context.Background(), h.fx.Tenant.ID, job.ID, store.AuditFilter{Level: models.LogLevelError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "job.status_changed", logs[0].Action)
}

func TestRetryIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.cfg.DefaultMaxRetries = 1
	job := h.create(t)

	h.callback(t, job.ID, Callback{Status: "failed"})
	retried, err := h.svc.Retry(ctx, h.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.ErrorMessage)
	assert.Len(t, outboxKinds(t, h.store, job.ID)[models.OutboxTriggerWorkflow], 2)

	h.callback(t, job.ID, Callback{Status: "failed"})
	_, err = h.svc.Retry(ctx, h.user, job.ID)
	assert.ErrorIs(t, err, models.ErrRetryExhausted)

	stored, err := h.svc.Get(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, stored.RetryCount, stored.MaxRetries)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
}

func TestRetryCountPastLimitFailsJob(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)
	h.callback(t, job.ID, Callback{Status: "running"})

	count := 7
	failed := h.callback(t, job.ID, Callback{RetryCount: &count})
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, failed.MaxRetries, failed.RetryCount)
	assert.NotNil(t, failed.ErrorMessage)
}

func TestRetryRequiresFailedOrCancelled(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	_, err := h.svc.Act(context.Background(), h.user, job.ID, ActionRequest{Action: ActionRetry})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestManualReviewResumesWhenAllScenesDecided(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	h.callback(t, job.ID, Callback{Status: "running", Progress: progress(40)})
	h.callback(t, job.ID, Callback{Status: "manual_review", Scenes: []SceneReport{
		{SceneIndex: 0, StartTime: 0, EndTime: 4},
		{SceneIndex: 1, StartTime: 4, EndTime: 9, ManualReviewRequired: true},
		{SceneIndex: 2, StartTime: 9, EndTime: 15, ManualReviewRequired: true},
	}})

	scenes, err := h.svc.Scenes(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	require.Len(t, scenes, 3)

	res, err := h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionApproveScenes, SceneIDs: []uuid.UUID{scenes[1].ID}})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Empty(t, outboxKinds(t, h.store, job.ID)[models.OutboxBackendResume])

	res, err = h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionRejectScenes, SceneIDs: []uuid.UUID{scenes[2].ID}, Reason: "wrong character"})
	require.NoError(t, err)
	assert.True(t, res.Resumed)

	msgs, err := h.store.ListJobOutbox(ctx, job.ID)
	require.NoError(t, err)
	var resume *models.OutboxMessage
	for i := range msgs {
		if msgs[i].Kind == models.OutboxBackendResume {
			resume = &msgs[i]
		}
	}
	require.NotNil(t, resume)
	var req backend.ResumeRequest
	require.NoError(t, json.Unmarshal(resume.Payload, &req))
	assert.Equal(t, []uuid.UUID{scenes[1].ID}, req.ApprovedScenes)
	assert.Equal(t, []uuid.UUID{scenes[2].ID}, req.RejectedScenes)

	scenes, err = h.svc.Scenes(ctx, h.fx.Tenant.ID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, scenes[2].FlaggedReason)
	assert.Equal(t, "wrong character", *scenes[2].FlaggedReason)

	// The backend picks the job up again.
	resumed := h.callback(t, job.ID, Callback{Status: "running", Progress: progress(60)})
	assert.Equal(t, models.JobStatusRunning, resumed.Status)
}

func TestReviewValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	_, err := h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionApproveScenes, SceneIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	h.callback(t, job.ID, Callback{Status: "running"})
	h.callback(t, job.ID, Callback{Status: "manual_review", Scenes: []SceneReport{
		{SceneIndex: 0, StartTime: 0, EndTime: 4, ManualReviewRequired: true},
	}})

	_, err = h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionApproveScenes})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionApproveScenes, SceneIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionContinueProcessing})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAdjustSettingsMergesConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.svc.Create(ctx, h.user, CreateRequest{
		ProjectID:   h.fx.Project.ID,
		Type:        string(models.JobTypeAlign),
		InputAssets: []uuid.UUID{h.video.ID},
		Config:      json.RawMessage(`{"language":"en","threshold":0.4}`),
	})
	require.NoError(t, err)

	res, err := h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionAdjustSettings, Settings: map[string]any{"threshold": 0.7}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"language":"en","threshold":0.7}`, string(res.Job.Config))

	h.callback(t, job.ID, Callback{Status: "running"})
	_, err = h.svc.Act(ctx, h.user, job.ID, ActionRequest{Action: ActionAdjustSettings, Settings: map[string]any{"threshold": 0.9}})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCallbackRecordsTranscripts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t)

	conf := 0.93
	h.callback(t, job.ID, Callback{
		Status: "running",
		Transcripts: []TranscriptReport{{
			AssetID: h.video.ID, Language: "en", Text: "hello there", Confidence: &conf,
			Segments: []models.TranscriptSegment{{Text: "hello there", StartTime: 0, EndTime: 1.5}},
		}},
		Moderation: []ModerationReport{{AssetID: h.video.ID, Category: "violence", Severity: "low"}},
	})

	ts, err := h.store.ListTranscripts(ctx, h.fx.Tenant.ID, h.video.ID)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "hello there", ts[0].Text)
	assert.Len(t, ts[0].Segments, 1)

	mods, err := h.store.ListModeration(ctx, h.fx.Tenant.ID, h.video.ID)
	require.NoError(t, err)
	assert.Len(t, mods, 1)

	_, err = h.svc.ApplyCallback(ctx, job.ID, Callback{Transcripts: []TranscriptReport{{AssetID: uuid.New(), Language: "en"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestObservedStatusesFollowStateMachine(t *testing.T) {
	h := newHarness(t)
	job := h.create(t)

	reports := []string{"running", "running", "manual_review", "completed", "running", "failed"}
	observed := []models.JobStatus{job.Status}
	for _, st := range reports {
		got, err := h.svc.ApplyCallback(context.Background(), job.ID, Callback{Status: st})
		if err != nil {
			assert.ErrorIs(t, err, models.ErrInvalidTransition)
			continue
		}
		observed = append(observed, got.Status)
	}
	assert.True(t, followsStateMachine(observed), "observed %v", observed)
	assert.Equal(t, models.JobStatusFailed, observed[len(observed)-1])
}

// followsStateMachine reports whether seq walks the transition table from pending.
// Repeated statuses are progress updates.
func followsStateMachine(seq []models.JobStatus) bool {
	if len(seq) == 0 {
		return true
	}
	if seq[0] != models.JobStatusPending {
		return false
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] != seq[i-1] && !seq[i-1].CanTransitionTo(seq[i]) {
			return false
		}
	}
	return true
}
