package outbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/store/storetest"
	"recapflow/api-gateway/internal/trigger"
	"recapflow/api-gateway/models"
)

type fakeSender struct {
	mu     sync.Mutex
	events []trigger.Event
	SendFn func(ev trigger.Event) error
}

func (f *fakeSender) Send(_ context.Context, ev trigger.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.SendFn != nil {
		return f.SendFn(ev)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeController struct {
	cancelled []uuid.UUID
	resumed   []backend.ResumeRequest
	CancelFn  func() error
}

func (f *fakeController) CancelJob(_ context.Context, jobID uuid.UUID) error {
	f.cancelled = append(f.cancelled, jobID)
	if f.CancelFn != nil {
		return f.CancelFn()
	}
	return nil
}

func (f *fakeController) ResumeJob(_ context.Context, _ uuid.UUID, req backend.ResumeRequest) error {
	f.resumed = append(f.resumed, req)
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testOptions() Options {
	return Options{Workers: 2, BatchSize: 10, PollInterval: 10 * time.Millisecond,
		InitialBackoff: time.Second, MaxBackoff: time.Minute, Lease: time.Minute}
}

func createJob(t *testing.T, s *store.Store, f storetest.Fixture, trig string) (*models.ProcessingJob, *models.OutboxMessage) {
	t.Helper()
	ctx := context.Background()
	job := &models.ProcessingJob{ProjectID: f.Project.ID, Type: models.JobTypePreprocess, Trigger: trig}
	var msg *models.OutboxMessage
	require.NoError(t, s.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		var err error
		msg, err = NewTriggerMessage(job, 3)
		if err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, msg)
	}))
	return job, msg
}

func TestRelayDeliversTrigger(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s, "alpha")
	job, msg := createJob(t, s, f, "workflow")

	workflow := &fakeSender{}
	notebook := &fakeSender{}
	relay := NewRelay(s, workflow, notebook, &fakeController{}, testOptions(), quietLogger())

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, workflow.count())
	assert.Equal(t, 0, notebook.count())
	assert.Equal(t, job.ID, workflow.events[0].JobID)
	assert.Equal(t, "preprocess", workflow.events[0].JobType)

	stored, err := s.GetOutbox(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxDelivered, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotNil(t, stored.DeliveredAt)
}

func TestRelayRoutesNotebookTrigger(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s, "alpha")
	createJob(t, s, f, "notebook")

	workflow := &fakeSender{}
	notebook := &fakeSender{}
	relay := NewRelay(s, workflow, notebook, nil, testOptions(), quietLogger())

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, workflow.count())
	assert.Equal(t, 1, notebook.count())
}

func TestRelayRetriesThenDeadLetters(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	job, msg := createJob(t, s, f, "workflow")

	workflow := &fakeSender{SendFn: func(trigger.Event) error { return errors.New("connection refused") }}
	relay := NewRelay(s, workflow, nil, nil, testOptions(), quietLogger())

	clock := time.Now().UTC()
	relay.now = func() time.Time { return clock }

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)

		stored, err := s.GetOutbox(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.Attempts)
		require.NotNil(t, stored.LastError)
		assert.Contains(t, *stored.LastError, "connection refused")

		if attempt < 3 {
			assert.Equal(t, models.OutboxPending, stored.Status)
			assert.True(t, stored.NextAttemptAt.After(clock), "next attempt is scheduled in the future")
		} else {
			assert.Equal(t, models.OutboxDead, stored.Status)
		}
		clock = clock.Add(time.Hour)
	}

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead messages are not retried")

	logs, _, err := s.ListAuditLogs(ctx, f.Tenant.ID, models.ResourceJob, job.ID, store.AuditFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogLevelError, logs[len(logs)-1].Level)
	assert.Equal(t, "outbox.dead", logs[len(logs)-1].Action)
}

func TestRelayDiscardsTriggerOfCancelledJob(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	job, msg := createJob(t, s, f, "workflow")

	job.Status = models.JobStatusCancelled
	require.NoError(t, s.SaveJob(ctx, job))

	workflow := &fakeSender{}
	relay := NewRelay(s, workflow, nil, nil, testOptions(), quietLogger())
	_, err := relay.RunOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, workflow.count())
	stored, err := s.GetOutbox(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxDiscarded, stored.Status)
}

func TestRelayCancelsJobWithdrawnDuringTrigger(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	job, msg := createJob(t, s, f, "workflow")

	// The user cancels while the trigger request is on the wire.
	workflow := &fakeSender{SendFn: func(trigger.Event) error {
		job.Status = models.JobStatusCancelled
		require.NoError(t, s.SaveJob(ctx, job))
		_ = s.MarkOutboxDiscarded(ctx, msg.ID, "job cancelled")
		return nil
	}}
	ctrl := &fakeController{}
	relay := NewRelay(s, workflow, nil, ctrl, testOptions(), quietLogger())

	_, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, workflow.count())

	kinds := map[models.OutboxKind]int{}
	msgs, err := s.ListJobOutbox(ctx, job.ID)
	require.NoError(t, err)
	for _, m := range msgs {
		kinds[m.Kind]++
	}
	assert.Equal(t, 1, kinds[models.OutboxBackendCancel])

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{job.ID}, ctrl.cancelled)
	assert.Equal(t, 1, workflow.count())
}

func TestRelayBackendControlMessages(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	job, _ := createJob(t, s, f, "workflow")

	sceneID := uuid.New()
	cancelMsg, err := NewCancelMessage(job, 3)
	require.NoError(t, err)
	resumeMsg, err := NewResumeMessage(job, backend.ResumeRequest{ApprovedScenes: []uuid.UUID{sceneID}}, 3)
	require.NoError(t, err)
	require.NoError(t, s.EnqueueOutbox(ctx, cancelMsg))
	require.NoError(t, s.EnqueueOutbox(ctx, resumeMsg))

	ctrl := &fakeController{}
	relay := NewRelay(s, &fakeSender{}, nil, ctrl, testOptions(), quietLogger())
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []uuid.UUID{job.ID}, ctrl.cancelled)
	require.Len(t, ctrl.resumed, 1)
	assert.Equal(t, []uuid.UUID{sceneID}, ctrl.resumed[0].ApprovedScenes)
}

func TestNextDelayGrowsAndCaps(t *testing.T) {
	relay := NewRelay(nil, nil, nil, nil, Options{InitialBackoff: 2 * time.Second, MaxBackoff: 10 * time.Minute}, quietLogger())

	first := relay.NextDelay(1)
	assert.InDelta(t, float64(2*time.Second), float64(first), float64(400*time.Millisecond))

	third := relay.NextDelay(3)
	assert.InDelta(t, float64(8*time.Second), float64(third), float64(1600*time.Millisecond))

	capped := relay.NextDelay(30)
	assert.LessOrEqual(t, capped, 12*time.Minute)
	assert.GreaterOrEqual(t, capped, 8*time.Minute)
}

func TestRelayRunProcessesInBackground(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s, "alpha")
	createJob(t, s, f, "workflow")

	workflow := &fakeSender{}
	relay := NewRelay(s, workflow, nil, nil, testOptions(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	assert.Eventually(t, func() bool { return workflow.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
