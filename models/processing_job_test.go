package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"recapflow/api-gateway/models"
)

func newJob(status models.JobStatus) *models.ProcessingJob {
	return &models.ProcessingJob{
		Status:     status,
		MaxRetries: models.DefaultMaxRetries,
		Progress:   datatypes.NewJSONType(models.JobProgress{}),
	}
}

func TestProcessingJob_TransitionStampsTimes(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := newJob(models.JobStatusPending)

	require.NoError(t, job.Transition(models.JobStatusRunning, now))
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, now, *job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	later := now.Add(time.Minute)
	require.NoError(t, job.Transition(models.JobStatusManualReview, later))
	require.NoError(t, job.Transition(models.JobStatusRunning, later))
	assert.Equal(t, now, *job.StartedAt, "started_at is only set the first time")

	require.NoError(t, job.Transition(models.JobStatusCompleted, later))
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, later, *job.CompletedAt)
	assert.Equal(t, float64(100), job.Progress.Data().Percent)
}

func TestProcessingJob_TransitionRejectsIllegalEdges(t *testing.T) {
	now := time.Now()

	job := newJob(models.JobStatusCompleted)
	assert.ErrorIs(t, job.Transition(models.JobStatusRunning, now), models.ErrInvalidTransition)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	job = newJob(models.JobStatusFailed)
	assert.ErrorIs(t, job.Transition(models.JobStatusPending, now), models.ErrInvalidTransition, "pending is only reachable through Retry")

	job = newJob(models.JobStatusRunning)
	assert.NoError(t, job.Transition(models.JobStatusRunning, now), "repeating the current status is a no-op")
}

func TestProcessingJob_Retry(t *testing.T) {
	job := newJob(models.JobStatusFailed)
	msg := "boom"
	job.ErrorMessage = &msg

	for i := 1; i <= models.DefaultMaxRetries; i++ {
		require.NoError(t, job.Retry())
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Equal(t, i, job.RetryCount)
		assert.Nil(t, job.ErrorMessage)
		job.Status = models.JobStatusFailed
	}

	assert.ErrorIs(t, job.Retry(), models.ErrRetryExhausted)
	assert.Equal(t, models.DefaultMaxRetries, job.RetryCount)

	running := newJob(models.JobStatusRunning)
	assert.ErrorIs(t, running.Retry(), models.ErrInvalidTransition)
}

func TestProcessingJob_MergeProgressIsMonotonic(t *testing.T) {
	job := newJob(models.JobStatusRunning)

	job.MergeProgress(models.JobProgress{Percent: 40, Stage: "align"})
	job.MergeProgress(models.JobProgress{Percent: 25})
	assert.Equal(t, float64(40), job.Progress.Data().Percent)
	assert.Equal(t, "align", job.Progress.Data().Stage)

	job.MergeProgress(models.JobProgress{Percent: 180, Stage: "assemble"})
	assert.Equal(t, float64(100), job.Progress.Data().Percent)
	assert.Equal(t, "assemble", job.Progress.Data().Stage)
}

func TestProcessingJob_ApplyRetryCount(t *testing.T) {
	now := time.Now()

	job := newJob(models.JobStatusRunning)
	require.NoError(t, job.ApplyRetryCount(2, now))
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	require.NoError(t, job.ApplyRetryCount(models.DefaultMaxRetries+1, now))
	assert.Equal(t, models.DefaultMaxRetries, job.RetryCount)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
}

func TestProcessingJob_EstimatedCompletion(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	job := newJob(models.JobStatusRunning)
	job.StartedAt = &start
	job.MergeProgress(models.JobProgress{Percent: 50})

	eta := job.EstimatedCompletion(start.Add(10 * time.Minute))
	require.NotNil(t, eta)
	assert.Equal(t, start.Add(20*time.Minute), *eta)
	assert.Equal(t, 10*time.Minute, job.Runtime(start.Add(10*time.Minute)))

	pending := newJob(models.JobStatusPending)
	assert.Nil(t, pending.EstimatedCompletion(start))
}
