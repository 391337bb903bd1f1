package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"recapflow/api-gateway/models"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   models.JobStatus
		expected bool
	}{
		{"pending is not terminal", models.JobStatusPending, false},
		{"running is not terminal", models.JobStatusRunning, false},
		{"manual_review is not terminal", models.JobStatusManualReview, false},
		{"completed is terminal", models.JobStatusCompleted, true},
		{"failed is terminal", models.JobStatusFailed, true},
		{"cancelled is terminal", models.JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.IsTerminal())
		})
	}
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	all := []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusManualReview,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	}
	allowed := map[[2]models.JobStatus]bool{
		{models.JobStatusPending, models.JobStatusRunning}:        true,
		{models.JobStatusPending, models.JobStatusFailed}:         true,
		{models.JobStatusPending, models.JobStatusCancelled}:      true,
		{models.JobStatusRunning, models.JobStatusManualReview}:   true,
		{models.JobStatusRunning, models.JobStatusCompleted}:      true,
		{models.JobStatusRunning, models.JobStatusFailed}:         true,
		{models.JobStatusRunning, models.JobStatusCancelled}:      true,
		{models.JobStatusManualReview, models.JobStatusRunning}:   true,
		{models.JobStatusManualReview, models.JobStatusFailed}:    true,
		{models.JobStatusFailed, models.JobStatusPending}:         true,
		{models.JobStatusCancelled, models.JobStatusPending}:      true,
	}

	for _, from := range all {
		for _, to := range all {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]models.JobStatus{from, to}], from.CanTransitionTo(to))
			})
		}
	}
}

func TestJobStatus_TransitionTo(t *testing.T) {
	next, err := models.JobStatusPending.TransitionTo(models.JobStatusRunning)
	assert.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, next)

	next, err = models.JobStatusCompleted.TransitionTo(models.JobStatusRunning)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.JobStatusCompleted, next)
}

func TestParseJobStatus(t *testing.T) {
	st, ok := models.ParseJobStatus("manual_review")
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusManualReview, st)

	_, ok = models.ParseJobStatus("paused")
	assert.False(t, ok)
}

func TestTransitionWalks(t *testing.T) {
	tests := []struct {
		name string
		seq  []models.JobStatus
		want bool
	}{
		{"happy path", []models.JobStatus{"pending", "running", "running", "completed"}, true},
		{"review loop", []models.JobStatus{"pending", "running", "manual_review", "running", "completed"}, true},
		{"retry after failure", []models.JobStatus{"pending", "running", "failed", "pending", "running"}, true},
		{"cancel pending", []models.JobStatus{"pending", "cancelled"}, true},
		{"must start pending", []models.JobStatus{"running", "completed"}, false},
		{"completed is final", []models.JobStatus{"pending", "running", "completed", "running"}, false},
		{"review cannot complete directly", []models.JobStatus{"pending", "running", "manual_review", "completed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, walks(tt.seq))
		})
	}
}

// walks reports whether seq walks the transition table from pending.
// Repeated statuses are progress updates.
func walks(seq []models.JobStatus) bool {
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
