package models

import (
	"errors"
	"slices"
)

// JobStatus is the lifecycle status of a ProcessingJob.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusRunning      JobStatus = "running"
	JobStatusManualReview JobStatus = "manual_review"

	// Terminal states. failed and cancelled can only be left through an explicit retry.
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

var (
	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetryExhausted is returned when a retry would push retry_count past max_retries.
	ErrRetryExhausted = errors.New("retry limit reached")
)

// ValidTransitions defines allowed status transitions. The edges into pending
// are the retry edges and are only taken by ProcessingJob.Retry.
var ValidTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:      {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:      {JobStatusManualReview, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusManualReview: {JobStatusRunning, JobStatusFailed},
	JobStatusFailed:       {JobStatusPending},
	JobStatusCancelled:    {JobStatusPending},
	JobStatusCompleted:    {},
}

// ParseJobStatus returns the status named by s, or false when it is unknown.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(s)
	_, ok := ValidTransitions[st]
	return st, ok
}

// IsTerminal returns true if the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsRetryable returns true if the status allows an explicit retry.
func (s JobStatus) IsRetryable() bool {
	return s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive returns true while the job is queued or being worked on.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusManualReview
}

func (s JobStatus) String() string {
	return string(s)
}

// CanTransitionTo checks if a transition from current status to target status is valid.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	return slices.Contains(ValidTransitions[s], target)
}

// TransitionTo attempts to transition to the target status and returns error if invalid.
func (s JobStatus) TransitionTo(target JobStatus) (JobStatus, error) {
	if !s.CanTransitionTo(target) {
		return s, ErrInvalidTransition
	}
	return target, nil
}
