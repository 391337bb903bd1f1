package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/store/storetest"
	"recapflow/api-gateway/models"
)

func seedJobWithTrigger(t *testing.T, s *store.Store, f storetest.Fixture) (*models.ProcessingJob, *models.OutboxMessage) {
	t.Helper()
	ctx := context.Background()
	job := &models.ProcessingJob{ProjectID: f.Project.ID, Type: models.JobTypePreprocess, Trigger: "workflow"}
	msg := &models.OutboxMessage{Kind: models.OutboxTriggerWorkflow, Payload: datatypes.JSON(`{}`)}
	require.NoError(t, s.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		msg.TenantID = job.TenantID
		msg.JobID = job.ID
		return tx.EnqueueOutbox(ctx, msg)
	}))
	return job, msg
}

func TestClaimDueOutboxLeasesMessages(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	_, msg := seedJobWithTrigger(t, s, f)

	now := time.Now().UTC().Add(time.Second)
	claimed, err := s.ClaimDueOutbox(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msg.ID, claimed[0].ID)

	again, err := s.ClaimDueOutbox(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased messages are not handed out twice")

	later, err := s.ClaimDueOutbox(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, later, 1, "an expired lease makes the message due again")
}

func TestOutboxDeadAndRequeue(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	_, msg := seedJobWithTrigger(t, s, f)
	now := time.Now().UTC()

	require.NoError(t, s.MarkOutboxFailed(ctx, msg.ID, 8, now, "connection refused", true))

	dead, total, err := s.ListOutbox(ctx, models.OutboxDead, store.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, dead, 1)
	require.NotNil(t, dead[0].LastError)
	assert.Equal(t, "connection refused", *dead[0].LastError)

	requeued, err := s.RequeueOutbox(ctx, msg.ID, now)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, requeued.Status)
	assert.Zero(t, requeued.Attempts)

	_, err = s.RequeueOutbox(ctx, msg.ID, now)
	assert.ErrorIs(t, err, store.ErrConflict, "only dead messages can be requeued")

	counts, err := s.CountOutbox(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[models.OutboxPending])
}

func TestDiscardJobTriggers(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	f := storetest.Seed(t, s, "alpha")
	job, msg := seedJobWithTrigger(t, s, f)

	n, err := s.DiscardJobTriggers(ctx, job.ID, "job cancelled")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetOutbox(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxDiscarded, got.Status)

	assert.ErrorIs(t, s.MarkOutboxDelivered(ctx, msg.ID, 1, time.Now()), store.ErrConflict)
}
