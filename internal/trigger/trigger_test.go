package trigger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/signature"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestWorkflowSenderPostsEvent(t *testing.T) {
	jobID := uuid.New()
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-N8N-API-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWorkflowSender(&config.Config{N8NWebhookURL: srv.URL, N8NAPIKey: "key-1"}, quietLogger())
	err := sender.Send(context.Background(), Event{JobID: jobID, JobType: "preprocess"})
	require.NoError(t, err)

	assert.Equal(t, EventJobCreated, got.Event)
	assert.Equal(t, jobID, got.JobID)
	assert.False(t, got.SentAt.IsZero())
}

func TestNotebookSenderSignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		err = signature.Verify("colab-secret",
			r.Header.Get(signature.HeaderTimestamp),
			r.Header.Get(signature.HeaderSignature),
			body, time.Now(), signature.DefaultTolerance)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewNotebookSender(&config.Config{ColabWebhookURL: srv.URL, ColabWebhookSecret: "colab-secret"}, quietLogger())
	assert.NoError(t, sender.Send(context.Background(), Event{JobID: uuid.New()}))

	wrong := NewNotebookSender(&config.Config{ColabWebhookURL: srv.URL, ColabWebhookSecret: "nope"}, quietLogger())
	assert.ErrorIs(t, wrong.Send(context.Background(), Event{JobID: uuid.New()}), ErrRejected)
}

func TestSenderErrors(t *testing.T) {
	unconfigured := NewWorkflowSender(&config.Config{}, quietLogger())
	assert.ErrorIs(t, unconfigured.Send(context.Background(), Event{}), ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	failing := NewWorkflowSender(&config.Config{N8NWebhookURL: srv.URL}, quietLogger())
	assert.ErrorIs(t, failing.Send(context.Background(), Event{JobID: uuid.New()}), ErrRejected)
}
