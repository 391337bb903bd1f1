// Package trigger notifies the external pipeline runners that a job is ready:
// the workflow engine webhook and the notebook runtime webhook.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/breaker"
	"recapflow/api-gateway/internal/signature"
)

const EventJobCreated = "job.created"

var (
	// ErrNotConfigured is returned by a sender whose webhook URL is empty.
	ErrNotConfigured = errors.New("trigger webhook not configured")
	// ErrRejected is returned when the webhook answers with a non-2xx status.
	ErrRejected = errors.New("trigger webhook rejected the event")
)

// Event is the body posted to either webhook.
type Event struct {
	Event       string          `json:"event"`
	ProjectID   uuid.UUID       `json:"project_id"`
	JobID       uuid.UUID       `json:"job_id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	JobType     string          `json:"job_type"`
	InputAssets []uuid.UUID     `json:"input_assets"`
	Config      json.RawMessage `json:"config,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// Sender delivers an Event to one pipeline runner.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

type webhook struct {
	name    string
	url     string
	http    *resty.Client
	breaker *breaker.Breaker
	log     *logrus.Logger
	// decorate adds runner-specific headers to the request.
	decorate func(req *resty.Request, body []byte)
	now      func() time.Time
}

// WorkflowSender posts events to the workflow engine webhook.
type WorkflowSender struct{ webhook }

// NotebookSender posts signed events to the notebook runtime webhook.
type NotebookSender struct{ webhook }

// NewWorkflowSender builds the workflow engine sender from cfg.
func NewWorkflowSender(cfg *config.Config, log *logrus.Logger) *WorkflowSender {
	w := newWebhook("workflow-trigger", cfg.N8NWebhookURL, cfg.TriggerTimeout, log)
	apiKey := cfg.N8NAPIKey
	w.decorate = func(req *resty.Request, _ []byte) {
		if apiKey != "" {
			req.SetHeader("X-N8N-API-KEY", apiKey)
		}
	}
	return &WorkflowSender{w}
}

// NewNotebookSender builds the notebook runtime sender from cfg.
func NewNotebookSender(cfg *config.Config, log *logrus.Logger) *NotebookSender {
	w := newWebhook("notebook-trigger", cfg.ColabWebhookURL, cfg.TriggerTimeout, log)
	secret := cfg.ColabWebhookSecret
	w.decorate = func(req *resty.Request, body []byte) {
		ts := w.now().Unix()
		req.SetHeader(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.SetHeader(signature.HeaderSignature, signature.Sign(secret, ts, body))
	}
	return &NotebookSender{w}
}

func newWebhook(name, url string, timeout time.Duration, log *logrus.Logger) webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return webhook{
		name:    name,
		url:     url,
		http:    resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		breaker: breaker.New(name, breaker.DefaultSettings(), log),
		log:     log,
		now:     time.Now,
	}
}

func (w *webhook) Send(ctx context.Context, ev Event) error {
	if w.url == "" {
		return fmt.Errorf("%s: %w", w.name, ErrNotConfigured)
	}
	if ev.Event == "" {
		ev.Event = EventJobCreated
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = w.now().UTC()
	}
	// The exact bytes are signed, so marshal once and send them as-is.
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: marshal event: %w", w.name, err)
	}

	resp, err := w.breaker.Do(func() (*resty.Response, error) {
		req := w.http.R().SetContext(ctx).SetBody(body)
		if w.decorate != nil {
			w.decorate(req, body)
		}
		resp, err := req.Post(w.url)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", w.name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %w: status %d: %s", w.name, ErrRejected, resp.StatusCode(), resp.String())
	}

	w.log.WithFields(logrus.Fields{
		"trigger": w.name,
		"job_id":  ev.JobID,
		"status":  resp.StatusCode(),
	}).Info("Pipeline trigger delivered")
	return nil
}
