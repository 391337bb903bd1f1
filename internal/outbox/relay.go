// Package outbox delivers the durable intents written next to job state changes:
// pipeline triggers and backend control calls. Failed deliveries are retried with
// exponential backoff until they run out of attempts and are parked as dead.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/metrics"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/trigger"
	"recapflow/api-gateway/models"
)

var (
	ErrNoSender    = errors.New("no sender configured for outbox kind")
	ErrUnknownKind = errors.New("unknown outbox kind")

	errDiscard = errors.New("delivery no longer needed")
)

// Controller is the part of the backend client the relay drives.
type Controller interface {
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	ResumeJob(ctx context.Context, jobID uuid.UUID, req backend.ResumeRequest) error
}

// Options tune the relay.
type Options struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Lease is how long a claimed message is hidden from other relays.
	Lease time.Duration
}

// OptionsFromConfig reads relay options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	lease := 2*max(cfg.BackendTimeout, cfg.TriggerTimeout) + time.Minute
	return Options{
		Workers:        cfg.RelayWorkers,
		BatchSize:      cfg.RelayBatchSize,
		PollInterval:   cfg.RelayPollInterval,
		InitialBackoff: cfg.OutboxInitialBackoff,
		MaxBackoff:     cfg.OutboxMaxBackoff,
		Lease:          lease,
	}
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
}

// Relay claims due outbox messages and delivers them.
type Relay struct {
	store   *store.Store
	senders map[models.OutboxKind]trigger.Sender
	backend Controller
	opts    Options
	log     *logrus.Logger
	now     func() time.Time
}

// NewRelay wires a relay. A nil sender leaves its kind undeliverable; such
// messages fail until they are dead.
func NewRelay(st *store.Store, workflow, notebook trigger.Sender, ctrl Controller, opts Options, log *logrus.Logger) *Relay {
	opts.setDefaults()
	senders := map[models.OutboxKind]trigger.Sender{}
	if workflow != nil {
		senders[models.OutboxTriggerWorkflow] = workflow
	}
	if notebook != nil {
		senders[models.OutboxTriggerNotebook] = notebook
	}
	return &Relay{
		store:   st,
		senders: senders,
		backend: ctrl,
		opts:    opts,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for due messages and hands them to the worker pool until ctx is done.
// Deliveries in flight at shutdown are allowed to finish.
func (r *Relay) Run(ctx context.Context) error {
	d := NewDispatcher(r.opts.Workers, r.log)
	d.Run(ctx)
	defer d.Stop()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"workers":       r.opts.Workers,
		"batch_size":    r.opts.BatchSize,
		"poll_interval": r.opts.PollInterval.String(),
	}).Info("Outbox relay started")

	for {
		if err := r.poll(ctx, d); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("Outbox poll failed")
		}
		select {
		case <-ctx.Done():
			r.log.Info("Outbox relay stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) poll(ctx context.Context, d *Dispatcher) error {
	msgs, err := r.store.ClaimDueOutbox(ctx, r.now(), r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := d.Submit(ctx, &delivery{relay: r, msg: m}); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce claims one batch and delivers it synchronously. It returns the number
// of messages attempted.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.store.ClaimDueOutbox(ctx, r.now(), r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		// Failures are recorded on the message itself.
		_ = r.Deliver(ctx, m)
	}
	return len(msgs), nil
}

// NextDelay returns the wait before attempt number attempt+1.
func (r *Relay) NextDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = r.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Deliver makes one delivery attempt for msg and records the outcome.
func (r *Relay) Deliver(ctx context.Context, msg models.OutboxMessage) error {
	start := time.Now()
	attempts := msg.Attempts + 1
	entry := r.log.WithFields(logrus.Fields{
		"outbox_id": msg.ID,
		"kind":      msg.Kind,
		"job_id":    msg.JobID,
		"tenant_id": msg.TenantID,
		"attempt":   attempts,
	})

	sendErr := r.send(ctx, msg)

	switch {
	case errors.Is(sendErr, errDiscard):
		if err := r.store.MarkOutboxDiscarded(ctx, msg.ID, sendErr.Error()); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		entry.WithField("reason", sendErr.Error()).Info("Outbox message discarded")
		metrics.RecordOutboxDelivery(string(msg.Kind), "discarded", time.Since(start))
		return nil

	case sendErr == nil:
		if msg.Kind == models.OutboxTriggerWorkflow || msg.Kind == models.OutboxTriggerNotebook {
			if err := r.cancelIfWithdrawn(ctx, msg); err != nil {
				entry.WithError(err).Error("Failed to queue backend cancel for a job cancelled during its trigger")
			}
		}
		if err := r.store.MarkOutboxDelivered(ctx, msg.ID, attempts, r.now()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				entry.Warn("Outbox message changed state during delivery")
				return nil
			}
			return err
		}
		metrics.RecordOutboxDelivery(string(msg.Kind), "delivered", time.Since(start))
		entry.Info("Outbox message delivered")
		r.audit(ctx, msg, models.LogLevelInfo, "outbox.delivered", fmt.Sprintf("%s delivered", msg.Kind), nil)
		return nil
	}

	if attempts >= msg.MaxAttempts {
		if err := r.store.MarkOutboxFailed(ctx, msg.ID, attempts, r.now(), sendErr.Error(), true); err != nil && !errors.Is(err, store.ErrConflict) {
			return errors.Join(sendErr, err)
		}
		metrics.RecordOutboxDelivery(string(msg.Kind), "dead", time.Since(start))
		entry.WithError(sendErr).Error("Outbox message is dead after exhausting its attempts, operator action required")
		r.audit(ctx, msg, models.LogLevelError, "outbox.dead",
			fmt.Sprintf("%s could not be delivered after %d attempts", msg.Kind, attempts),
			map[string]any{"outbox_id": msg.ID, "last_error": sendErr.Error()})
		return sendErr
	}

	delay := r.NextDelay(attempts)
	if err := r.store.MarkOutboxFailed(ctx, msg.ID, attempts, r.now().Add(delay), sendErr.Error(), false); err != nil && !errors.Is(err, store.ErrConflict) {
		return errors.Join(sendErr, err)
	}
	metrics.RecordOutboxDelivery(string(msg.Kind), "retry", time.Since(start))
	entry.WithError(sendErr).WithField("retry_in", delay.String()).Warn("Outbox delivery failed, will retry")
	return sendErr
}

func (r *Relay) send(ctx context.Context, msg models.OutboxMessage) error {
	switch msg.Kind {
	case models.OutboxTriggerWorkflow, models.OutboxTriggerNotebook:
		job, err := r.store.FindJob(ctx, msg.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: job %s no longer exists", errDiscard, msg.JobID)
		}
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusCancelled {
			return fmt.Errorf("%w: job %s was cancelled", errDiscard, msg.JobID)
		}
		sender, ok := r.senders[msg.Kind]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSender, msg.Kind)
		}
		var ev trigger.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("decode trigger payload: %w", err)
		}
		return sender.Send(ctx, ev)

	case models.OutboxBackendCancel:
		if r.backend == nil {
			return fmt.Errorf("%w: %s", ErrNoSender, msg.Kind)
		}
		return r.backend.CancelJob(ctx, msg.JobID)

	case models.OutboxBackendResume:
		if r.backend == nil {
			return fmt.Errorf("%w: %s", ErrNoSender, msg.Kind)
		}
		var req backend.ResumeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("decode resume payload: %w", err)
		}
		return r.backend.ResumeJob(ctx, msg.JobID, req)
	}
	return fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
}

// cancelIfWithdrawn queues a backend cancel when the job was cancelled while its
// trigger was in flight, so the pipeline that was just started gets stopped.
func (r *Relay) cancelIfWithdrawn(ctx context.Context, msg models.OutboxMessage) error {
	return r.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := tx.LockJob(ctx, msg.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusCancelled {
			return nil
		}
		existing, err := tx.ListJobOutbox(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, m := range existing {
			if m.Kind == models.OutboxBackendCancel {
				return nil
			}
		}
		cancel, err := NewCancelMessage(job, msg.MaxAttempts)
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, cancel); err != nil {
			return err
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     job.TenantID,
			ResourceType: models.ResourceJob,
			ResourceID:   job.ID,
			Action:       "job.cancel_requested",
			Level:        models.LogLevelWarning,
			Message:      "Job was cancelled while its pipeline was being triggered; backend cancel queued",
		})
	})
}

func (r *Relay) audit(ctx context.Context, msg models.OutboxMessage, level, action, message string, details any) {
	err := r.store.Audit(ctx, store.AuditEntry{
		TenantID:     msg.TenantID,
		ResourceType: models.ResourceJob,
		ResourceID:   msg.JobID,
		Action:       action,
		Level:        level,
		Message:      message,
		Details:      details,
	})
	if err != nil {
		r.log.WithError(err).WithField("outbox_id", msg.ID).Error("Failed to write outbox audit log")
	}
}

// delivery adapts one message to the worker pool.
type delivery struct {
	relay *Relay
	msg   models.OutboxMessage
}

func (d *delivery) ID() string { return d.msg.ID.String() }

func (d *delivery) Execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.relay.opts.Lease)
	defer cancel()
	return d.relay.Deliver(ctx, d.msg)
}
