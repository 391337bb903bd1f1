// Package maintenance runs the gateway's periodic housekeeping on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/metrics"
)

const (
	TaskExpireSessions = "expire_upload_sessions"
	TaskOutboxBacklog  = "outbox_backlog"

	backlogSchedule = "* * * * *"
	taskTimeout     = 5 * time.Minute
)

// SessionExpirer closes upload sessions past their deadline.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context) (int64, error)
}

// OutboxCounter counts outbox messages per status.
type OutboxCounter interface {
	CountOutbox(ctx context.Context) (map[string]int64, error)
}

type Scheduler struct {
	ctab     *crontab.Crontab
	sessions SessionExpirer
	outbox   OutboxCounter
	schedule string
	log      *logrus.Logger
}

func New(cfg *config.Config, sessions SessionExpirer, outbox OutboxCounter, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctab:     crontab.New(),
		sessions: sessions,
		outbox:   outbox,
		schedule: cfg.SessionSweepSchedule,
		log:      log,
	}
}

// Run runs every task once, schedules them and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ExpireSessions(ctx)
	s.RefreshOutboxBacklog(ctx)

	if err := s.ctab.AddJob(s.schedule, s.scheduled(ctx, s.ExpireSessions)); err != nil {
		s.ctab.Shutdown()
		return fmt.Errorf("schedule %s: %w", TaskExpireSessions, err)
	}
	if err := s.ctab.AddJob(backlogSchedule, s.scheduled(ctx, s.RefreshOutboxBacklog)); err != nil {
		s.ctab.Shutdown()
		return fmt.Errorf("schedule %s: %w", TaskOutboxBacklog, err)
	}
	s.log.WithField("schedule", s.schedule).Info("Maintenance scheduler started")

	<-ctx.Done()
	s.ctab.Shutdown()
	s.log.Info("Maintenance scheduler stopped")
	return nil
}

func (s *Scheduler) scheduled(parent context.Context, task func(context.Context)) func() {
	return func() {
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, taskTimeout)
		defer cancel()
		task(ctx)
	}
}

// ExpireSessions marks stale upload sessions as expired.
func (s *Scheduler) ExpireSessions(ctx context.Context) {
	n, err := s.sessions.ExpireSessions(ctx)
	metrics.RecordMaintenanceRun(TaskExpireSessions, err)
	if err != nil {
		s.log.WithError(err).Error("Failed to expire upload sessions")
		return
	}
	if n > 0 {
		s.log.WithField("expired", n).Info("Expired stale upload sessions")
	}
}

// RefreshOutboxBacklog publishes the outbox counts and warns about dead messages.
func (s *Scheduler) RefreshOutboxBacklog(ctx context.Context) {
	counts, err := s.outbox.CountOutbox(ctx)
	metrics.RecordMaintenanceRun(TaskOutboxBacklog, err)
	if err != nil {
		s.log.WithError(err).Error("Failed to count outbox messages")
		return
	}
	metrics.SetOutboxBacklog(counts)
	if dead := counts["dead"]; dead > 0 {
		s.log.WithField("dead", dead).Warn("Outbox has undeliverable messages awaiting an operator")
	}
}
