package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"recapflow/api-gateway/models"
)

// EnqueueOutbox persists a delivery intent. Call it on the Store of the
// transaction that makes the change the message announces.
func (s *Store) EnqueueOutbox(ctx context.Context, m *models.OutboxMessage) error {
	return translate(s.db.WithContext(ctx).Create(m).Error, "enqueue outbox message")
}

// ClaimDueOutbox leases up to limit pending messages whose next attempt is due.
// Claimed rows have next_attempt_at pushed to now+lease so concurrent relays skip
// them; a relay that dies mid-delivery releases its messages when the lease runs out.
func (s *Store) ClaimDueOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.OutboxMessage, error) {
	var claimed []models.OutboxMessage
	err := s.Transaction(ctx, func(tx *Store) error {
		q := tx.db.WithContext(ctx).
			Where("status = ? AND next_attempt_at <= ?", models.OutboxPending, now).
			Order("next_attempt_at ASC").
			Limit(limit)
		if err := tx.forUpdate(q, true).Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		return tx.db.WithContext(ctx).Model(&models.OutboxMessage{}).
			Where("id IN ?", ids).
			Update("next_attempt_at", now.Add(lease)).Error
	})
	if err != nil {
		return nil, translate(err, "claim outbox messages")
	}
	return claimed, nil
}

func (s *Store) GetOutbox(ctx context.Context, id uuid.UUID) (*models.OutboxMessage, error) {
	var m models.OutboxMessage
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get outbox message")
	}
	return &m, nil
}

// MarkOutboxDelivered records a successful delivery. It reports ErrConflict when the
// message left the pending state in the meantime (for example it was discarded).
func (s *Store) MarkOutboxDelivered(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, models.OutboxPending).
		Updates(map[string]any{
			"status":       models.OutboxDelivered,
			"attempts":     attempts,
			"delivered_at": at,
			"last_error":   nil,
		})
	if res.Error != nil {
		return translate(res.Error, "mark outbox delivered")
	}
	if res.RowsAffected == 0 {
		return translate(ErrConflict, "mark outbox delivered")
	}
	return nil
}

// MarkOutboxFailed records a failed attempt and either schedules the next one or,
// when dead is set, parks the message for an operator.
func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, dead bool) error {
	status := models.OutboxPending
	if dead {
		status = models.OutboxDead
	}
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, models.OutboxPending).
		Updates(map[string]any{
			"status":          status,
			"attempts":        attempts,
			"next_attempt_at": next,
			"last_error":      lastErr,
		})
	if res.Error != nil {
		return translate(res.Error, "mark outbox failed")
	}
	if res.RowsAffected == 0 {
		return translate(ErrConflict, "mark outbox failed")
	}
	return nil
}

// DiscardJobTriggers drops undelivered trigger messages of a job.
func (s *Store) DiscardJobTriggers(ctx context.Context, jobID uuid.UUID, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("job_id = ? AND status = ? AND kind IN ?", jobID, models.OutboxPending,
			[]models.OutboxKind{models.OutboxTriggerWorkflow, models.OutboxTriggerNotebook}).
		Updates(map[string]any{
			"status":     models.OutboxDiscarded,
			"last_error": reason,
		})
	return res.RowsAffected, translate(res.Error, "discard job triggers")
}

// ListOutbox lists messages, optionally by status, newest first.
func (s *Store) ListOutbox(ctx context.Context, status string, page Page) ([]models.OutboxMessage, int64, error) {
	var (
		msgs  []models.OutboxMessage
		total int64
	)
	q := s.db.WithContext(ctx).Model(&models.OutboxMessage{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count outbox messages")
	}
	if err := page.apply(q.Order("created_at DESC")).Find(&msgs).Error; err != nil {
		return nil, 0, translate(err, "list outbox messages")
	}
	return msgs, total, nil
}

// ListJobOutbox lists every message written for a job, oldest first.
func (s *Store) ListJobOutbox(ctx context.Context, jobID uuid.UUID) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&msgs).Error
	return msgs, translate(err, "list job outbox messages")
}

// RequeueOutbox gives a dead message a fresh set of attempts.
func (s *Store) RequeueOutbox(ctx context.Context, id uuid.UUID, now time.Time) (*models.OutboxMessage, error) {
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, models.OutboxDead).
		Updates(map[string]any{
			"status":          models.OutboxPending,
			"attempts":        0,
			"next_attempt_at": now,
			"last_error":      nil,
		})
	if res.Error != nil {
		return nil, translate(res.Error, "requeue outbox message")
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetOutbox(ctx, id); err != nil {
			return nil, err
		}
		return nil, translate(ErrConflict, "requeue outbox message: not dead")
	}
	return s.GetOutbox(ctx, id)
}

// CountOutbox counts messages per status.
func (s *Store) CountOutbox(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err, "count outbox by status")
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// MarkOutboxDiscarded drops a pending message whose delivery no longer makes sense.
func (s *Store) MarkOutboxDiscarded(ctx context.Context, id uuid.UUID, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, models.OutboxPending).
		Updates(map[string]any{
			"status":     models.OutboxDiscarded,
			"last_error": reason,
		})
	if res.Error != nil {
		return translate(res.Error, "discard outbox message")
	}
	if res.RowsAffected == 0 {
		return translate(ErrConflict, "discard outbox message")
	}
	return nil
}
