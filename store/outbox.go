package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FlashTheFire/nexnum/model"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status,
	retry_count, next_attempt_at, last_error, claimed_at, published_at, trace_id,
	created_at, updated_at`

// EnqueueOutbox writes an outbox row. Callers pass the transaction that
// carries the state change the event describes; the row and the change
// commit or roll back together.
func (s *Store) EnqueueOutbox(ctx context.Context, q Querier, ev *model.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload,
			status, retry_count, next_attempt_at, trace_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, now(), now())
	`
	_, err := q.ExecContext(ctx, query,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.Payload,
		model.OutboxPending, ev.NextAttemptAt, ev.TraceID,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// DueOutboxEvents returns dispatchable rows: pending, due and under the
// retry budget, oldest first.
func (s *Store) DueOutboxEvents(ctx context.Context, q Querier, now time.Time, limit int) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE status = $1 AND next_attempt_at <= $2 AND retry_count < $3
		ORDER BY created_at
		LIMIT $4`
	if err := q.SelectContext(ctx, &events, query, model.OutboxPending, now, model.MaxOutboxRetries, limit); err != nil {
		return nil, fmt.Errorf("failed to list due outbox events: %w", err)
	}
	return events, nil
}

// ClaimOutboxEvent takes ownership of a row with an optimistic lock on the
// version the caller read (updated_at + retry_count). A false return means
// another worker claimed it first.
func (s *Store) ClaimOutboxEvent(ctx context.Context, q Querier, ev *model.OutboxEvent) (bool, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, retry_count = retry_count + 1, claimed_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3 AND updated_at = $4 AND retry_count = $5
	`
	result, err := q.ExecContext(ctx, query,
		model.OutboxPublished, ev.ID, model.OutboxPending, ev.UpdatedAt, ev.RetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// MarkOutboxDelivered finalizes a claimed row after a successful dispatch.
func (s *Store) MarkOutboxDelivered(ctx context.Context, q Querier, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = $1, published_at = now(), last_error = NULL, updated_at = now()
		WHERE id = $2
	`
	if _, err := q.ExecContext(ctx, query, model.OutboxPublished, id); err != nil {
		return fmt.Errorf("failed to mark outbox event delivered: %w", err)
	}
	return nil
}

// ReleaseOutboxEvent returns a claimed row to the queue after a failed
// dispatch, recording the error and the backoff deadline. Rows that spent
// their retry budget are parked FAILED for operator review.
func (s *Store) ReleaseOutboxEvent(ctx context.Context, q Querier, id uuid.UUID, dispatchErr string, nextAttemptAt time.Time, exhausted bool) error {
	status := model.OutboxPending
	if exhausted {
		status = model.OutboxFailed
	}

	query := `
		UPDATE outbox_events
		SET status = $1, last_error = $2, next_attempt_at = $3, claimed_at = NULL, updated_at = now()
		WHERE id = $4
	`
	if _, err := q.ExecContext(ctx, query, status, dispatchErr, nextAttemptAt, id); err != nil {
		return fmt.Errorf("failed to release outbox event: %w", err)
	}
	return nil
}

// ReclaimStaleOutbox flips claims whose worker died mid-dispatch back to
// pending: claimed before the cutoff and never marked delivered.
func (s *Store) ReclaimStaleOutbox(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, claimed_at = NULL, updated_at = now()
		WHERE status = $2 AND published_at IS NULL AND claimed_at IS NOT NULL AND claimed_at < $3
	`
	result, err := q.ExecContext(ctx, query, model.OutboxPending, model.OutboxPublished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale outbox events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// PurgeOutbox deletes finished rows older than the cutoff.
func (s *Store) PurgeOutbox(ctx context.Context, q Querier, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE (status = $1 AND published_at IS NOT NULL AND published_at < $2)
			OR (status = $3 AND updated_at < $2)
	`
	result, err := q.ExecContext(ctx, query, model.OutboxPublished, olderThan, model.OutboxFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
