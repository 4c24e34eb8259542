package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/FlashTheFire/nexnum/model"
)

const activationColumns = `id, user_id, service, country, operator, provider, price, state,
	provider_activation_id, phone, number_id, reservation_entry_id, capture_entry_id,
	refund_entry_id, idempotency_key, failure_reason, trace_id, expires_at, created_at, updated_at`

// CreateActivation inserts a new activation row.
func (s *Store) CreateActivation(ctx context.Context, q Querier, a *model.Activation) error {
	query := `
		INSERT INTO activations (id, user_id, service, country, operator, provider, price, state,
			reservation_entry_id, idempotency_key, trace_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
	`
	_, err := q.ExecContext(ctx, query,
		a.ID, a.UserID, a.Service, a.Country, a.Operator, a.Provider, a.Price, a.State,
		a.ReservationEntryID, a.IdempotencyKey, a.TraceID,
	)
	if err != nil {
		return fmt.Errorf("failed to create activation: %w", err)
	}
	return nil
}

// GetActivation loads one activation by id.
func (s *Store) GetActivation(ctx context.Context, q Querier, id uuid.UUID) (*model.Activation, error) {
	var a model.Activation
	query := `SELECT ` + activationColumns + ` FROM activations WHERE id = $1`
	err := q.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activation: %w", err)
	}
	return &a, nil
}

// GetActivationForUpdate loads one activation holding a row lock until the
// surrounding transaction finishes. Serializes all writers per activation.
func (s *Store) GetActivationForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*model.Activation, error) {
	var a model.Activation
	query := `SELECT ` + activationColumns + ` FROM activations WHERE id = $1 FOR UPDATE`
	err := q.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock activation: %w", err)
	}
	return &a, nil
}

// GetActivationByIdempotencyKey returns the activation a purchase replay
// maps to, or ErrNotFound.
func (s *Store) GetActivationByIdempotencyKey(ctx context.Context, q Querier, userID uuid.UUID, key string) (*model.Activation, error) {
	var a model.Activation
	query := `SELECT ` + activationColumns + ` FROM activations
		WHERE user_id = $1 AND idempotency_key = $2`
	err := q.GetContext(ctx, &a, query, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activation by idempotency key: %w", err)
	}
	return &a, nil
}

// UpdateActivationState moves an activation between states. The update is
// guarded on the expected current state; losing that race returns
// ErrActivationConflict.
func (s *Store) UpdateActivationState(ctx context.Context, q Querier, id uuid.UUID, from, to model.ActivationState, traceID string) error {
	query := `
		UPDATE activations
		SET state = $1, trace_id = $2, updated_at = now()
		WHERE id = $3 AND state = $4
	`
	result, err := q.ExecContext(ctx, query, to, traceID, id, from)
	if err != nil {
		return fmt.Errorf("failed to update activation state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrActivationConflict
	}

	return nil
}

// SetActivationAcquired records the upstream identity a successful purchase
// produced: provider activation id, phone, number row and the capture entry.
func (s *Store) SetActivationAcquired(ctx context.Context, q Querier, id uuid.UUID, upstreamID, phone string, numberID, captureEntryID uuid.UUID, expiresAt time.Time) error {
	query := `
		UPDATE activations
		SET provider_activation_id = $1, phone = $2, number_id = $3,
			capture_entry_id = $4, expires_at = $5, updated_at = now()
		WHERE id = $6
	`
	result, err := q.ExecContext(ctx, query, upstreamID, phone, numberID, captureEntryID, expiresAt, id)
	if err != nil {
		return fmt.Errorf("failed to record acquisition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// SetActivationFailureReason records why a purchase failed.
func (s *Store) SetActivationFailureReason(ctx context.Context, q Querier, id uuid.UUID, reason string) error {
	query := `UPDATE activations SET failure_reason = $1, updated_at = now() WHERE id = $2`
	if _, err := q.ExecContext(ctx, query, reason, id); err != nil {
		return fmt.Errorf("failed to set failure reason: %w", err)
	}
	return nil
}

// SetActivationRefundEntry links the ledger entry that settled the refund.
func (s *Store) SetActivationRefundEntry(ctx context.Context, q Querier, id, entryID uuid.UUID) error {
	query := `UPDATE activations SET refund_entry_id = $1, updated_at = now() WHERE id = $2`
	if _, err := q.ExecContext(ctx, query, entryID, id); err != nil {
		return fmt.Errorf("failed to set refund entry: %w", err)
	}
	return nil
}

// SetActivationExpiry mirrors the number expiry onto the activation row.
func (s *Store) SetActivationExpiry(ctx context.Context, q Querier, id uuid.UUID, expiresAt time.Time) error {
	query := `UPDATE activations SET expires_at = $1, updated_at = now() WHERE id = $2`
	if _, err := q.ExecContext(ctx, query, expiresAt, id); err != nil {
		return fmt.Errorf("failed to set activation expiry: %w", err)
	}
	return nil
}

// AppendHistory writes one append-only transition audit row.
func (s *Store) AppendHistory(ctx context.Context, q Querier, h *model.StateHistory) error {
	query := `
		INSERT INTO activation_state_history (activation_id, from_state, to_state, reason, metadata, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	metadata := h.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	_, err := q.ExecContext(ctx, query, h.ActivationID, h.FromState, h.ToState, h.Reason, metadata, h.TraceID)
	if err != nil {
		return fmt.Errorf("failed to append state history: %w", err)
	}
	return nil
}

// ListHistory returns the transition audit trail for one activation.
func (s *Store) ListHistory(ctx context.Context, q Querier, activationID uuid.UUID) ([]model.StateHistory, error) {
	var history []model.StateHistory
	query := `
		SELECT id, activation_id, from_state, to_state, reason, metadata, trace_id, created_at
		FROM activation_state_history
		WHERE activation_id = $1
		ORDER BY created_at, id
	`
	if err := q.SelectContext(ctx, &history, query, activationID); err != nil {
		return nil, fmt.Errorf("failed to list state history: %w", err)
	}
	return history, nil
}

// ListActivationsByUser returns a page of a user's orders, newest first.
func (s *Store) ListActivationsByUser(ctx context.Context, q Querier, userID uuid.UUID, limit, offset int) ([]model.Activation, error) {
	var activations []model.Activation
	query := `SELECT ` + activationColumns + ` FROM activations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	if err := q.SelectContext(ctx, &activations, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	return activations, nil
}

// ListPollViews loads the poll read model for a set of activations in one
// query: activation fields joined with SMS count and last SMS time.
func (s *Store) ListPollViews(ctx context.Context, q Querier, ids []uuid.UUID) ([]model.PollView, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var views []model.PollView
	query := `
		SELECT a.id, a.user_id, a.provider, a.state, a.provider_activation_id, a.number_id,
			a.created_at, a.expires_at,
			COALESCE(s.sms_count, 0) AS sms_count, s.last_sms_at
		FROM activations a
		LEFT JOIN (
			SELECT number_id, COUNT(*) AS sms_count, MAX(received_at) AS last_sms_at
			FROM sms_messages
			GROUP BY number_id
		) s ON s.number_id = a.number_id
		WHERE a.id = ANY($1)
	`
	if err := q.SelectContext(ctx, &views, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to load poll views: %w", err)
	}
	return views, nil
}

// ListStaleReserved returns activations stuck in RESERVED since before the
// cutoff. These are the zombie-fund candidates the reaper rolls back.
func (s *Store) ListStaleReserved(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]model.Activation, error) {
	var activations []model.Activation
	query := `SELECT ` + activationColumns + ` FROM activations
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`
	if err := q.SelectContext(ctx, &activations, query, model.StateReserved, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale reserved activations: %w", err)
	}
	return activations, nil
}
