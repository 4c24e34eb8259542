package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FlashTheFire/nexnum/model"
)

const reservationColumns = `id, offer_id, user_id, activation_id, quantity, status,
	expires_at, created_at, updated_at`

// CreateOfferReservation inserts a soft stock hold.
func (s *Store) CreateOfferReservation(ctx context.Context, q Querier, r *model.OfferReservation) error {
	query := `
		INSERT INTO offer_reservations (id, offer_id, user_id, activation_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
	`
	_, err := q.ExecContext(ctx, query, r.ID, r.OfferID, r.UserID, r.ActivationID, r.Quantity, r.Status, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create offer reservation: %w", err)
	}
	return nil
}

// GetPendingReservationByActivation finds the open stock hold of an
// in-flight purchase, used by the outbox replay path to settle it.
func (s *Store) GetPendingReservationByActivation(ctx context.Context, q Querier, activationID uuid.UUID) (*model.OfferReservation, error) {
	var r model.OfferReservation
	query := `SELECT ` + reservationColumns + `
		FROM offer_reservations
		WHERE activation_id = $1 AND status = $2`
	err := q.GetContext(ctx, &r, query, activationID, model.ReservationPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation for activation %s: %w", activationID, err)
	}
	return &r, nil
}

// ConfirmOfferReservation flips a pending hold to confirmed. Holds that
// already expired stay expired.
func (s *Store) ConfirmOfferReservation(ctx context.Context, q Querier, id uuid.UUID) error {
	return s.setReservationStatus(ctx, q, id, model.ReservationPending, model.ReservationConfirmed)
}

// CancelOfferReservation releases a pending hold.
func (s *Store) CancelOfferReservation(ctx context.Context, q Querier, id uuid.UUID) error {
	return s.setReservationStatus(ctx, q, id, model.ReservationPending, model.ReservationCancelled)
}

func (s *Store) setReservationStatus(ctx context.Context, q Querier, id uuid.UUID, from, to model.ReservationStatus) error {
	query := `
		UPDATE offer_reservations
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`
	result, err := q.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update reservation status: %w", err)
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

// ExpireOfferReservations marks overdue pending holds expired and returns
// them so the caller can restore the held stock. SKIP LOCKED keeps
// concurrent sweeps from fighting over the same rows.
func (s *Store) ExpireOfferReservations(ctx context.Context, q Querier, now time.Time, limit int) ([]model.OfferReservation, error) {
	var expired []model.OfferReservation
	query := `
		UPDATE offer_reservations
		SET status = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM offer_reservations
			WHERE status = $2 AND expires_at < $3
			ORDER BY expires_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + reservationColumns
	if err := q.SelectContext(ctx, &expired, query, model.ReservationExpired, model.ReservationPending, now, limit); err != nil {
		return nil, fmt.Errorf("failed to expire offer reservations: %w", err)
	}
	return expired, nil
}

// PurgeReservations deletes finished holds older than the cutoff.
func (s *Store) PurgeReservations(ctx context.Context, q Querier, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM offer_reservations
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`
	result, err := q.ExecContext(ctx, query,
		model.ReservationConfirmed, model.ReservationCancelled, model.ReservationExpired, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge reservations: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
