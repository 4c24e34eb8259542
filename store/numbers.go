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

const numberColumns = `id, activation_id, provider, upstream_id, phone, service, country,
	operator, price, status, expires_at, created_at, updated_at`

// CreateNumber inserts the provisioned number row.
func (s *Store) CreateNumber(ctx context.Context, q Querier, n *model.Number) error {
	query := `
		INSERT INTO numbers (id, activation_id, provider, upstream_id, phone, service, country,
			operator, price, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
	`
	_, err := q.ExecContext(ctx, query,
		n.ID, n.ActivationID, n.Provider, n.UpstreamID, n.Phone, n.Service, n.Country,
		n.Operator, n.Price, n.Status, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create number: %w", err)
	}
	return nil
}

// GetNumber loads one number by id.
func (s *Store) GetNumber(ctx context.Context, q Querier, id uuid.UUID) (*model.Number, error) {
	var n model.Number
	query := `SELECT ` + numberColumns + ` FROM numbers WHERE id = $1`
	err := q.GetContext(ctx, &n, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get number: %w", err)
	}
	return &n, nil
}

// GetNumberByActivation loads the number provisioned for an activation.
func (s *Store) GetNumberByActivation(ctx context.Context, q Querier, activationID uuid.UUID) (*model.Number, error) {
	var n model.Number
	query := `SELECT ` + numberColumns + ` FROM numbers WHERE activation_id = $1`
	err := q.GetContext(ctx, &n, query, activationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get number by activation: %w", err)
	}
	return &n, nil
}

// UpdateNumberStatus sets the provisioning status of a number.
func (s *Store) UpdateNumberStatus(ctx context.Context, q Querier, id uuid.UUID, status model.NumberStatus) error {
	query := `UPDATE numbers SET status = $1, updated_at = now() WHERE id = $2`
	result, err := q.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update number status: %w", err)
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

// ExtendNumberExpiry pushes the expiry window out, e.g. from the base to the
// extended timeout once the first SMS lands.
func (s *Store) ExtendNumberExpiry(ctx context.Context, q Querier, id uuid.UUID, expiresAt time.Time) error {
	query := `
		UPDATE numbers
		SET expires_at = $1, updated_at = now()
		WHERE id = $2 AND expires_at < $1
	`
	if _, err := q.ExecContext(ctx, query, expiresAt, id); err != nil {
		return fmt.Errorf("failed to extend number expiry: %w", err)
	}
	return nil
}

// ListExpiredNumbers returns live numbers whose expiry has passed. Both
// waiting numbers and ones that already received SMS are swept; the latter
// just close out without a refund.
func (s *Store) ListExpiredNumbers(ctx context.Context, q Querier, now time.Time, limit int) ([]model.Number, error) {
	var numbers []model.Number
	query := `SELECT ` + numberColumns + ` FROM numbers
		WHERE status IN ($1, $2) AND expires_at < $3
		ORDER BY expires_at
		LIMIT $4`
	if err := q.SelectContext(ctx, &numbers, query, model.NumberActive, model.NumberReceived, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired numbers: %w", err)
	}
	return numbers, nil
}
