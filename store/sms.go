package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/FlashTheFire/nexnum/model"
)

// InsertSms stores one ingested message. The (number_id, code) unique
// constraint makes replays a silent no-op; the returned bool reports whether
// the row was actually new.
func (s *Store) InsertSms(ctx context.Context, q Querier, m *model.SmsMessage) (bool, error) {
	query := `
		INSERT INTO sms_messages (number_id, sender, content, code, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT ON CONSTRAINT sms_messages_number_code_key DO NOTHING
	`
	result, err := q.ExecContext(ctx, query, m.NumberID, m.Sender, m.Content, m.Code, m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert sms: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ListSmsByNumber returns all messages for a number, oldest first.
func (s *Store) ListSmsByNumber(ctx context.Context, q Querier, numberID uuid.UUID) ([]model.SmsMessage, error) {
	var messages []model.SmsMessage
	query := `
		SELECT id, number_id, sender, content, code, received_at, created_at
		FROM sms_messages
		WHERE number_id = $1
		ORDER BY received_at, id
	`
	if err := q.SelectContext(ctx, &messages, query, numberID); err != nil {
		return nil, fmt.Errorf("failed to list sms messages: %w", err)
	}
	return messages, nil
}

// CountSmsByNumber returns how many messages a number has received.
func (s *Store) CountSmsByNumber(ctx context.Context, q Querier, numberID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sms_messages WHERE number_id = $1`
	if err := q.GetContext(ctx, &count, query, numberID); err != nil {
		return 0, fmt.Errorf("failed to count sms messages: %w", err)
	}
	return count, nil
}
