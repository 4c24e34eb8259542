package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Activation is the order aggregate for one virtual number purchase.
type Activation struct {
	ID                   uuid.UUID       `db:"id"`
	UserID               uuid.UUID       `db:"user_id"`
	Service              string          `db:"service"`
	Country              string          `db:"country"`
	Operator             string          `db:"operator"`
	Provider             string          `db:"provider"`
	Price                decimal.Decimal `db:"price"`
	State                ActivationState `db:"state"`
	ProviderActivationID sql.NullString  `db:"provider_activation_id"`
	Phone                sql.NullString  `db:"phone"`
	NumberID             uuid.NullUUID   `db:"number_id"`
	ReservationEntryID   uuid.NullUUID   `db:"reservation_entry_id"`
	CaptureEntryID       uuid.NullUUID   `db:"capture_entry_id"`
	RefundEntryID        uuid.NullUUID   `db:"refund_entry_id"`
	IdempotencyKey       sql.NullString  `db:"idempotency_key"`
	FailureReason        sql.NullString  `db:"failure_reason"`
	TraceID              string          `db:"trace_id"`
	ExpiresAt            sql.NullTime    `db:"expires_at"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// StateHistory is one append-only audit row per transition.
type StateHistory struct {
	ID           int64           `db:"id"`
	ActivationID uuid.UUID       `db:"activation_id"`
	FromState    ActivationState `db:"from_state"`
	ToState      ActivationState `db:"to_state"`
	Reason       string          `db:"reason"`
	Metadata     []byte          `db:"metadata"`
	TraceID      string          `db:"trace_id"`
	CreatedAt    time.Time       `db:"created_at"`
}

// PollView is the joined read model the poll manager works on: the
// activation plus its SMS tally, loaded in one query per cycle.
type PollView struct {
	ID                   uuid.UUID       `db:"id"`
	UserID               uuid.UUID       `db:"user_id"`
	Provider             string          `db:"provider"`
	State                ActivationState `db:"state"`
	ProviderActivationID sql.NullString  `db:"provider_activation_id"`
	NumberID             uuid.NullUUID   `db:"number_id"`
	CreatedAt            time.Time       `db:"created_at"`
	ExpiresAt            sql.NullTime    `db:"expires_at"`
	SmsCount             int             `db:"sms_count"`
	LastSmsAt            sql.NullTime    `db:"last_sms_at"`
}
