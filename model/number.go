package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NumberStatus is the provisioning state of an upstream phone number.
type NumberStatus string

const (
	NumberActive    NumberStatus = "active"
	NumberReceived  NumberStatus = "received"
	NumberCompleted NumberStatus = "completed"
	NumberCancelled NumberStatus = "cancelled"
	NumberExpired   NumberStatus = "expired"
)

// Number is a provisioned phone number tied to an activation. The upstream
// activation id is what provider status and cancel calls key on.
type Number struct {
	ID           uuid.UUID       `db:"id"`
	ActivationID uuid.UUID       `db:"activation_id"`
	Provider     string          `db:"provider"`
	UpstreamID   string          `db:"upstream_id"`
	Phone        string          `db:"phone"`
	Service      string          `db:"service"`
	Country      string          `db:"country"`
	Operator     string          `db:"operator"`
	Price        decimal.Decimal `db:"price"`
	Status       NumberStatus    `db:"status"`
	ExpiresAt    time.Time       `db:"expires_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// SmsMessage is one ingested SMS. The (number_id, code) pair is unique, so
// replaying the same upstream message is a no-op.
type SmsMessage struct {
	ID         int64     `db:"id"`
	NumberID   uuid.UUID `db:"number_id"`
	Sender     string    `db:"sender"`
	Content    string    `db:"content"`
	Code       string    `db:"code"`
	ReceivedAt time.Time `db:"received_at"`
	CreatedAt  time.Time `db:"created_at"`
}
