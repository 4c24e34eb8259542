package model

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus tracks a soft stock hold against a catalog offer.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// OfferReservation holds advisory stock for an in-flight purchase until the
// saga commits, cancels or the hold times out.
type OfferReservation struct {
	ID           uuid.UUID         `db:"id"`
	OfferID      string            `db:"offer_id"`
	UserID       uuid.UUID         `db:"user_id"`
	ActivationID uuid.NullUUID     `db:"activation_id"`
	Quantity     int               `db:"quantity"`
	Status       ReservationStatus `db:"status"`
	ExpiresAt    time.Time         `db:"expires_at"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
}
