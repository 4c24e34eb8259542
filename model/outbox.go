package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of a transactional outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// MaxOutboxRetries is the attempt budget before a row is parked FAILED.
const MaxOutboxRetries = 5

// OutboxEvent is one transactional outbox row. Rows are written in the same
// transaction as the state they describe and dispatched asynchronously.
type OutboxEvent struct {
	ID            uuid.UUID      `db:"id"`
	AggregateType string         `db:"aggregate_type"`
	AggregateID   uuid.UUID      `db:"aggregate_id"`
	EventType     string         `db:"event_type"`
	Payload       []byte         `db:"payload"`
	Status        OutboxStatus   `db:"status"`
	RetryCount    int            `db:"retry_count"`
	NextAttemptAt time.Time      `db:"next_attempt_at"`
	LastError     sql.NullString `db:"last_error"`
	ClaimedAt     sql.NullTime   `db:"claimed_at"`
	PublishedAt   sql.NullTime   `db:"published_at"`
	TraceID       string         `db:"trace_id"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}
