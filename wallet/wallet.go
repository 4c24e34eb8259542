// Package wallet is the ledger-backed funds gateway. Every money move is an
// append-only entry keyed by an idempotency key, with running balance and
// reserved columns guarded by atomic conditional updates.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FlashTheFire/nexnum/store"
)

var (
	// ErrInsufficientBalance is returned when available funds (balance minus
	// reserved) cannot cover the requested amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrReservationMismatch is returned when a commit or rollback finds less
	// reserved than it expects, which means the hold was already settled.
	ErrReservationMismatch = errors.New("reservation mismatch")
)

// Entry kinds.
const (
	KindDeposit  = "deposit"
	KindReserve  = "reserve"
	KindCommit   = "commit"
	KindRollback = "rollback"
	KindRefund   = "refund"
)

// Account is a user's wallet row. Available funds are balance - reserved.
type Account struct {
	UserID    uuid.UUID       `db:"user_id"`
	Balance   decimal.Decimal `db:"balance"`
	Reserved  decimal.Decimal `db:"reserved"`
	Currency  string          `db:"currency"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Entry is one append-only ledger row.
type Entry struct {
	ID             uuid.UUID       `db:"id"`
	UserID         uuid.UUID       `db:"user_id"`
	Kind           string          `db:"kind"`
	Amount         decimal.Decimal `db:"amount"`
	Reason         string          `db:"reason"`
	Memo           string          `db:"memo"`
	IdempotencyKey string          `db:"idempotency_key"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Gateway executes ledger operations against the shared store. Methods take
// a store.Querier so holds and their activation rows commit atomically.
type Gateway struct{}

func NewGateway() *Gateway {
	return &Gateway{}
}

// EnsureAccount creates the wallet row for a user if it does not exist yet.
func (g *Gateway) EnsureAccount(ctx context.Context, q store.Querier, userID uuid.UUID, currency string) error {
	query := `
		INSERT INTO wallet_accounts (user_id, balance, reserved, currency, created_at, updated_at)
		VALUES ($1, 0, 0, $2, now(), now())
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := q.ExecContext(ctx, query, userID, currency); err != nil {
		return fmt.Errorf("failed to ensure wallet account: %w", err)
	}
	return nil
}

// GetAccount loads a user's wallet.
func (g *Gateway) GetAccount(ctx context.Context, q store.Querier, userID uuid.UUID) (*Account, error) {
	var account Account
	query := `SELECT user_id, balance, reserved, currency, created_at, updated_at
		FROM wallet_accounts WHERE user_id = $1`
	err := q.GetContext(ctx, &account, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet account: %w", err)
	}
	return &account, nil
}

// AvailableBalance returns balance minus reserved. Users without a wallet
// row have zero available.
func (g *Gateway) AvailableBalance(ctx context.Context, q store.Querier, userID uuid.UUID) (decimal.Decimal, error) {
	var available decimal.Decimal
	query := `SELECT (balance - reserved) AS available FROM wallet_accounts WHERE user_id = $1`
	err := q.GetContext(ctx, &available, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get available balance: %w", err)
	}
	return available, nil
}

// Deposit credits funds onto the balance.
func (g *Gateway) Deposit(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error) {
	if entryID, found, err := g.entryByKey(ctx, q, idemKey); err != nil || found {
		return entryID, err
	}

	if err := g.EnsureAccount(ctx, q, userID, "USD"); err != nil {
		return uuid.Nil, err
	}

	query := `UPDATE wallet_accounts SET balance = balance + $1, updated_at = now() WHERE user_id = $2`
	if _, err := q.ExecContext(ctx, query, amount, userID); err != nil {
		return uuid.Nil, fmt.Errorf("failed to deposit: %w", err)
	}

	return g.appendEntry(ctx, q, userID, KindDeposit, amount, reason, memo, idemKey)
}

// Reserve places a hold on available funds. The check and the hold are one
// atomic conditional update, so two rival purchases cannot both pass on the
// same money.
func (g *Gateway) Reserve(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error) {
	if entryID, found, err := g.entryByKey(ctx, q, idemKey); err != nil || found {
		return entryID, err
	}

	query := `
		UPDATE wallet_accounts
		SET reserved = reserved + $1, updated_at = now()
		WHERE user_id = $2
		  AND (balance - reserved) >= $1
	`
	result, err := q.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return uuid.Nil, ErrInsufficientBalance
	}

	return g.appendEntry(ctx, q, userID, KindReserve, amount, reason, memo, idemKey)
}

// Commit converts a hold into a charge: both balance and reserved drop by
// the amount.
func (g *Gateway) Commit(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error) {
	if entryID, found, err := g.entryByKey(ctx, q, idemKey); err != nil || found {
		return entryID, err
	}

	query := `
		UPDATE wallet_accounts
		SET balance = balance - $1, reserved = reserved - $1, updated_at = now()
		WHERE user_id = $2
		  AND reserved >= $1
		  AND balance >= $1
	`
	result, err := q.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit funds: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return uuid.Nil, ErrReservationMismatch
	}

	return g.appendEntry(ctx, q, userID, KindCommit, amount, reason, memo, idemKey)
}

// Rollback releases a hold without charging.
func (g *Gateway) Rollback(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error) {
	if entryID, found, err := g.entryByKey(ctx, q, idemKey); err != nil || found {
		return entryID, err
	}

	query := `
		UPDATE wallet_accounts
		SET reserved = reserved - $1, updated_at = now()
		WHERE user_id = $2
		  AND reserved >= $1
	`
	result, err := q.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to rollback reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return uuid.Nil, ErrReservationMismatch
	}

	return g.appendEntry(ctx, q, userID, KindRollback, amount, reason, memo, idemKey)
}

// Refund credits a previously committed charge back onto the balance.
func (g *Gateway) Refund(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error) {
	if entryID, found, err := g.entryByKey(ctx, q, idemKey); err != nil || found {
		return entryID, err
	}

	query := `UPDATE wallet_accounts SET balance = balance + $1, updated_at = now() WHERE user_id = $2`
	result, err := q.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to refund: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return uuid.Nil, store.ErrNotFound
	}

	return g.appendEntry(ctx, q, userID, KindRefund, amount, reason, memo, idemKey)
}

// ListEntries returns a user's ledger history, newest first.
func (g *Gateway) ListEntries(ctx context.Context, q store.Querier, userID uuid.UUID, limit int) ([]Entry, error) {
	var entries []Entry
	query := `
		SELECT id, user_id, kind, amount, reason, memo, idempotency_key, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	if err := q.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list wallet entries: %w", err)
	}
	return entries, nil
}

// entryByKey makes every operation replay-safe: if the idempotency key was
// already written, the original entry id is returned and nothing moves.
func (g *Gateway) entryByKey(ctx context.Context, q store.Querier, idemKey string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	query := `SELECT id FROM wallet_entries WHERE idempotency_key = $1`
	err := q.GetContext(ctx, &id, query, idemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return id, true, nil
}

func (g *Gateway) appendEntry(ctx context.Context, q store.Querier, userID uuid.UUID, kind string, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO wallet_entries (id, user_id, kind, amount, reason, memo, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`
	if _, err := q.ExecContext(ctx, query, id, userID, kind, amount, reason, memo, idemKey); err != nil {
		return uuid.Nil, fmt.Errorf("failed to append %s entry: %w", kind, err)
	}
	return id, nil
}
