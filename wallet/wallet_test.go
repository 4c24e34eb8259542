package wallet_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlashTheFire/nexnum/store"
	"github.com/FlashTheFire/nexnum/wallet"
)

func newMockQuerier(t *testing.T) (store.Querier, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestReserveInsufficientBalance(t *testing.T) {
	q, mock := newMockQuerier(t)
	g := wallet.NewGateway()
	userID := uuid.New()

	mock.ExpectQuery("SELECT id FROM wallet_entries").
		WillReturnError(sql.ErrNoRows)
	// The conditional update matches nothing when available < amount.
	mock.ExpectExec("UPDATE wallet_accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := g.Reserve(context.Background(), q, userID, decimal.NewFromInt(10), "number purchase", "", "reserve_k1")
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveHappyPath(t *testing.T) {
	q, mock := newMockQuerier(t)
	g := wallet.NewGateway()
	userID := uuid.New()

	mock.ExpectQuery("SELECT id FROM wallet_entries").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE wallet_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO wallet_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entryID, err := g.Reserve(context.Background(), q, userID, decimal.NewFromInt(10), "number purchase", "", "reserve_k1")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, entryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveIsIdempotent(t *testing.T) {
	q, mock := newMockQuerier(t)
	g := wallet.NewGateway()
	userID := uuid.New()
	existing := uuid.New()

	// A prior entry with the same key short-circuits: no update, no new row.
	mock.ExpectQuery("SELECT id FROM wallet_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.String()))

	entryID, err := g.Reserve(context.Background(), q, userID, decimal.NewFromInt(10), "number purchase", "", "reserve_k1")
	require.NoError(t, err)
	assert.Equal(t, existing, entryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitReservationMismatch(t *testing.T) {
	q, mock := newMockQuerier(t)
	g := wallet.NewGateway()

	mock.ExpectQuery("SELECT id FROM wallet_entries").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE wallet_accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := g.Commit(context.Background(), q, uuid.New(), decimal.NewFromInt(10), "number purchase", "", "capture_k1")
	assert.ErrorIs(t, err, wallet.ErrReservationMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAvailableBalanceMissingAccountIsZero(t *testing.T) {
	q, mock := newMockQuerier(t)
	g := wallet.NewGateway()

	mock.ExpectQuery("SELECT \\(balance - reserved\\)").
		WillReturnError(sql.ErrNoRows)

	available, err := g.AvailableBalance(context.Background(), q, uuid.New())
	require.NoError(t, err)
	assert.True(t, available.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
