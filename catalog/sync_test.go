package catalog_test

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlashTheFire/nexnum/catalog"
	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/common/logger"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

type fakeSource struct {
	names  []string
	offers map[string][]provider.Offer
	err    error
}

func (f *fakeSource) Names() []string { return f.names }

func (f *fakeSource) ListOffers(_ context.Context, name string) ([]provider.Offer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.offers[name], nil
}

// jsonCapture decodes the outbox payload argument into dst so the test can
// assert on the batch contents.
type jsonCapture struct {
	dst *catalog.OfferEvent
}

func (c jsonCapture) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	return json.Unmarshal(b, c.dst) == nil
}

func newSyncHarness(t *testing.T, source *fakeSource) (*catalog.Syncer, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewStoreWithDB(sqlx.NewDb(db, "sqlmock"))
	return catalog.NewSyncer(st, source, time.Hour, logger.Discard()), mock
}

func TestSyncProviderEnqueuesBatchWithPurgeCutoff(t *testing.T) {
	source := &fakeSource{
		names: []string{"smshub"},
		offers: map[string][]provider.Offer{
			"smshub": {
				{Country: "12", Service: "tg", Operator: "any", Price: decimal.RequireFromString("12.5"), Stock: 9},
				{Country: "12", Service: "wa", Price: decimal.RequireFromString("7"), Stock: 2},
			},
		},
	}
	syncer, mock := newSyncHarness(t, source)

	var batch catalog.OfferEvent
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), "offer", sqlmock.AnyArg(), broker.OfferCreatedEvent,
			jsonCapture{&batch}, model.OutboxPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, syncer.SyncProvider(context.Background(), "smshub"))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "smshub", batch.Provider)
	require.Len(t, batch.Offers, 2)
	assert.Equal(t, "smshub_12_tg_any", batch.Offers[0].OfferID)
	assert.Equal(t, "Telegram", batch.Offers[0].ServiceName)
	assert.Equal(t, "USA", batch.Offers[0].CountryName)
	assert.Equal(t, 12.5, batch.Offers[0].Price)
	// Bare operators normalize so document ids stay stable across adapters.
	assert.Equal(t, "smshub_12_wa_any", batch.Offers[1].OfferID)
	assert.NotZero(t, batch.PurgeBefore)
	assert.Equal(t, batch.Offers[0].SyncedAt, batch.PurgeBefore)
}

func TestSyncProviderSplitsLargePriceLists(t *testing.T) {
	offers := make([]provider.Offer, 501)
	for i := range offers {
		offers[i] = provider.Offer{
			Country:  "12",
			Service:  "tg",
			Operator: string(rune('a' + i%26)),
			Price:    decimal.NewFromInt(int64(i%40 + 1)),
			Stock:    3,
		}
	}
	source := &fakeSource{names: []string{"smshub"}, offers: map[string][]provider.Offer{"smshub": offers}}
	syncer, mock := newSyncHarness(t, source)

	var first, last catalog.OfferEvent
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), "offer", sqlmock.AnyArg(), broker.OfferCreatedEvent,
			jsonCapture{&first}, model.OutboxPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), "offer", sqlmock.AnyArg(), broker.OfferCreatedEvent,
			jsonCapture{&last}, model.OutboxPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, syncer.SyncProvider(context.Background(), "smshub"))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Len(t, first.Offers, 500)
	assert.Zero(t, first.PurgeBefore)
	assert.Len(t, last.Offers, 1)
	assert.NotZero(t, last.PurgeBefore)
}

func TestSyncProviderSkipsEmptyPriceList(t *testing.T) {
	source := &fakeSource{names: []string{"smshub"}, offers: map[string][]provider.Offer{}}
	syncer, mock := newSyncHarness(t, source)

	require.NoError(t, syncer.SyncProvider(context.Background(), "smshub"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncAllIsolatesProviderFailures(t *testing.T) {
	source := &fakeSource{names: []string{"smshub"}, err: errors.New("upstream down")}
	syncer, mock := newSyncHarness(t, source)

	// The failed list never reaches the store.
	syncer.SyncAll(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}
