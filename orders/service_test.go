package orders_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlashTheFire/nexnum/activation"
	"github.com/FlashTheFire/nexnum/catalog"
	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/common/logger"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/orders"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

type publishedEvent struct {
	event   string
	payload any
}

type fakeSink struct {
	mu         sync.Mutex
	events     []publishedEvent
	userEvents []string
}

func (f *fakeSink) PublishEvent(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{event: event, payload: payload})
	return nil
}

func (f *fakeSink) PublishUserEvent(_ context.Context, userID string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userEvents = append(f.userEvents, userID)
	return nil
}

func (f *fakeSink) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.events))
	for _, e := range f.events {
		names = append(names, e.event)
	}
	return names
}

type ledgerCall struct {
	kind   string
	amount decimal.Decimal
	key    string
}

type fakeLedger struct {
	available  decimal.Decimal
	reserveErr error
	commitErr  error
	calls      []ledgerCall
}

func (f *fakeLedger) AvailableBalance(_ context.Context, _ store.Querier, _ uuid.UUID) (decimal.Decimal, error) {
	return f.available, nil
}

func (f *fakeLedger) record(kind string, amount decimal.Decimal, key string, err error) (uuid.UUID, error) {
	f.calls = append(f.calls, ledgerCall{kind: kind, amount: amount, key: key})
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.New(), nil
}

func (f *fakeLedger) Reserve(_ context.Context, _ store.Querier, _ uuid.UUID, amount decimal.Decimal, _, _, idemKey string) (uuid.UUID, error) {
	return f.record("reserve", amount, idemKey, f.reserveErr)
}

func (f *fakeLedger) Commit(_ context.Context, _ store.Querier, _ uuid.UUID, amount decimal.Decimal, _, _, idemKey string) (uuid.UUID, error) {
	return f.record("commit", amount, idemKey, f.commitErr)
}

func (f *fakeLedger) Rollback(_ context.Context, _ store.Querier, _ uuid.UUID, amount decimal.Decimal, _, _, idemKey string) (uuid.UUID, error) {
	return f.record("rollback", amount, idemKey, nil)
}

type acquireReq struct {
	name    string
	country string
	service string
	opts    provider.AcquireOpts
}

type fakeProviders struct {
	acquired       *provider.Acquired
	acquireErr     error
	acquireReqs    []acquireReq
	cancelled      []string
	cancelErr      error
	resent         []string
	resendErr      error
	balance        decimal.Decimal
	supportsResend bool
}

func (f *fakeProviders) Acquire(_ context.Context, name, country, service string, opts provider.AcquireOpts) (*provider.Acquired, error) {
	f.acquireReqs = append(f.acquireReqs, acquireReq{name: name, country: country, service: service, opts: opts})
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.acquired, nil
}

func (f *fakeProviders) Cancel(_ context.Context, _, upstreamID string) error {
	f.cancelled = append(f.cancelled, upstreamID)
	return f.cancelErr
}

func (f *fakeProviders) RequestResend(_ context.Context, _, upstreamID string) error {
	f.resent = append(f.resent, upstreamID)
	return f.resendErr
}

func (f *fakeProviders) Balance(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeProviders) SupportsResend(_ string) bool { return f.supportsResend }

type fakeResolver struct {
	offer   *catalog.Offer
	err     error
	queries []catalog.ResolveQuery
}

func (f *fakeResolver) Resolve(_ context.Context, q catalog.ResolveQuery) (*catalog.Offer, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.offer, nil
}

type fakeScheduler struct {
	scheduled []uuid.UUID
	removed   []uuid.UUID
}

func (f *fakeScheduler) Schedule(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.scheduled = append(f.scheduled, id)
	return nil
}

func (f *fakeScheduler) Remove(_ context.Context, ids ...uuid.UUID) error {
	f.removed = append(f.removed, ids...)
	return nil
}

type fakeRefunder struct {
	refunded []uuid.UUID
	reasons  []string
	err      error
}

func (f *fakeRefunder) Refund(_ context.Context, id uuid.UUID, reason string) error {
	f.refunded = append(f.refunded, id)
	f.reasons = append(f.reasons, reason)
	return f.err
}

type orderHarness struct {
	mock      sqlmock.Sqlmock
	sink      *fakeSink
	ledger    *fakeLedger
	providers *fakeProviders
	resolver  *fakeResolver
	scheduler *fakeScheduler
	refunder  *fakeRefunder
	service   *orders.Service
}

func newOrderHarness(t *testing.T) *orderHarness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewStoreWithDB(sqlx.NewDb(db, "sqlmock"))
	sink := &fakeSink{}
	m := metrics.NewActivationMetrics(prometheus.NewRegistry(), "test")
	kernel := activation.NewKernel(st, sink, m, logger.Discard())

	h := &orderHarness{
		mock: mock,
		sink: sink,
		ledger: &fakeLedger{
			available: decimal.RequireFromString("100"),
		},
		providers: &fakeProviders{
			acquired: &provider.Acquired{UpstreamID: "784451", Phone: "14155550123"},
		},
		resolver:  &fakeResolver{},
		scheduler: &fakeScheduler{},
		refunder:  &fakeRefunder{},
	}
	h.service = orders.NewService(orders.Deps{
		Store:     st,
		Ledger:    h.ledger,
		Kernel:    kernel,
		Providers: h.providers,
		Resolver:  h.resolver,
		Scheduler: h.scheduler,
		Refunder:  h.refunder,
		Metrics:   m,
		Logger:    logger.Discard(),
	})
	return h
}

var activationColumns = []string{
	"id", "user_id", "service", "country", "operator", "provider", "price", "state",
	"provider_activation_id", "phone", "number_id", "reservation_entry_id", "capture_entry_id",
	"refund_entry_id", "idempotency_key", "failure_reason", "trace_id", "expires_at",
	"created_at", "updated_at",
}

// orderRow builds an activation row. upstreamID, numberID, reservationEntry
// and expiresAt accept nil for NULL columns.
func orderRow(id, userID uuid.UUID, state model.ActivationState, upstreamID, phone, numberID, reservationEntry, expiresAt any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(activationColumns).AddRow(
		id.String(), userID.String(), "tg", "12", "any", "smshub", "12.5000", string(state),
		upstreamID, phone, numberID, reservationEntry, nil, nil, nil, nil, "trace-1", expiresAt, now, now,
	)
}

func pinnedRequest(userID uuid.UUID) orders.PurchaseRequest {
	return orders.PurchaseRequest{
		UserID:   userID,
		Country:  "12",
		Service:  "tg",
		Provider: "smshub",
		MaxPrice: decimal.RequireFromString("12.5"),
	}
}

// expectReserveTx matches the first saga transaction for a purchase without
// a catalog offer: activation insert, audit row and the delayed replay row.
func expectReserveTx(h *orderHarness) {
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO activations").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()
}

func TestPurchasePinnedProviderHappyPath(t *testing.T) {
	h := newOrderHarness(t)
	userID := uuid.New()

	expectReserveTx(h)

	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO numbers").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WillReturnRows(orderRow(uuid.New(), userID, model.StateReserved, nil, nil, nil, uuid.New().String(), nil))
	h.mock.ExpectExec("UPDATE activations").
		WithArgs(model.StateActive, sqlmock.AnyArg(), sqlmock.AnyArg(), model.StateReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("UPDATE activations SET provider_activation_id").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	result, err := h.service.Purchase(context.Background(), pinnedRequest(userID))
	require.NoError(t, err)

	assert.Equal(t, model.StateActive, result.State)
	assert.Equal(t, "14155550123", result.Phone)
	assert.Equal(t, "smshub", result.Provider)
	assert.True(t, result.Price.Equal(decimal.RequireFromString("12.5")))
	assert.WithinDuration(t, time.Now().Add(activation.BaseNumberWindow), result.ExpiresAt, 2*time.Second)
	assert.False(t, result.Replayed)

	// The catalog was bypassed; the adapter got the pinned codes verbatim.
	assert.Empty(t, h.resolver.queries)
	require.Len(t, h.providers.acquireReqs, 1)
	assert.Equal(t, "12", h.providers.acquireReqs[0].country)
	assert.Equal(t, "tg", h.providers.acquireReqs[0].service)

	require.Len(t, h.ledger.calls, 2)
	assert.Equal(t, "reserve", h.ledger.calls[0].kind)
	assert.Equal(t, "commit", h.ledger.calls[1].kind)
	assert.Equal(t, "commit_"+result.ActivationID.String(), h.ledger.calls[1].key)

	require.Len(t, h.scheduler.scheduled, 1)
	assert.Equal(t, result.ActivationID, h.scheduler.scheduled[0])

	assert.Contains(t, h.sink.eventNames(), broker.ActivationActiveEvent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPurchaseResolvesOfferAndHoldsStock(t *testing.T) {
	h := newOrderHarness(t)
	userID := uuid.New()
	h.resolver.offer = &catalog.Offer{
		OfferID:     "smshub_12_tg_any",
		Provider:    "smshub",
		CountryCode: "12",
		CountryName: "USA",
		ServiceCode: "tg",
		ServiceName: "Telegram",
		Operator:    "any",
		Price:       12.5,
		Stock:       7,
		Active:      true,
	}

	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO activations").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("INSERT INTO offer_reservations").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO numbers").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WillReturnRows(orderRow(uuid.New(), userID, model.StateReserved, nil, nil, nil, uuid.New().String(), nil))
	h.mock.ExpectExec("UPDATE activations").
		WithArgs(model.StateActive, sqlmock.AnyArg(), sqlmock.AnyArg(), model.StateReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("UPDATE activations SET provider_activation_id").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("UPDATE offer_reservations").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	result, err := h.service.Purchase(context.Background(), orders.PurchaseRequest{
		UserID:  userID,
		Country: "usa",
		Service: "telegram",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, result.State)

	require.Len(t, h.resolver.queries, 1)
	assert.Equal(t, "usa", h.resolver.queries[0].Country)
	assert.Equal(t, "telegram", h.resolver.queries[0].Service)

	// The adapter is called with the offer's provider-native codes.
	require.Len(t, h.providers.acquireReqs, 1)
	assert.Equal(t, "smshub", h.providers.acquireReqs[0].name)
	assert.Equal(t, "12", h.providers.acquireReqs[0].country)
	assert.Equal(t, "tg", h.providers.acquireReqs[0].service)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPurchaseReplayReturnsExistingOrder(t *testing.T) {
	h := newOrderHarness(t)
	userID := uuid.New()
	existing := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE user_id").
		WithArgs(userID, "order-77").
		WillReturnRows(orderRow(existing, userID, model.StateActive, "784451", "14155550123", uuid.New().String(), nil, nil))

	req := pinnedRequest(userID)
	req.IdempotencyKey = "order-77"

	result, err := h.service.Purchase(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.Replayed)
	assert.Equal(t, existing, result.ActivationID)
	assert.Equal(t, "14155550123", result.Phone)

	// No money moved and no upstream call happened.
	assert.Empty(t, h.ledger.calls)
	assert.Empty(t, h.providers.acquireReqs)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPurchaseInsufficientBalanceStopsBeforeReserve(t *testing.T) {
	h := newOrderHarness(t)
	h.ledger.available = decimal.RequireFromString("3")

	_, err := h.service.Purchase(context.Background(), pinnedRequest(uuid.New()))
	require.Error(t, err)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.CodeInsufficientBalance, oe.Code)
	assert.Empty(t, h.ledger.calls)
	assert.Empty(t, h.providers.acquireReqs)
}

func TestPurchaseNoNumbersReleasesHold(t *testing.T) {
	h := newOrderHarness(t)
	h.providers.acquireErr = provider.ErrNoNumbers

	expectReserveTx(h)

	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE activations SET refund_entry_id").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WillReturnRows(orderRow(uuid.New(), uuid.New(), model.StateReserved, nil, nil, nil, uuid.New().String(), nil))
	h.mock.ExpectExec("UPDATE activations").
		WithArgs(model.StateFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), model.StateReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("UPDATE activations SET failure_reason").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	_, err := h.service.Purchase(context.Background(), pinnedRequest(uuid.New()))
	require.Error(t, err)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.CodeProviderError, oe.Code)
	assert.Contains(t, oe.Message, "no numbers available")

	// The hold is released under the same activation id it was taken for.
	require.Len(t, h.ledger.calls, 2)
	assert.Equal(t, "reserve", h.ledger.calls[0].kind)
	assert.Equal(t, "rollback", h.ledger.calls[1].kind)
	reserved := strings.TrimPrefix(h.ledger.calls[0].key, "reserve_")
	released := strings.TrimPrefix(h.ledger.calls[1].key, "release_")
	assert.Equal(t, reserved, released)

	assert.Contains(t, h.sink.eventNames(), broker.ActivationFailedEvent)
	assert.Empty(t, h.scheduler.scheduled)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPurchaseCommitFailureQueuesCancelCompensation(t *testing.T) {
	h := newOrderHarness(t)

	expectReserveTx(h)

	// The saga transaction dies on the numbers insert.
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO numbers").WillReturnError(errors.New("connection reset"))
	h.mock.ExpectRollback()

	// Compensation: durable cancel event, hold release, FAILED, replay row
	// retired.
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WillReturnRows(orderRow(uuid.New(), uuid.New(), model.StateReserved, nil, nil, nil, uuid.New().String(), nil))
	h.mock.ExpectExec("UPDATE activations").
		WithArgs(model.StateFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), model.StateReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	_, err := h.service.Purchase(context.Background(), pinnedRequest(uuid.New()))
	require.Error(t, err)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.CodeSystemError, oe.Code)
	assert.Contains(t, oe.Message, "auto-cancelled")
	assert.False(t, oe.Retryable)

	// Money is settled: the captured attempt rolled back with the
	// transaction and the hold was released.
	require.Len(t, h.ledger.calls, 3)
	assert.Equal(t, "reserve", h.ledger.calls[0].kind)
	assert.Equal(t, "commit", h.ledger.calls[1].kind)
	assert.Equal(t, "rollback", h.ledger.calls[2].kind)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCancelActiveOrder(t *testing.T) {
	h := newOrderHarness(t)
	id := uuid.New()
	userID := uuid.New()
	numberID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateActive, "784451", "14155550123", numberID.String(), nil, nil))

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateActive, "784451", "14155550123", numberID.String(), nil, nil))
	h.mock.ExpectExec("UPDATE activations").
		WithArgs(model.StateCancelled, sqlmock.AnyArg(), id, model.StateActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("UPDATE numbers SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	err := h.service.Cancel(context.Background(), id, userID)
	require.NoError(t, err)

	assert.Equal(t, []string{"784451"}, h.providers.cancelled)
	assert.Equal(t, []uuid.UUID{id}, h.scheduler.removed)
	assert.Equal(t, []uuid.UUID{id}, h.refunder.refunded)
	assert.Contains(t, h.sink.eventNames(), broker.ActivationCancelledEvent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCancelRejectsDeliveredOrder(t *testing.T) {
	h := newOrderHarness(t)
	id := uuid.New()
	userID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateReceived, "784451", "14155550123", uuid.New().String(), nil, nil))

	err := h.service.Cancel(context.Background(), id, userID)
	require.Error(t, err)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.CodeInvalidRequest, oe.Code)
	assert.Empty(t, h.providers.cancelled)
	assert.Empty(t, h.refunder.refunded)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCancelHidesForeignOrder(t *testing.T) {
	h := newOrderHarness(t)
	id := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, uuid.New(), model.StateActive, "784451", "14155550123", uuid.New().String(), nil, nil))

	err := h.service.Cancel(context.Background(), id, uuid.New())
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	assert.Empty(t, h.providers.cancelled)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestResendExtendsExpiryAndSchedulesHotPoll(t *testing.T) {
	h := newOrderHarness(t)
	h.providers.supportsResend = true
	id := uuid.New()
	userID := uuid.New()
	numberID := uuid.New()
	currentExpiry := time.Now().Add(2 * time.Minute)

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateReceived, "784451", "14155550123", numberID.String(), nil, currentExpiry))
	h.mock.ExpectQuery("SELECT COUNT(.+) FROM sms_messages").
		WithArgs(numberID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateReceived, "784451", "14155550123", numberID.String(), nil, currentExpiry))
	h.mock.ExpectExec("UPDATE activations SET expires_at").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("UPDATE numbers").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	err := h.service.ResendSms(context.Background(), id, userID)
	require.NoError(t, err)

	assert.Equal(t, []string{"784451"}, h.providers.resent)
	assert.Equal(t, []uuid.UUID{id}, h.scheduler.scheduled)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestResendRequiresFirstSms(t *testing.T) {
	h := newOrderHarness(t)
	h.providers.supportsResend = true
	id := uuid.New()
	userID := uuid.New()
	numberID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateActive, "784451", "14155550123", numberID.String(), nil, nil))
	h.mock.ExpectQuery("SELECT COUNT(.+) FROM sms_messages").
		WithArgs(numberID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := h.service.ResendSms(context.Background(), id, userID)
	require.Error(t, err)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.CodeInvalidRequest, oe.Code)
	assert.Empty(t, h.providers.resent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestResendUnsupportedProvider(t *testing.T) {
	h := newOrderHarness(t)
	h.providers.supportsResend = false
	id := uuid.New()
	userID := uuid.New()
	numberID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateActive, "784451", "14155550123", numberID.String(), nil, nil))
	h.mock.ExpectQuery("SELECT COUNT(.+) FROM sms_messages").
		WithArgs(numberID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	err := h.service.ResendSms(context.Background(), id, userID)
	require.Error(t, err)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.CodeNotSupported, oe.Code)
	assert.Empty(t, h.providers.resent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDriveReservedAcquisitionSkipsSettledOrder(t *testing.T) {
	h := newOrderHarness(t)
	id := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, uuid.New(), model.StateActive, "784451", "14155550123", uuid.New().String(), nil, nil))

	err := h.service.DriveReservedAcquisition(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, h.providers.acquireReqs)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDriveReservedAcquisitionReplaysStuckOrder(t *testing.T) {
	h := newOrderHarness(t)
	id := uuid.New()
	userID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id").
		WithArgs(id).
		WillReturnRows(orderRow(id, userID, model.StateReserved, nil, nil, nil, uuid.New().String(), nil))
	h.mock.ExpectQuery("SELECT (.+) FROM offer_reservations").
		WithArgs(id, model.ReservationPending).
		WillReturnError(sql.ErrNoRows)

	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO numbers").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectQuery("SELECT (.+) FROM activations WHERE id (.+) FOR UPDATE").
		WillReturnRows(orderRow(id, userID, model.StateReserved, nil, nil, nil, uuid.New().String(), nil))
	h.mock.ExpectExec("UPDATE activations").
		WithArgs(model.StateActive, sqlmock.AnyArg(), sqlmock.AnyArg(), model.StateReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO activation_state_history").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec("UPDATE activations SET provider_activation_id").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	err := h.service.DriveReservedAcquisition(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, h.providers.acquireReqs, 1)
	require.Len(t, h.ledger.calls, 1)
	assert.Equal(t, "commit", h.ledger.calls[0].kind)
	assert.Equal(t, "commit_"+id.String(), h.ledger.calls[0].key)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
