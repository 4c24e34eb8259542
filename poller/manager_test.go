package poller_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlashTheFire/nexnum/activation"
	"github.com/FlashTheFire/nexnum/common/logger"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/poller"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

type fakeIndex struct {
	mu        sync.Mutex
	lockBusy  bool
	due       []uuid.UUID
	states    map[uuid.UUID]poller.ItemState
	scheduled map[uuid.UUID]time.Time
	removed   []uuid.UUID
}

func newFakeIndex(due ...uuid.UUID) *fakeIndex {
	return &fakeIndex{
		due:       due,
		states:    make(map[uuid.UUID]poller.ItemState),
		scheduled: make(map[uuid.UUID]time.Time),
	}
}

func (f *fakeIndex) AcquireLock(context.Context) (bool, error) { return !f.lockBusy, nil }
func (f *fakeIndex) ReleaseLock(context.Context) error         { return nil }

func (f *fakeIndex) Due(context.Context, time.Time, int) ([]uuid.UUID, error) {
	return f.due, nil
}

func (f *fakeIndex) States(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]poller.ItemState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]poller.ItemState, len(ids))
	for _, id := range ids {
		out[id] = f.states[id]
	}
	return out, nil
}

func (f *fakeIndex) Schedule(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = at
	return nil
}

func (f *fakeIndex) Reschedule(_ context.Context, id uuid.UUID, at time.Time, st poller.ItemState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = at
	f.states[id] = st
	return nil
}

func (f *fakeIndex) Remove(_ context.Context, ids ...uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
	return nil
}

type fakeStatusProviders struct {
	mu            sync.Mutex
	supportsBatch bool
	circuitOpen   bool
	results       map[string]*provider.StatusResult
	statusErr     error
	statusCalls   []string
	batchCalls    [][]string
}

func (f *fakeStatusProviders) SupportsBatch(string) bool { return f.supportsBatch }
func (f *fakeStatusProviders) CircuitOpen(string) bool   { return f.circuitOpen }

func (f *fakeStatusProviders) Status(_ context.Context, _, upstreamID string) (*provider.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, upstreamID)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if r, ok := f.results[upstreamID]; ok {
		return r, nil
	}
	return &provider.StatusResult{Status: provider.StatusPending}, nil
}

func (f *fakeStatusProviders) StatusBatch(_ context.Context, _ string, upstreamIDs []string) (map[string]*provider.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, upstreamIDs)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	out := make(map[string]*provider.StatusResult, len(upstreamIDs))
	for _, id := range upstreamIDs {
		if r, ok := f.results[id]; ok {
			out[id] = r
		} else {
			out[id] = &provider.StatusResult{Status: provider.StatusPending}
		}
	}
	return out, nil
}

type ingestCall struct {
	activationID uuid.UUID
	msgs         []activation.InboundSms
}

type fakeIngestor struct {
	mu     sync.Mutex
	calls  []ingestCall
	result activation.IngestResult
	err    error
}

func (f *fakeIngestor) IngestSms(_ context.Context, id uuid.UUID, msgs []activation.InboundSms) (activation.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{activationID: id, msgs: msgs})
	return f.result, f.err
}

type managerHarness struct {
	mock      sqlmock.Sqlmock
	index     *fakeIndex
	providers *fakeStatusProviders
	ingestor  *fakeIngestor
	manager   *poller.Manager
}

func newManagerHarness(t *testing.T, index *fakeIndex) *managerHarness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &managerHarness{
		mock:      mock,
		index:     index,
		providers: &fakeStatusProviders{results: make(map[string]*provider.StatusResult)},
		ingestor:  &fakeIngestor{},
	}
	h.manager = poller.NewManager(
		store.NewStoreWithDB(sqlx.NewDb(db, "sqlmock")),
		index,
		h.providers,
		h.ingestor,
		metrics.NewPollerMetrics(prometheus.NewRegistry(), "test"),
		logger.Discard(),
	)
	return h
}

var pollViewColumns = []string{
	"id", "user_id", "provider", "state", "provider_activation_id", "number_id",
	"created_at", "expires_at", "sms_count", "last_sms_at",
}

func addView(rows *sqlmock.Rows, id uuid.UUID, state model.ActivationState, upstreamID string, age time.Duration, smsCount int, lastSms any) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id.String(), uuid.New().String(), "smshub", string(state), upstreamID,
		uuid.New().String(), now.Add(-age), now.Add(5*time.Minute), smsCount, lastSms,
	)
}

func TestRunCycleSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	index := newFakeIndex(uuid.New())
	index.lockBusy = true
	h := newManagerHarness(t, index)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Nil(t, stats)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleEmptyIndexIsANoop(t *testing.T) {
	h := newManagerHarness(t, newFakeIndex())

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.TotalPolled)
	assert.Empty(t, h.providers.statusCalls)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleBatchesLargeGroups(t *testing.T) {
	ids := make([]uuid.UUID, 6)
	for i := range ids {
		ids[i] = uuid.New()
	}
	index := newFakeIndex(ids...)
	h := newManagerHarness(t, index)
	h.providers.supportsBatch = true

	rows := sqlmock.NewRows(pollViewColumns)
	for i, id := range ids {
		rows = addView(rows, id, model.StateActive, "u-"+string(rune('a'+i)), 4*time.Minute, 0, nil)
	}
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, h.providers.batchCalls, 1)
	assert.Len(t, h.providers.batchCalls[0], 6)
	assert.Empty(t, h.providers.statusCalls)

	assert.Equal(t, 6, stats.TotalPolled)
	assert.Equal(t, 1, stats.ProvidersPolled)
	assert.Equal(t, 5, stats.APICallsSaved)
	assert.Equal(t, 6, stats.PhaseDistribution[poller.PhaseLt5m])

	// Every item got a next poll and an incremented attempt counter.
	assert.Len(t, index.scheduled, 6)
	for _, id := range ids {
		assert.Equal(t, 1, index.states[id].Attempt)
	}
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleSmallGroupsPollIndividually(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	index := newFakeIndex(ids...)
	h := newManagerHarness(t, index)
	h.providers.supportsBatch = true

	rows := sqlmock.NewRows(pollViewColumns)
	for i, id := range ids {
		rows = addView(rows, id, model.StateActive, "u-"+string(rune('a'+i)), 4*time.Minute, 0, nil)
	}
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.providers.batchCalls)
	assert.ElementsMatch(t, []string{"u-a", "u-b", "u-c"}, h.providers.statusCalls)
	assert.Zero(t, stats.APICallsSaved)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleIngestsSmsAndSwitchesToPostSmsCadence(t *testing.T) {
	id := uuid.New()
	index := newFakeIndex(id)
	h := newManagerHarness(t, index)
	h.providers.results["u-1"] = &provider.StatusResult{
		Status: provider.StatusReceived,
		Messages: []provider.Message{
			{ID: "m1", Sender: "Telegram", Content: "Your code is 48213", Code: "48213", ReceivedAt: time.Now()},
		},
	}
	h.ingestor.result = activation.IngestResult{Stored: 1, FirstSms: true}

	rows := addView(sqlmock.NewRows(pollViewColumns), id, model.StateActive, "u-1", 90*time.Second, 0, nil)
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, h.ingestor.calls, 1)
	assert.Equal(t, id, h.ingestor.calls[0].activationID)
	require.Len(t, h.ingestor.calls[0].msgs, 1)
	assert.Equal(t, "48213", h.ingestor.calls[0].msgs[0].Code)

	assert.Equal(t, 1, stats.SmsReceived)
	assert.Equal(t, 1, stats.PhaseDistribution[poller.PhasePostLt30s])
	assert.Contains(t, index.scheduled, id)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleDropsFinishedAndMissingRows(t *testing.T) {
	finished := uuid.New()
	live := uuid.New()
	vanished := uuid.New()
	index := newFakeIndex(finished, live, vanished)
	h := newManagerHarness(t, index)

	rows := sqlmock.NewRows(pollViewColumns)
	rows = addView(rows, finished, model.StateCancelled, "u-1", 5*time.Minute, 0, nil)
	rows = addView(rows, live, model.StateActive, "u-2", 5*time.Minute, 0, nil)
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []uuid.UUID{finished, vanished}, index.removed)
	assert.Equal(t, []string{"u-2"}, h.providers.statusCalls)
	assert.Equal(t, 1, stats.TotalPolled)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleCircuitOpenDefersWithoutCalling(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	index := newFakeIndex(ids...)
	h := newManagerHarness(t, index)
	h.providers.circuitOpen = true
	h.providers.supportsBatch = true

	rows := sqlmock.NewRows(pollViewColumns)
	rows = addView(rows, ids[0], model.StateActive, "u-1", 5*time.Minute, 0, nil)
	rows = addView(rows, ids[1], model.StateActive, "u-2", 5*time.Minute, 0, nil)
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.providers.statusCalls)
	assert.Empty(t, h.providers.batchCalls)
	assert.Equal(t, 2, stats.PhaseDistribution[poller.PhaseCircuitOpen])
	assert.Len(t, index.scheduled, 2)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleRemovesUpstreamFinishedNumbers(t *testing.T) {
	id := uuid.New()
	index := newFakeIndex(id)
	h := newManagerHarness(t, index)
	h.providers.results["u-1"] = &provider.StatusResult{Status: provider.StatusCancelled}

	rows := addView(sqlmock.NewRows(pollViewColumns), id, model.StateActive, "u-1", 5*time.Minute, 0, nil)
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	_, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Contains(t, index.removed, id)
	assert.NotContains(t, index.scheduled, id)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCycleRetiresErrorExhaustedItems(t *testing.T) {
	id := uuid.New()
	index := newFakeIndex(id)
	index.states[id] = poller.ItemState{Attempt: 14, Errors: 9}
	h := newManagerHarness(t, index)
	h.providers.statusErr = errors.New("upstream 500")

	rows := addView(sqlmock.NewRows(pollViewColumns), id, model.StateActive, "u-1", 8*time.Minute, 0, nil)
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Errors)
	assert.Contains(t, index.removed, id)
	assert.NotContains(t, index.scheduled, id)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunCyclePollErrorBacksOff(t *testing.T) {
	id := uuid.New()
	index := newFakeIndex(id)
	h := newManagerHarness(t, index)
	h.providers.statusErr = errors.New("upstream 500")

	rows := addView(sqlmock.NewRows(pollViewColumns), id, model.StateActive, "u-1", 8*time.Minute, 0, nil)
	h.mock.ExpectQuery("SELECT a.id, a.user_id").WillReturnRows(rows)

	stats, err := h.manager.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.PhaseDistribution[poller.PhaseErrorBackoff])
	assert.Contains(t, index.scheduled, id)
	assert.Equal(t, poller.ItemState{Attempt: 1, Errors: 1}, index.states[id])
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestManagerSchedulesThroughIndex(t *testing.T) {
	index := newFakeIndex()
	h := newManagerHarness(t, index)
	id := uuid.New()
	at := time.Now().Add(time.Minute)

	require.NoError(t, h.manager.Schedule(context.Background(), id, at))
	assert.Equal(t, at, index.scheduled[id])

	require.NoError(t, h.manager.Remove(context.Background(), id))
	assert.Equal(t, []uuid.UUID{id}, index.removed)
}
