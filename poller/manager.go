package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/FlashTheFire/nexnum/activation"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

var tracer = otel.Tracer("poller")

const (
	tickInterval    = 2 * time.Second
	cycleFetchLimit = 500

	// A provider group rides the batch endpoint once it is worth it.
	batchThreshold = 5
	chunkSize      = 20
	chunkParallel  = 3
	chunkTimeout   = 10 * time.Second

	// After this many consecutive poll failures the item leaves the index;
	// the reaper settles it at expiry.
	maxConsecutiveErrors = 10
)

// Providers is the slice of the adapter registry the manager drives.
type Providers interface {
	SupportsBatch(name string) bool
	CircuitOpen(name string) bool
	Status(ctx context.Context, name, upstreamID string) (*provider.StatusResult, error)
	StatusBatch(ctx context.Context, name string, upstreamIDs []string) (map[string]*provider.StatusResult, error)
}

// Ingestor feeds polled messages into the activation lifecycle.
type Ingestor interface {
	IngestSms(ctx context.Context, activationID uuid.UUID, msgs []activation.InboundSms) (activation.IngestResult, error)
}

// Index is the scheduling store behind the manager.
type Index interface {
	AcquireLock(ctx context.Context) (bool, error)
	ReleaseLock(ctx context.Context) error
	Due(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	States(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ItemState, error)
	Schedule(ctx context.Context, activationID uuid.UUID, at time.Time) error
	Reschedule(ctx context.Context, activationID uuid.UUID, at time.Time, state ItemState) error
	Remove(ctx context.Context, activationIDs ...uuid.UUID) error
}

// CycleStats is the report of one poll cycle.
type CycleStats struct {
	TotalPolled       int
	ProvidersPolled   int
	SmsReceived       int
	Errors            int
	APICallsSaved     int
	Duration          time.Duration
	PhaseDistribution map[string]int
}

// Manager runs the adaptive poll loop over all live numbers. One instance
// cluster-wide executes a cycle at a time; the due index arbitrates through
// the cycle lock.
type Manager struct {
	store     *store.Store
	index     Index
	providers Providers
	ingestor  Ingestor
	metrics   *metrics.PollerMetrics
	logger    *slog.Logger

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewManager(st *store.Store, index Index, providers Providers, ingestor Ingestor, m *metrics.PollerMetrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		index:     index,
		providers: providers,
		ingestor:  ingestor,
		metrics:   m,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Schedule adds an activation to the due index and nudges the loop when the
// poll lands before the next tick. Satisfies the orchestrator's scheduler
// dependency.
func (m *Manager) Schedule(ctx context.Context, activationID uuid.UUID, at time.Time) error {
	if err := m.index.Schedule(ctx, activationID, at); err != nil {
		return err
	}
	if time.Until(at) < tickInterval {
		m.Wake()
	}
	return nil
}

// Remove drops activations from the poll loop.
func (m *Manager) Remove(ctx context.Context, activationIDs ...uuid.UUID) error {
	return m.index.Remove(ctx, activationIDs...)
}

// Wake triggers a cycle without waiting for the ticker.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start runs the poll loop in the background until Stop or context end.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.wake:
		}

		if _, err := m.RunCycle(ctx); err != nil {
			m.logger.Error("poll cycle failed", slog.String("error", err.Error()))
		}
	}
}

// RunCycle executes one lock-gated poll pass. A nil stats return means
// another instance holds the lock.
func (m *Manager) RunCycle(ctx context.Context) (*CycleStats, error) {
	locked, err := m.index.AcquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil
	}
	defer func() {
		if err := m.index.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("failed to release poll lock", slog.String("error", err.Error()))
		}
	}()

	ctx, span := tracer.Start(ctx, "poller.cycle")
	defer span.End()

	start := time.Now()
	stats := &CycleStats{PhaseDistribution: make(map[string]int)}

	ids, err := m.index.Due(ctx, start, cycleFetchLimit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	views, err := m.store.ListPollViews(ctx, m.store.DB(), ids)
	if err != nil {
		return nil, err
	}

	pollable, gone := splitPollable(ids, views)
	if len(gone) > 0 {
		if err := m.index.Remove(ctx, gone...); err != nil {
			m.logger.Warn("failed to drop finished items from due index",
				slog.Int("count", len(gone)),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(pollable) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	pollableIDs := make([]uuid.UUID, len(pollable))
	for i, v := range pollable {
		pollableIDs[i] = v.ID
	}
	states, err := m.index.States(ctx, pollableIDs)
	if err != nil {
		m.logger.Warn("failed to load poll states, using defaults", slog.String("error", err.Error()))
		states = make(map[uuid.UUID]ItemState)
	}

	groups := make(map[string][]model.PollView)
	for _, v := range pollable {
		groups[v.Provider] = append(groups[v.Provider], v)
	}
	stats.TotalPolled = len(pollable)
	stats.ProvidersPolled = len(groups)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, group := range groups {
		name, group := name, group
		g.Go(func() error {
			m.pollProvider(gctx, name, group, states, stats, &mu)
			return nil
		})
	}
	g.Wait()

	stats.Duration = time.Since(start)
	m.record(stats)

	m.logger.Debug("poll cycle complete",
		slog.Int("polled", stats.TotalPolled),
		slog.Int("providers", stats.ProvidersPolled),
		slog.Int("sms", stats.SmsReceived),
		slog.Int("errors", stats.Errors),
		slog.Duration("took", stats.Duration),
	)
	return stats, nil
}

// splitPollable keeps rows a poll can act on and collects everything else
// for index removal: vanished rows, finished states, rows with no upstream
// id yet.
func splitPollable(ids []uuid.UUID, views []model.PollView) ([]model.PollView, []uuid.UUID) {
	pollable := make([]model.PollView, 0, len(views))
	var gone []uuid.UUID

	seen := make(map[uuid.UUID]bool, len(views))
	for _, v := range views {
		seen[v.ID] = true
		live := v.State == model.StateActive || v.State == model.StateReceived
		if live && v.ProviderActivationID.Valid {
			pollable = append(pollable, v)
		} else {
			gone = append(gone, v.ID)
		}
	}
	for _, id := range ids {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	return pollable, gone
}

func (m *Manager) pollProvider(ctx context.Context, name string, group []model.PollView, states map[uuid.UUID]ItemState, stats *CycleStats, mu *sync.Mutex) {
	if m.providers.CircuitOpen(name) {
		for _, v := range group {
			m.deferForCircuit(ctx, v, states[v.ID], stats, mu)
		}
		return
	}

	var batched, single []model.PollView
	if m.providers.SupportsBatch(name) && len(group) >= batchThreshold {
		for _, v := range group {
			if batchEligible(v, states[v.ID]) {
				batched = append(batched, v)
			} else {
				single = append(single, v)
			}
		}
		// A batch below the threshold is not worth the endpoint.
		if len(batched) < batchThreshold {
			single = append(single, batched...)
			batched = nil
		}
	} else {
		single = group
	}

	g := new(errgroup.Group)
	g.SetLimit(chunkParallel)

	for begin := 0; begin < len(batched); begin += chunkSize {
		chunk := batched[begin:min(begin+chunkSize, len(batched))]
		g.Go(func() error {
			m.pollChunk(ctx, name, chunk, states, stats, mu)
			return nil
		})
	}
	for _, v := range single {
		v := v
		g.Go(func() error {
			m.pollOne(ctx, name, v, states[v.ID], stats, mu)
			return nil
		})
	}
	g.Wait()
}

// batchEligible mirrors the schedule's mode split before any poll happened:
// errored and post-SMS items always batch, fresh pre-SMS items poll alone
// for latency.
func batchEligible(v model.PollView, st ItemState) bool {
	if st.Errors > 0 || v.SmsCount > 0 {
		return true
	}
	return time.Since(v.CreatedAt) > time.Minute
}

func (m *Manager) pollChunk(ctx context.Context, name string, chunk []model.PollView, states map[uuid.UUID]ItemState, stats *CycleStats, mu *sync.Mutex) {
	cctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	upstreamIDs := make([]string, len(chunk))
	for i, v := range chunk {
		upstreamIDs[i] = v.ProviderActivationID.String
	}

	results, err := m.providers.StatusBatch(cctx, name, upstreamIDs)
	if err != nil {
		for _, v := range chunk {
			m.handleError(ctx, v, states[v.ID], err, stats, mu)
		}
		return
	}

	if saved := len(chunk) - 1; saved > 0 {
		mu.Lock()
		stats.APICallsSaved += saved
		mu.Unlock()
	}

	for _, v := range chunk {
		result, ok := results[v.ProviderActivationID.String]
		if !ok || result == nil {
			// The upstream dropped this id from its answer; back off rather
			// than guess.
			m.handleError(ctx, v, states[v.ID], fmt.Errorf("missing from batch response"), stats, mu)
			continue
		}
		m.handleResult(ctx, v, states[v.ID], result, stats, mu)
	}
}

func (m *Manager) pollOne(ctx context.Context, name string, v model.PollView, st ItemState, stats *CycleStats, mu *sync.Mutex) {
	cctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	result, err := m.providers.Status(cctx, name, v.ProviderActivationID.String)
	if err != nil {
		m.handleError(ctx, v, st, err, stats, mu)
		return
	}
	m.handleResult(ctx, v, st, result, stats, mu)
}

func (m *Manager) handleResult(ctx context.Context, v model.PollView, st ItemState, result *provider.StatusResult, stats *CycleStats, mu *sync.Mutex) {
	if result.Status == provider.StatusCancelled || result.Status == provider.StatusExpired {
		// The upstream finished this number; the reaper settles the local
		// side at expiry.
		if err := m.index.Remove(ctx, v.ID); err != nil {
			m.logger.Warn("failed to drop finished number from due index",
				slog.String("activation_id", v.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	smsCount := v.SmsCount
	lastSms := time.Time{}
	if v.LastSmsAt.Valid {
		lastSms = v.LastSmsAt.Time
	}

	if len(result.Messages) > 0 {
		msgs := make([]activation.InboundSms, 0, len(result.Messages))
		for _, msg := range result.Messages {
			msgs = append(msgs, activation.InboundSms{
				Sender:     msg.Sender,
				Content:    msg.Content,
				Code:       msg.Code,
				ReceivedAt: msg.ReceivedAt,
			})
		}
		ingested, err := m.ingestor.IngestSms(ctx, v.ID, msgs)
		if err != nil {
			m.handleError(ctx, v, st, err, stats, mu)
			return
		}
		if ingested.Stored > 0 {
			mu.Lock()
			stats.SmsReceived += ingested.Stored
			mu.Unlock()
			smsCount += ingested.Stored
			lastSms = time.Now()
		}
	}

	sinceLastSms := time.Duration(0)
	if !lastSms.IsZero() {
		sinceLastSms = time.Since(lastSms)
	}
	next := ComputeSchedule(ScheduleInput{
		OrderAge:     time.Since(v.CreatedAt),
		SmsCount:     smsCount,
		SinceLastSms: sinceLastSms,
		Attempt:      st.Attempt + 1,
	})
	m.reschedule(ctx, v.ID, next, ItemState{Attempt: st.Attempt + 1}, stats, mu)
}

func (m *Manager) handleError(ctx context.Context, v model.PollView, st ItemState, cause error, stats *CycleStats, mu *sync.Mutex) {
	mu.Lock()
	stats.Errors++
	mu.Unlock()

	next := ItemState{Attempt: st.Attempt + 1, Errors: st.Errors + 1}
	if next.Errors >= maxConsecutiveErrors {
		m.logger.Warn("poll error budget exhausted, leaving item to the reaper",
			slog.String("activation_id", v.ID.String()),
			slog.String("provider", v.Provider),
			slog.String("error", cause.Error()),
		)
		if err := m.index.Remove(ctx, v.ID); err != nil {
			m.logger.Warn("failed to drop exhausted item from due index",
				slog.String("activation_id", v.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	decision := ComputeSchedule(ScheduleInput{
		OrderAge:      time.Since(v.CreatedAt),
		SmsCount:      v.SmsCount,
		Attempt:       next.Attempt,
		CircuitOpen:   errors.Is(cause, provider.ErrCircuitOpen),
		LastPollError: true,
	})
	m.reschedule(ctx, v.ID, decision, next, stats, mu)
}

func (m *Manager) deferForCircuit(ctx context.Context, v model.PollView, st ItemState, stats *CycleStats, mu *sync.Mutex) {
	next := ItemState{Attempt: st.Attempt + 1, Errors: st.Errors}
	decision := ComputeSchedule(ScheduleInput{
		OrderAge:    time.Since(v.CreatedAt),
		SmsCount:    v.SmsCount,
		Attempt:     next.Attempt,
		CircuitOpen: true,
	})
	m.reschedule(ctx, v.ID, decision, next, stats, mu)
}

func (m *Manager) reschedule(ctx context.Context, id uuid.UUID, decision Decision, state ItemState, stats *CycleStats, mu *sync.Mutex) {
	mu.Lock()
	stats.PhaseDistribution[decision.Phase]++
	mu.Unlock()

	if err := m.index.Reschedule(ctx, id, time.Now().Add(decision.Delay), state); err != nil {
		m.logger.Warn("failed to reschedule poll",
			slog.String("activation_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) record(stats *CycleStats) {
	if m.metrics == nil {
		return
	}
	m.metrics.CyclesTotal.Inc()
	m.metrics.CycleDuration.Observe(stats.Duration.Seconds())
	m.metrics.ItemsPolled.Add(float64(stats.TotalPolled))
	m.metrics.SmsFound.Add(float64(stats.SmsReceived))
	m.metrics.APICallsSaved.Add(float64(stats.APICallsSaved))
	for phase, n := range stats.PhaseDistribution {
		m.metrics.PhaseItems.WithLabelValues(phase).Add(float64(n))
	}
}
