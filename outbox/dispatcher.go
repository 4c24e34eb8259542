package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FlashTheFire/nexnum/catalog"
	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

var tracer = otel.Tracer("outbox")

const (
	tickInterval    = time.Second
	batchSize       = 50
	claimLease      = time.Minute
	dispatchTimeout = 30 * time.Second
	maxBackoff      = 5 * time.Minute
)

// Driver re-runs the acquisition saga for a reservation whose synchronous
// driver died. Implemented by the order orchestrator.
type Driver interface {
	DriveReservedAcquisition(ctx context.Context, activationID uuid.UUID) error
}

// Refunder settles money back for finished activations.
type Refunder interface {
	Refund(ctx context.Context, activationID uuid.UUID, reason string) error
}

// Canceller releases a stranded upstream number.
type Canceller interface {
	Cancel(ctx context.Context, name, upstreamID string) error
}

// Projector applies offer events to the search-backed catalog.
type Projector interface {
	Apply(ctx context.Context, ev catalog.OfferEvent) error
}

// EventSink publishes rows that exist only to reach the bus.
type EventSink interface {
	PublishEvent(ctx context.Context, event string, payload any) error
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Store     *store.Store
	Orders    Driver
	Refunder  Refunder
	Providers Canceller
	Projector Projector
	Events    EventSink
	Metrics   *metrics.OutboxMetrics
	Logger    *slog.Logger
}

// TickReport summarizes one dispatcher pass.
type TickReport struct {
	Reclaimed int64
	Delivered int
	Failed    int
	Parked    int
}

// Dispatcher delivers outbox rows at least once. Rows are claimed with an
// optimistic lock, so any number of instances can run concurrently.
type Dispatcher struct {
	deps Deps

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(d Deps) *Dispatcher {
	return &Dispatcher{
		deps: d,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs the dispatch loop in the background until Stop or context end.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
		}

		if _, err := d.RunOnce(ctx); err != nil {
			d.deps.Logger.Error("outbox pass failed", slog.String("error", err.Error()))
		}
	}
}

// RunOnce reclaims stale claims and dispatches one batch of due rows.
func (d *Dispatcher) RunOnce(ctx context.Context) (*TickReport, error) {
	report := &TickReport{}
	now := time.Now()

	reclaimed, err := d.deps.Store.ReclaimStaleOutbox(ctx, d.deps.Store.DB(), now.Add(-claimLease))
	if err != nil {
		return nil, err
	}
	report.Reclaimed = reclaimed
	if reclaimed > 0 {
		d.deps.Logger.Warn("reclaimed outbox rows from dead workers", slog.Int64("count", reclaimed))
	}

	events, err := d.deps.Store.DueOutboxEvents(ctx, d.deps.Store.DB(), now, batchSize)
	if err != nil {
		return nil, err
	}

	for i := range events {
		ev := &events[i]

		claimed, err := d.deps.Store.ClaimOutboxEvent(ctx, d.deps.Store.DB(), ev)
		if err != nil {
			return report, err
		}
		if !claimed {
			continue
		}

		d.deliver(ctx, ev, report)
	}
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev *model.OutboxEvent, report *TickReport) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	span.SetAttributes(
		attribute.String("event.type", ev.EventType),
		attribute.String("aggregate.id", ev.AggregateID.String()),
	)
	defer span.End()

	start := time.Now()
	err := d.dispatch(ctx, ev)
	if err == nil {
		if markErr := d.deps.Store.MarkOutboxDelivered(ctx, d.deps.Store.DB(), ev.ID); markErr != nil {
			// The handler ran; the row will be reclaimed and retried, and the
			// handler has to absorb the replay.
			d.deps.Logger.Error("dispatched but failed to finalize outbox row",
				slog.String("event_id", ev.ID.String()),
				slog.String("error", markErr.Error()),
			)
		}
		report.Delivered++
		d.deps.Metrics.RecordDispatch(ev.EventType, "ok", time.Since(start))
		return
	}

	// ClaimOutboxEvent already bumped the attempt counter.
	attempts := ev.RetryCount + 1
	exhausted := attempts >= model.MaxOutboxRetries
	next := time.Now().Add(backoff(attempts))

	outcome := "error"
	if exhausted {
		outcome = "parked"
		report.Parked++
	} else {
		report.Failed++
	}
	d.deps.Metrics.RecordDispatch(ev.EventType, outcome, time.Since(start))

	d.deps.Logger.Error("outbox dispatch failed",
		slog.String("event_id", ev.ID.String()),
		slog.String("event_type", ev.EventType),
		slog.Int("attempts", attempts),
		slog.Bool("parked", exhausted),
		slog.String("error", err.Error()),
	)

	if relErr := d.deps.Store.ReleaseOutboxEvent(ctx, d.deps.Store.DB(), ev.ID, err.Error(), next, exhausted); relErr != nil {
		d.deps.Logger.Error("failed to release outbox row",
			slog.String("event_id", ev.ID.String()),
			slog.String("error", relErr.Error()),
		)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *model.OutboxEvent) error {
	switch ev.EventType {
	case broker.ProviderRequestEvent:
		return d.deps.Orders.DriveReservedAcquisition(ctx, ev.AggregateID)

	case broker.RefundEvent:
		var p broker.RefundPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("malformed refund payload: %w", err)
		}
		return d.deps.Refunder.Refund(ctx, ev.AggregateID, p.Reason)

	case broker.CancelNumberEvent:
		var p broker.CancelNumberPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("malformed cancel payload: %w", err)
		}
		if err := d.deps.Providers.Cancel(ctx, p.Provider, p.UpstreamID); err != nil {
			if provider.IsDomainErr(err) {
				// The upstream already finished this number; the money side
				// was settled when the compensation was queued.
				d.deps.Logger.Warn("upstream rejected compensation cancel, treating as settled",
					slog.String("provider", p.Provider),
					slog.String("upstream_id", p.UpstreamID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			return err
		}
		return nil

	case broker.OfferCreatedEvent, broker.OfferUpdatedEvent:
		var p catalog.OfferEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("malformed offer payload: %w", err)
		}
		return d.deps.Projector.Apply(ctx, p)

	default:
		// Domain events and anything new pass through to the bus verbatim.
		return d.deps.Events.PublishEvent(ctx, ev.EventType, json.RawMessage(ev.Payload))
	}
}

func backoff(attempts int) time.Duration {
	if attempts > 9 {
		attempts = 9
	}
	delay := time.Second << attempts
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
