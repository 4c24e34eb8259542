// Package activation owns the order lifecycle: the kernel that applies
// validated state transitions, the refund path and shared SMS ingestion.
package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/store"
)

// Number lifetime windows. The base window applies at acquisition; the first
// delivered SMS stretches it to the extended window so follow-up messages
// can still land.
const (
	BaseNumberWindow     = 10 * time.Minute
	ExtendedNumberWindow = 15 * time.Minute
)

// EventSink publishes post-commit events. Satisfied by broker.Publisher.
type EventSink interface {
	PublishEvent(ctx context.Context, event string, payload any) error
	PublishUserEvent(ctx context.Context, userID string, payload any) error
}

// StateChangedEvent is the payload for both the per-user realtime push and
// the topic-routed domain event.
type StateChangedEvent struct {
	ActivationID uuid.UUID             `json:"activationId"`
	UserID       uuid.UUID             `json:"userId"`
	Provider     string                `json:"provider"`
	Service      string                `json:"service"`
	From         model.ActivationState `json:"from"`
	State        model.ActivationState `json:"state"`
	Label        string                `json:"label"`
	Phone        string                `json:"phone,omitempty"`
	At           time.Time             `json:"at"`
}

// TransitionParams carries the context of one state change.
type TransitionParams struct {
	// Reason lands in the audit history ("sms received", "provider error").
	Reason string

	// Metadata is optional structured context stored next to the reason.
	Metadata map[string]any

	// TraceID overrides the trace id derived from ctx.
	TraceID string

	// Tx, when set, runs the transition inside the caller's transaction so
	// it commits atomically with the caller's other writes.
	Tx *store.Tx
}

// Kernel is the single entry point for every activation state change. It
// validates against the state machine, persists state and history together,
// and emits events only after the owning transaction commits.
type Kernel struct {
	store   *store.Store
	events  EventSink
	metrics *metrics.ActivationMetrics
	logger  *slog.Logger
}

func NewKernel(st *store.Store, events EventSink, m *metrics.ActivationMetrics, logger *slog.Logger) *Kernel {
	return &Kernel{store: st, events: events, metrics: m, logger: logger}
}

// NewActivation is the creation request for an order aggregate.
type NewActivation struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Service            string
	Country            string
	Operator           string
	Provider           string
	Price              decimal.Decimal
	ReservationEntryID uuid.UUID
	IdempotencyKey     string
	TraceID            string
}

// Create inserts the aggregate in RESERVED and records the INIT -> RESERVED
// audit row. Must run inside the transaction that reserves the funds.
func (k *Kernel) Create(ctx context.Context, tx *store.Tx, n NewActivation) (*model.Activation, error) {
	traceID := k.traceID(ctx, n.TraceID)

	a := &model.Activation{
		ID:       n.ID,
		UserID:   n.UserID,
		Service:  n.Service,
		Country:  n.Country,
		Operator: n.Operator,
		Provider: n.Provider,
		Price:    n.Price,
		State:    model.StateReserved,
		TraceID:  traceID,
	}
	if n.ReservationEntryID != uuid.Nil {
		a.ReservationEntryID = uuid.NullUUID{UUID: n.ReservationEntryID, Valid: true}
	}
	if n.IdempotencyKey != "" {
		a.IdempotencyKey.String = n.IdempotencyKey
		a.IdempotencyKey.Valid = true
	}

	if err := k.store.CreateActivation(ctx, tx, a); err != nil {
		return nil, err
	}

	history := &model.StateHistory{
		ActivationID: a.ID,
		FromState:    model.StateInit,
		ToState:      model.StateReserved,
		Reason:       "order created",
		TraceID:      traceID,
	}
	if err := k.store.AppendHistory(ctx, tx, history); err != nil {
		return nil, err
	}

	k.metrics.RecordTransition(string(model.StateInit), string(model.StateReserved), a.Provider)
	k.registerEmit(ctx, tx, a, model.StateInit, model.StateReserved)

	return a, nil
}

// Transition moves an activation to a new state. Repeating the current state
// is an idempotent no-op; an illegal target returns
// *model.InvalidTransitionError, which always means a caller bug.
func (k *Kernel) Transition(ctx context.Context, id uuid.UUID, to model.ActivationState, p TransitionParams) (*model.Activation, error) {
	if p.Tx != nil {
		return k.transitionInTx(ctx, p.Tx, id, to, p)
	}

	var result *model.Activation
	err := k.store.WithinTx(ctx, func(tx *store.Tx) error {
		a, err := k.transitionInTx(ctx, tx, id, to, p)
		if err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (k *Kernel) transitionInTx(ctx context.Context, tx *store.Tx, id uuid.UUID, to model.ActivationState, p TransitionParams) (*model.Activation, error) {
	a, err := k.store.GetActivationForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if a.State == to {
		return a, nil
	}

	if err := model.ValidateTransition(a.State, to); err != nil {
		return nil, err
	}

	from := a.State
	traceID := k.traceID(ctx, p.TraceID)

	if err := k.store.UpdateActivationState(ctx, tx, id, from, to, traceID); err != nil {
		return nil, err
	}

	var metadata []byte
	if p.Metadata != nil {
		metadata, err = json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transition metadata: %w", err)
		}
	}

	history := &model.StateHistory{
		ActivationID: id,
		FromState:    from,
		ToState:      to,
		Reason:       p.Reason,
		Metadata:     metadata,
		TraceID:      traceID,
	}
	if err := k.store.AppendHistory(ctx, tx, history); err != nil {
		return nil, err
	}

	k.metrics.RecordTransition(string(from), string(to), a.Provider)

	a.State = to
	a.TraceID = traceID
	k.registerEmit(ctx, tx, a, from, to)

	k.logger.Info("activation transitioned",
		slog.String("activation_id", id.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", p.Reason),
	)

	return a, nil
}

// DispatchEvent appends an outbox row inside the given transaction. This is
// the only sanctioned way for saga code to queue compensations and
// projection updates: the row exists iff the transaction commits.
func (k *Kernel) DispatchEvent(ctx context.Context, tx *store.Tx, aggregateType string, aggregateID uuid.UUID, eventType string, payload any) (uuid.UUID, error) {
	return k.DispatchEventDelayed(ctx, tx, aggregateType, aggregateID, eventType, payload, 0)
}

// DispatchEventDelayed is DispatchEvent with a dispatch delay, used when the
// event is a safety net that should only fire if the synchronous path died.
func (k *Kernel) DispatchEventDelayed(ctx context.Context, tx *store.Tx, aggregateType string, aggregateID uuid.UUID, eventType string, payload any, delay time.Duration) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	ev := &model.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		NextAttemptAt: time.Now().Add(delay),
		TraceID:       k.traceID(ctx, ""),
	}
	if err := k.store.EnqueueOutbox(ctx, tx, ev); err != nil {
		return uuid.Nil, err
	}

	return ev.ID, nil
}

// registerEmit queues event publication for after the commit. A rolled-back
// transition must never be visible on the bus.
func (k *Kernel) registerEmit(ctx context.Context, tx *store.Tx, a *model.Activation, from, to model.ActivationState) {
	if k.events == nil {
		return
	}

	event := StateChangedEvent{
		ActivationID: a.ID,
		UserID:       a.UserID,
		Provider:     a.Provider,
		Service:      a.Service,
		From:         from,
		State:        to,
		Label:        to.Label(),
		Phone:        a.Phone.String,
		At:           time.Now().UTC(),
	}

	// The transaction may outlive the request context; emission must not be
	// cancelled along with it.
	emitCtx := context.WithoutCancel(ctx)

	tx.AfterCommit(func() {
		if err := k.events.PublishUserEvent(emitCtx, a.UserID.String(), event); err != nil {
			k.logger.Error("failed to publish realtime event",
				slog.String("activation_id", a.ID.String()),
				slog.String("error", err.Error()),
			)
		}

		if topic := domainEventFor(to); topic != "" {
			if err := k.events.PublishEvent(emitCtx, topic, event); err != nil {
				k.logger.Error("failed to publish domain event",
					slog.String("activation_id", a.ID.String()),
					slog.String("event", topic),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

func domainEventFor(state model.ActivationState) string {
	switch state {
	case model.StateActive:
		return broker.ActivationActiveEvent
	case model.StateReceived:
		return broker.ActivationReceivedEvent
	case model.StateCancelled:
		return broker.ActivationCancelledEvent
	case model.StateExpired:
		return broker.ActivationExpiredEvent
	case model.StateFailed:
		return broker.ActivationFailedEvent
	case model.StateRefunded:
		return broker.ActivationRefundedEvent
	}
	return ""
}

func (k *Kernel) traceID(ctx context.Context, override string) string {
	if override != "" {
		return override
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
