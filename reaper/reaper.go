// Package reaper runs the periodic safety-net sweeps: expired offer holds,
// timed-out numbers, zombie reservations and retention housekeeping. Every
// sweep is bounded and idempotent, so several instances can run side by side
// without double-settling anything.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/FlashTheFire/nexnum/activation"
	"github.com/FlashTheFire/nexnum/catalog"
	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
	"github.com/FlashTheFire/nexnum/wallet"
)

var tracer = otel.Tracer("reaper")

const (
	sweepSchedule = "@every 30s"
	batchSize     = 100

	// zombieAge is how long an order may sit in RESERVED before its hold is
	// forcibly rolled back.
	zombieAge = 10 * time.Minute

	// retentionAge bounds how long finished outbox rows and holds are kept.
	retentionAge = 7 * 24 * time.Hour

	// housekeepingEvery runs the retention purge on every Nth cycle.
	housekeepingEvery = 100
)

// errSettled aborts a zombie release when the order left RESERVED while the
// sweep held it; the winning path owns the outcome.
var errSettled = errors.New("activation settled concurrently")

// Ledger releases reserved funds back to the wallet.
type Ledger interface {
	Rollback(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error)
}

// Providers is the slice of the registry the number sweep needs.
type Providers interface {
	Status(ctx context.Context, name, upstreamID string) (*provider.StatusResult, error)
	Cancel(ctx context.Context, name, upstreamID string) error
}

// Ingestor stores messages surfaced by the final pre-expiry probe.
type Ingestor interface {
	IngestSms(ctx context.Context, activationID uuid.UUID, msgs []activation.InboundSms) (activation.IngestResult, error)
}

// Scheduler drops settled activations from the poll due-index.
type Scheduler interface {
	Remove(ctx context.Context, activationIDs ...uuid.UUID) error
}

// Deps wires the reaper. All fields are required.
type Deps struct {
	Store     *store.Store
	Kernel    *activation.Kernel
	Ledger    Ledger
	Providers Providers
	Ingestor  Ingestor
	Scheduler Scheduler
	Metrics   *metrics.ReaperMetrics
	Logger    *slog.Logger
}

// Reaper owns the sweep schedule. Construct with New, then Start.
type Reaper struct {
	deps   Deps
	cron   *cron.Cron
	cycles int
}

func New(d Deps) *Reaper {
	// SkipIfStillRunning keeps slow sweeps from stacking up.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Reaper{deps: d, cron: c}
}

// Start begins the sweep schedule. The context bounds every sweep spawned
// from it.
func (r *Reaper) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(sweepSchedule, func() { r.RunSweeps(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweeps: %w", err)
	}
	r.cron.Start()
	r.deps.Logger.Info("reaper started", slog.String("schedule", sweepSchedule))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.deps.Logger.Info("reaper stopped")
}

// RunSweeps executes one pass of every sweep. Exported so a pass can be
// triggered out of schedule.
func (r *Reaper) RunSweeps(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "reaper.sweep")
	defer span.End()

	sweeps := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"reservations", r.sweepReservations},
		{"numbers", r.sweepNumbers},
		{"zombies", r.sweepZombies},
	}
	for _, sw := range sweeps {
		start := time.Now()
		handled, err := sw.fn(ctx)
		if err != nil {
			r.deps.Logger.Error("sweep failed",
				slog.String("sweep", sw.name),
				slog.String("error", err.Error()))
			continue
		}
		r.deps.Metrics.RecordSweep(sw.name, handled, time.Since(start))
		if handled > 0 {
			r.deps.Logger.Info("sweep settled items",
				slog.String("sweep", sw.name),
				slog.Int("handled", handled))
		}
	}

	r.cycles++
	if r.cycles%housekeepingEvery == 0 {
		r.PurgeAged(ctx)
	}
}

// sweepReservations expires overdue PENDING holds and queues the stock
// restore for each, in one transaction so a hold can never expire without
// its offer getting the units back.
func (r *Reaper) sweepReservations(ctx context.Context) (int, error) {
	var handled int
	err := r.deps.Store.WithinTx(ctx, func(tx *store.Tx) error {
		expired, err := r.deps.Store.ExpireOfferReservations(ctx, tx, time.Now(), batchSize)
		if err != nil {
			return err
		}
		handled = len(expired)
		for _, hold := range expired {
			_, err := r.deps.Kernel.DispatchEvent(ctx, tx, "offer", catalog.AggregateID(hold.OfferID),
				broker.OfferUpdatedEvent, catalog.OfferEvent{
					Provider:   catalog.ProviderOf(hold.OfferID),
					OfferID:    hold.OfferID,
					StockDelta: hold.Quantity,
				})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return handled, nil
}

// sweepNumbers settles numbers whose receive window ran out.
func (r *Reaper) sweepNumbers(ctx context.Context) (int, error) {
	numbers, err := r.deps.Store.ListExpiredNumbers(ctx, r.deps.Store.DB(), time.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	handled := 0
	settled := make([]uuid.UUID, 0, len(numbers))
	for _, n := range numbers {
		if err := r.expireNumber(ctx, n); err != nil {
			r.deps.Logger.Error("failed to settle expired number",
				slog.String("number_id", n.ID.String()),
				slog.String("activation_id", n.ActivationID.String()),
				slog.String("error", err.Error()))
			continue
		}
		handled++
		settled = append(settled, n.ActivationID)
	}
	if len(settled) > 0 {
		if err := r.deps.Scheduler.Remove(ctx, settled...); err != nil {
			r.deps.Logger.Warn("failed to drop settled numbers from the poll index",
				slog.String("error", err.Error()))
		}
	}
	return handled, nil
}

// expireNumber gives the upstream one last chance to hand over messages that
// raced the expiry, then closes the number on whichever side won.
func (r *Reaper) expireNumber(ctx context.Context, n model.Number) error {
	res, err := r.deps.Providers.Status(ctx, n.Provider, n.UpstreamID)
	if err != nil {
		r.deps.Logger.Debug("final status probe failed",
			slog.String("provider", n.Provider),
			slog.String("upstream_id", n.UpstreamID),
			slog.String("error", err.Error()))
	} else if len(res.Messages) > 0 {
		msgs := make([]activation.InboundSms, 0, len(res.Messages))
		for _, m := range res.Messages {
			msgs = append(msgs, activation.InboundSms{
				Sender:     m.Sender,
				Content:    m.Content,
				Code:       m.Code,
				ReceivedAt: m.ReceivedAt,
			})
		}
		if _, err := r.deps.Ingestor.IngestSms(ctx, n.ActivationID, msgs); err != nil {
			return fmt.Errorf("failed to ingest late sms: %w", err)
		}
	}

	delivered := n.Status == model.NumberReceived
	if !delivered {
		count, err := r.deps.Store.CountSmsByNumber(ctx, r.deps.Store.DB(), n.ID)
		if err != nil {
			return err
		}
		delivered = count > 0
	}
	if delivered {
		return r.closeDelivered(ctx, n)
	}
	return r.closeUndelivered(ctx, n)
}

// closeDelivered finishes a number that did receive SMS: completed, no
// refund. The transition is an idempotent no-op when ingestion already moved
// the activation to RECEIVED.
func (r *Reaper) closeDelivered(ctx context.Context, n model.Number) error {
	return r.deps.Store.WithinTx(ctx, func(tx *store.Tx) error {
		if err := r.deps.Store.UpdateNumberStatus(ctx, tx, n.ID, model.NumberCompleted); err != nil {
			return err
		}
		_, err := r.deps.Kernel.Transition(ctx, n.ActivationID, model.StateReceived, activation.TransitionParams{
			Reason: "sms delivered inside the window",
			Tx:     tx,
		})
		if err != nil && !errors.Is(err, store.ErrActivationConflict) && !isInvalidTransition(err) {
			return err
		}
		return nil
	})
}

// closeUndelivered expires a number that never produced SMS. The upstream
// cancel is best-effort; the refund is queued durably in the same
// transaction as the state change.
func (r *Reaper) closeUndelivered(ctx context.Context, n model.Number) error {
	if err := r.deps.Providers.Cancel(ctx, n.Provider, n.UpstreamID); err != nil && !provider.IsDomainErr(err) {
		r.deps.Logger.Warn("upstream cancel failed for expired number",
			slog.String("provider", n.Provider),
			slog.String("upstream_id", n.UpstreamID),
			slog.String("error", err.Error()))
	}

	return r.deps.Store.WithinTx(ctx, func(tx *store.Tx) error {
		if err := r.deps.Store.UpdateNumberStatus(ctx, tx, n.ID, model.NumberExpired); err != nil {
			return err
		}
		_, err := r.deps.Kernel.Transition(ctx, n.ActivationID, model.StateExpired, activation.TransitionParams{
			Reason: "no sms before expiry",
			Tx:     tx,
		})
		if err != nil {
			if errors.Is(err, store.ErrActivationConflict) || isInvalidTransition(err) {
				// Another path settled the order; keep its outcome and only
				// close the number row.
				return nil
			}
			return err
		}
		_, err = r.deps.Kernel.DispatchEvent(ctx, tx, "activation", n.ActivationID, broker.RefundEvent,
			broker.RefundPayload{ActivationID: n.ActivationID, Reason: "number expired without sms"})
		return err
	})
}

// sweepZombies releases funds stuck in RESERVED long past any plausible
// acquisition. Once the hold is rolled back and the order FAILED, a late
// replay of its provider_request row sees a settled state and retires
// itself.
func (r *Reaper) sweepZombies(ctx context.Context) (int, error) {
	stale, err := r.deps.Store.ListStaleReserved(ctx, r.deps.Store.DB(), time.Now().Add(-zombieAge), batchSize)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, act := range stale {
		err := r.releaseZombie(ctx, act)
		switch {
		case errors.Is(err, errSettled):
			continue
		case err != nil:
			r.deps.Logger.Error("failed to release zombie reservation",
				slog.String("activation_id", act.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		handled++
	}
	return handled, nil
}

func (r *Reaper) releaseZombie(ctx context.Context, act model.Activation) error {
	return r.deps.Store.WithinTx(ctx, func(tx *store.Tx) error {
		if act.ReservationEntryID.Valid {
			entryID, err := r.deps.Ledger.Rollback(ctx, tx, act.UserID, act.Price, "reservation_timeout",
				fmt.Sprintf("release stale hold for activation %s", act.ID), "release_"+act.ID.String())
			if err != nil && !errors.Is(err, wallet.ErrReservationMismatch) {
				return err
			}
			if entryID != uuid.Nil {
				if err := r.deps.Store.SetActivationRefundEntry(ctx, tx, act.ID, entryID); err != nil {
					return err
				}
			}
		}

		_, err := r.deps.Kernel.Transition(ctx, act.ID, model.StateFailed, activation.TransitionParams{
			Reason: "reservation timed out",
			Tx:     tx,
		})
		if err != nil {
			if errors.Is(err, store.ErrActivationConflict) || isInvalidTransition(err) {
				// A replay won the race and the order is live. Aborting the
				// transaction takes the wallet rollback with it.
				return errSettled
			}
			return err
		}
		return r.deps.Store.SetActivationFailureReason(ctx, tx, act.ID, "reservation timed out before acquisition")
	})
}

// PurgeAged deletes finished outbox rows and holds older than the retention
// window. Runs on a small fraction of cycles; safe to call directly.
func (r *Reaper) PurgeAged(ctx context.Context) {
	cutoff := time.Now().Add(-retentionAge)
	outbox, err := r.deps.Store.PurgeOutbox(ctx, r.deps.Store.DB(), cutoff)
	if err != nil {
		r.deps.Logger.Error("failed to purge outbox rows", slog.String("error", err.Error()))
	}
	holds, err := r.deps.Store.PurgeReservations(ctx, r.deps.Store.DB(), cutoff)
	if err != nil {
		r.deps.Logger.Error("failed to purge finished holds", slog.String("error", err.Error()))
	}
	if outbox+holds > 0 {
		r.deps.Logger.Info("retention purge removed rows",
			slog.Int64("outbox", outbox),
			slog.Int64("reservations", holds))
	}
}

func isInvalidTransition(err error) bool {
	var invalid *model.InvalidTransitionError
	return errors.As(err, &invalid)
}
