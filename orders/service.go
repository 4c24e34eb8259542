// Package orders drives the purchase saga: reserve funds, acquire a number
// upstream, capture the charge, and compensate whatever half completed when
// a step fails. Money never moves outside a database transaction and every
// upstream acquisition either ends in a committed ACTIVE order or in a
// queued cancel compensation.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
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

var tracer = otel.Tracer("orders")

const (
	// requestEventDelay is how long the provider_request safety net sleeps
	// in the outbox. The synchronous driver normally settles the saga and
	// marks the row delivered long before it fires.
	requestEventDelay = 60 * time.Second

	// offerHoldTTL bounds advisory stock holds; the reaper expires the rest.
	offerHoldTTL = 2 * time.Minute

	// firstPollDelay is when a fresh ACTIVE order gets its first status poll.
	firstPollDelay = 2 * time.Second

	// resendExtension is the extra life a number gets after a resend request.
	resendExtension = 5 * time.Minute

	// promptPollDelay schedules the hot poll after a resend request.
	promptPollDelay = 3 * time.Second

	balanceCacheTTL = 30 * time.Second

	defaultListLimit = 20
	maxListLimit     = 100
)

// Deps wires the service. Every field is required unless noted.
type Deps struct {
	Store     *store.Store
	Ledger    Ledger
	Kernel    *activation.Kernel
	Providers ProviderClient
	Resolver  OfferResolver
	Scheduler Scheduler
	Refunder  Refunder

	// Balances is optional; without it every balance read hits the upstream.
	Balances BalanceCache

	Metrics *metrics.ActivationMetrics
	Logger  *slog.Logger
}

// Service exposes the order commands: purchase, cancel, resend, status.
type Service struct {
	store     *store.Store
	ledger    Ledger
	kernel    *activation.Kernel
	providers ProviderClient
	resolver  OfferResolver
	scheduler Scheduler
	refunder  Refunder
	balances  BalanceCache
	metrics   *metrics.ActivationMetrics
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		ledger:    d.Ledger,
		kernel:    d.Kernel,
		providers: d.Providers,
		resolver:  d.Resolver,
		scheduler: d.Scheduler,
		refunder:  d.Refunder,
		balances:  d.Balances,
		metrics:   d.Metrics,
		validate:  validator.New(),
		logger:    d.Logger,
	}
}

// pick is the resolved target of one purchase: which provider to buy from,
// in provider-native codes, at what price.
type pick struct {
	provider string
	operator string
	country  string
	service  string
	price    decimal.Decimal
	offerID  string
}

// sagaCtx carries the rows the running saga must settle on every exit path.
type sagaCtx struct {
	act            *model.Activation
	requestEventID uuid.UUID
	reservationID  uuid.UUID
	offerID        string
}

// Purchase runs the full buy flow and blocks until the order is ACTIVE or
// failed. On success the charge is captured, the number row exists and the
// first status poll is scheduled. Failures after the upstream acquisition
// never strand the number: a cancel compensation is queued in the same
// breath that reports the error.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	ctx, span := tracer.Start(ctx, "orders.purchase")
	defer span.End()
	start := time.Now()

	if err := s.validate.Struct(req); err != nil {
		s.metrics.OrdersTotal.WithLabelValues(req.Provider, "invalid_request").Inc()
		return nil, &Error{Code: CodeInvalidRequest, Message: "invalid purchase request", Err: err}
	}

	// Replays return the existing order as-is, whatever state it reached.
	if req.IdempotencyKey != "" {
		existing, err := s.store.GetActivationByIdempotencyKey(ctx, s.store.DB(), req.UserID, req.IdempotencyKey)
		switch {
		case err == nil:
			s.metrics.OrdersTotal.WithLabelValues(existing.Provider, "replayed").Inc()
			return replayResult(existing), nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, s.fail(req.Provider, &Error{Code: CodeSystemError, Message: "purchase temporarily unavailable", Err: err})
		}
	}

	p, err := s.resolvePick(ctx, req)
	if err != nil {
		return nil, s.fail(req.Provider, err)
	}

	// Cheap pre-check; the reserve below re-checks atomically.
	available, err := s.ledger.AvailableBalance(ctx, s.store.DB(), req.UserID)
	if err != nil {
		return nil, s.fail(p.provider, &Error{Code: CodeSystemError, Message: "purchase temporarily unavailable", Err: err})
	}
	if available.LessThan(p.price) {
		return nil, s.fail(p.provider, &Error{
			Code:    CodeInsufficientBalance,
			Message: fmt.Sprintf("balance %s is below the offer price %s", available, p.price),
		})
	}

	sc, err := s.reserve(ctx, req, p)
	if err != nil {
		if req.IdempotencyKey != "" && store.IsUniqueViolation(err, "") {
			if existing, lerr := s.store.GetActivationByIdempotencyKey(ctx, s.store.DB(), req.UserID, req.IdempotencyKey); lerr == nil {
				s.metrics.OrdersTotal.WithLabelValues(existing.Provider, "replayed").Inc()
				return replayResult(existing), nil
			}
		}
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			return nil, s.fail(p.provider, &Error{Code: CodeInsufficientBalance, Message: "balance is below the offer price"})
		}
		return nil, s.fail(p.provider, &Error{Code: CodeSystemError, Message: "could not reserve funds", Err: err})
	}

	result, err := s.acquireAndCommit(ctx, sc)
	if err != nil {
		return nil, s.fail(p.provider, err)
	}

	s.metrics.OrdersTotal.WithLabelValues(p.provider, "ok").Inc()
	s.metrics.PurchaseDuration.WithLabelValues(p.provider).Observe(time.Since(start).Seconds())
	return result, nil
}

// fail records the outcome metric and returns err unchanged.
func (s *Service) fail(providerName string, err error) error {
	var outcome string
	switch CodeOf(err) {
	case CodeInsufficientBalance:
		outcome = "insufficient_balance"
	case CodeProviderError:
		outcome = "provider_error"
	case CodeInvalidRequest:
		outcome = "invalid_request"
	case CodeNotSupported:
		outcome = "not_supported"
	default:
		outcome = "system_error"
	}
	s.metrics.OrdersTotal.WithLabelValues(providerName, outcome).Inc()
	return err
}

// resolvePick turns the request into a concrete buy target. Requests that
// pin provider and price skip the catalog entirely and are trusted to carry
// provider-native country/service codes.
func (s *Service) resolvePick(ctx context.Context, req PurchaseRequest) (*pick, error) {
	if req.Provider != "" && req.MaxPrice.GreaterThan(decimal.Zero) {
		return &pick{
			provider: req.Provider,
			operator: req.Operator,
			country:  req.Country,
			service:  req.Service,
			price:    req.MaxPrice,
		}, nil
	}

	offer, err := s.resolver.Resolve(ctx, catalog.ResolveQuery{
		Country:  req.Country,
		Service:  req.Service,
		Provider: req.Provider,
		Operator: req.Operator,
		MaxPrice: req.MaxPrice,
	})
	if errors.Is(err, catalog.ErrNoOffer) {
		return nil, &Error{
			Code:    CodeProviderError,
			Message: fmt.Sprintf("no numbers available for %s in %s right now", req.Service, req.Country),
			Err:     err,
		}
	}
	if err != nil {
		return nil, &Error{Code: CodeSystemError, Message: "offer lookup failed", Err: err}
	}

	return &pick{
		provider: offer.Provider,
		operator: offer.Operator,
		country:  offer.CountryCode,
		service:  offer.ServiceCode,
		price:    offer.PriceDecimal(),
		offerID:  offer.OfferID,
	}, nil
}

// reserve runs the first saga transaction: hold the funds, create the
// RESERVED aggregate, hold advisory stock, and queue the delayed
// provider_request replay row. All of it commits or none of it does.
func (s *Service) reserve(ctx context.Context, req PurchaseRequest, p *pick) (sagaCtx, error) {
	activationID := uuid.New()
	reserveKey := "reserve_" + activationID.String()
	if req.IdempotencyKey != "" {
		reserveKey = "reserve_" + req.IdempotencyKey
	}

	var sc sagaCtx
	err := s.store.WithinTx(ctx, func(tx *store.Tx) error {
		entryID, err := s.ledger.Reserve(ctx, tx, req.UserID, p.price, "purchase",
			fmt.Sprintf("hold for %s number in %s", req.Service, req.Country), reserveKey)
		if err != nil {
			return err
		}

		act, err := s.kernel.Create(ctx, tx, activation.NewActivation{
			ID:                 activationID,
			UserID:             req.UserID,
			Service:            p.service,
			Country:            p.country,
			Operator:           p.operator,
			Provider:           p.provider,
			Price:              p.price,
			ReservationEntryID: entryID,
			IdempotencyKey:     req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		sc.act = act
		sc.offerID = p.offerID

		if p.offerID != "" {
			hold := &model.OfferReservation{
				ID:           uuid.New(),
				OfferID:      p.offerID,
				UserID:       req.UserID,
				ActivationID: uuid.NullUUID{UUID: activationID, Valid: true},
				Quantity:     1,
				Status:       model.ReservationPending,
				ExpiresAt:    time.Now().Add(offerHoldTTL),
			}
			if err := s.store.CreateOfferReservation(ctx, tx, hold); err != nil {
				return err
			}
			sc.reservationID = hold.ID

			if _, err := s.kernel.DispatchEvent(ctx, tx, "offer", catalog.AggregateID(p.offerID),
				broker.OfferUpdatedEvent, catalog.OfferEvent{
					Provider:   p.provider,
					OfferID:    p.offerID,
					StockDelta: -1,
				}); err != nil {
				return err
			}
		}

		sc.requestEventID, err = s.kernel.DispatchEventDelayed(ctx, tx, "activation", activationID,
			broker.ProviderRequestEvent, broker.ProviderRequestPayload{
				ActivationID: activationID,
				Provider:     p.provider,
				Country:      p.country,
				Service:      p.service,
			}, requestEventDelay)
		return err
	})
	if err != nil {
		return sagaCtx{}, err
	}
	return sc, nil
}

// acquireAndCommit buys the number and runs the second saga transaction.
// Returned errors are *Error; Retryable marks failures the outbox replay
// path must drive again because no settled outcome was recorded.
func (s *Service) acquireAndCommit(ctx context.Context, sc sagaCtx) (*PurchaseResult, error) {
	act := sc.act

	acquired, err := s.providers.Acquire(ctx, act.Provider, act.Country, act.Service, provider.AcquireOpts{
		Operator: act.Operator,
		MaxPrice: act.Price,
	})
	if err != nil {
		if ferr := s.failReserved(ctx, sc, err); ferr != nil {
			s.logger.Error("failed to settle provider error, replay will retry",
				slog.String("activation_id", act.ID.String()),
				slog.String("error", ferr.Error()),
			)
			return nil, &Error{
				Code:      CodeSystemError,
				Retryable: true,
				Message:   "order processing was interrupted; it will complete or be refunded automatically",
				Err:       errors.Join(err, ferr),
			}
		}
		return nil, acquireError(act, err)
	}

	expiresAt := time.Now().Add(activation.BaseNumberWindow)
	if !acquired.ExpiresAt.IsZero() && acquired.ExpiresAt.Before(expiresAt) {
		expiresAt = acquired.ExpiresAt
	}

	number := &model.Number{
		ID:           uuid.New(),
		ActivationID: act.ID,
		Provider:     act.Provider,
		UpstreamID:   acquired.UpstreamID,
		Phone:        acquired.Phone,
		Service:      act.Service,
		Country:      act.Country,
		Operator:     act.Operator,
		Price:        act.Price,
		Status:       model.NumberActive,
		ExpiresAt:    expiresAt,
	}

	err = s.store.WithinTx(ctx, func(tx *store.Tx) error {
		captureID, err := s.ledger.Commit(ctx, tx, act.UserID, act.Price, "purchase",
			fmt.Sprintf("charge for %s number %s", act.Service, acquired.Phone), "commit_"+act.ID.String())
		if err != nil {
			return err
		}
		if err := s.store.CreateNumber(ctx, tx, number); err != nil {
			return err
		}
		if _, err := s.kernel.Transition(ctx, act.ID, model.StateActive, activation.TransitionParams{
			Reason:   "number acquired",
			Metadata: map[string]any{"upstream_id": acquired.UpstreamID, "phone": acquired.Phone},
			Tx:       tx,
		}); err != nil {
			return err
		}
		if err := s.store.SetActivationAcquired(ctx, tx, act.ID, acquired.UpstreamID, acquired.Phone,
			number.ID, captureID, expiresAt); err != nil {
			return err
		}
		if sc.reservationID != uuid.Nil {
			if err := s.store.ConfirmOfferReservation(ctx, tx, sc.reservationID); err != nil {
				return err
			}
		}
		if sc.requestEventID != uuid.Nil {
			if err := s.store.MarkOutboxDelivered(ctx, tx, sc.requestEventID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.compensateAcquire(ctx, sc, acquired, err)
	}

	if err := s.scheduler.Schedule(ctx, act.ID, time.Now().Add(firstPollDelay)); err != nil {
		s.logger.Warn("failed to schedule first poll",
			slog.String("activation_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("order activated",
		slog.String("activation_id", act.ID.String()),
		slog.String("provider", act.Provider),
		slog.String("phone", acquired.Phone),
	)

	return &PurchaseResult{
		ActivationID: act.ID,
		State:        model.StateActive,
		Provider:     act.Provider,
		Phone:        acquired.Phone,
		Price:        act.Price,
		ExpiresAt:    expiresAt,
	}, nil
}

// failReserved settles a pre-acquisition failure: release the hold, move the
// order to FAILED, drop the stock hold and retire the replay row. No number
// was bought, so nothing upstream needs compensating.
func (s *Service) failReserved(ctx context.Context, sc sagaCtx, cause error) error {
	act := sc.act
	return s.store.WithinTx(ctx, func(tx *store.Tx) error {
		if act.ReservationEntryID.Valid {
			entryID, err := s.ledger.Rollback(ctx, tx, act.UserID, act.Price, "purchase_failed",
				fmt.Sprintf("release hold for activation %s", act.ID), "release_"+act.ID.String())
			if err != nil && !errors.Is(err, wallet.ErrReservationMismatch) {
				return err
			}
			if entryID != uuid.Nil {
				if err := s.store.SetActivationRefundEntry(ctx, tx, act.ID, entryID); err != nil {
					return err
				}
			}
		}

		if _, err := s.kernel.Transition(ctx, act.ID, model.StateFailed, activation.TransitionParams{
			Reason:   "provider acquisition failed",
			Metadata: map[string]any{"error": cause.Error()},
			Tx:       tx,
		}); err != nil {
			return err
		}
		if err := s.store.SetActivationFailureReason(ctx, tx, act.ID, cause.Error()); err != nil {
			return err
		}

		if err := s.releaseOfferHold(ctx, tx, sc); err != nil {
			return err
		}

		if sc.requestEventID != uuid.Nil {
			if err := s.store.MarkOutboxDelivered(ctx, tx, sc.requestEventID); err != nil {
				return err
			}
		}
		return nil
	})
}

// compensateAcquire handles the worst spot in the saga: the upstream sold us
// a number but the commit transaction failed. A self-contained cancel
// compensation is queued durably, the hold is released and the order moves
// to FAILED. Only when even that transaction fails does the error become
// retryable for the replay row.
func (s *Service) compensateAcquire(ctx context.Context, sc sagaCtx, acquired *provider.Acquired, cause error) error {
	act := sc.act
	s.logger.Error("purchase commit failed after acquisition, queueing compensation",
		slog.String("activation_id", act.ID.String()),
		slog.String("provider", act.Provider),
		slog.String("upstream_id", acquired.UpstreamID),
		slog.String("error", cause.Error()),
	)

	err := s.store.WithinTx(ctx, func(tx *store.Tx) error {
		if _, err := s.kernel.DispatchEvent(ctx, tx, "activation", act.ID, broker.CancelNumberEvent,
			broker.CancelNumberPayload{
				ActivationID: act.ID,
				Provider:     act.Provider,
				UpstreamID:   acquired.UpstreamID,
			}); err != nil {
			return err
		}

		if act.ReservationEntryID.Valid {
			_, err := s.ledger.Rollback(ctx, tx, act.UserID, act.Price, "purchase_failed",
				fmt.Sprintf("release hold for activation %s", act.ID), "release_"+act.ID.String())
			if err != nil && !errors.Is(err, wallet.ErrReservationMismatch) {
				return err
			}
		}

		// A concurrent cancel may own the state already; that outcome is as
		// settled as FAILED.
		if _, err := s.kernel.Transition(ctx, act.ID, model.StateFailed, activation.TransitionParams{
			Reason:   "saga commit failed",
			Metadata: map[string]any{"upstream_id": acquired.UpstreamID},
			Tx:       tx,
		}); err != nil && !errors.Is(err, store.ErrActivationConflict) && !isInvalidTransition(err) {
			return err
		}

		if err := s.releaseOfferHold(ctx, tx, sc); err != nil {
			return err
		}

		if sc.requestEventID != uuid.Nil {
			if err := s.store.MarkOutboxDelivered(ctx, tx, sc.requestEventID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The bought number is recorded nowhere durable yet. The replay row
		// is still pending and will re-drive the saga; log enough to
		// reconcile against the provider dashboard meanwhile.
		s.logger.Error("failed to queue cancel compensation",
			slog.String("activation_id", act.ID.String()),
			slog.String("provider", act.Provider),
			slog.String("upstream_id", acquired.UpstreamID),
			slog.String("error", err.Error()),
		)
		return &Error{
			Code:      CodeSystemError,
			Retryable: true,
			Message:   "order processing was interrupted; it will complete or be refunded automatically",
			Err:       errors.Join(cause, err),
		}
	}

	return &Error{
		Code:    CodeSystemError,
		Message: "order could not be completed; the number will be auto-cancelled and your hold released",
		Err:     cause,
	}
}

// releaseOfferHold cancels the advisory stock hold and queues the stock
// restore. No-op for purchases that bypassed the catalog.
func (s *Service) releaseOfferHold(ctx context.Context, tx *store.Tx, sc sagaCtx) error {
	if sc.reservationID == uuid.Nil {
		return nil
	}
	if err := s.store.CancelOfferReservation(ctx, tx, sc.reservationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := s.kernel.DispatchEvent(ctx, tx, "offer", catalog.AggregateID(sc.offerID),
		broker.OfferUpdatedEvent, catalog.OfferEvent{
			Provider:   sc.act.Provider,
			OfferID:    sc.offerID,
			StockDelta: 1,
		})
	return err
}

// DriveReservedAcquisition is the outbox replay entry point for
// provider_request rows. It re-drives the saga for orders stuck in RESERVED
// after the synchronous driver died; anything else is a settled no-op.
func (s *Service) DriveReservedAcquisition(ctx context.Context, activationID uuid.UUID) error {
	act, err := s.store.GetActivation(ctx, s.store.DB(), activationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if act.State != model.StateReserved {
		return nil
	}

	s.logger.Info("replaying stuck reservation",
		slog.String("activation_id", activationID.String()),
		slog.String("provider", act.Provider),
	)

	sc := sagaCtx{act: act}
	hold, err := s.store.GetPendingReservationByActivation(ctx, s.store.DB(), activationID)
	switch {
	case err == nil:
		sc.reservationID = hold.ID
		sc.offerID = hold.OfferID
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	_, err = s.acquireAndCommit(ctx, sc)
	var oe *Error
	if errors.As(err, &oe) && !oe.Retryable {
		// Settled failure: funds released, order FAILED, compensation
		// queued where needed. The row is done.
		return nil
	}
	return err
}

// Cancel stops a live order on user request. The upstream cancel is best
// effort; the local transition and the queued refund are what counts.
func (s *Service) Cancel(ctx context.Context, activationID, userID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "orders.cancel")
	defer span.End()

	act, err := s.store.GetActivation(ctx, s.store.DB(), activationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return &Error{Code: CodeSystemError, Message: "cancel temporarily unavailable", Err: err}
	}
	if act.UserID != userID {
		return ErrOrderNotFound
	}
	if !act.State.IsCancellable() {
		return &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("order is %s and can no longer be cancelled", act.State.Label()),
		}
	}

	if act.ProviderActivationID.Valid {
		if err := s.providers.Cancel(ctx, act.Provider, act.ProviderActivationID.String); err != nil && !provider.IsDomainErr(err) {
			s.logger.Warn("upstream cancel failed, continuing locally",
				slog.String("activation_id", act.ID.String()),
				slog.String("provider", act.Provider),
				slog.String("error", err.Error()),
			)
		}
	}

	err = s.store.WithinTx(ctx, func(tx *store.Tx) error {
		if _, err := s.kernel.Transition(ctx, act.ID, model.StateCancelled, activation.TransitionParams{
			Reason: "cancelled by user",
			Tx:     tx,
		}); err != nil {
			return err
		}
		if act.NumberID.Valid {
			if err := s.store.UpdateNumberStatus(ctx, tx, act.NumberID.UUID, model.NumberCancelled); err != nil {
				return err
			}
		}
		_, err := s.kernel.DispatchEvent(ctx, tx, "activation", act.ID, broker.RefundEvent,
			broker.RefundPayload{ActivationID: act.ID, Reason: "user_cancelled"})
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrActivationConflict) || isInvalidTransition(err) {
			return &Error{Code: CodeInvalidRequest, Message: "order state changed, refresh and try again", Err: err}
		}
		return &Error{Code: CodeSystemError, Message: "cancel failed", Err: err}
	}

	if err := s.scheduler.Remove(ctx, act.ID); err != nil {
		s.logger.Warn("failed to remove cancelled order from poll index",
			slog.String("activation_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	// Fast path: settle now. The queued event is the durable fallback and
	// replays as a no-op once this succeeds.
	if err := s.refunder.Refund(ctx, act.ID, "user_cancelled"); err != nil {
		s.logger.Warn("synchronous refund failed, outbox will retry",
			slog.String("activation_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ResendSms asks the upstream for another code on a live number and extends
// its life. Only orders that already received at least one message qualify.
func (s *Service) ResendSms(ctx context.Context, activationID, userID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "orders.resend_sms")
	defer span.End()

	act, err := s.store.GetActivation(ctx, s.store.DB(), activationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return &Error{Code: CodeSystemError, Message: "resend temporarily unavailable", Err: err}
	}
	if act.UserID != userID {
		return ErrOrderNotFound
	}
	if act.State != model.StateActive && act.State != model.StateReceived {
		return &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("order is %s and has no live number", act.State.Label()),
		}
	}
	if !act.NumberID.Valid || !act.ProviderActivationID.Valid {
		return &Error{Code: CodeInvalidRequest, Message: "order has no number attached"}
	}

	count, err := s.store.CountSmsByNumber(ctx, s.store.DB(), act.NumberID.UUID)
	if err != nil {
		return &Error{Code: CodeSystemError, Message: "resend temporarily unavailable", Err: err}
	}
	if count == 0 {
		return &Error{Code: CodeInvalidRequest, Message: "resend is available once the first message has arrived"}
	}

	if !s.providers.SupportsResend(act.Provider) {
		return &Error{Code: CodeNotSupported, Message: fmt.Sprintf("%s does not support resending codes", act.Provider)}
	}

	if err := s.providers.RequestResend(ctx, act.Provider, act.ProviderActivationID.String); err != nil {
		if errors.Is(err, provider.ErrResendNotSupported) {
			return &Error{Code: CodeNotSupported, Message: fmt.Sprintf("%s does not support resending codes", act.Provider)}
		}
		return &Error{Code: CodeProviderError, Message: "provider rejected the resend request", Err: err}
	}

	newExpiry := time.Now().Add(resendExtension)
	err = s.store.WithinTx(ctx, func(tx *store.Tx) error {
		current, err := s.store.GetActivationForUpdate(ctx, tx, act.ID)
		if err != nil {
			return err
		}
		if current.ExpiresAt.Valid && !newExpiry.After(current.ExpiresAt.Time) {
			return nil
		}
		if err := s.store.SetActivationExpiry(ctx, tx, act.ID, newExpiry); err != nil {
			return err
		}
		return s.store.ExtendNumberExpiry(ctx, tx, act.NumberID.UUID, newExpiry)
	})
	if err != nil {
		return &Error{Code: CodeSystemError, Message: "resend bookkeeping failed", Err: err}
	}

	if err := s.scheduler.Schedule(ctx, act.ID, time.Now().Add(promptPollDelay)); err != nil {
		s.logger.Warn("failed to schedule resend poll",
			slog.String("activation_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// GetOrderStatus returns the buyer-facing view of one order including its
// messages and what actions are currently allowed.
func (s *Service) GetOrderStatus(ctx context.Context, activationID, userID uuid.UUID) (*OrderStatus, error) {
	act, err := s.store.GetActivation(ctx, s.store.DB(), activationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if act.UserID != userID {
		return nil, ErrOrderNotFound
	}

	st := &OrderStatus{
		ActivationID: act.ID,
		State:        act.State,
		StateLabel:   act.State.Label(),
		Provider:     act.Provider,
		Country:      act.Country,
		Service:      act.Service,
		Phone:        act.Phone.String,
		Price:        act.Price,
		CreatedAt:    act.CreatedAt,
		CanCancel:    act.State.IsCancellable(),
	}
	if act.ExpiresAt.Valid {
		st.ExpiresAt = act.ExpiresAt.Time
	}

	if act.NumberID.Valid {
		msgs, err := s.store.ListSmsByNumber(ctx, s.store.DB(), act.NumberID.UUID)
		if err != nil {
			return nil, err
		}
		st.SmsCount = len(msgs)
		st.Messages = make([]OrderMessage, 0, len(msgs))
		for _, m := range msgs {
			st.Messages = append(st.Messages, OrderMessage{
				Sender:     m.Sender,
				Content:    m.Content,
				Code:       m.Code,
				ReceivedAt: m.ReceivedAt,
			})
		}
	}

	live := act.State == model.StateActive || act.State == model.StateReceived
	st.CanRequestResend = live && st.SmsCount > 0 && s.providers.SupportsResend(act.Provider)

	return st, nil
}

// ListOrders returns a page of the user's order history, newest first.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]OrderSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	acts, err := s.store.ListActivationsByUser(ctx, s.store.DB(), userID, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]OrderSummary, 0, len(acts))
	for _, a := range acts {
		out = append(out, OrderSummary{
			ActivationID: a.ID,
			State:        a.State,
			StateLabel:   a.State.Label(),
			Provider:     a.Provider,
			Country:      a.Country,
			Service:      a.Service,
			Phone:        a.Phone.String,
			Price:        a.Price,
			CreatedAt:    a.CreatedAt,
		})
	}
	return out, nil
}

// ProviderBalance reads our balance at the upstream, memoized briefly so
// dashboard refreshes do not hammer the provider API.
func (s *Service) ProviderBalance(ctx context.Context, name string) (decimal.Decimal, error) {
	if s.balances != nil {
		if bal, ok, err := s.balances.ProviderBalance(ctx, name); err == nil && ok {
			return bal, nil
		}
	}

	bal, err := s.providers.Balance(ctx, name)
	if err != nil {
		return decimal.Zero, err
	}

	if s.balances != nil {
		if err := s.balances.SetProviderBalance(ctx, name, bal, balanceCacheTTL); err != nil {
			s.logger.Warn("failed to cache provider balance",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return bal, nil
}

func replayResult(a *model.Activation) *PurchaseResult {
	r := &PurchaseResult{
		ActivationID: a.ID,
		State:        a.State,
		Provider:     a.Provider,
		Phone:        a.Phone.String,
		Price:        a.Price,
		Replayed:     true,
	}
	if a.ExpiresAt.Valid {
		r.ExpiresAt = a.ExpiresAt.Time
	}
	return r
}

// acquireError maps adapter failures onto buyer-facing errors.
func acquireError(act *model.Activation, err error) *Error {
	switch {
	case errors.Is(err, provider.ErrNoNumbers):
		return &Error{
			Code:    CodeProviderError,
			Message: fmt.Sprintf("no numbers available for %s in %s right now", act.Service, act.Country),
			Err:     err,
		}
	case errors.Is(err, provider.ErrBadService):
		return &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("%s in %s is not offered by %s", act.Service, act.Country, act.Provider),
			Err:     err,
		}
	case errors.Is(err, provider.ErrNoBalance), errors.Is(err, provider.ErrCircuitOpen):
		return &Error{
			Code:    CodeProviderError,
			Message: "provider is temporarily unavailable, try again shortly",
			Err:     err,
		}
	default:
		return &Error{Code: CodeProviderError, Message: "provider request failed", Err: err}
	}
}

func isInvalidTransition(err error) bool {
	var ite *model.InvalidTransitionError
	return errors.As(err, &ite)
}
