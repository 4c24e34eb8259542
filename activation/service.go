package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/store"
)

// Ledger is the slice of the wallet gateway the refund path needs.
type Ledger interface {
	Refund(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error)
	Rollback(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error)
}

// Service hosts the money-settling refund path and the shared SMS ingestion
// used by the poll manager, the push consumer and the reaper's last-chance
// probe.
type Service struct {
	store   *store.Store
	ledger  Ledger
	kernel  *Kernel
	metrics *metrics.ActivationMetrics
	logger  *slog.Logger
}

func NewService(st *store.Store, ledger Ledger, kernel *Kernel, m *metrics.ActivationMetrics, logger *slog.Logger) *Service {
	return &Service{store: st, ledger: ledger, kernel: kernel, metrics: m, logger: logger}
}

// Refund settles the money side of a finished activation and moves it to
// REFUNDED. Captured charges are credited back; bare holds are rolled back.
// Replays are no-ops, so the outbox may deliver the refund event more than
// once.
func (s *Service) Refund(ctx context.Context, activationID uuid.UUID, reason string) error {
	return s.store.WithinTx(ctx, func(tx *store.Tx) error {
		a, err := s.store.GetActivationForUpdate(ctx, tx, activationID)
		if err != nil {
			return err
		}

		if a.State == model.StateRefunded {
			return nil
		}

		// A late SMS can win the expiry race after a refund was queued. The
		// service was delivered, so the money stays committed.
		if a.State == model.StateReceived {
			s.logger.Warn("skipping refund for delivered activation",
				slog.String("activation_id", activationID.String()))
			return nil
		}

		if !a.State.IsRefundable() {
			return fmt.Errorf("activation %s is not refundable from state %s", activationID, a.State)
		}

		var entryID uuid.UUID
		switch {
		case a.CaptureEntryID.Valid:
			entryID, err = s.ledger.Refund(ctx, tx, a.UserID, a.Price, reason,
				fmt.Sprintf("refund for activation %s", a.ID), "refund_"+a.ID.String())
		case a.ReservationEntryID.Valid:
			entryID, err = s.ledger.Rollback(ctx, tx, a.UserID, a.Price, reason,
				fmt.Sprintf("release hold for activation %s", a.ID), "release_"+a.ID.String())
		}
		if err != nil {
			return fmt.Errorf("failed to settle refund for activation %s: %w", activationID, err)
		}

		if entryID != uuid.Nil {
			if err := s.store.SetActivationRefundEntry(ctx, tx, a.ID, entryID); err != nil {
				return err
			}
		}

		if _, err := s.kernel.Transition(ctx, a.ID, model.StateRefunded, TransitionParams{
			Reason: reason,
			Tx:     tx,
		}); err != nil {
			return err
		}

		s.metrics.RefundsTotal.WithLabelValues(reason).Inc()
		return nil
	})
}

// History returns the audit trail of one activation.
func (s *Service) History(ctx context.Context, activationID uuid.UUID) ([]model.StateHistory, error) {
	return s.store.ListHistory(ctx, s.store.DB(), activationID)
}

// InboundSms is one message from any ingestion path.
type InboundSms struct {
	Sender     string
	Content    string
	Code       string
	ReceivedAt time.Time
}

// IngestResult reports what one ingestion did.
type IngestResult struct {
	Stored       int
	FirstSms     bool
	NewExpiresAt time.Time
}

// IngestSms stores messages for an activation and, on the first new message,
// moves ACTIVE to RECEIVED and stretches the number expiry to the extended
// window. Duplicate (number, code) pairs are silently skipped, so every
// ingestion path can replay safely.
func (s *Service) IngestSms(ctx context.Context, activationID uuid.UUID, msgs []InboundSms) (IngestResult, error) {
	var result IngestResult
	if len(msgs) == 0 {
		return result, nil
	}

	err := s.store.WithinTx(ctx, func(tx *store.Tx) error {
		a, err := s.store.GetActivationForUpdate(ctx, tx, activationID)
		if err != nil {
			return err
		}

		if !a.NumberID.Valid {
			return fmt.Errorf("activation %s has no provisioned number", activationID)
		}

		if a.State != model.StateActive && a.State != model.StateReceived {
			s.logger.Warn("dropping sms for finished activation",
				slog.String("activation_id", activationID.String()),
				slog.String("state", string(a.State)))
			return nil
		}

		for _, msg := range msgs {
			code := msg.Code
			if code == "" {
				code = ExtractCode(msg.Content)
			}
			if code == "" {
				// No extractable code; keyed on content so the raw message
				// still dedupes and stays visible to the user.
				code = truncate(msg.Content, 32)
			}
			if code == "" {
				continue
			}

			receivedAt := msg.ReceivedAt
			if receivedAt.IsZero() {
				receivedAt = time.Now().UTC()
			}

			inserted, err := s.store.InsertSms(ctx, tx, &model.SmsMessage{
				NumberID:   a.NumberID.UUID,
				Sender:     msg.Sender,
				Content:    msg.Content,
				Code:       code,
				ReceivedAt: receivedAt,
			})
			if err != nil {
				return err
			}
			if inserted {
				result.Stored++
			}
		}

		if result.Stored == 0 {
			return nil
		}

		if a.State == model.StateActive {
			number, err := s.store.GetNumber(ctx, tx, a.NumberID.UUID)
			if err != nil {
				return err
			}

			if _, err := s.kernel.Transition(ctx, a.ID, model.StateReceived, TransitionParams{
				Reason: "sms received",
				Tx:     tx,
			}); err != nil {
				return err
			}

			newExpiry := number.CreatedAt.Add(ExtendedNumberWindow)
			if err := s.store.ExtendNumberExpiry(ctx, tx, number.ID, newExpiry); err != nil {
				return err
			}
			if err := s.store.UpdateNumberStatus(ctx, tx, number.ID, model.NumberReceived); err != nil {
				return err
			}
			if err := s.store.SetActivationExpiry(ctx, tx, a.ID, newExpiry); err != nil {
				return err
			}

			result.FirstSms = true
			result.NewExpiresAt = newExpiry
		}

		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	return result, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
