package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FlashTheFire/nexnum/catalog"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

// ErrCode classifies purchase failures for API consumers.
type ErrCode string

const (
	CodeInsufficientBalance ErrCode = "INSUFFICIENT_BALANCE"
	CodeProviderError       ErrCode = "PROVIDER_ERROR"
	CodeInvalidRequest      ErrCode = "INVALID_REQUEST"
	CodeSystemError         ErrCode = "SYSTEM_ERROR"
	CodeNotSupported        ErrCode = "NOT_SUPPORTED"
)

// Error is the order-facing failure type. Message is safe to surface to the
// buyer; Err keeps the internal cause for logs.
type Error struct {
	Code    ErrCode
	Message string
	Err     error

	// Retryable marks failures where the saga could not record a settled
	// outcome. The outbox replay path drives these again; everything else
	// is final.
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the ErrCode from err, defaulting to SYSTEM_ERROR.
func CodeOf(err error) ErrCode {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeSystemError
}

// ErrOrderNotFound covers both unknown activation ids and activations owned
// by another user. Callers must not be able to tell the two apart.
var ErrOrderNotFound = errors.New("order not found")

// PurchaseRequest is the buy command. Provider and Price may be left empty,
// in which case the catalog resolves an offer from country/service.
type PurchaseRequest struct {
	UserID         uuid.UUID       `validate:"required"`
	Country        string          `validate:"required,min=2,max=64"`
	Service        string          `validate:"required,min=2,max=64"`
	Provider       string          `validate:"omitempty,max=32"`
	Operator       string          `validate:"omitempty,max=32"`
	MaxPrice       decimal.Decimal `validate:"-"`
	IdempotencyKey string          `validate:"omitempty,max=128"`
}

// PurchaseResult reports the outcome of a successful (or replayed) purchase.
type PurchaseResult struct {
	ActivationID uuid.UUID
	State        model.ActivationState
	Provider     string
	Phone        string
	Price        decimal.Decimal
	ExpiresAt    time.Time
	Replayed     bool
}

// OrderMessage is one received text on an order.
type OrderMessage struct {
	Sender     string
	Content    string
	Code       string
	ReceivedAt time.Time
}

// OrderStatus is the buyer-facing view of one activation.
type OrderStatus struct {
	ActivationID     uuid.UUID
	State            model.ActivationState
	StateLabel       string
	Provider         string
	Country          string
	Service          string
	Phone            string
	Price            decimal.Decimal
	SmsCount         int
	Messages         []OrderMessage
	CreatedAt        time.Time
	ExpiresAt        time.Time
	CanCancel        bool
	CanRequestResend bool
}

// OrderSummary is one row of a user's order history.
type OrderSummary struct {
	ActivationID uuid.UUID
	State        model.ActivationState
	StateLabel   string
	Provider     string
	Country      string
	Service      string
	Phone        string
	Price        decimal.Decimal
	CreatedAt    time.Time
}

// ProviderClient is the slice of the provider registry the order flow needs.
type ProviderClient interface {
	Acquire(ctx context.Context, name, country, service string, opts provider.AcquireOpts) (*provider.Acquired, error)
	Cancel(ctx context.Context, name, upstreamID string) error
	RequestResend(ctx context.Context, name, upstreamID string) error
	Balance(ctx context.Context, name string) (decimal.Decimal, error)
	SupportsResend(name string) bool
}

// Ledger is the wallet surface consumed by the saga.
type Ledger interface {
	AvailableBalance(ctx context.Context, q store.Querier, userID uuid.UUID) (decimal.Decimal, error)
	Reserve(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error)
	Commit(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error)
	Rollback(ctx context.Context, q store.Querier, userID uuid.UUID, amount decimal.Decimal, reason, memo, idemKey string) (uuid.UUID, error)
}

// Scheduler places activations on the poll due-index.
type Scheduler interface {
	Schedule(ctx context.Context, activationID uuid.UUID, at time.Time) error
	Remove(ctx context.Context, activationIDs ...uuid.UUID) error
}

// Refunder settles money back after a cancel. Implemented by the activation
// service refund path.
type Refunder interface {
	Refund(ctx context.Context, activationID uuid.UUID, reason string) error
}

// OfferResolver matches a country/service pair to a concrete sellable offer.
type OfferResolver interface {
	Resolve(ctx context.Context, q catalog.ResolveQuery) (*catalog.Offer, error)
}

// BalanceCache memoizes upstream provider balances between polls.
type BalanceCache interface {
	ProviderBalance(ctx context.Context, name string) (decimal.Decimal, bool, error)
	SetProviderBalance(ctx context.Context, name string, balance decimal.Decimal, ttl time.Duration) error
}
