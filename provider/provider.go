// Package provider defines the adapter surface for upstream SMS platforms
// and the registry that guards every call with rate limits, timeouts and a
// per-provider circuit breaker. Adapters are pure protocol translators and
// hold no durable state.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoNumbers means the upstream has no stock for the requested
	// country/service pair. A clean API answer, not an infrastructure fault.
	ErrNoNumbers = errors.New("no numbers available")

	// ErrNoBalance means our account at the upstream ran dry.
	ErrNoBalance = errors.New("insufficient upstream balance")

	// ErrBadService means the upstream rejected the service or country code.
	ErrBadService = errors.New("unknown service or country")

	// ErrNotFound means the upstream does not know the activation id.
	ErrNotFound = errors.New("activation not found upstream")

	// ErrResendNotSupported is returned for adapters without the
	// ResendRequester capability.
	ErrResendNotSupported = errors.New("provider does not support resend")

	// ErrCircuitOpen short-circuits calls while a provider is tripped.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrUnknownProvider means no adapter is registered under the name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ActivationStatus is the upstream's view of one activation.
type ActivationStatus string

const (
	StatusPending   ActivationStatus = "pending"
	StatusReceived  ActivationStatus = "received"
	StatusCancelled ActivationStatus = "cancelled"
	StatusExpired   ActivationStatus = "expired"
	StatusError     ActivationStatus = "error"
)

// Country is one destination a provider sells numbers in.
type Country struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Service is one target platform a number can receive codes for.
type Service struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl,omitempty"`
}

// AcquireOpts narrows an acquisition request.
type AcquireOpts struct {
	// Operator is the provider-native operator string, empty for any.
	Operator string

	// MaxPrice caps what the upstream may charge, zero for no cap.
	MaxPrice decimal.Decimal
}

// Acquired describes a freshly bought number.
type Acquired struct {
	UpstreamID string
	Phone      string

	// Price is the upstream charge when reported, zero otherwise.
	Price decimal.Decimal

	// ExpiresAt is the upstream expiry when reported, zero otherwise.
	ExpiresAt time.Time
}

// Message is one SMS as reported by the upstream.
type Message struct {
	ID         string
	Sender     string
	Content    string
	Code       string
	ReceivedAt time.Time
}

// StatusResult is one poll answer.
type StatusResult struct {
	Status   ActivationStatus
	Messages []Message
}

// Adapter is the capability set every upstream integration implements.
type Adapter interface {
	Name() string
	ListCountries(ctx context.Context) ([]Country, error)
	ListServices(ctx context.Context, country string) ([]Service, error)
	Acquire(ctx context.Context, country, service string, opts AcquireOpts) (*Acquired, error)
	Status(ctx context.Context, upstreamID string) (*StatusResult, error)
	Cancel(ctx context.Context, upstreamID string) error
}

// BatchStatusChecker is the optional capability that enables batched polling.
type BatchStatusChecker interface {
	StatusBatch(ctx context.Context, upstreamIDs []string) (map[string]*StatusResult, error)
}

// BalanceChecker is the optional capability to read our upstream balance.
type BalanceChecker interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// ResendRequester is the optional capability to ask for another SMS.
type ResendRequester interface {
	RequestResend(ctx context.Context, upstreamID string) error
}

// Offer is one sellable (country, service, operator) tuple with price and
// stock, as advertised by a provider.
type Offer struct {
	Country  string
	Service  string
	Operator string
	Price    decimal.Decimal
	Stock    int
}

// OfferLister is the optional capability to pull the provider's full price
// list for catalog sync.
type OfferLister interface {
	ListOffers(ctx context.Context) ([]Offer, error)
}

// IsDomainErr reports whether err is a clean upstream answer rather than an
// infrastructure fault. Domain errors never trip the circuit breaker.
func IsDomainErr(err error) bool {
	return errors.Is(err, ErrNoNumbers) ||
		errors.Is(err, ErrNoBalance) ||
		errors.Is(err, ErrBadService) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrResendNotSupported)
}
