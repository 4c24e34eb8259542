package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/FlashTheFire/nexnum/common/metrics"
)

const (
	callTimeout  = 5 * time.Second
	batchTimeout = 10 * time.Second
)

type managed struct {
	adapter Adapter
	breaker *Breaker
	limiter *rate.Limiter
}

// Registry resolves adapters by name and guards every call with the
// per-provider rate limiter, the call timeout and the circuit breaker.
// All consumers go through the registry; nobody calls adapters directly.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*managed
	metrics  *metrics.ProviderMetrics
	logger   *slog.Logger
}

func NewRegistry(m *metrics.ProviderMetrics, logger *slog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]*managed),
		metrics:  m,
		logger:   logger,
	}
}

// Register adds an adapter with its upstream call budget.
func (r *Registry) Register(a Adapter, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = &managed{
		adapter: a,
		breaker: NewBreaker(),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsBatch reports whether the provider can answer batched status calls.
func (r *Registry) SupportsBatch(name string) bool {
	m, err := r.get(name)
	if err != nil {
		return false
	}
	_, ok := m.adapter.(BatchStatusChecker)
	return ok
}

// SupportsResend reports whether the provider can request another SMS.
func (r *Registry) SupportsResend(name string) bool {
	m, err := r.get(name)
	if err != nil {
		return false
	}
	_, ok := m.adapter.(ResendRequester)
	return ok
}

// CircuitOpen reports whether the provider's breaker is currently tripped.
func (r *Registry) CircuitOpen(name string) bool {
	m, err := r.get(name)
	if err != nil {
		return false
	}
	return m.breaker.Open()
}

// Acquire buys a number from the named provider.
func (r *Registry) Acquire(ctx context.Context, name, country, service string, opts AcquireOpts) (*Acquired, error) {
	var result *Acquired
	err := r.do(ctx, name, "acquire", callTimeout, func(ctx context.Context, a Adapter) error {
		var err error
		result, err = a.Acquire(ctx, country, service, opts)
		return err
	})
	return result, err
}

// Status asks the named provider for one activation's state.
func (r *Registry) Status(ctx context.Context, name, upstreamID string) (*StatusResult, error) {
	var result *StatusResult
	err := r.do(ctx, name, "status", callTimeout, func(ctx context.Context, a Adapter) error {
		var err error
		result, err = a.Status(ctx, upstreamID)
		return err
	})
	return result, err
}

// StatusBatch asks for many activations in one upstream round trip. The
// caller must have checked SupportsBatch.
func (r *Registry) StatusBatch(ctx context.Context, name string, upstreamIDs []string) (map[string]*StatusResult, error) {
	var result map[string]*StatusResult
	err := r.do(ctx, name, "status_batch", batchTimeout, func(ctx context.Context, a Adapter) error {
		batcher, ok := a.(BatchStatusChecker)
		if !ok {
			return fmt.Errorf("provider %s has no batch status capability", name)
		}
		var err error
		result, err = batcher.StatusBatch(ctx, upstreamIDs)
		return err
	})
	return result, err
}

// Cancel releases a number at the upstream.
func (r *Registry) Cancel(ctx context.Context, name, upstreamID string) error {
	return r.do(ctx, name, "cancel", callTimeout, func(ctx context.Context, a Adapter) error {
		return a.Cancel(ctx, upstreamID)
	})
}

// RequestResend asks the upstream for another SMS on the same number.
func (r *Registry) RequestResend(ctx context.Context, name, upstreamID string) error {
	return r.do(ctx, name, "resend", callTimeout, func(ctx context.Context, a Adapter) error {
		requester, ok := a.(ResendRequester)
		if !ok {
			return ErrResendNotSupported
		}
		return requester.RequestResend(ctx, upstreamID)
	})
}

// Balance reads our account balance at the named provider.
func (r *Registry) Balance(ctx context.Context, name string) (decimal.Decimal, error) {
	var result decimal.Decimal
	err := r.do(ctx, name, "balance", callTimeout, func(ctx context.Context, a Adapter) error {
		checker, ok := a.(BalanceChecker)
		if !ok {
			return fmt.Errorf("provider %s has no balance capability", name)
		}
		var err error
		result, err = checker.Balance(ctx)
		return err
	})
	return result, err
}

// ListCountries pulls the provider's country directory.
func (r *Registry) ListCountries(ctx context.Context, name string) ([]Country, error) {
	var result []Country
	err := r.do(ctx, name, "list_countries", callTimeout, func(ctx context.Context, a Adapter) error {
		var err error
		result, err = a.ListCountries(ctx)
		return err
	})
	return result, err
}

// ListServices pulls the provider's service directory.
func (r *Registry) ListServices(ctx context.Context, name, country string) ([]Service, error) {
	var result []Service
	err := r.do(ctx, name, "list_services", callTimeout, func(ctx context.Context, a Adapter) error {
		var err error
		result, err = a.ListServices(ctx, country)
		return err
	})
	return result, err
}

// ListOffers pulls the provider's full price list. Providers without the
// capability return an empty list.
func (r *Registry) ListOffers(ctx context.Context, name string) ([]Offer, error) {
	m, err := r.get(name)
	if err != nil {
		return nil, err
	}
	lister, ok := m.adapter.(OfferLister)
	if !ok {
		return nil, nil
	}

	var result []Offer
	err = r.do(ctx, name, "list_offers", batchTimeout, func(ctx context.Context, _ Adapter) error {
		var err error
		result, err = lister.ListOffers(ctx)
		return err
	})
	return result, err
}

func (r *Registry) get(name string) (*managed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownProvider)
	}
	return m, nil
}

func (r *Registry) do(ctx context.Context, name, op string, timeout time.Duration, fn func(ctx context.Context, a Adapter) error) error {
	m, err := r.get(name)
	if err != nil {
		return err
	}

	if !m.breaker.Allow() {
		r.metrics.CircuitOpen.WithLabelValues(name).Set(1)
		r.metrics.RequestsTotal.WithLabelValues(name, op, "rejected").Inc()
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for %s rate limit: %w", name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx, m.adapter)
	duration := time.Since(start)

	status := "ok"
	switch {
	case err == nil || IsDomainErr(err):
		m.breaker.Record(true)
		if err != nil {
			status = "domain_error"
		}
	case errors.Is(err, context.Canceled):
		// Shutdown, not the upstream's fault. No breaker outcome.
		status = "cancelled"
	default:
		m.breaker.Record(false)
		status = "error"
		r.logger.Warn("provider call failed",
			slog.String("provider", name),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}

	r.metrics.RecordProviderRequest(name, op, status, duration)
	if m.breaker.Open() {
		r.metrics.CircuitOpen.WithLabelValues(name).Set(1)
	} else {
		r.metrics.CircuitOpen.WithLabelValues(name).Set(0)
	}

	return err
}
