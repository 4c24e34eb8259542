package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActivationMetrics contains activation lifecycle metrics
type ActivationMetrics struct {
	TransitionsTotal *prometheus.CounterVec
	OrdersTotal      *prometheus.CounterVec
	PurchaseDuration *prometheus.HistogramVec
	RefundsTotal     *prometheus.CounterVec
}

// ProviderMetrics contains upstream provider call metrics
type ProviderMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CircuitOpen     *prometheus.GaugeVec
}

// PollerMetrics contains poll cycle metrics
type PollerMetrics struct {
	CyclesTotal   prometheus.Counter
	CycleDuration prometheus.Histogram
	ItemsPolled   prometheus.Counter
	SmsFound      prometheus.Counter
	APICallsSaved prometheus.Counter
	PhaseItems    *prometheus.CounterVec
}

// OutboxMetrics contains outbox dispatcher metrics
type OutboxMetrics struct {
	DispatchedTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// ReaperMetrics contains lifecycle sweep metrics
type ReaperMetrics struct {
	SweptTotal    *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
}

// NewActivationMetrics creates activation lifecycle metrics
func NewActivationMetrics(reg prometheus.Registerer, serviceName string) *ActivationMetrics {
	return &ActivationMetrics{
		TransitionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_activation_transitions_total",
				Help: "Total number of activation state transitions",
			},
			[]string{"from", "to", "provider"},
		),
		OrdersTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_total",
				Help: "Total number of purchase attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		PurchaseDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_purchase_duration_seconds",
				Help:    "Purchase saga duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		RefundsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_refunds_total",
				Help: "Total number of processed refunds",
			},
			[]string{"reason"},
		),
	}
}

// NewProviderMetrics creates upstream provider call metrics
func NewProviderMetrics(reg prometheus.Registerer, serviceName string) *ProviderMetrics {
	return &ProviderMetrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_provider_requests_total",
				Help: "Total number of upstream provider API calls",
			},
			[]string{"provider", "op", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_provider_request_duration_seconds",
				Help:    "Upstream provider API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "op"},
		),
		CircuitOpen: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: serviceName + "_provider_circuit_open",
				Help: "1 when the provider circuit breaker is open",
			},
			[]string{"provider"},
		),
	}
}

// NewPollerMetrics creates poll cycle metrics
func NewPollerMetrics(reg prometheus.Registerer, serviceName string) *PollerMetrics {
	return &PollerMetrics{
		CyclesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_poll_cycles_total",
				Help: "Total number of completed poll cycles",
			},
		),
		CycleDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_poll_cycle_duration_seconds",
				Help:    "Poll cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ItemsPolled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_poll_items_total",
				Help: "Total number of activations polled",
			},
		),
		SmsFound: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_poll_sms_found_total",
				Help: "Total number of poll results carrying new SMS",
			},
		),
		APICallsSaved: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_poll_api_calls_saved_total",
				Help: "Upstream calls avoided by batch status endpoints",
			},
		),
		PhaseItems: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_poll_phase_items_total",
				Help: "Polled items by scheduling phase",
			},
			[]string{"phase"},
		),
	}
}

// NewOutboxMetrics creates outbox dispatcher metrics
func NewOutboxMetrics(reg prometheus.Registerer, serviceName string) *OutboxMetrics {
	return &OutboxMetrics{
		DispatchedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_dispatched_total",
				Help: "Total number of outbox dispatch attempts by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		DispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_outbox_dispatch_duration_seconds",
				Help:    "Outbox event dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
	}
}

// NewReaperMetrics creates lifecycle sweep metrics
func NewReaperMetrics(reg prometheus.Registerer, serviceName string) *ReaperMetrics {
	return &ReaperMetrics{
		SweptTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_reaper_swept_total",
				Help: "Total number of rows handled by reaper sweeps",
			},
			[]string{"sweep"},
		),
		SweepDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_reaper_sweep_duration_seconds",
				Help:    "Reaper sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
	}
}

// RecordTransition records one validated state transition
func (m *ActivationMetrics) RecordTransition(from, to, provider string) {
	m.TransitionsTotal.WithLabelValues(from, to, provider).Inc()
}

// RecordProviderRequest records one upstream call with its outcome
func (m *ProviderMetrics) RecordProviderRequest(provider, op, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(provider, op, status).Inc()
	m.RequestDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}

// RecordDispatch records one outbox dispatch attempt
func (m *OutboxMetrics) RecordDispatch(eventType, outcome string, duration time.Duration) {
	m.DispatchedTotal.WithLabelValues(eventType, outcome).Inc()
	m.DispatchDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordSweep records one reaper sweep run
func (m *ReaperMetrics) RecordSweep(sweep string, handled int, duration time.Duration) {
	m.SweptTotal.WithLabelValues(sweep).Add(float64(handled))
	m.SweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}
