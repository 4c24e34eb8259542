package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/model"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/store"
)

var tracer = otel.Tracer("catalog")

const (
	defaultSyncInterval = 10 * time.Minute

	// syncBatchSize bounds one outbox payload; a full smshub price list runs
	// to tens of thousands of offers.
	syncBatchSize = 500
)

// SyncSource is the slice of the provider registry the syncer needs.
type SyncSource interface {
	Names() []string
	ListOffers(ctx context.Context, name string) ([]provider.Offer, error)
}

// Syncer periodically pulls full price lists from every registered upstream
// and feeds them through the outbox into the offer projection.
type Syncer struct {
	store     *store.Store
	providers SyncSource
	logger    *slog.Logger
	interval  time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewSyncer(st *store.Store, providers SyncSource, interval time.Duration, logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Syncer{
		store:     st,
		providers: providers,
		logger:    logger,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Syncer) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	// First sync right away so a fresh deployment has offers to sell.
	s.SyncAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SyncAll(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SyncAll refreshes every provider once. Failures are isolated per provider.
func (s *Syncer) SyncAll(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "catalog.sync")
	defer span.End()

	for _, name := range s.providers.Names() {
		if err := s.SyncProvider(ctx, name); err != nil {
			s.logger.Error("provider sync failed",
				slog.String("provider", name),
				slog.String("error", err.Error()))
		}
	}
}

// SyncProvider pulls one upstream price list and enqueues it as outbox
// batches. The final batch carries the purge cutoff that retires documents
// the upstream no longer lists.
func (s *Syncer) SyncProvider(ctx context.Context, name string) error {
	listed, err := s.providers.ListOffers(ctx, name)
	if err != nil {
		return err
	}
	if len(listed) == 0 {
		// An empty price list is far more likely an upstream hiccup than a
		// provider selling nothing; keep the current documents.
		s.logger.Warn("upstream returned no offers, skipping sync",
			slog.String("provider", name))
		return nil
	}

	stamp := SyncStamp(time.Now())
	offers := make([]Offer, 0, len(listed))
	for _, l := range listed {
		operator := l.Operator
		if operator == "" {
			operator = "any"
		}
		price, _ := l.Price.Float64()
		offers = append(offers, Offer{
			OfferID:     OfferID(name, l.Country, l.Service, operator),
			Provider:    name,
			CountryCode: l.Country,
			CountryName: CountryNameFor(l.Country),
			ServiceCode: l.Service,
			ServiceName: ServiceNameFor(l.Service),
			Operator:    operator,
			Price:       price,
			Stock:       l.Stock,
			Active:      true,
			SyncedAt:    stamp,
		})
	}

	batches := chunkOffers(offers, syncBatchSize)
	err = s.store.WithinTx(ctx, func(tx *store.Tx) error {
		for i, batch := range batches {
			ev := OfferEvent{Provider: name, Offers: batch}
			if i == len(batches)-1 {
				ev.PurgeBefore = stamp
			}
			if err := s.enqueue(ctx, tx, name, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("provider price list queued for indexing",
		slog.String("provider", name),
		slog.Int("offers", len(offers)),
		slog.Int("batches", len(batches)))
	return nil
}

func (s *Syncer) enqueue(ctx context.Context, tx *store.Tx, name string, ev OfferEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal offer batch: %w", err)
	}
	return s.store.EnqueueOutbox(ctx, tx, &model.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "offer",
		AggregateID:   AggregateID(name),
		EventType:     broker.OfferCreatedEvent,
		Payload:       payload,
		NextAttemptAt: time.Now(),
		TraceID:       traceIDFrom(ctx),
	})
}

func chunkOffers(offers []Offer, size int) [][]Offer {
	var out [][]Offer
	for begin := 0; begin < len(offers); begin += size {
		end := begin + size
		if end > len(offers) {
			end = len(offers)
		}
		out = append(out, offers[begin:end])
	}
	return out
}

func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
