package catalog

import (
	"context"
	"errors"
	"log/slog"
)

// Projector applies outbox offer events onto the index. It is the only
// writer of the projection. Apply tolerates redelivery: upserts replace
// whole documents, purges are cutoff-based and stock deltas are advisory
// until the next sync batch rebases the count from upstream.
type Projector struct {
	index  Index
	logger *slog.Logger
}

func NewProjector(index Index, logger *slog.Logger) *Projector {
	return &Projector{index: index, logger: logger}
}

func (p *Projector) Apply(ctx context.Context, ev OfferEvent) error {
	if len(ev.Offers) > 0 {
		if err := p.index.Upsert(ctx, ev.Offers); err != nil {
			return err
		}
	}

	if ev.OfferID != "" && ev.StockDelta != 0 {
		if err := p.applyStockDelta(ctx, ev.OfferID, ev.StockDelta); err != nil {
			return err
		}
	}

	if ev.PurgeBefore > 0 {
		if err := p.index.DeleteByProvider(ctx, ev.Provider, ev.PurgeBefore); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) applyStockDelta(ctx context.Context, offerID string, delta int) error {
	offer, err := p.index.Get(ctx, offerID)
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			// The next sync reindexes the document with upstream stock.
			p.logger.Debug("stock delta for unindexed offer",
				slog.String("offer_id", offerID),
				slog.Int("delta", delta))
			return nil
		}
		return err
	}

	offer.Stock += delta
	if offer.Stock < 0 {
		offer.Stock = 0
	}
	return p.index.Upsert(ctx, []Offer{*offer})
}
