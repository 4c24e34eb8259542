// Package catalog owns the search-backed offer projection: one document per
// sellable (provider, country, service, operator) tuple with price and stock.
// The index is advisory and fed exclusively through the outbox; purchase
// resolution reads it, never writes it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoOffer means resolution found nothing in stock for the request.
	ErrNoOffer = errors.New("no matching offer in stock")

	// ErrOfferNotFound means the document id is unknown to the index.
	ErrOfferNotFound = errors.New("offer not found")
)

// Offer is one catalog document. Price is a float here because the index
// sorts numerically; the money-accurate value lives in the order itself.
type Offer struct {
	OfferID     string  `json:"offerId"`
	Provider    string  `json:"provider"`
	CountryCode string  `json:"countryCode"`
	CountryName string  `json:"countryName"`
	ServiceCode string  `json:"serviceCode"`
	ServiceName string  `json:"serviceName"`
	Operator    string  `json:"operator"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	Active      bool    `json:"active"`

	// SyncedAt is the unix second of the sync batch that produced the
	// document. Documents a newer batch did not touch are purged by it.
	SyncedAt int64 `json:"syncedAt"`
}

// PriceDecimal converts the indexed price back into exact money.
func (o *Offer) PriceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(o.Price)
}

// InStock reports whether the offer can currently be bought.
func (o *Offer) InStock() bool {
	return o.Active && o.Stock > 0
}

// OfferID builds the document id for one sellable tuple.
func OfferID(provider, countryCode, serviceCode, operator string) string {
	return fmt.Sprintf("%s_%s_%s_%s", provider, countryCode, serviceCode, operator)
}

// AggregateID maps a document id onto a stable UUID for outbox rows.
func AggregateID(offerID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(offerID))
}

// ProviderOf returns the provider segment of a document id.
func ProviderOf(offerID string) string {
	if i := strings.IndexByte(offerID, '_'); i > 0 {
		return offerID[:i]
	}
	return offerID
}

// OfferEvent is the outbox payload feeding the projection. Sync batches set
// Offers plus PurgeBefore; purchase-path stock adjustments set OfferID and
// StockDelta.
type OfferEvent struct {
	Provider    string  `json:"provider"`
	Offers      []Offer `json:"offers,omitempty"`
	OfferID     string  `json:"offerId,omitempty"`
	StockDelta  int     `json:"stockDelta,omitempty"`
	PurgeBefore int64   `json:"purgeBefore,omitempty"`
}

// SearchParams narrows an index query. Zero values mean "any".
type SearchParams struct {
	Provider    string
	CountryCode string
	CountryName string
	ServiceCode string
	ServiceName string
	Operator    string

	// OnlyInStock keeps active documents with stock > 0.
	OnlyInStock bool

	// MaxPrice caps the price, zero for no cap.
	MaxPrice float64

	// Sort entries like "price:asc".
	Sort []string

	Limit int64
}

// Index is the projection contract. Implemented by the meilisearch client
// wrapper and by the in-memory index used in tests and single-node setups.
type Index interface {
	Upsert(ctx context.Context, offers []Offer) error
	Get(ctx context.Context, offerID string) (*Offer, error)
	Search(ctx context.Context, query string, params SearchParams) ([]Offer, error)

	// DeleteByProvider drops the provider's documents whose SyncedAt is
	// older than the cutoff, i.e. everything the latest sync batch did not
	// re-list.
	DeleteByProvider(ctx context.Context, provider string, syncedBefore int64) error
}

// SyncStamp returns the SyncedAt value for a batch started at t.
func SyncStamp(t time.Time) int64 {
	return t.Unix()
}
