package catalog

import (
	"context"
	"sort"
)

// aggregateFetchLimit bounds how many documents one admin view reads.
const aggregateFetchLimit = 50000

// ProviderBreakdown is one provider's slice of an aggregate row.
type ProviderBreakdown struct {
	Provider string  `json:"provider"`
	Offers   int     `json:"offers"`
	Stock    int     `json:"stock"`
	MinPrice float64 `json:"minPrice"`
	MaxPrice float64 `json:"maxPrice"`
}

// CountryAggregate rolls up every offer of one country.
type CountryAggregate struct {
	CountryCode string              `json:"countryCode"`
	CountryName string              `json:"countryName"`
	Services    int                 `json:"services"`
	Offers      int                 `json:"offers"`
	Stock       int                 `json:"stock"`
	MinPrice    float64             `json:"minPrice"`
	MaxPrice    float64             `json:"maxPrice"`
	Providers   []ProviderBreakdown `json:"providers"`

	// SyncedAt is the freshest sync batch seen in the group.
	SyncedAt int64 `json:"syncedAt"`
}

// ServiceAggregate rolls up every offer of one service.
type ServiceAggregate struct {
	ServiceCode string              `json:"serviceCode"`
	ServiceName string              `json:"serviceName"`
	Countries   int                 `json:"countries"`
	Offers      int                 `json:"offers"`
	Stock       int                 `json:"stock"`
	MinPrice    float64             `json:"minPrice"`
	MaxPrice    float64             `json:"maxPrice"`
	Providers   []ProviderBreakdown `json:"providers"`
	SyncedAt    int64               `json:"syncedAt"`
}

// Aggregator derives admin views from the offer projection by in-memory
// grouping. It reads the index as-is; stale documents show their age via
// SyncedAt rather than being filtered.
type Aggregator struct {
	index Index
}

func NewAggregator(index Index) *Aggregator {
	return &Aggregator{index: index}
}

// ByCountry groups all indexed offers per country, sorted by country name.
func (a *Aggregator) ByCountry(ctx context.Context) ([]CountryAggregate, error) {
	offers, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]Offer)
	for _, o := range offers {
		groups[o.CountryCode] = append(groups[o.CountryCode], o)
	}

	out := make([]CountryAggregate, 0, len(groups))
	for code, group := range groups {
		agg := CountryAggregate{
			CountryCode: code,
			CountryName: group[0].CountryName,
			Services:    distinct(group, func(o Offer) string { return o.ServiceCode }),
			Providers:   breakdown(group),
		}
		agg.Offers, agg.Stock, agg.MinPrice, agg.MaxPrice, agg.SyncedAt = rollup(group)
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CountryName < out[j].CountryName })
	return out, nil
}

// ByService groups all indexed offers per service, sorted by service name.
func (a *Aggregator) ByService(ctx context.Context) ([]ServiceAggregate, error) {
	offers, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]Offer)
	for _, o := range offers {
		groups[o.ServiceCode] = append(groups[o.ServiceCode], o)
	}

	out := make([]ServiceAggregate, 0, len(groups))
	for code, group := range groups {
		agg := ServiceAggregate{
			ServiceCode: code,
			ServiceName: group[0].ServiceName,
			Countries:   distinct(group, func(o Offer) string { return o.CountryCode }),
			Providers:   breakdown(group),
		}
		agg.Offers, agg.Stock, agg.MinPrice, agg.MaxPrice, agg.SyncedAt = rollup(group)
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out, nil
}

func (a *Aggregator) fetch(ctx context.Context) ([]Offer, error) {
	return a.index.Search(ctx, "", SearchParams{Limit: aggregateFetchLimit})
}

func rollup(group []Offer) (count, stock int, minPrice, maxPrice float64, syncedAt int64) {
	for i, o := range group {
		count++
		stock += o.Stock
		if i == 0 || o.Price < minPrice {
			minPrice = o.Price
		}
		if o.Price > maxPrice {
			maxPrice = o.Price
		}
		if o.SyncedAt > syncedAt {
			syncedAt = o.SyncedAt
		}
	}
	return count, stock, minPrice, maxPrice, syncedAt
}

func breakdown(group []Offer) []ProviderBreakdown {
	byProvider := make(map[string][]Offer)
	for _, o := range group {
		byProvider[o.Provider] = append(byProvider[o.Provider], o)
	}

	out := make([]ProviderBreakdown, 0, len(byProvider))
	for name, offers := range byProvider {
		b := ProviderBreakdown{Provider: name}
		b.Offers, b.Stock, b.MinPrice, b.MaxPrice, _ = rollup(offers)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func distinct(offers []Offer, key func(Offer) string) int {
	seen := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		seen[key(o)] = struct{}{}
	}
	return len(seen)
}
