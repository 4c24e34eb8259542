package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is the in-process Index used by single-node deployments and
// tests. Semantics mirror the meilisearch wrapper: filters compare
// case-insensitively, free text is substring match over the visible columns
// and every query term must hit.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Offer
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Offer)}
}

func (m *MemoryIndex) Upsert(_ context.Context, offers []Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		m.docs[o.OfferID] = o
	}
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, offerID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.docs[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return &o, nil
}

func (m *MemoryIndex) Search(_ context.Context, query string, params SearchParams) ([]Offer, error) {
	m.mu.RLock()
	out := make([]Offer, 0, len(m.docs))
	for _, o := range m.docs {
		if matches(o, query, params) {
			out = append(out, o)
		}
	}
	m.mu.RUnlock()

	sortOffers(out, params.Sort)
	limit := params.Limit
	if limit == 0 {
		limit = 20
	}
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) DeleteByProvider(_ context.Context, provider string, syncedBefore int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.docs {
		if o.Provider == provider && o.SyncedAt < syncedBefore {
			delete(m.docs, id)
		}
	}
	return nil
}

func matches(o Offer, query string, p SearchParams) bool {
	eq := func(want, have string) bool {
		return want == "" || strings.EqualFold(want, have)
	}
	if !eq(p.Provider, o.Provider) || !eq(p.CountryCode, o.CountryCode) ||
		!eq(p.CountryName, o.CountryName) || !eq(p.ServiceCode, o.ServiceCode) ||
		!eq(p.ServiceName, o.ServiceName) || !eq(p.Operator, o.Operator) {
		return false
	}
	if p.OnlyInStock && !o.InStock() {
		return false
	}
	if p.MaxPrice > 0 && o.Price > p.MaxPrice {
		return false
	}
	if q := strings.TrimSpace(query); q != "" {
		hay := strings.ToLower(strings.Join([]string{
			o.OfferID, o.Provider, o.CountryCode, o.CountryName,
			o.ServiceCode, o.ServiceName, o.Operator,
		}, " "))
		for _, term := range strings.Fields(strings.ToLower(q)) {
			if !strings.Contains(hay, term) {
				return false
			}
		}
	}
	return true
}

// sortOffers orders by the requested "field:direction" keys with a stable
// OfferID tiebreak so results are deterministic.
func sortOffers(offers []Offer, keys []string) {
	sort.Slice(offers, func(i, j int) bool {
		for _, key := range keys {
			field, dir, _ := strings.Cut(key, ":")
			desc := dir == "desc"
			var less, greater bool
			switch field {
			case "price":
				less, greater = offers[i].Price < offers[j].Price, offers[i].Price > offers[j].Price
			case "stock":
				less, greater = offers[i].Stock < offers[j].Stock, offers[i].Stock > offers[j].Stock
			case "syncedAt":
				less, greater = offers[i].SyncedAt < offers[j].SyncedAt, offers[i].SyncedAt > offers[j].SyncedAt
			default:
				continue
			}
			if less {
				return !desc
			}
			if greater {
				return desc
			}
		}
		return offers[i].OfferID < offers[j].OfferID
	})
}
