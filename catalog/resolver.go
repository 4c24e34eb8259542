package catalog

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// canonicalServices maps well-known platform names onto the service codes
// most upstreams inherited from sms-activate. Anything not listed resolves
// through the index instead.
var canonicalServices = map[string]string{
	"telegram":  "tg",
	"whatsapp":  "wa",
	"google":    "go",
	"gmail":     "go",
	"youtube":   "go",
	"instagram": "ig",
	"facebook":  "fb",
	"twitter":   "tw",
	"x":         "tw",
	"viber":     "vi",
	"discord":   "ds",
	"openai":    "dr",
	"chatgpt":   "dr",
	"tiktok":    "lf",
	"uber":      "ub",
	"amazon":    "am",
	"microsoft": "mm",
	"netflix":   "nf",
	"paypal":    "ts",
	"steam":     "mt",
	"vkontakte": "vk",
	"wechat":    "wb",
	"yahoo":     "mb",
}

// canonicalCountries maps common country names onto the numeric destination
// codes of the sms-activate protocol family.
var canonicalCountries = map[string]string{
	"russia":         "0",
	"ukraine":        "1",
	"kazakhstan":     "2",
	"china":          "3",
	"philippines":    "4",
	"myanmar":        "5",
	"indonesia":      "6",
	"malaysia":       "7",
	"kenya":          "8",
	"tanzania":       "9",
	"vietnam":        "10",
	"kyrgyzstan":     "11",
	"usa":            "12",
	"united states":  "12",
	"israel":         "13",
	"hong kong":      "14",
	"hongkong":       "14",
	"poland":         "15",
	"uk":             "16",
	"united kingdom": "16",
	"england":        "16",
	"madagascar":     "17",
	"congo":          "18",
	"nigeria":        "19",
	"macau":          "20",
	"egypt":          "21",
	"india":          "22",
}

// ResolveQuery asks for the cheapest in-stock offer matching a buyer's
// request. Country and Service accept canonical names, provider-native codes
// or free text; Provider and Operator are optional pins.
type ResolveQuery struct {
	Country  string
	Service  string
	Provider string
	Operator string
	MaxPrice decimal.Decimal
}

// Resolver matches purchase requests against the offer projection. Matching
// runs through a fixed ladder of strategies, most precise first, and the
// first strategy with a hit wins.
type Resolver struct {
	index Index
}

func NewResolver(index Index) *Resolver {
	return &Resolver{index: index}
}

type attempt struct {
	name   string
	query  string
	params SearchParams
}

// Resolve returns the cheapest in-stock offer for the query, or ErrNoOffer.
func (r *Resolver) Resolve(ctx context.Context, q ResolveQuery) (*Offer, error) {
	for _, a := range r.attempts(q) {
		offers, err := r.index.Search(ctx, a.query, a.params)
		if err != nil {
			return nil, err
		}
		if len(offers) > 0 {
			offer := offers[0]
			return &offer, nil
		}
	}
	return nil, ErrNoOffer
}

func (r *Resolver) attempts(q ResolveQuery) []attempt {
	base := SearchParams{
		Provider:    q.Provider,
		Operator:    q.Operator,
		OnlyInStock: true,
		Sort:        []string{"price:asc"},
		Limit:       1,
	}
	if q.MaxPrice.GreaterThan(decimal.Zero) {
		base.MaxPrice, _ = q.MaxPrice.Float64()
	}

	service := strings.TrimSpace(q.Service)
	country := strings.TrimSpace(q.Country)
	serviceKey := strings.ToLower(service)

	// Countries pin on the native code when one is derivable; otherwise the
	// name column matches case-insensitively.
	countryCode, countryName := "", ""
	if code, ok := canonicalCountries[strings.ToLower(country)]; ok {
		countryCode = code
	} else if isDigits(country) {
		countryCode = country
	} else {
		countryName = country
	}

	withCountry := func(p SearchParams) SearchParams {
		p.CountryCode = countryCode
		p.CountryName = countryName
		return p
	}

	var out []attempt

	alias, hasAlias := canonicalServices[serviceKey]
	if hasAlias {
		p := withCountry(base)
		p.ServiceCode = alias
		out = append(out, attempt{name: "service_alias", params: p})
	}

	if !hasAlias || alias != serviceKey {
		p := withCountry(base)
		p.ServiceCode = serviceKey
		out = append(out, attempt{name: "service_code", params: p})
	}

	p := withCountry(base)
	p.ServiceName = service
	out = append(out, attempt{name: "service_name", params: p})

	// Last resort: full-text over every searchable column, no structured
	// country/service pins.
	free := base
	free.Limit = 3
	out = append(out, attempt{name: "free_text", query: service + " " + country, params: free})

	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
