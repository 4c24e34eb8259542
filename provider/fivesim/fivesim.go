// Package fivesim implements the fivesim JSON REST protocol with bearer-token
// auth. Unlike smshub there is no batch status endpoint, but the upstream can
// be asked to resend an SMS on a live number.
package fivesim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FlashTheFire/nexnum/provider"
)

const Name = "fivesim"

var (
	_ provider.Adapter         = (*Client)(nil)
	_ provider.ResendRequester = (*Client)(nil)
	_ provider.OfferLister     = (*Client)(nil)
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (c *Client) Name() string { return Name }

type smsEntry struct {
	CreatedAt time.Time `json:"created_at"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Code      string    `json:"code"`
}

type activationResponse struct {
	ID      json.Number `json:"id"`
	Phone   string      `json:"phone"`
	Price   json.Number `json:"price"`
	Status  string      `json:"status"`
	Expires time.Time   `json:"expires"`
	SMS     []smsEntry  `json:"sms"`
}

func (c *Client) ListCountries(ctx context.Context) ([]provider.Country, error) {
	var raw map[string]struct {
		TextEn string `json:"text_en"`
	}
	if err := c.doJSON(ctx, "/guest/countries", &raw); err != nil {
		return nil, err
	}

	countries := make([]provider.Country, 0, len(raw))
	for id, entry := range raw {
		name := entry.TextEn
		if name == "" {
			name = id
		}
		countries = append(countries, provider.Country{ID: id, Name: name})
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].ID < countries[j].ID })
	return countries, nil
}

func (c *Client) ListServices(ctx context.Context, country string) ([]provider.Service, error) {
	if country == "" {
		country = "any"
	}

	var raw map[string]struct {
		Category string `json:"Category"`
	}
	if err := c.doJSON(ctx, "/guest/products/"+url.PathEscape(country)+"/any", &raw); err != nil {
		return nil, err
	}

	services := make([]provider.Service, 0, len(raw))
	for id, entry := range raw {
		if entry.Category != "activation" {
			continue
		}
		services = append(services, provider.Service{ID: id, Name: id})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

func (c *Client) Acquire(ctx context.Context, country, service string, opts provider.AcquireOpts) (*provider.Acquired, error) {
	operator := opts.Operator
	if operator == "" {
		operator = "any"
	}

	path := fmt.Sprintf("/user/buy/activation/%s/%s/%s",
		url.PathEscape(country), url.PathEscape(operator), url.PathEscape(service))
	if opts.MaxPrice.IsPositive() {
		path += "?maxPrice=" + url.QueryEscape(opts.MaxPrice.String())
	}

	var resp activationResponse
	if err := c.doJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.ID.String() == "" || resp.Phone == "" {
		return nil, fmt.Errorf("malformed fivesim buy response: id=%q phone=%q", resp.ID, resp.Phone)
	}

	acquired := &provider.Acquired{
		UpstreamID: resp.ID.String(),
		Phone:      resp.Phone,
		ExpiresAt:  resp.Expires,
	}
	if resp.Price.String() != "" {
		price, err := decimal.NewFromString(resp.Price.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse fivesim price %q: %w", resp.Price, err)
		}
		acquired.Price = price
	}
	return acquired, nil
}

func (c *Client) Status(ctx context.Context, upstreamID string) (*provider.StatusResult, error) {
	var resp activationResponse
	if err := c.doJSON(ctx, "/user/check/"+url.PathEscape(upstreamID), &resp); err != nil {
		return nil, err
	}

	status := mapStatus(resp.Status)
	if status == provider.StatusError {
		c.logger.Warn("unmapped fivesim status",
			slog.String("upstream_id", upstreamID),
			slog.String("status", resp.Status),
		)
	}

	result := &provider.StatusResult{Status: status}
	for _, sms := range resp.SMS {
		result.Messages = append(result.Messages, provider.Message{
			ID:         sms.Code + "@" + sms.CreatedAt.UTC().Format(time.RFC3339),
			Sender:     sms.Sender,
			Content:    sms.Text,
			Code:       sms.Code,
			ReceivedAt: sms.CreatedAt,
		})
	}
	return result, nil
}

func (c *Client) Cancel(ctx context.Context, upstreamID string) error {
	return c.doJSON(ctx, "/user/cancel/"+url.PathEscape(upstreamID), nil)
}

// RequestResend asks the upstream for another SMS on the same number.
func (c *Client) RequestResend(ctx context.Context, upstreamID string) error {
	return c.doJSON(ctx, "/user/resend/"+url.PathEscape(upstreamID), nil)
}

// ListOffers flattens the guest price tree, one offer per operator entry.
func (c *Client) ListOffers(ctx context.Context) ([]provider.Offer, error) {
	var raw map[string]map[string]map[string]struct {
		Cost  json.Number `json:"cost"`
		Count int         `json:"count"`
	}
	if err := c.doJSON(ctx, "/guest/prices", &raw); err != nil {
		return nil, err
	}

	var offers []provider.Offer
	for country, products := range raw {
		for product, operators := range products {
			for operator, entry := range operators {
				price, err := decimal.NewFromString(entry.Cost.String())
				if err != nil {
					return nil, fmt.Errorf("failed to parse price %q for %s/%s: %w", entry.Cost, country, product, err)
				}
				offers = append(offers, provider.Offer{
					Country:  country,
					Service:  product,
					Operator: operator,
					Price:    price,
					Stock:    entry.Count,
				})
			}
		}
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Country != offers[j].Country {
			return offers[i].Country < offers[j].Country
		}
		if offers[i].Service != offers[j].Service {
			return offers[i].Service < offers[j].Service
		}
		return offers[i].Operator < offers[j].Operator
	})
	return offers, nil
}

func mapStatus(status string) provider.ActivationStatus {
	switch status {
	case "PENDING":
		return provider.StatusPending
	case "RECEIVED", "FINISHED":
		return provider.StatusReceived
	case "CANCELED", "BANNED":
		return provider.StatusCancelled
	case "TIMEOUT":
		return provider.StatusExpired
	}
	return provider.StatusError
}

func (c *Client) doJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call fivesim: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read fivesim response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode fivesim response: %w", err)
	}
	return nil
}

// apiError maps the upstream's plain-text error bodies onto the provider
// sentinels.
func apiError(status int, body []byte) error {
	msg := strings.ToLower(strings.TrimSpace(string(body)))
	switch {
	case strings.Contains(msg, "no free phones"):
		return provider.ErrNoNumbers
	case strings.Contains(msg, "not enough user balance"), strings.Contains(msg, "no money"):
		return provider.ErrNoBalance
	case strings.Contains(msg, "bad country"), strings.Contains(msg, "bad product"), strings.Contains(msg, "bad operator"):
		return provider.ErrBadService
	case status == http.StatusNotFound, strings.Contains(msg, "order not found"):
		return provider.ErrNotFound
	}
	return fmt.Errorf("fivesim returned status %d: %s", status, msg)
}
