// Package smshub implements the text-keyed smshub HTTP protocol. Every call
// is a GET against a single endpoint with an action parameter; answers are
// colon-separated tokens like ACCESS_NUMBER:id:phone, except the directory
// actions which return JSON.
package smshub

import (
	"context"
	"encoding/json"
	"errors"
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

const Name = "smshub"

var (
	_ provider.Adapter            = (*Client)(nil)
	_ provider.BatchStatusChecker = (*Client)(nil)
	_ provider.BalanceChecker     = (*Client)(nil)
	_ provider.OfferLister        = (*Client)(nil)
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) ListCountries(ctx context.Context) ([]provider.Country, error) {
	resp, err := c.call(ctx, url.Values{"action": {"getCountries"}})
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode countries: %w", err)
	}

	countries := make([]provider.Country, 0, len(raw))
	for id, name := range raw {
		countries = append(countries, provider.Country{ID: id, Name: name})
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].ID < countries[j].ID })
	return countries, nil
}

func (c *Client) ListServices(ctx context.Context, country string) ([]provider.Service, error) {
	params := url.Values{"action": {"getServices"}}
	if country != "" {
		params.Set("country", country)
	}

	resp, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode services: %w", err)
	}

	services := make([]provider.Service, 0, len(raw))
	for id, name := range raw {
		services = append(services, provider.Service{ID: id, Name: name})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

func (c *Client) Acquire(ctx context.Context, country, service string, opts provider.AcquireOpts) (*provider.Acquired, error) {
	params := url.Values{"action": {"getNumber"}}
	params.Set("country", country)
	params.Set("service", service)
	if opts.Operator != "" {
		params.Set("operator", opts.Operator)
	}
	if opts.MaxPrice.IsPositive() {
		params.Set("maxPrice", opts.MaxPrice.String())
	}

	resp, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(resp, "ACCESS_NUMBER:"):
		parts := strings.SplitN(resp, ":", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed acquire response %q", resp)
		}
		return &provider.Acquired{UpstreamID: parts[1], Phone: parts[2]}, nil
	case resp == "NO_NUMBERS":
		return nil, provider.ErrNoNumbers
	case resp == "NO_BALANCE":
		return nil, provider.ErrNoBalance
	case resp == "BAD_SERVICE" || resp == "BAD_COUNTRY":
		return nil, provider.ErrBadService
	}
	return nil, fmt.Errorf("unexpected smshub response %q", resp)
}

func (c *Client) Status(ctx context.Context, upstreamID string) (*provider.StatusResult, error) {
	params := url.Values{"action": {"getStatus"}}
	params.Set("id", upstreamID)

	resp, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}
	return parseStatus(upstreamID, resp)
}

// StatusBatch resolves many activations in one round trip. The answer is one
// line per id in the form id:STATUS_TOKEN[:code].
func (c *Client) StatusBatch(ctx context.Context, upstreamIDs []string) (map[string]*provider.StatusResult, error) {
	params := url.Values{"action": {"getStatusBulk"}}
	params.Set("id", strings.Join(upstreamIDs, ","))

	resp, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*provider.StatusResult, len(upstreamIDs))
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		id, rest, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed bulk status line %q", line)
		}

		result, err := parseStatus(id, rest)
		if errors.Is(err, provider.ErrNotFound) {
			// One dead id must not poison the whole batch.
			c.logger.Warn("bulk status for unknown activation", slog.String("upstream_id", id))
			results[id] = &provider.StatusResult{Status: provider.StatusError}
			continue
		}
		if err != nil {
			return nil, err
		}
		results[id] = result
	}
	return results, nil
}

func (c *Client) Cancel(ctx context.Context, upstreamID string) error {
	params := url.Values{"action": {"setStatus"}}
	params.Set("status", "8")
	params.Set("id", upstreamID)

	resp, err := c.call(ctx, params)
	if err != nil {
		return err
	}

	if strings.HasPrefix(resp, "ACCESS_") {
		return nil
	}
	if resp == "NO_ACTIVATION" {
		return provider.ErrNotFound
	}
	return fmt.Errorf("unexpected smshub cancel response %q", resp)
}

func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := c.call(ctx, url.Values{"action": {"getBalance"}})
	if err != nil {
		return decimal.Zero, err
	}

	raw, ok := strings.CutPrefix(resp, "ACCESS_BALANCE:")
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected smshub balance response %q", resp)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance %q: %w", raw, err)
	}
	return balance, nil
}

// ListOffers flattens the getPrices answer, a country -> service -> price ->
// stock JSON tree, into one offer per price point.
func (c *Client) ListOffers(ctx context.Context) ([]provider.Offer, error) {
	resp, err := c.call(ctx, url.Values{"action": {"getPrices"}})
	if err != nil {
		return nil, err
	}

	var raw map[string]map[string]map[string]int
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode prices: %w", err)
	}

	var offers []provider.Offer
	for country, services := range raw {
		for service, prices := range services {
			for priceStr, stock := range prices {
				price, err := decimal.NewFromString(priceStr)
				if err != nil {
					return nil, fmt.Errorf("failed to parse price %q for %s/%s: %w", priceStr, country, service, err)
				}
				offers = append(offers, provider.Offer{
					Country:  country,
					Service:  service,
					Operator: "any",
					Price:    price,
					Stock:    stock,
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
		return offers[i].Price.LessThan(offers[j].Price)
	})
	return offers, nil
}

func parseStatus(upstreamID, resp string) (*provider.StatusResult, error) {
	switch {
	case resp == "STATUS_WAIT_CODE":
		return &provider.StatusResult{Status: provider.StatusPending}, nil
	case strings.HasPrefix(resp, "STATUS_OK:"):
		return &provider.StatusResult{
			Status:   provider.StatusReceived,
			Messages: []provider.Message{message(upstreamID, strings.TrimPrefix(resp, "STATUS_OK:"))},
		}, nil
	case strings.HasPrefix(resp, "STATUS_WAIT_RETRY:"):
		// The last code repeated while the next SMS is pending. Ingestion
		// dedupes on (number, code), so resubmitting it is harmless.
		return &provider.StatusResult{
			Status:   provider.StatusPending,
			Messages: []provider.Message{message(upstreamID, strings.TrimPrefix(resp, "STATUS_WAIT_RETRY:"))},
		}, nil
	case resp == "STATUS_CANCEL":
		return &provider.StatusResult{Status: provider.StatusCancelled}, nil
	case resp == "NO_ACTIVATION":
		return nil, provider.ErrNotFound
	}
	return nil, fmt.Errorf("unexpected smshub status %q", resp)
}

// message wraps a bare code into a Message. The text protocol carries no
// sender or timestamp, so the code doubles as content.
func message(upstreamID, code string) provider.Message {
	return provider.Message{
		ID:         upstreamID + ":" + code,
		Content:    code,
		Code:       code,
		ReceivedAt: time.Now().UTC(),
	}
}

func (c *Client) call(ctx context.Context, params url.Values) (string, error) {
	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call smshub: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read smshub response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("smshub returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}
