package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"
)

// taskPollInterval is how often a pending index task is re-checked.
const taskPollInterval = 50 * time.Millisecond

// MeiliIndex backs the offer projection with a meilisearch index. Write
// operations wait for the index task so callers observe their own writes.
type MeiliIndex struct {
	index meilisearch.IndexManager
}

// NewMeiliIndex binds the index and pushes the filterable/sortable settings
// the resolver depends on.
func NewMeiliIndex(ctx context.Context, client meilisearch.ServiceManager, uid string) (*MeiliIndex, error) {
	m := &MeiliIndex{index: client.Index(uid)}

	task, err := m.index.UpdateFilterableAttributesWithContext(ctx, &[]string{
		"offerId", "provider", "countryCode", "countryName",
		"serviceCode", "serviceName", "operator", "active", "stock",
		"price", "syncedAt",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update filterable attributes: %w", err)
	}
	if err := m.await(ctx, task.TaskUID, "filterable settings"); err != nil {
		return nil, err
	}

	task, err = m.index.UpdateSortableAttributesWithContext(ctx, &[]string{"price", "stock", "syncedAt"})
	if err != nil {
		return nil, fmt.Errorf("failed to update sortable attributes: %w", err)
	}
	if err := m.await(ctx, task.TaskUID, "sortable settings"); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *MeiliIndex) Upsert(ctx context.Context, offers []Offer) error {
	if len(offers) == 0 {
		return nil
	}

	task, err := m.index.UpdateDocumentsWithContext(ctx, offers, "offerId")
	if err != nil {
		return fmt.Errorf("failed to upsert offers: %w", err)
	}
	return m.await(ctx, task.TaskUID, "upsert")
}

func (m *MeiliIndex) Get(ctx context.Context, offerID string) (*Offer, error) {
	var offer Offer
	if err := m.index.GetDocumentWithContext(ctx, offerID, nil, &offer); err != nil {
		var apiErr *meilisearch.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to get offer %s: %w", offerID, err)
	}
	return &offer, nil
}

func (m *MeiliIndex) Search(ctx context.Context, query string, params SearchParams) ([]Offer, error) {
	req := &meilisearch.SearchRequest{
		Limit: params.Limit,
		Sort:  params.Sort,
	}
	if req.Limit == 0 {
		req.Limit = 20
	}
	if filter := buildFilter(params); filter != "" {
		req.Filter = filter
	}

	resp, err := m.index.SearchWithContext(ctx, query, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search offers: %w", err)
	}

	offers := make([]Offer, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode hit: %w", err)
		}
		var offer Offer
		if err := json.Unmarshal(raw, &offer); err != nil {
			return nil, fmt.Errorf("failed to decode offer hit: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

func (m *MeiliIndex) DeleteByProvider(ctx context.Context, provider string, syncedBefore int64) error {
	filter := fmt.Sprintf("provider = %s AND syncedAt < %d", strconv.Quote(provider), syncedBefore)
	task, err := m.index.DeleteDocumentsByFilterWithContext(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to delete stale offers: %w", err)
	}
	return m.await(ctx, task.TaskUID, "delete")
}

// await blocks until the index task settles. Meilisearch applies writes
// asynchronously and surfaces document errors only on the task itself.
func (m *MeiliIndex) await(ctx context.Context, taskUID int64, op string) error {
	task, err := m.index.WaitForTaskWithContext(ctx, taskUID, taskPollInterval)
	if err != nil {
		return fmt.Errorf("failed to wait for %s task: %w", op, err)
	}
	if task.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("%s task %d failed: %s", op, taskUID, task.Error.Message)
	}
	return nil
}

// buildFilter renders SearchParams as a meilisearch filter conjunction.
func buildFilter(p SearchParams) string {
	var parts []string
	add := func(field, value string) {
		if value != "" {
			parts = append(parts, field+" = "+strconv.Quote(value))
		}
	}
	add("provider", p.Provider)
	add("countryCode", p.CountryCode)
	add("countryName", p.CountryName)
	add("serviceCode", p.ServiceCode)
	add("serviceName", p.ServiceName)
	add("operator", p.Operator)
	if p.OnlyInStock {
		parts = append(parts, "active = true", "stock > 0")
	}
	if p.MaxPrice > 0 {
		parts = append(parts, fmt.Sprintf("price <= %v", p.MaxPrice))
	}
	return strings.Join(parts, " AND ")
}
