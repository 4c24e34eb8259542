package smshub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlashTheFire/nexnum/common/logger"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/provider/smshub"
)

func newClient(t *testing.T, responses map[string]string, lastQuery *url.Values) *smshub.Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		if lastQuery != nil {
			*lastQuery = r.URL.Query()
		}

		resp, ok := responses[r.URL.Query().Get("action")]
		if !ok {
			t.Errorf("unexpected action %q", r.URL.Query().Get("action"))
			http.Error(w, "ERROR", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	return smshub.New(srv.URL, "test-key", logger.Discard())
}

func TestAcquireParsesAccessNumber(t *testing.T) {
	var query url.Values
	c := newClient(t, map[string]string{"getNumber": "ACCESS_NUMBER:784451:79991234567"}, &query)

	got, err := c.Acquire(context.Background(), "usa", "tg", provider.AcquireOpts{
		Operator: "tmobile",
		MaxPrice: decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)

	assert.Equal(t, "784451", got.UpstreamID)
	assert.Equal(t, "79991234567", got.Phone)
	assert.Equal(t, "usa", query.Get("country"))
	assert.Equal(t, "tg", query.Get("service"))
	assert.Equal(t, "tmobile", query.Get("operator"))
	assert.Equal(t, "12.5", query.Get("maxPrice"))
}

func TestAcquireMapsDomainErrors(t *testing.T) {
	tests := []struct {
		response string
		want     error
	}{
		{"NO_NUMBERS", provider.ErrNoNumbers},
		{"NO_BALANCE", provider.ErrNoBalance},
		{"BAD_SERVICE", provider.ErrBadService},
	}

	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			c := newClient(t, map[string]string{"getNumber": tt.response}, nil)
			_, err := c.Acquire(context.Background(), "usa", "tg", provider.AcquireOpts{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStatusVariants(t *testing.T) {
	tests := []struct {
		name     string
		response string
		status   provider.ActivationStatus
		codes    []string
	}{
		{"waiting", "STATUS_WAIT_CODE", provider.StatusPending, nil},
		{"code arrived", "STATUS_OK:482913", provider.StatusReceived, []string{"482913"}},
		{"retry pending", "STATUS_WAIT_RETRY:482913", provider.StatusPending, []string{"482913"}},
		{"cancelled upstream", "STATUS_CANCEL", provider.StatusCancelled, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, map[string]string{"getStatus": tt.response}, nil)

			got, err := c.Status(context.Background(), "784451")
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)

			require.Len(t, got.Messages, len(tt.codes))
			for i, code := range tt.codes {
				assert.Equal(t, code, got.Messages[i].Code)
			}
		})
	}
}

func TestStatusBatchParsesLines(t *testing.T) {
	var query url.Values
	c := newClient(t, map[string]string{
		"getStatusBulk": "101:STATUS_OK:111222\n102:STATUS_WAIT_CODE\n103:NO_ACTIVATION\n",
	}, &query)

	results, err := c.StatusBatch(context.Background(), []string{"101", "102", "103"})
	require.NoError(t, err)
	assert.Equal(t, "101,102,103", query.Get("id"))

	require.Len(t, results, 3)
	assert.Equal(t, provider.StatusReceived, results["101"].Status)
	assert.Equal(t, "111222", results["101"].Messages[0].Code)
	assert.Equal(t, provider.StatusPending, results["102"].Status)
	assert.Equal(t, provider.StatusError, results["103"].Status)
}

func TestCancel(t *testing.T) {
	c := newClient(t, map[string]string{"setStatus": "ACCESS_CANCEL"}, nil)
	assert.NoError(t, c.Cancel(context.Background(), "784451"))

	c = newClient(t, map[string]string{"setStatus": "NO_ACTIVATION"}, nil)
	assert.ErrorIs(t, c.Cancel(context.Background(), "784451"), provider.ErrNotFound)
}

func TestBalance(t *testing.T) {
	c := newClient(t, map[string]string{"getBalance": "ACCESS_BALANCE:42.75"}, nil)

	balance, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("42.75")))
}

func TestListOffersFlattensPriceTree(t *testing.T) {
	c := newClient(t, map[string]string{
		"getPrices": `{"usa":{"tg":{"12.50":821,"13.00":14},"wa":{"9.80":5}},"uk":{"tg":{"11.00":3}}}`,
	}, nil)

	offers, err := c.ListOffers(context.Background())
	require.NoError(t, err)
	require.Len(t, offers, 4)

	// Sorted by country, service, price.
	assert.Equal(t, "uk", offers[0].Country)
	assert.Equal(t, "usa", offers[1].Country)
	assert.Equal(t, "tg", offers[1].Service)
	assert.True(t, offers[1].Price.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 821, offers[1].Stock)
	assert.Equal(t, "any", offers[1].Operator)
}

func TestListCountriesAndServices(t *testing.T) {
	c := newClient(t, map[string]string{
		"getCountries": `{"usa":"United States","uk":"United Kingdom"}`,
		"getServices":  `{"tg":"Telegram","wa":"WhatsApp"}`,
	}, nil)

	countries, err := c.ListCountries(context.Background())
	require.NoError(t, err)
	require.Len(t, countries, 2)
	assert.Equal(t, provider.Country{ID: "uk", Name: "United Kingdom"}, countries[0])

	services, err := c.ListServices(context.Background(), "usa")
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, provider.Service{ID: "tg", Name: "Telegram"}, services[0])
}
