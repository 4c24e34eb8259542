package fivesim_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlashTheFire/nexnum/common/logger"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/provider/fivesim"
)

type route struct {
	status int
	body   string
}

func newClient(t *testing.T, routes map[string]route, lastPath *string) *fivesim.Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		if lastPath != nil {
			*lastPath = r.URL.RequestURI()
		}

		for prefix, rt := range routes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				if rt.status != 0 {
					w.WriteHeader(rt.status)
				}
				_, _ = w.Write([]byte(rt.body))
				return
			}
		}
		t.Errorf("unexpected path %q", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	return fivesim.New(srv.URL, "test-token", logger.Discard())
}

func TestAcquireParsesBuyResponse(t *testing.T) {
	var path string
	c := newClient(t, map[string]route{
		"/user/buy/activation/": {body: `{
			"id": 635468001,
			"phone": "+15550001234",
			"price": 12.5,
			"status": "PENDING",
			"expires": "2026-08-25T14:19:02Z",
			"sms": []
		}`},
	}, &path)

	got, err := c.Acquire(context.Background(), "usa", "telegram", provider.AcquireOpts{
		MaxPrice: decimal.RequireFromString("15"),
	})
	require.NoError(t, err)

	assert.Equal(t, "635468001", got.UpstreamID)
	assert.Equal(t, "+15550001234", got.Phone)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 2026, got.ExpiresAt.Year())
	assert.Equal(t, "/user/buy/activation/usa/any/telegram?maxPrice=15", path)
}

func TestAcquireMapsApiErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"sold out", "no free phones", provider.ErrNoNumbers},
		{"broke", "not enough user balance", provider.ErrNoBalance},
		{"bad product", "bad country", provider.ErrBadService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, map[string]route{
				"/user/buy/activation/": {status: http.StatusBadRequest, body: tt.body},
			}, nil)

			_, err := c.Acquire(context.Background(), "usa", "telegram", provider.AcquireOpts{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStatusConvertsMessages(t *testing.T) {
	c := newClient(t, map[string]route{
		"/user/check/": {body: `{
			"id": 635468001,
			"phone": "+15550001234",
			"status": "RECEIVED",
			"sms": [{
				"created_at": "2026-08-25T14:10:12.336942Z",
				"sender": "Telegram",
				"text": "Login code: 482913",
				"code": "482913"
			}]
		}`},
	}, nil)

	got, err := c.Status(context.Background(), "635468001")
	require.NoError(t, err)

	assert.Equal(t, provider.StatusReceived, got.Status)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Telegram", got.Messages[0].Sender)
	assert.Equal(t, "482913", got.Messages[0].Code)
	assert.Equal(t, "Login code: 482913", got.Messages[0].Content)
	assert.Equal(t, time.Date(2026, 8, 25, 14, 10, 12, 336942000, time.UTC), got.Messages[0].ReceivedAt.UTC())
}

func TestStatusMapsTerminalStates(t *testing.T) {
	tests := []struct {
		upstream string
		want     provider.ActivationStatus
	}{
		{"PENDING", provider.StatusPending},
		{"FINISHED", provider.StatusReceived},
		{"CANCELED", provider.StatusCancelled},
		{"BANNED", provider.StatusCancelled},
		{"TIMEOUT", provider.StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.upstream, func(t *testing.T) {
			c := newClient(t, map[string]route{
				"/user/check/": {body: `{"id": 1, "status": "` + tt.upstream + `"}`},
			}, nil)

			got, err := c.Status(context.Background(), "1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestCancelNotFound(t *testing.T) {
	c := newClient(t, map[string]route{
		"/user/cancel/": {status: http.StatusNotFound, body: "order not found"},
	}, nil)

	assert.ErrorIs(t, c.Cancel(context.Background(), "635468001"), provider.ErrNotFound)
}

func TestRequestResend(t *testing.T) {
	var path string
	c := newClient(t, map[string]route{
		"/user/resend/": {body: `{"id": 635468001, "status": "PENDING"}`},
	}, &path)

	require.NoError(t, c.RequestResend(context.Background(), "635468001"))
	assert.Equal(t, "/user/resend/635468001", path)
}

func TestListOffersCarriesOperators(t *testing.T) {
	c := newClient(t, map[string]route{
		"/guest/prices": {body: `{
			"usa": {
				"telegram": {
					"any": {"cost": 12.5, "count": 110},
					"tmobile": {"cost": 14, "count": 9}
				}
			}
		}`},
	}, nil)

	offers, err := c.ListOffers(context.Background())
	require.NoError(t, err)
	require.Len(t, offers, 2)

	assert.Equal(t, "any", offers[0].Operator)
	assert.Equal(t, "tmobile", offers[1].Operator)
	assert.True(t, offers[1].Price.Equal(decimal.NewFromInt(14)))
	assert.Equal(t, 110, offers[0].Stock)
}
