package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestFetchChangedParsesPageAndCursor(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("modified_since"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [
				{"id":"r1","order_number":"#1001","status":"awaiting_shipment","modified_at":"2025-01-02T10:00:00Z",
				 "items":[{"sku":"SKU-1","lot_number":"L1","quantity":"2"}]},
				{"id":"r2","order_number":"#1002","status":"shipped","modified_at":"2025-01-03T08:30:00Z"}
			],
			"next_cursor":"page-2",
			"has_more":true
		}`))
	})

	page, err := c.FetchChanged(context.Background(), ChangedQuery{Since: since, Limit: 50})
	require.NoError(t, err)
	require.Len(t, page.Orders, 2)
	assert.Equal(t, "page-2", page.NextPageToken)
	assert.True(t, page.HasMore)
	assert.True(t, page.NextCursor.Equal(time.Date(2025, 1, 3, 8, 30, 0, 0, time.UTC)))
	assert.True(t, page.Orders[0].Items[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Nil(t, page.Orders[1].Items)
}

func TestFetchChangedTruncatesTimestamps(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"id":"r1","order_number":"#1","status":"on_hold","modified_at":"2025-01-02T10:00:00.123456Z"}
		]}`))
	})
	page, err := c.FetchChanged(context.Background(), ChangedQuery{Since: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	want := time.Date(2025, 1, 2, 10, 0, 0, 123000000, time.UTC)
	assert.True(t, page.Orders[0].ModifiedAt.Equal(want))
	assert.True(t, page.NextCursor.Equal(want))
}

func TestFetchChangedEmptyPageKeepsSince(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[],"next_cursor":""}`))
	})
	page, err := c.FetchChanged(context.Background(), ChangedQuery{Since: since})
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.True(t, page.NextCursor.Equal(since))
}

func TestResponseClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header map[string]string
		want   Kind
	}{
		{"not found", http.StatusNotFound, nil, KindNotFound},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, KindRateLimited},
		{"server error", http.StatusBadGateway, nil, KindTransient},
		{"unavailable", http.StatusServiceUnavailable, nil, KindTransient},
		{"unauthorized", http.StatusUnauthorized, nil, KindFatal},
		{"forbidden", http.StatusForbidden, nil, KindFatal},
		{"bad request", http.StatusBadRequest, nil, KindFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			})
			_, err := c.FetchDetail(context.Background(), "r1")
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))

			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tc.status, gwErr.StatusCode)
			if tc.want == KindRateLimited {
				assert.Equal(t, 7*time.Second, RetryAfterOf(err))
			}
		})
	}
}

func TestFetchDetailTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.FetchDetail(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestCorruptPayloadIsFatal(t *testing.T) {
	t.Run("undecodable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":`))
		})
		_, err := c.FetchDetail(context.Background(), "r1")
		assert.Equal(t, KindFatal, KindOf(err))
	})
	t.Run("missing required fields", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"r1","status":"shipped","modified_at":"2025-01-02T10:00:00Z"}`))
		})
		_, err := c.FetchDetail(context.Background(), "r1")
		assert.Equal(t, KindFatal, KindOf(err))
	})
	t.Run("line without sku", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"r1","order_number":"#1","status":"shipped","modified_at":"2025-01-02T10:00:00Z","items":[{"quantity":1}]}`))
		})
		_, err := c.FetchDetail(context.Background(), "r1")
		assert.Equal(t, KindFatal, KindOf(err))
	})
}

func TestFetchDetailNormalizesMissingItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/r%2F1", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"id":"r/1","order_number":"#1","status":"awaiting_shipment","modified_at":"2025-01-02T10:00:00Z"}`))
	})
	order, err := c.FetchDetail(context.Background(), "r/1")
	require.NoError(t, err)
	assert.NotNil(t, order.Items)
	assert.Empty(t, order.Items)
}

func TestFetchTracking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tracking/1Z999", r.URL.Path)
		assert.Equal(t, "ups", r.URL.Query().Get("carrier"))
		_, _ = w.Write([]byte(`{"tracking_number":"1Z999","carrier_code":"ups","status_code":"DELIVERED","description":"Left at door"}`))
	})
	info, err := c.FetchTracking(context.Background(), "ups", "1Z999")
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", info.StatusCode)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestKindOfForeignErrors(t *testing.T) {
	assert.Equal(t, KindOK, KindOf(nil))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindFatal, KindOf(errors.New("boom")))
}
