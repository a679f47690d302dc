package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savery/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, payload any) *http.Response {
	blob, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(blob))),
		Header:     make(http.Header),
	}
}

func newTestClient(rt roundTripFunc) *Client {
	client := NewClient(config.Config{
		CatalogAPIBaseURL:   "https://example.test/api/v1",
		CatalogAPIToken:     "test",
		CatalogRateLimitRPS: 1000,
		CatalogTimeoutMs:    1000,
	})
	client.backoff = 0
	client.httpClient = &http.Client{Transport: rt}
	return client
}

func TestListProductsPagesWithRetry(t *testing.T) {
	attempt := 0
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/api/v1/stores/kroger-demo/products", r.URL.Path)
		require.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		attempt++
		switch attempt {
		case 1:
			return jsonResponse(http.StatusInternalServerError, map[string]any{"error": "boom"}), nil
		case 2:
			assert.Empty(t, r.URL.Query().Get("cursor"))
			return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"products":   []map[string]any{{"id": 1, "name": "Whole Milk", "size": "1 gallon", "price": 3.79}},
				"nextCursor": "abc",
			}}), nil
		default:
			assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
			return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"products":   []map[string]any{{"id": "eggs", "name": "Large Eggs", "price": "2.99", "currency": "usd"}},
				"nextCursor": nil,
			}}), nil
		}
	})

	listings, err := client.ListProducts(context.Background(), "kroger-demo")
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, 3, attempt)

	assert.Equal(t, "kroger-demo:1", listings[0].Product.ID)
	assert.Equal(t, "1 gallon", *listings[0].Product.SizeText)
	require.NotNil(t, listings[0].Price)
	assert.Equal(t, 3.79, listings[0].Price.Price)
	assert.Equal(t, "USD", listings[0].Price.Currency)

	assert.Equal(t, "kroger-demo:eggs", listings[1].Product.ID)
	assert.Nil(t, listings[1].Product.SizeText)
	require.NotNil(t, listings[1].Price)
	assert.Equal(t, 2.99, listings[1].Price.Price)
}

func TestListProductsStopsOnRepeatedCursor(t *testing.T) {
	calls := 0
	client := newTestClient(func(*http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"products":   []map[string]any{{"id": calls, "name": "Item"}},
			"nextCursor": "same",
		}}), nil
	})

	listings, err := client.ListProducts(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, listings, 2)
}

func TestListStoresSkipsIncompleteEntries(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/api/v1/stores", r.URL.Path)
		return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"stores": []map[string]any{
				{"id": "kroger-demo", "name": "Kroger Demo Store", "latitude": 42.6526, "longitude": -73.7562},
				{"id": "", "name": "Nameless"},
			},
		}}), nil
	})

	stores, err := client.ListStores(context.Background())
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, "Kroger Demo Store", stores[0].Name)
	assert.Equal(t, 42.6526, *stores[0].Latitude)
	assert.Nil(t, stores[0].Address)
}

func TestClientErrors(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		calls := 0
		client := newTestClient(func(*http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusNotFound, map[string]any{"error": "missing"}), nil
		})
		_, err := client.ListStores(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Contains(t, err.Error(), "status=404")
	})

	t.Run("retries give up", func(t *testing.T) {
		calls := 0
		client := newTestClient(func(*http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusServiceUnavailable, nil), nil
		})
		_, err := client.ListStores(context.Background())
		require.Error(t, err)
		assert.Equal(t, maxAttempts, calls)
	})

	t.Run("unsuccessful envelope", func(t *testing.T) {
		client := newTestClient(func(*http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, map[string]any{"success": false, "message": "quota"}), nil
		})
		_, err := client.ListStores(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota")
	})

	t.Run("missing token", func(t *testing.T) {
		client := newTestClient(func(*http.Request) (*http.Response, error) {
			t.Fatal("no request expected")
			return nil, nil
		})
		client.token = ""
		_, err := client.ListStores(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CATALOG_API_TOKEN")
	})
}
