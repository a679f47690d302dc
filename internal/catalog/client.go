package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"savery/internal"
	"savery/internal/config"
	"savery/internal/util"
)

const maxAttempts = 5

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

type storesPayload struct {
	Stores []map[string]any `json:"stores"`
}

type productsPayload struct {
	Products   []map[string]any `json:"products"`
	NextCursor *string          `json:"nextCursor"`
}

type Listing struct {
	Product internal.StoreProduct
	Price   *internal.PriceEntry
}

func NewClient(cfg config.Config) *Client {
	rps := cfg.CatalogRateLimitRPS
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.CatalogAPIBaseURL, "/") + "/",
		token:      cfg.CatalogAPIToken,
		httpClient: &http.Client{Timeout: time.Duration(cfg.CatalogTimeoutMs) * time.Millisecond},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		backoff:    250 * time.Millisecond,
	}
}

func (c *Client) ListStores(ctx context.Context) ([]internal.Store, error) {
	body, err := c.fetchJSON(ctx, "stores", nil)
	if err != nil {
		return nil, err
	}
	var payload storesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, eris.Wrap(err, "catalog: decode stores")
	}

	out := make([]internal.Store, 0, len(payload.Stores))
	for _, raw := range payload.Stores {
		store, err := toStore(raw)
		if err != nil {
			zap.L().Debug("catalog: skip store", zap.Error(err))
			continue
		}
		out = append(out, store)
	}
	return out, nil
}

// ListProducts pages through every product of storeID. A repeated cursor ends
// the walk.
func (c *Client) ListProducts(ctx context.Context, storeID string) ([]Listing, error) {
	all := make([]Listing, 0)
	seen := map[string]struct{}{}
	var cursor string
	fetchedAt := time.Now().UTC()

	for {
		params := map[string]string{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		body, err := c.fetchJSON(ctx, "stores/"+url.PathEscape(storeID)+"/products", params)
		if err != nil {
			return nil, err
		}

		var payload productsPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, eris.Wrapf(err, "catalog: decode products of %s", storeID)
		}

		for _, raw := range payload.Products {
			listing, err := toListing(storeID, raw, fetchedAt)
			if err != nil {
				continue
			}
			all = append(all, listing)
		}

		if payload.NextCursor == nil || *payload.NextCursor == "" || len(payload.Products) == 0 {
			break
		}
		if _, ok := seen[*payload.NextCursor]; ok {
			break
		}
		seen[*payload.NextCursor] = struct{}{}
		cursor = *payload.NextCursor
	}

	return all, nil
}

func (c *Client) fetchJSON(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if strings.TrimSpace(c.token) == "" {
		return nil, eris.New("missing CATALOG_API_TOKEN")
	}

	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: build url for %s", endpoint)
	}
	q := u.Query()
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "catalog: rate limiter")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, eris.Wrap(err, "catalog: new request")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
				lastErr = eris.Errorf("catalog status %d", resp.StatusCode)
				zap.L().Debug("catalog: retrying",
					zap.String("endpoint", endpoint),
					zap.Int("status", resp.StatusCode),
					zap.Int("attempt", attempt),
				)
				if err := c.sleep(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			return nil, eris.Errorf("catalog api error: status=%d body=%s", resp.StatusCode, truncate(string(body), 512))
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, eris.Wrapf(err, "catalog: decode %s", endpoint)
		}
		if !apiResp.Success {
			return nil, eris.Errorf("catalog api unsuccessful: %s %s", apiResp.Message, string(apiResp.Errors))
		}
		return apiResp.Data, nil
	}

	if lastErr == nil {
		lastErr = eris.New("catalog request failed")
	}
	return nil, eris.Wrapf(lastErr, "catalog: %s", endpoint)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	backoff := c.backoff*time.Duration(1<<(attempt-1)) + time.Duration(rand.Intn(100))*time.Millisecond
	if c.backoff == 0 {
		backoff = 0
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "catalog: backoff interrupted")
	case <-timer.C:
		return nil
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func toStore(raw map[string]any) (internal.Store, error) {
	id := toID(raw["id"])
	name := strings.TrimSpace(toString(raw["name"]))
	if id == "" || name == "" {
		return internal.Store{}, eris.New("store without id or name")
	}
	return internal.Store{
		ID:        id,
		Name:      name,
		Address:   toStringPtr(raw["address"]),
		Latitude:  toFloatPtr(raw["latitude"]),
		Longitude: toFloatPtr(raw["longitude"]),
	}, nil
}

func toListing(storeID string, raw map[string]any, fetchedAt time.Time) (Listing, error) {
	id := toID(raw["id"])
	name := strings.TrimSpace(toString(raw["name"]))
	if id == "" || name == "" {
		return Listing{}, eris.New("product without id or name")
	}

	rawJSON, _ := json.Marshal(raw)
	product := internal.StoreProduct{
		ID:       storeID + ":" + id,
		StoreID:  storeID,
		Name:     name,
		Brand:    toStringPtr(raw["brand"]),
		SizeText: toStringPtr(raw["size"]),
		RawJSON:  string(rawJSON),
	}

	listing := Listing{Product: product}
	if price := toFloatPtr(raw["price"]); price != nil && *price >= 0 {
		currency := strings.ToUpper(toString(raw["currency"]))
		if currency == "" {
			currency = "USD"
		}
		listing.Price = &internal.PriceEntry{
			StoreProductID: product.ID,
			Price:          *price,
			Currency:       currency,
			Source:         "catalog_api",
			FetchedAt:      fetchedAt,
		}
	}
	return listing, nil
}

func toID(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toFloatPtr(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return &f
		}
	}
	return nil
}

func toStringPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return util.StringPtr(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
