package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/ordersync/models"
)

const maxErrorBody = 2048

type ClientConfig struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	OrdersPath   string
	TrackingPath string
	HTTPClient   *http.Client
}

// Client is a thin client for the remote order API. It never retries; retry
// policy belongs to the governor.
type Client struct {
	baseURL      string
	apiKey       string
	apiKeyHdr    string
	ordersPath   string
	trackingPath string
	http         *http.Client
	validate     *validator.Validate
	now          func() time.Time
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("order api key is empty")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("order api base url is empty")
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OrdersPath == "" {
		cfg.OrdersPath = "/v1/orders"
	}
	if cfg.TrackingPath == "" {
		cfg.TrackingPath = "/v1/tracking"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		apiKeyHdr:    cfg.APIKeyHeader,
		ordersPath:   "/" + strings.Trim(cfg.OrdersPath, "/"),
		trackingPath: "/" + strings.Trim(cfg.TrackingPath, "/"),
		http:         httpClient,
		validate:     validator.New(),
		now:          time.Now,
	}, nil
}

// NewClientFromEnv reads ORDER_API_BASE_URL, ORDER_API_KEY, ORDER_API_KEY_HEADER,
// ORDER_API_TIMEOUT_SECONDS, ORDER_API_ORDERS_PATH and ORDER_API_TRACKING_PATH.
func NewClientFromEnv() (*Client, error) {
	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("ORDER_API_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	return NewClient(ClientConfig{
		BaseURL:      os.Getenv("ORDER_API_BASE_URL"),
		APIKey:       os.Getenv("ORDER_API_KEY"),
		APIKeyHeader: strings.TrimSpace(os.Getenv("ORDER_API_KEY_HEADER")),
		Timeout:      timeout,
		OrdersPath:   strings.TrimSpace(os.Getenv("ORDER_API_ORDERS_PATH")),
		TrackingPath: strings.TrimSpace(os.Getenv("ORDER_API_TRACKING_PATH")),
	})
}

// FetchChanged returns one page of orders modified at or after q.Since.
func (c *Client) FetchChanged(ctx context.Context, q ChangedQuery) (*ChangedPage, error) {
	const op = "fetch_changed"
	params := url.Values{}
	params.Set("modified_since", q.Since.UTC().Format(time.RFC3339Nano))
	if q.PageToken != "" {
		params.Set("cursor", q.PageToken)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var parsed listResponse
	if err := c.getJSON(ctx, op, c.ordersPath, params, &parsed); err != nil {
		return nil, err
	}

	page := &ChangedPage{
		Orders:        parsed.Data,
		NextPageToken: parsed.NextCursor,
		HasMore:       parsed.NextCursor != "" && (parsed.HasMore == nil || *parsed.HasMore),
		NextCursor:    models.CursorTime(q.Since),
	}
	for i := range page.Orders {
		if err := c.validate.Struct(page.Orders[i]); err != nil {
			return nil, &Error{Kind: KindFatal, Op: op, Err: fmt.Errorf("order %q: %w", page.Orders[i].ID, err)}
		}
		if err := validateItems(page.Orders[i].Items); err != nil {
			return nil, &Error{Kind: KindFatal, Op: op, Err: fmt.Errorf("order %q: %w", page.Orders[i].ID, err)}
		}
		page.Orders[i].ModifiedAt = models.CursorTime(page.Orders[i].ModifiedAt)
		if m := page.Orders[i].ModifiedAt; m.After(page.NextCursor) {
			page.NextCursor = m
		}
	}
	return page, nil
}

// FetchDetail returns the full order including its lines.
func (c *Client) FetchDetail(ctx context.Context, remoteID string) (*RemoteOrder, error) {
	const op = "fetch_detail"
	if strings.TrimSpace(remoteID) == "" {
		return nil, &Error{Kind: KindFatal, Op: op, Err: errors.New("remote id is empty")}
	}
	var order RemoteOrder
	if err := c.getJSON(ctx, op, c.ordersPath+"/"+url.PathEscape(remoteID), nil, &order); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(order); err != nil {
		return nil, &Error{Kind: KindFatal, Op: op, Err: err}
	}
	if err := validateItems(order.Items); err != nil {
		return nil, &Error{Kind: KindFatal, Op: op, Err: err}
	}
	if order.Items == nil {
		order.Items = []RemoteItem{}
	}
	order.ModifiedAt = models.CursorTime(order.ModifiedAt)
	return &order, nil
}

// FetchTracking returns the current carrier status of a tracking number.
func (c *Client) FetchTracking(ctx context.Context, carrierCode string, trackingNumber string) (*TrackingInfo, error) {
	const op = "fetch_tracking"
	params := url.Values{}
	if carrierCode != "" {
		params.Set("carrier", carrierCode)
	}
	var info TrackingInfo
	if err := c.getJSON(ctx, op, c.trackingPath+"/"+url.PathEscape(trackingNumber), params, &info); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(info); err != nil {
		return nil, &Error{Kind: KindFatal, Op: op, Err: err}
	}
	return &info, nil
}

func (c *Client) getJSON(ctx context.Context, op string, path string, params url.Values, dest any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Kind: KindFatal, Op: op, Err: err}
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	kind := ClassifyStatus(resp.StatusCode)
	if kind != KindOK {
		gwErr := &Error{Kind: kind, Op: op, StatusCode: resp.StatusCode}
		if kind == KindRateLimited {
			gwErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		if msg := strings.TrimSpace(string(body)); msg != "" {
			if len(msg) > maxErrorBody {
				msg = msg[:maxErrorBody]
			}
			gwErr.Err = errors.New(msg)
		}
		return gwErr
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return &Error{Kind: KindFatal, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func validateItems(items []RemoteItem) error {
	for i, it := range items {
		if it.Quantity.IsNegative() {
			return fmt.Errorf("line %d (%s): negative quantity %s", i, it.ProductId, it.Quantity)
		}
	}
	return nil
}
