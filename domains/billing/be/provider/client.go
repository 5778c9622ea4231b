package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
)

const maxResponseBytes = 1 << 20

// Config configures the HTTP client.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	MaxTries    uint
	// InitialInterval seeds the retry backoff; tests shrink it.
	InitialInterval time.Duration
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("billing provider %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return apperr.ErrUpstream }

// Client talks to the provider's REST API. Transport errors, 429 and 5xx responses are
// retried with exponential backoff; other statuses fail immediately.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) GetCustomerByExternalID(ctx context.Context, externalID string) (Customer, error) {
	var out Customer
	err := c.do(ctx, http.MethodGet, "/v1/customers/external/"+url.PathEscape(externalID), nil, &out)
	return out, err
}

func (c *Client) CreateCustomer(ctx context.Context, externalID, name string) (Customer, error) {
	var out Customer
	err := c.do(ctx, http.MethodPost, "/v1/customers", map[string]any{
		"external_id": externalID,
		"name":        name,
	}, &out)
	return out, err
}

func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	var out struct {
		Items []Subscription `json:"items"`
	}
	q := url.Values{"customer_id": {customerID}, "limit": {"100"}}
	err := c.do(ctx, http.MethodGet, "/v1/subscriptions?"+q.Encode(), nil, &out)
	return out.Items, err
}

func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var out struct {
		Items []Product `json:"items"`
	}
	q := url.Values{"is_archived": {"false"}, "limit": {"100"}}
	err := c.do(ctx, http.MethodGet, "/v1/products?"+q.Encode(), nil, &out)
	return out.Items, err
}

func (c *Client) CreateCheckout(ctx context.Context, in CheckoutInput) (Checkout, error) {
	var out Checkout
	err := c.do(ctx, http.MethodPost, "/v1/checkouts", map[string]any{
		"products":    []string{in.ProductID},
		"customer_id": in.CustomerID,
		"success_url": in.SuccessURL,
		"metadata":    in.Metadata,
	}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.attempt(ctx, method, path, payload)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxTries))
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing provider %s %s: %w: %w", method, path, apperr.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("billing provider %s %s: read body: %w: %w", method, path, apperr.ErrUpstream, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%s %s: %w", method, path, ErrNotFound))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	default:
		return nil, backoff.Permanent(&StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
}
