// Package commerce publishes normalized products to the storefront's REST API.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("commerce api base url is not configured")

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client creates products and attaches their metadata.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// StatusError reports a non-2xx answer from the API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.APIToken,
		httpClient: httpClient,
	}
}

// CreateProduct posts product to /product/0, where id 0 asks the API to
// create a new product, and returns the assigned id.
func (c *Client) CreateProduct(ctx context.Context, product any) (int64, error) {
	var out struct {
		ID json.Number `json:"id"`
	}
	if err := c.post(ctx, "create product", "/product/0", product, &out); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(out.ID.String(), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("create product: invalid id %q", out.ID)
	}
	return id, nil
}

// AttachMetadata posts {"meta": meta} to /product/{id}/metabox.
func (c *Client) AttachMetadata(ctx context.Context, productID int64, meta map[string]any) error {
	path := "/product/" + strconv.FormatInt(productID, 10) + "/metabox"
	return c.post(ctx, "attach metadata", path, map[string]any{"meta": meta}, nil)
}

func (c *Client) post(ctx context.Context, op, path string, payload, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", op, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
