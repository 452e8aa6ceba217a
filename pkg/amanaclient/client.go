// Package amanaclient is a Go client for the Amana escrow API.
//
// It is a thin HTTP wrapper: responses come back as raw JSON so
// callers can decode into their own types or pass the payload
// straight through, which is what the ops tooling does.
package amanaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for an Amana deployment.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	APIKey  string // e.g. "sk_..."
}

// Client is a pure HTTP client for the Amana API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client for the Amana API.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// apiError is the error envelope every Amana endpoint uses.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CreateEscrowRequest opens a new escrow between a buyer and a seller.
type CreateEscrowRequest struct {
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	BuyerPhone  string `json:"buyerPhone"`
	Amount      string `json:"amount"` // decimal KES, e.g. "1500.00"
	Description string `json:"description,omitempty"`
}

// CreateEscrow opens a new escrow and triggers the payment prompt.
func (c *Client) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/escrows", nil, req)
}

// GetEscrow fetches a single escrow by ID.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/escrows/"+id, nil, nil)
}

// ListMyEscrows lists escrows where the key's subject is buyer or seller.
func (c *Client) ListMyEscrows(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/escrows", limitQuery(limit), nil)
}

// GetTimeline fetches the event history of an escrow.
func (c *Client) GetTimeline(ctx context.Context, id string, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/escrows/"+id+"/timeline", limitQuery(limit), nil)
}

// GetPayout fetches the payout record attached to an escrow, if any.
func (c *Client) GetPayout(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/escrows/"+id+"/payout", nil, nil)
}

// MarkShipped records that the seller handed over the goods. tracking is
// the courier reference, optional.
func (c *Client) MarkShipped(ctx context.Context, id, tracking string) (json.RawMessage, error) {
	var body any
	if tracking != "" {
		body = map[string]string{"tracking": tracking}
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/escrows/"+id+"/ship", nil, body)
}

// ConfirmDelivery releases the held funds to the seller.
func (c *Client) ConfirmDelivery(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/escrows/"+id+"/confirm", nil, nil)
}

// CancelEscrow cancels a pending escrow before payment lands.
func (c *Client) CancelEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/escrows/"+id+"/cancel", nil, nil)
}

// OpenDispute freezes an escrow pending operator review.
func (c *Client) OpenDispute(ctx context.Context, id, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/escrows/"+id+"/dispute", nil, body)
}

// RateSeller records a 1-5 star rating after completion.
func (c *Client) RateSeller(ctx context.Context, id string, stars int) (json.RawMessage, error) {
	body := map[string]int{"stars": stars}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/escrows/"+id+"/rate", nil, body)
}

// GetSeller fetches a seller profile.
func (c *Client) GetSeller(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/sellers/"+id, nil, nil)
}

// WhoAmI returns the subject and role behind the configured API key.
func (c *Client) WhoAmI(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/auth/me", nil, nil)
}

// Health returns the platform health report. No auth required. The
// report comes back even when the platform answers 503 (degraded), so
// callers can see which check failed.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return json.RawMessage(respBody), nil
}

// Admin endpoints. These require a key with the admin role.

// ListEscrowsByStatus lists escrows in a given state across all users.
func (c *Client) ListEscrowsByStatus(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := limitQuery(limit)
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/admin/escrows", q, nil)
}

// ListDisputes lists disputes, newest first.
func (c *Client) ListDisputes(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := limitQuery(limit)
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/admin/disputes", q, nil)
}

// ResolveDispute settles a disputed escrow in favor of one side.
// Resolution is "release" or "refund".
func (c *Client) ResolveDispute(ctx context.Context, id, resolution, note string) (json.RawMessage, error) {
	body := map[string]string{"resolution": resolution, "note": note}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/admin/escrows/"+id+"/resolve", nil, body)
}

// ListPayouts lists payout records, optionally filtered by state.
func (c *Client) ListPayouts(ctx context.Context, state string, limit int) (json.RawMessage, error) {
	q := limitQuery(limit)
	if state != "" {
		q.Set("state", state)
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/admin/payouts", q, nil)
}

// ListFlags lists fraud flags. Pass reviewed to filter by review state.
func (c *Client) ListFlags(ctx context.Context, reviewed *bool) (json.RawMessage, error) {
	q := url.Values{}
	if reviewed != nil {
		q.Set("reviewed", strconv.FormatBool(*reviewed))
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/admin/flags", q, nil)
}

// EscrowReport returns aggregate marketplace statistics. Seller, buyer,
// from and to narrow the window; from/to are RFC 3339 timestamps.
func (c *Client) EscrowReport(ctx context.Context, seller, buyer, from, to string) (json.RawMessage, error) {
	q := url.Values{}
	if seller != "" {
		q.Set("seller", seller)
	}
	if buyer != "" {
		q.Set("buyer", buyer)
	}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/admin/reports/escrows", q, nil)
}

func limitQuery(limit int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}
