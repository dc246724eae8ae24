package orderlinesdk

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
)

// Client is a minimal Orderline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Order represents the API order model.
type Order struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	AttemptCount  int    `json:"attempt_count"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Result represents a persisted execution result.
type Result struct {
	ResultID    string         `json:"result_id"`
	OrderID     string         `json:"order_id"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms"`
	Environment string         `json:"environment,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// Approval represents one decision record for a result.
type Approval struct {
	ID           string   `json:"id"`
	ResultID     string   `json:"result_id"`
	OrderID      string   `json:"order_id"`
	Decision     string   `json:"decision"`
	Source       string   `json:"source"`
	Feedback     string   `json:"feedback,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedOrders wraps list responses with cursors.
type PaginatedOrders struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitOrder queues a new order.
func (c *Client) SubmitOrder(ctx context.Context, description string) (Order, error) {
	body := map[string]any{"description": description}
	var resp Order
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// GetOrder fetches an order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "v0/orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Orders returns an order listing, optionally filtered by status.
func (c *Client) Orders(ctx context.Context, status string, limit int) ([]Order, error) {
	page, err := c.OrdersPage(ctx, status, limit, "")
	return page.Items, err
}

// OrdersPage returns a paginated order listing.
func (c *Client) OrdersPage(ctx context.Context, status string, limit int, cursor string) (PaginatedOrders, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/orders"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedOrders
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OrderResult fetches the latest execution result for an order.
func (c *Client) OrderResult(ctx context.Context, orderID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/orders/%s/result", url.PathEscape(orderID)), nil, &resp)
	return resp, err
}

// OrderApprovals lists the approval records for an order.
func (c *Client) OrderApprovals(ctx context.Context, orderID string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/orders/%s/approvals", url.PathEscape(orderID)), nil, &resp)
	return resp, err
}

// ReleaseOrder abandons the order's lease without resolving it.
func (c *Client) ReleaseOrder(ctx context.Context, orderID string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/orders/%s/release", url.PathEscape(orderID)), nil, &resp)
	return resp, err
}

// Decide records a human decision for a result.
func (c *Client) Decide(ctx context.Context, resultID, decision, feedback string) (Approval, error) {
	body := map[string]any{"decision": decision}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/results/%s/decision", url.PathEscape(resultID)), body, &resp)
	return resp, err
}

// Reevaluate re-runs the automated decision for a result.
func (c *Client) Reevaluate(ctx context.Context, resultID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/results/%s/reevaluate", url.PathEscape(resultID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
