// Package client is the Go SDK for the BatchQ inspection API.
//
// # Quick start
//
//	c := client.New("http://127.0.0.1:8080", client.WithAPIKey("secret"))
//
//	// Queue one item
//	seq, err := c.Append(ctx, "message/sms/driver/d-42", nil, []byte(`{"content":"hi"}`))
//
//	// Run a round over the retryable statuses
//	sum, err := c.Send(ctx)
//
//	// Inspect what still needs attention
//	rows, err := c.Items(ctx, "timeout", "rate_limited")
//
//	// Follow progress live
//	err = c.Watch(ctx, func(ev client.Event) { fmt.Println(ev.Type, ev.Seq, ev.Status) })
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As to inspect the HTTP status and server message,
// or the IsConflict / IsUnauthorized helpers.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the BatchQ server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("batchq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether the error is a 409, returned by Send while
// another round is running.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsUnauthorized reports whether the error is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has inspect.api_key set.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
// Send holds the request open for a whole round; size it accordingly.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the BatchQ inspection API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the inspection API at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	Running bool   `json:"running"`
	Items   int    `json:"items"`
}

// Row is one item as shown by the reporting view.
type Row struct {
	Seq          uint64    `json:"seq"`
	Destination  string    `json:"destination"`
	Status       string    `json:"status"`
	ResponseCode int       `json:"response_code"`
	Attempts     int       `json:"attempts"`
	PayloadBytes int       `json:"payload_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	// Upload is set for files the endpoint stored.
	Upload *Upload `json:"upload,omitempty"`
}

// Upload identifies a stored file.
type Upload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Link string `json:"link"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

// Summary is the per-status breakdown of the whole batch.
type Summary struct {
	Counts  map[string]int `json:"counts"`
	Total   int            `json:"total"`
	Running bool           `json:"running"`
}

// RoundSummary describes one send round.
type RoundSummary struct {
	Round       string         `json:"round"`
	Attempted   int            `json:"attempted"`
	Counts      map[string]int `json:"counts"`
	Interrupted int            `json:"interrupted"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
}

// Event is one progress notification from the live feed.
type Event struct {
	Type         string        `json:"type"`
	Round        string        `json:"round"`
	Kind         string        `json:"kind"`
	Seq          uint64        `json:"seq"`
	Status       string        `json:"status"`
	ResponseCode int           `json:"response_code"`
	Items        int           `json:"items"`
	Summary      *RoundSummary `json:"summary"`
	Time         time.Time     `json:"time"`
}

// ─── API methods ──────────────────────────────────────────────────────────────

// Health returns the server's liveness and batch state.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Items returns report rows, filtered to statuses when any are given.
func (c *Client) Items(ctx context.Context, statuses ...string) ([]Row, error) {
	path := "/items"
	if len(statuses) > 0 {
		path += "?" + url.Values{"status": {strings.Join(statuses, ",")}}.Encode()
	}
	var rows []Row
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Append queues one item and returns its sequence number. payload must be
// valid JSON.
func (c *Client) Append(ctx context.Context, path string, params map[string]string, payload []byte) (uint64, error) {
	if !json.Valid(payload) {
		return 0, errors.New("batchq: payload is not valid JSON")
	}
	req := appendPayload{Path: path, Params: params, Payload: json.RawMessage(payload)}
	var resp struct {
		Seq uint64 `json:"seq"`
	}
	if err := c.do(ctx, http.MethodPost, "/items", req, &resp); err != nil {
		return 0, err
	}
	return resp.Seq, nil
}

// Summary returns the per-status breakdown.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var s Summary
	if err := c.do(ctx, http.MethodGet, "/summary", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Send runs one round over statuses (the server's retryable default when
// none are given) and waits for it to finish.
func (c *Client) Send(ctx context.Context, statuses ...string) (*RoundSummary, error) {
	var s RoundSummary
	if err := c.do(ctx, http.MethodPost, "/send", sendPayload{Statuses: statuses}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Metrics returns the Prometheus exposition text.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("batchq: request GET /metrics: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("batchq: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp.StatusCode, body)
	}
	return string(body), nil
}

// Watch connects to the live progress feed and calls fn for every event
// until ctx is cancelled or the connection drops. A cancelled ctx returns
// ctx.Err().
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("batchq: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := gorillaws.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return apiError(resp.StatusCode, body)
		}
		return fmt.Errorf("batchq: dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("batchq: read event: %w", err)
		}
		fn(ev)
	}
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("batchq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("batchq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("batchq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("batchq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apiError(httpResp.StatusCode, respBody)
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("batchq: decode response: %w", err)
		}
	}
	return nil
}

func apiError(code int, body []byte) *APIError {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &APIError{StatusCode: code, Message: msg}
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type appendPayload struct {
	Path    string            `json:"path"`
	Params  map[string]string `json:"params,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

type sendPayload struct {
	Statuses []string `json:"statuses,omitempty"`
}
