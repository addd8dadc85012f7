// Package sdk provides a Go client for the sentinel secret broker.
//
// Agent usage:
//
//	c := sdk.NewClient("http://localhost:8080", os.Getenv("SENTINEL_TOKEN"))
//	req, err := c.RequestSecret(ctx, sdk.SubmitRequest{
//		ResourceID: "prod_db",
//		Intent:     sdk.Intent{TaskID: "INC-42", Summary: "inspect replica lag"},
//		TTLSeconds: 600,
//	})
//	if err == nil && req.Status == sdk.StatusPending {
//		req, err = c.WaitForDecision(ctx, req.ID, 5*time.Second)
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "PENDING_APPROVAL"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
)

// Intent is the justification attached to a request.
type Intent struct {
	TaskID      string `json:"task_id"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

// Decision records who decided a request.
type Decision struct {
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Secret is issued credential material. Admin views carry a masked value.
type Secret struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Request is an access request as returned by the server.
type Request struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	ResourceID   string    `json:"resource_id"`
	Intent       Intent    `json:"intent"`
	TTLRequested int64     `json:"ttl_requested"`
	Status       Status    `json:"status"`
	Decision     *Decision `json:"decision,omitempty"`
	Secret       *Secret   `json:"secret,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubmitRequest is sent to POST /v1/requests. AgentID is only needed with
// an admin token.
type SubmitRequest struct {
	AgentID    string `json:"agent_id,omitempty"`
	ResourceID string `json:"resource_id"`
	Intent     Intent `json:"intent"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// AuditEntry is one step of a request's history.
type AuditEntry struct {
	Seq       int64     `json:"seq"`
	RequestID string    `json:"request_id"`
	At        time.Time `json:"at"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// ListOptions filters List. Zero values are ignored.
type ListOptions struct {
	Status  Status
	AgentID string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// APIError is returned for any non-success response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	// Status is the request's observed status on a 409.
	Status Status `json:"status,omitempty"`

	body []byte
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("sentinel: %s (HTTP %d, %s)", e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("sentinel: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasCode(err, http.StatusNotFound) }

// IsConflict reports whether err means the request was no longer in the
// state the operation needed.
func IsConflict(err error) bool { return hasCode(err, http.StatusConflict) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return hasCode(err, http.StatusTooManyRequests) }

func hasCode(err error, code int) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == code
}

// Client talks to a sentinel server with one bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestSecret submits a request. A DENIED verdict is returned as a
// request, not an error.
func (c *Client) RequestSecret(ctx context.Context, in SubmitRequest) (*Request, error) {
	var out Request
	_, err := c.do(ctx, http.MethodPost, "/v1/requests", in, &out, http.StatusCreated, http.StatusAccepted)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
		var denied Request
		if json.Unmarshal(apiErr.body, &denied) == nil && denied.Status == StatusDenied {
			return &denied, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll returns the current state of a request.
func (c *Client) Poll(ctx context.Context, id string) (*Request, error) {
	var out Request
	if _, err := c.do(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForDecision polls every interval until the request leaves
// PENDING_APPROVAL or ctx is done.
func (c *Client) WaitForDecision(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := c.Poll(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != StatusPending {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Approve approves a pending request. Requires an admin token.
func (c *Client) Approve(ctx context.Context, id string) (*Request, error) {
	return c.decide(ctx, id, "approve", "")
}

// Deny denies a pending request. Requires an admin token.
func (c *Client) Deny(ctx context.Context, id, reason string) (*Request, error) {
	return c.decide(ctx, id, "deny", reason)
}

// Revoke ends a live approval early. Requires an admin token.
func (c *Client) Revoke(ctx context.Context, id, reason string) (*Request, error) {
	return c.decide(ctx, id, "revoke", reason)
}

func (c *Client) decide(ctx context.Context, id, op, reason string) (*Request, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out Request
	if _, err := c.do(ctx, http.MethodPost, "/v1/requests/"+url.PathEscape(id)+"/"+op, body, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns requests newest first. Requires an admin token.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Request, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.AgentID != "" {
		q.Set("agent_id", opts.AgentID)
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		q.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Requests []Request `json:"requests"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// History returns the audit trail of a request. Requires an admin token.
func (c *Client) History(ctx context.Context, id string) ([]AuditEntry, error) {
	var out struct {
		Entries []AuditEntry `json:"entries"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id)+"/audit", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and decodes the body into out when the status is one
// of ok. Other statuses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, ok ...int) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return httpResp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	for _, code := range ok {
		if httpResp.StatusCode != code {
			continue
		}
		if err := json.Unmarshal(data, out); err != nil {
			return code, fmt.Errorf("decoding response (HTTP %d): %w", code, err)
		}
		return code, nil
	}

	apiErr := &APIError{StatusCode: httpResp.StatusCode, body: data}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(httpResp.StatusCode)
	}
	return httpResp.StatusCode, apiErr
}
