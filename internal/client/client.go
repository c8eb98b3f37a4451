// Package client is a small HTTP client for the trust case API. The smoke
// harness and operators' scripts use it.
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

	"trustcase-svc/internal/engine"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/trust"
	"trustcase-svc/internal/upgrade"
)

// Client is an HTTP client for the trust case API. A Client carries at most
// one identity; derive per-party clients with WithCredential and WithSystemKey.
type Client struct {
	baseURL    string
	httpClient *http.Client
	credential string
	systemKey  string
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithCredential returns a copy that authenticates with a bearer credential.
func (c *Client) WithCredential(token string) *Client {
	cp := *c
	cp.credential = token
	cp.systemKey = ""
	return &cp
}

// WithSystemKey returns a copy that authenticates with the system key.
func (c *Client) WithSystemKey(key string) *Client {
	cp := *c
	cp.systemKey = key
	cp.credential = ""
	return &cp
}

// APIError is an error envelope returned by the server.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       trust.Code
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d %s: %s (%s)", e.StatusCode, e.Code, e.Message, e.RequestID)
}

// CodeOf returns the server error code carried by err, or "" for nil.
// Transport failures report trust.CodeInternal.
func CodeOf(err error) trust.Code {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return trust.CodeInternal
}

// LifecycleStatus is the answer of wake and close.
type LifecycleStatus struct {
	CaseID      string            `json:"caseId"`
	Status      trust.CaseStatus  `json:"status"`
	CloseReason trust.CloseReason `json:"closeReason,omitempty"`
	ClosedAt    *time.Time        `json:"closedAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// HealthResponse is the answer of /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health checks API health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the case document.
func (c *Client) Status(ctx context.Context, caseID string) (*engine.CaseView, error) {
	return c.caseView(ctx, http.MethodGet, casePath(caseID, ""), nil)
}

// Submit records the agent's data for a step. data may be nil.
func (c *Client) Submit(ctx context.Context, caseID string, step int, data any) (*engine.CaseView, error) {
	body := map[string]any{"step": step}
	if data != nil {
		body["data"] = data
	}
	return c.caseView(ctx, http.MethodPost, casePath(caseID, "/submit"), body)
}

// Confirm confirms a step as the buyer.
func (c *Client) Confirm(ctx context.Context, caseID string, step int, note string) (*engine.CaseView, error) {
	return c.caseView(ctx, http.MethodPost, casePath(caseID, "/confirm"), map[string]any{"step": step, "note": note})
}

// ToggleChecklist sets one handover checklist item.
func (c *Client) ToggleChecklist(ctx context.Context, caseID string, index int, checked bool) (*engine.CaseView, error) {
	return c.caseView(ctx, http.MethodPost, casePath(caseID, "/checklist"), map[string]any{"index": index, "checked": checked})
}

// Pay completes the step 5 payment.
func (c *Client) Pay(ctx context.Context, caseID string) (*engine.CaseView, error) {
	return c.caseView(ctx, http.MethodPost, casePath(caseID, "/payment"), nil)
}

// AddSupplement appends a free-text note.
func (c *Client) AddSupplement(ctx context.Context, caseID, content string) (*engine.CaseView, error) {
	return c.caseView(ctx, http.MethodPost, casePath(caseID, "/supplements"), map[string]any{"content": content})
}

// Reset returns the case to step 1.
func (c *Client) Reset(ctx context.Context, caseID string) (*engine.CaseView, error) {
	return c.caseView(ctx, http.MethodPost, casePath(caseID, "/reset"), nil)
}

// Wake reactivates a dormant case.
func (c *Client) Wake(ctx context.Context, caseID string) (*LifecycleStatus, error) {
	var resp LifecycleStatus
	if err := c.do(ctx, http.MethodPost, casePath(caseID, "/wake"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close ends a case.
func (c *Client) Close(ctx context.Context, caseID string, reason trust.CloseReason) (*LifecycleStatus, error) {
	var resp LifecycleStatus
	if err := c.do(ctx, http.MethodPost, casePath(caseID, "/close"), map[string]any{"reason": reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upgrade redeems an upgrade token for the registered user behind the
// credential.
func (c *Client) Upgrade(ctx context.Context, token string) (*upgrade.Result, error) {
	var resp upgrade.Result
	if err := c.do(ctx, http.MethodPost, "/api/trust/upgrade", map[string]any{"token": token}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NotifyTarget resolves where a case's notifications go. Requires the system key.
func (c *Client) NotifyTarget(ctx context.Context, caseID string) (*notify.Target, error) {
	var resp notify.Target
	if err := c.do(ctx, http.MethodGet, "/internal/trust/cases/"+url.PathEscape(caseID)+"/notify-target", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func casePath(caseID, suffix string) string {
	return "/api/trust/cases/" + url.PathEscape(caseID) + suffix
}

func (c *Client) caseView(ctx context.Context, method, path string, body any) (*engine.CaseView, error) {
	var resp engine.CaseView
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	if c.systemKey != "" {
		req.Header.Set("X-System-Key", c.systemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var env struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code    trust.Code `json:"code"`
				Message string     `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
			return &APIError{StatusCode: resp.StatusCode, Code: trust.CodeInternal, Message: strings.TrimSpace(string(data))}
		}
		return &APIError{StatusCode: resp.StatusCode, RequestID: env.RequestID, Code: env.Error.Code, Message: env.Error.Message}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshaling response: %w", err)
		}
	}
	return nil
}
