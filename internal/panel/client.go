package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client calls the external provisioning panel that owns the actual game
// server instances. Suspend and Unsuspend are idempotent: repeating a call on a
// server that is already in the requested state succeeds.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	maxAttempts int
	backoffBase time.Duration
}

// NewClient creates a new panel client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		maxAttempts: 3,
		backoffBase: 500 * time.Millisecond,
	}
}

// APIError is a non-2xx response from the panel
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel returned status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the call is worth retrying
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// alreadyApplied reports whether the panel rejected the call because the server
// is already in the requested state. That is a success for an idempotent call.
func (e *APIError) alreadyApplied() bool {
	if e.StatusCode != http.StatusConflict && e.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(e.Message), "already")
}

// CreateServerRequest is the request to provision a new server
type CreateServerRequest struct {
	Name        string `json:"name"`
	OwnerEmail  string `json:"owner_email"`
	RAMMb       int    `json:"ram_mb"`
	CPUPercent  int    `json:"cpu_percent"`
	DiskMb      int    `json:"disk_mb"`
	Databases   int    `json:"databases"`
	Backups     int    `json:"backups"`
	Allocations int    `json:"allocations"`
}

// ServerDetails contains the panel's view of a server
type ServerDetails struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Suspended   bool   `json:"suspended"`
	RAMMb       int    `json:"ram_mb"`
	CPUPercent  int    `json:"cpu_percent"`
	DiskMb      int    `json:"disk_mb"`
	Databases   int    `json:"databases"`
	Backups     int    `json:"backups"`
	Allocations int    `json:"allocations"`
	Error       string `json:"error,omitempty"`
}

// CreateServer provisions a new server instance on the panel
func (c *Client) CreateServer(ctx context.Context, req *CreateServerRequest) (*ServerDetails, error) {
	var details ServerDetails
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/servers", req, &details); err != nil {
		return nil, err
	}
	log.Printf("Panel: server created: %s", details.ID)
	return &details, nil
}

// GetServer fetches a server's current panel state
func (c *Client) GetServer(ctx context.Context, panelServerID string) (*ServerDetails, error) {
	var details ServerDetails
	if err := c.doWithRetry(ctx, http.MethodGet, "/api/servers/"+panelServerID, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// DeleteServer removes a server from the panel. A missing server counts as
// deleted so the call can be retried safely.
func (c *Client) DeleteServer(ctx context.Context, panelServerID string) error {
	err := c.doWithRetry(ctx, http.MethodDelete, "/api/servers/"+panelServerID, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Suspend stops a server on the panel. Idempotent.
func (c *Client) Suspend(ctx context.Context, panelServerID string) error {
	err := c.doWithRetry(ctx, http.MethodPost, "/api/servers/"+panelServerID+"/suspend", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.alreadyApplied() {
		return nil
	}
	return err
}

// Unsuspend starts a suspended server on the panel. Idempotent.
func (c *Client) Unsuspend(ctx context.Context, panelServerID string) error {
	err := c.doWithRetry(ctx, http.MethodPost, "/api/servers/"+panelServerID+"/unsuspend", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.alreadyApplied() {
		return nil
	}
	return err
}

// doWithRetry performs the request with bounded exponential backoff. Network
// errors and transient statuses are retried; everything else surfaces
// immediately.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out interface{}) error {
	var lastErr error
	backoff := c.backoffBase

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.do(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Transient() {
			return lastErr
		}
		if attempt == c.maxAttempts {
			break
		}

		log.Printf("Panel: %s %s failed (attempt %d/%d): %v", method, path, attempt, c.maxAttempts, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
		}
	}
	return nil
}

// errorMessage pulls a message out of a JSON error body, falling back to the
// raw body for panels that return plain text
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
