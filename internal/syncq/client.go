// Package syncq drains the durable sync outbox to the remote service with
// retry, backoff, and cross-device conflict detection.
package syncq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/retry"
	"github.com/worklens/agent/internal/store"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client posts outbox items to the remote sync endpoint. Each push absorbs
// brief transient failures with in-line retries; the outbox attempt counter
// only advances once per Push call.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	httpClient HTTPClient
	retry      retry.Config
	logger     zerolog.Logger
}

// NewClient creates a sync API client with a per-request timeout.
func NewClient(baseURL, token, deviceID string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
		logger:     logger.With().Str("component", "sync-client").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetRetryConfig overrides the in-line retry behavior (for testing).
func (c *Client) SetRetryConfig(cfg retry.Config) {
	c.retry = cfg
}

// pushEnvelope is the wire format for one outbox item.
type pushEnvelope struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	DeviceID   string          `json:"deviceId"`
	Payload    json.RawMessage `json:"payload"`
}

// conflictBody is the structured 409 the endpoint returns when two devices
// collide in the same 10-minute window.
type conflictBody struct {
	Error             string `json:"error"`
	CurrentDevice     string `json:"currentDevice"`
	ConflictingDevice string `json:"conflictingDevice"`
	WindowStart       int64  `json:"windowStart"`
	WindowEnd         int64  `json:"windowEnd"`
}

const conflictCode = "CONCURRENT_SESSION_DETECTED"

// Push delivers one outbox item. Returns a ConflictError on a structured
// concurrent-session 409, an APIError on other HTTP failures. Retryable
// failures are re-attempted in line with backoff before Push gives up.
func (c *Client) Push(ctx context.Context, item *store.SyncItem) error {
	env := pushEnvelope{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
		DeviceID:   c.deviceID,
		Payload:    item.Payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling sync envelope: %w", err)
	}

	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.push(ctx, item, body)
	})
}

func (c *Client) push(ctx context.Context, item *store.SyncItem, body []byte) error {
	url := fmt.Sprintf("%s/v1/sync/%s", c.baseURL, item.EntityType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", agerrors.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusConflict {
		var cb conflictBody
		if jsonErr := json.Unmarshal(respBody, &cb); jsonErr == nil && cb.Error == conflictCode {
			return &agerrors.ConflictError{
				CurrentDevice:     cb.CurrentDevice,
				ConflictingDevice: cb.ConflictingDevice,
				WindowStart:       time.UnixMilli(cb.WindowStart).UTC(),
				WindowEnd:         time.UnixMilli(cb.WindowEnd).UTC(),
			}
		}
	}

	c.logger.Debug().Int("status", resp.StatusCode).Str("entity_type", item.EntityType).
		Str("entity_id", item.EntityID).Msg("sync push rejected")
	return agerrors.NewAPIError("sync", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
