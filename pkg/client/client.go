// Package client is the Go SDK for the ADMP hub HTTP API: agent
// registration, envelope send/pull/ack, and token exchange.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// APIError is a non-2xx hub response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one hub.
type Client struct {
	base       string
	httpClient *http.Client
	credential string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredential attaches a bearer credential (API key or session token)
// to every request.
func WithCredential(cred string) Option {
	return func(c *Client) { c.credential = cred }
}

// New creates a Client for the hub at base.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterRequest mirrors the hub's registration payload.
type RegisterRequest struct {
	Mode          string         `json:"registration_mode,omitempty"`
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"agent_type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookSecret string         `json:"webhook_secret,omitempty"`
	Seed          string         `json:"seed,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"`
	PublicKey     string         `json:"public_key,omitempty"`
}

// RegisterResponse carries the agent record plus one-time secrets.
type RegisterResponse struct {
	Agent         *model.Agent `json:"agent"`
	PrivateKey    string       `json:"private_key,omitempty"`
	WebhookSecret string       `json:"webhook_secret,omitempty"`
}

// Register creates an agent.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports liveness for an agent.
func (c *Client) Heartbeat(ctx context.Context, agentID string, metadata map[string]any) error {
	path := "/api/agents/" + url.PathEscape(agentID) + "/heartbeat"
	return c.do(ctx, http.MethodPost, path, map[string]any{"metadata": metadata}, nil)
}

// SendResult is the send outcome.
type SendResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Send posts an envelope to the recipient's inbox. The envelope must
// already be complete (and signed, if the recipient verifies signatures).
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (*SendResult, error) {
	path := "/api/agents/" + url.PathEscape(env.To) + "/messages"
	var res SendResult
	if err := c.do(ctx, http.MethodPost, path, env, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PulledMessage is one leased inbox record.
type PulledMessage struct {
	ID         string             `json:"id"`
	Envelope   *envelope.Envelope `json:"envelope"`
	Attempts   int                `json:"attempts"`
	LeaseUntil *time.Time         `json:"lease_until"`
}

// Pull leases the next queued message, or returns (nil, nil) when the
// inbox is empty.
func (c *Client) Pull(ctx context.Context, agentID string, visibilitySec int64) (*PulledMessage, error) {
	path := "/api/agents/" + url.PathEscape(agentID) + "/inbox/pull"
	body := map[string]any{"visibility_timeout": visibilitySec}

	status, raw, err := c.doRaw(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	var msg PulledMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &msg, nil
}

// Ack acknowledges a leased message with an optional result payload.
func (c *Client) Ack(ctx context.Context, agentID, messageID string, result json.RawMessage) error {
	path := fmt.Sprintf("/api/agents/%s/messages/%s/ack",
		url.PathEscape(agentID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"result": result}, nil)
}

// Nack rejects a leased message: requeue it or extend the lease.
func (c *Client) Nack(ctx context.Context, agentID, messageID string, requeue bool, extendSec int64) error {
	path := fmt.Sprintf("/api/agents/%s/messages/%s/nack",
		url.PathEscape(agentID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodPost, path, map[string]any{
		"requeue":    requeue,
		"extend_sec": extendSec,
	}, nil)
}

// ExchangeToken trades an API key for a short-lived session token and
// attaches it to subsequent requests.
func (c *Client) ExchangeToken(ctx context.Context, apiKey string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", map[string]string{"api_key": apiKey}, &resp); err != nil {
		return "", err
	}
	c.credential = resp.AccessToken
	return resp.AccessToken, nil
}

// Health probes the hub's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// do performs a JSON request and decodes the response into out when the
// call succeeds and out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, raw, err := c.doRaw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return resp.StatusCode, nil, apiErr
	}
	return resp.StatusCode, raw, nil
}
