// Package client is a Go client for the HTTP poll transport: register,
// send events, and long-poll the agent's queue.
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
	"strconv"
	"strings"
	"time"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/pkg/wire"
)

// ErrUnknownAgent is returned by Poll when the network has no record of the
// polling agent (evicted, unregistered, or never registered).
var ErrUnknownAgent = errors.New("unknown agent")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The default has a
// 60-second timeout, long enough for a long poll.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken sends the token on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client talks to one network over the HTTP poll transport.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the transport at baseURL, e.g.
// "http://localhost:8700".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the transport's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// Register creates the agent's record and poll queue.
func (c *Client) Register(ctx context.Context, req wire.RegisterRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/register", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var ack wire.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decoding register response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("registration rejected: %s", ack.Message)
	}
	return nil
}

// Unregister removes the agent's record and closes its queue.
func (c *Client) Unregister(ctx context.Context, agentID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/unregister", wire.UnregisterRequest{AgentID: agentID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unregister: status %d", resp.StatusCode)
	}
	return nil
}

// SendEvent routes an event through the network and returns the response.
// For events without requires_response the response just acknowledges
// acceptance.
func (c *Client) SendEvent(ctx context.Context, ev *event.Event) (*event.Response, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/send_event", ev.ToMap())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result wire.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding send response: %w", err)
	}
	return &event.Response{
		Success:   result.Success,
		Message:   result.Message,
		Data:      result.Data,
		ErrorCode: result.ErrorCode,
	}, nil
}

// Poll waits up to wait for queued events and returns at most max of them.
// Zero values let the server apply its defaults.
func (c *Client) Poll(ctx context.Context, agentID string, max int, wait time.Duration) ([]*event.Event, error) {
	q := url.Values{}
	q.Set("agent_id", agentID)
	if max > 0 {
		q.Set("max", strconv.Itoa(max))
	}
	if wait > 0 {
		q.Set("wait_ms", strconv.FormatInt(wait.Milliseconds(), 10))
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/poll?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result wire.PollResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	if !result.Success {
		if strings.Contains(result.Message, "unknown agent") {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("poll failed: %s", result.Message)
	}

	events := make([]*event.Event, 0, len(result.Messages))
	for _, m := range result.Messages {
		ev, err := event.FromMap(m)
		if err != nil {
			return nil, fmt.Errorf("decoding polled event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}
