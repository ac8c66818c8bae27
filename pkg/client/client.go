// Package client is the Go client for the A2A coordination server:
// JSON-RPC message and task calls, SSE stream consumption, and the
// worker REST surface. The worker binary and the MCP tools build on it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// Client talks to one A2A server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client. Streaming calls
// build their own timeout-free client regardless.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTimeout sets the per-request timeout for non-streaming calls.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// rpc performs one JSON-RPC call and decodes the result into out.
func (c *Client) rpc(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/", bytes.NewReader(body), "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// SendMessage performs message/send and returns the terminal task with
// the handler's reply.
func (c *Client) SendMessage(ctx context.Context, message *Message, taskID, skillID string) (*SendMessageResult, error) {
	params := map[string]interface{}{"message": message}
	if taskID != "" {
		params["task_id"] = taskID
	}
	if skillID != "" {
		params["skill_id"] = skillID
	}
	var result SendMessageResult
	if err := c.rpc(ctx, "message/send", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask performs tasks/get.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var result struct {
		Task *Task `json:"task"`
	}
	if err := c.rpc(ctx, "tasks/get", map[string]string{"task_id": taskID}, &result); err != nil {
		return nil, err
	}
	return result.Task, nil
}

// CancelTask performs tasks/cancel and returns the cancelled snapshot.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var result struct {
		Task *Task `json:"task"`
	}
	if err := c.rpc(ctx, "tasks/cancel", map[string]string{"task_id": taskID}, &result); err != nil {
		return nil, err
	}
	return result.Task, nil
}

// ListAgents returns the fresh entries of the server's agent registry.
func (c *Client) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	if err := c.getJSON(ctx, "/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// AgentCard fetches the discovery card document.
func (c *Client) AgentCard(ctx context.Context) (json.RawMessage, error) {
	var card json.RawMessage
	if err := c.getJSON(ctx, "/.well-known/agent-card.json", &card); err != nil {
		return nil, err
	}
	return card, nil
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

// WaitForHealth polls /health until the server answers or the context
// expires.
func (c *Client) WaitForHealth(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not healthy: %w", c.baseURL, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// do performs an HTTP request with the bearer header attached.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType == "" && body != nil {
		contentType = "application/json"
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// getJSON fetches a REST path and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeREST(resp, out)
}

// postJSON sends a REST request with a JSON body and decodes the reply.
func (c *Client) postJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	resp, err := c.do(ctx, method, path, reader, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeREST(resp, out)
}

// decodeREST maps non-2xx responses to APIError and decodes the body.
func decodeREST(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := struct {
			Detail string `json:"detail"`
		}{}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(raw, &detail); err != nil || detail.Detail == "" {
			detail.Detail = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Detail: detail.Detail}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
