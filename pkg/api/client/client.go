package client

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

// Client provides typed access to the MozHost management API for
// interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3001"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TerminalURL returns the websocket endpoint for interactive sessions.
func (c *Client) TerminalURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws/terminal"
	default:
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws/terminal"
	}
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Hint    string
}

func (e APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Hint != "" {
		return fmt.Sprintf("api request failed (%d): %s (%s)", e.Status, msg, e.Hint)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := extractError(resp.Body)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) APIError {
	if body == nil {
		return APIError{}
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return APIError{}
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return APIError{Message: strings.TrimSpace(string(data))}
	}
	return APIError{
		Code:    strings.TrimSpace(payload.Error),
		Message: strings.TrimSpace(payload.Message),
		Hint:    strings.TrimSpace(payload.Hint),
	}
}

// ResourceLimits mirrors the advisory CPU and memory ceilings.
type ResourceLimits struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memory_mb"`
}

// Environment reflects API environment payloads.
type Environment struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	Status         string         `json:"status"`
	EngineHandle   string         `json:"engine_handle"`
	HostPort       int            `json:"host_port"`
	InternalPort   int            `json:"internal_port"`
	Domain         string         `json:"domain"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CreateEnvironmentInput captures the payload for environment creation.
type CreateEnvironmentInput struct {
	Name string            `json:"name"`
	Kind string            `json:"kind"`
	Env  map[string]string `json:"env,omitempty"`
}

// Stats is a one-shot resource usage sample.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ListEnvironments returns the caller's environments, newest first.
func (c *Client) ListEnvironments(ctx context.Context, token string) ([]Environment, error) {
	var resp struct {
		Environments []Environment `json:"environments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/environments", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// CreateEnvironment provisions a new environment in the stopped state.
func (c *Client) CreateEnvironment(ctx context.Context, token string, input CreateEnvironmentInput) (Environment, error) {
	var env Environment
	if err := c.do(ctx, http.MethodPost, "/api/environments", input, token, &env); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// GetEnvironment fetches a single environment.
func (c *Client) GetEnvironment(ctx context.Context, token, id string) (Environment, error) {
	var env Environment
	if err := c.do(ctx, http.MethodGet, environmentPath(id, ""), nil, token, &env); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// StartEnvironment starts a stopped or failed environment.
func (c *Client) StartEnvironment(ctx context.Context, token, id string) (Environment, error) {
	return c.action(ctx, token, id, "start")
}

// StopEnvironment stops a running environment.
func (c *Client) StopEnvironment(ctx context.Context, token, id string) (Environment, error) {
	return c.action(ctx, token, id, "stop")
}

// RestartEnvironment stops and starts an environment.
func (c *Client) RestartEnvironment(ctx context.Context, token, id string) (Environment, error) {
	return c.action(ctx, token, id, "restart")
}

func (c *Client) action(ctx context.Context, token, id, action string) (Environment, error) {
	var env Environment
	if err := c.do(ctx, http.MethodPost, environmentPath(id, action), nil, token, &env); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// DeleteEnvironment removes an environment and everything it owns.
func (c *Client) DeleteEnvironment(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodDelete, environmentPath(id, ""), nil, token, nil)
}

// EnvironmentLogs returns the last tail lines of output. Zero selects the
// server default.
func (c *Client) EnvironmentLogs(ctx context.Context, token, id string, tail int) ([]string, error) {
	path := environmentPath(id, "logs")
	if tail > 0 {
		path = fmt.Sprintf("%s?tail=%d", path, tail)
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// EnvironmentStats samples resource usage of a running environment.
func (c *Client) EnvironmentStats(ctx context.Context, token, id string) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, environmentPath(id, "stats"), nil, token, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func environmentPath(id, action string) string {
	path := "/api/environments/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path
}
