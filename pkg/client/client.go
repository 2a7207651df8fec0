// Package client is the HTTP client for a running mcpherd daemon's ops
// API. It mirrors the endpoints served by the daemon and is used by the
// CLI subcommands.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // CA certificate file for https endpoints
	Insecure bool   // skip TLS verification
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8060",
		Timeout: 30 * time.Second,
	}
}

// Client talks to the mcpherd daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates an API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

func setupTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// ServerStatus mirrors the daemon's status payload.
type ServerStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Restarts  int       `json:"restarts"`
	Connected bool      `json:"connected"`
	Failed    bool      `json:"failed"`
	RunID     string    `json:"run_id,omitempty"`
}

type errorResp struct {
	Error string `json:"error"`
}

// IsReachable checks whether the daemon answers on its status endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Statuses fetches the state of every managed server.
func (c *Client) Statuses(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	if err := c.getJSON(ctx, c.baseURL+"/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches one server's state.
func (c *Client) Status(ctx context.Context, name string) (ServerStatus, error) {
	var out ServerStatus
	err := c.getJSON(ctx, c.baseURL+"/status?name="+name, &out)
	return out, err
}

// Start launches the named server.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.post(ctx, c.baseURL+"/start?name="+name, nil)
}

// Stop terminates the named server.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.post(ctx, c.baseURL+"/stop?name="+name, nil)
}

// Restart relaunches the named server.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.post(ctx, c.baseURL+"/restart?name="+name, nil)
}

// Reset clears a failed server's restart budget.
func (c *Client) Reset(ctx context.Context, name string) error {
	return c.post(ctx, c.baseURL+"/reset?name="+name, nil)
}

// Health probes the named server through the daemon.
func (c *Client) Health(ctx context.Context, name string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.getJSON(ctx, c.baseURL+"/healthz?name="+name, &out)
}

// Call proxies one MCP request through the daemon's reliability stack.
func (c *Client) Call(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	var body []byte
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = b
	}
	url := fmt.Sprintf("%s/call?name=%s&method=%s", c.baseURL, server, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, raw)
	}
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, raw)
	}
	return nil
}

func apiError(status int, body []byte) error {
	var er errorResp
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", status, er.Error)
	}
	return fmt.Errorf("daemon returned %d", status)
}
