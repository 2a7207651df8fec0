// Package client layers the reliability policies over the supervisor:
// every call flows through rate limiting, retry with backoff, and a
// per-operation circuit breaker before reaching the server's transport.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loykin/mcpherd/internal/breaker"
	"github.com/loykin/mcpherd/internal/metrics"
	"github.com/loykin/mcpherd/internal/ratelimit"
	"github.com/loykin/mcpherd/internal/retry"
	"github.com/loykin/mcpherd/internal/supervisor"
)

// Config bundles the reliability settings for one client.
type Config struct {
	Retry        retry.Config
	Breaker      breaker.Config
	MinInterval  time.Duration // spacing between calls; 0 disables limiting
	MaxPerWindow int           // calls per sliding window; 0 disables the cap
}

// DefaultConfig mirrors the defaults of the individual layers.
func DefaultConfig() Config {
	return Config{
		Retry:   retry.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
	}
}

// Client is the reliable façade over a set of supervised MCP servers.
// Breakers are keyed per server and method so one failing operation
// does not blacklist the rest.
type Client struct {
	sup      *supervisor.Supervisor
	exec     *retry.Executor
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
}

// New builds a client over the supervisor.
func New(sup *supervisor.Supervisor, cfg Config) *Client {
	return &Client{
		sup:      sup,
		exec:     retry.New(cfg.Retry),
		breakers: breaker.NewRegistry(cfg.Breaker),
		limiter:  ratelimit.New(cfg.MinInterval, cfg.MaxPerWindow),
	}
}

// Connect starts the named server and establishes its MCP session.
func (c *Client) Connect(ctx context.Context, server string) error {
	return c.sup.StartServer(ctx, server)
}

// Disconnect stops the named server. A server that is not running is a
// no-op.
func (c *Client) Disconnect(server string) error {
	return c.sup.StopServer(server)
}

// Call issues one MCP request through the full reliability stack. A
// server with no live session fails fast without consuming a rate slot
// or a retry attempt. The transport is re-resolved on every attempt so
// retries pick up a restarted server's fresh session.
func (c *Client) Call(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	if _, err := c.sup.Transport(server); err != nil {
		metrics.IncCall(method, "rejected")
		return nil, err
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		metrics.IncCall(method, "rejected")
		return nil, err
	}

	start := time.Now()
	br := c.breakers.Get(server + "/" + method)

	var out json.RawMessage
	err := c.exec.Do(ctx, server+" "+method, func(ctx context.Context) error {
		return br.Execute(ctx, func(ctx context.Context) error {
			tr, terr := c.sup.Transport(server)
			if terr != nil {
				return terr
			}
			raw, serr := tr.Send(ctx, method, params)
			if serr != nil {
				return serr
			}
			out = raw
			return nil
		})
	})

	metrics.ObserveCallDuration(method, time.Since(start).Seconds())
	if err != nil {
		metrics.IncCall(method, "error")
		slog.Warn("call failed", "server", server, "method", method, "error", err)
		return nil, err
	}
	metrics.IncCall(method, "success")
	return out, nil
}

// Tool is one entry of a server's tool listing.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context, server string) ([]Tool, error) {
	raw, err := c.Call(ctx, server, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool invokes a named tool with arguments.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	params := map[string]any{"name": tool}
	if len(args) > 0 {
		params["arguments"] = args
	}
	return c.Call(ctx, server, "tools/call", params)
}

// HealthCheck probes the named server.
func (c *Client) HealthCheck(ctx context.Context, server string) error {
	return c.sup.HealthCheck(ctx, server)
}

// Status reports the named server's state.
func (c *Client) Status(server string) (supervisor.Status, error) {
	return c.sup.Status(server)
}
