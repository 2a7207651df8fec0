// Package mcpherd supervises MCP tool server processes and exposes a
// reliable call API over them: stdio JSON-RPC transport, automatic
// restart with backoff, retry, circuit breaking, and rate limiting.
package mcpherd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcpherd/internal/breaker"
	iclient "github.com/loykin/mcpherd/internal/client"
	cfg "github.com/loykin/mcpherd/internal/config"
	"github.com/loykin/mcpherd/internal/history"
	"github.com/loykin/mcpherd/internal/history/factory"
	"github.com/loykin/mcpherd/internal/metrics"
	"github.com/loykin/mcpherd/internal/process"
	"github.com/loykin/mcpherd/internal/protocol"
	"github.com/loykin/mcpherd/internal/retry"
	iapi "github.com/loykin/mcpherd/internal/server"
	"github.com/loykin/mcpherd/internal/supervisor"
	"github.com/loykin/mcpherd/internal/transport"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Spec = process.Spec

type Status = supervisor.Status

type Tool = iclient.Tool

type Reliability = cfg.Reliability

type Config = cfg.FileConfig

type HistorySink = history.Sink

// Herd is the public façade over the supervisor and reliability stack.
type Herd struct {
	sup *supervisor.Supervisor
	cli *iclient.Client
}

// Options configure a Herd.
type Options struct {
	Reliability Reliability
	// History sinks receive lifecycle events. Optional.
	History []HistorySink
	// ClientInfo is reported during the MCP handshake.
	ClientName    string
	ClientVersion string
}

// New builds a Herd with the given options.
func New(opts Options) *Herd {
	r := opts.Reliability
	tOpts := transport.Options{
		RequestTimeout: r.RequestTimeout,
		ConnectTimeout: r.ConnectTimeout,
	}
	if opts.ClientName != "" {
		tOpts.ClientInfo = protocol.ClientInfo{Name: opts.ClientName, Version: opts.ClientVersion}
	}
	var rec *history.Recorder
	if len(opts.History) > 0 {
		rec = history.NewRecorder(opts.History...)
	}
	sup := supervisor.New(supervisor.Options{Transport: tOpts, History: rec})
	cli := iclient.New(sup, iclient.Config{
		Retry: retry.Config{
			MaxAttempts:  r.MaxAttempts,
			BaseDelay:    r.BaseDelay,
			MaxDelay:     r.MaxDelay,
			JitterFactor: r.JitterFactor,
		},
		Breaker: breaker.Config{
			FailureThreshold: r.FailureThreshold,
			RecoveryTimeout:  r.RecoveryTimeout,
		},
		MinInterval:  r.RateLimitInterval,
		MaxPerWindow: r.MaxPerWindow,
	})
	return &Herd{sup: sup, cli: cli}
}

// NewFromConfig builds a Herd from a loaded config file: reliability
// settings, history sinks, and server registrations.
func NewFromConfig(fc *Config) (*Herd, error) {
	sinks := make([]HistorySink, 0, len(fc.History.DSNs))
	for _, dsn := range fc.History.DSNs {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	h := New(Options{Reliability: fc.Reliability, History: sinks})
	for _, spec := range fc.Specs() {
		if err := h.Register(spec); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Register adds a server definition without starting it.
func (h *Herd) Register(s Spec) error { return h.sup.Register(s) }

// Connect starts the named server and performs the MCP handshake.
func (h *Herd) Connect(ctx context.Context, name string) error { return h.cli.Connect(ctx, name) }

// Disconnect stops the named server.
func (h *Herd) Disconnect(name string) error { return h.cli.Disconnect(name) }

// Restart relaunches the named server, counting against its budget.
func (h *Herd) Restart(ctx context.Context, name string) error {
	return h.sup.RestartServer(ctx, name)
}

// Reset clears a failed server's restart budget.
func (h *Herd) Reset(name string) error { return h.sup.ResetServer(name) }

// Call issues one MCP request through the reliability stack.
func (h *Herd) Call(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	return h.cli.Call(ctx, server, method, params)
}

// CallTool invokes a named tool on a server.
func (h *Herd) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	return h.cli.CallTool(ctx, server, tool, args)
}

// ListTools fetches a server's tool catalog.
func (h *Herd) ListTools(ctx context.Context, server string) ([]Tool, error) {
	return h.cli.ListTools(ctx, server)
}

// HealthCheck probes the named server.
func (h *Herd) HealthCheck(ctx context.Context, name string) error {
	return h.sup.HealthCheck(ctx, name)
}

// Status reports one server's state.
func (h *Herd) Status(name string) (Status, error) { return h.sup.Status(name) }

// Statuses reports every server's state.
func (h *Herd) Statuses() []Status { return h.sup.Statuses() }

// Close stops every server and the history sinks.
func (h *Herd) Close() { h.sup.StopAll() }

// NewHTTPServer starts the ops API on addr for this herd.
func NewHTTPServer(addr, basePath string, h *Herd) *http.Server {
	return iapi.NewServer(addr, basePath, h.sup, h.cli)
}

// NewHistorySink builds a sink from a DSN (sqlite, postgres, clickhouse).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers.

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller's goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
