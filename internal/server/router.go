// Package server exposes the supervisor and reliable client over a
// small HTTP ops API, plus the Prometheus metrics endpoint.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpherd/internal/client"
	"github.com/loykin/mcpherd/internal/faults"
	"github.com/loykin/mcpherd/internal/metrics"
	"github.com/loykin/mcpherd/internal/supervisor"
)

// Router provides embeddable HTTP handlers for managing MCP servers.
// Endpoints:
//
//	GET  {basePath}/status          query: name=... (optional; all when empty)
//	POST {basePath}/start           query: name=...
//	POST {basePath}/stop            query: name=...
//	POST {basePath}/restart         query: name=...
//	POST {basePath}/reset           query: name=...
//	GET  {basePath}/healthz         query: name=...
//	POST {basePath}/call            query: name=...&method=...  body: params JSON
//	GET  {basePath}/metrics
type Router struct {
	sup      *supervisor.Supervisor
	cli      *client.Client
	basePath string
}

// NewRouter constructs a Router with a configurable basePath, e.g.
// "/api" yields /api/status, /api/call, and so on.
func NewRouter(sup *supervisor.Supervisor, cli *client.Client, basePath string) *Router {
	return &Router{sup: sup, cli: cli, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimRight(bp, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return bp
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/reset", r.handleReset)
	group.GET("/healthz", r.handleHealth)
	group.POST("/call", r.handleCall)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, cli *client.Client) *http.Server {
	r := NewRouter(sup, cli, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrCircuitOpen), errors.Is(err, faults.ErrRestartLimit):
		return http.StatusServiceUnavailable
	case errors.Is(err, faults.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, faults.ErrConnection), errors.Is(err, faults.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		st, err := r.sup.Status(name)
		if err != nil {
			c.JSON(statusFor(err), errorResp{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
		return
	}
	c.JSON(http.StatusOK, r.sup.Statuses())
}

func (r *Router) named(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	return name, true
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.named(c)
	if !ok {
		return
	}
	if err := r.sup.StartServer(c.Request.Context(), name); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.named(c)
	if !ok {
		return
	}
	if err := r.sup.StopServer(name); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.named(c)
	if !ok {
		return
	}
	if err := r.sup.RestartServer(c.Request.Context(), name); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReset(c *gin.Context) {
	name, ok := r.named(c)
	if !ok {
		return
	}
	if err := r.sup.ResetServer(name); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealth(c *gin.Context) {
	name, ok := r.named(c)
	if !ok {
		return
	}
	if err := r.sup.HealthCheck(c.Request.Context(), name); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCall(c *gin.Context) {
	name, ok := r.named(c)
	if !ok {
		return
	}
	method := c.Query("method")
	if method == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "method query param required"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	var p any
	if len(body) > 0 {
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, errorResp{Error: "params must be valid JSON"})
			return
		}
		p = json.RawMessage(body)
	}
	raw, err := r.cli.Call(c.Request.Context(), name, method, p)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}
