// Package transport turns a server process's stdio byte streams into
// request/response semantics: newline-delimited JSON-RPC framing, id
// correlation, and a background reader loop. Many calls may be in
// flight at once; each resolves independently as its response arrives.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mcpherd/internal/faults"
	"github.com/loykin/mcpherd/internal/metrics"
	"github.com/loykin/mcpherd/internal/protocol"
)

// Scanner buffer bounds for incoming frames. Tool results can be large.
const (
	initialScanBuf = 64 * 1024
	maxScanBuf     = 16 * 1024 * 1024
)

// Options tune one transport instance.
type Options struct {
	RequestTimeout time.Duration // default wait for a response
	ConnectTimeout time.Duration // handshake deadline
	ClientInfo     protocol.ClientInfo
	Capabilities   protocol.Capabilities
	// OnNotification receives server-originated notifications. Optional.
	OnNotification func(method string, params json.RawMessage)
	// OnClose fires once when the reader loop ends (EOF or read error).
	// The argument is the terminal error handed to pending requests.
	OnClose func(err error)
}

func (o *Options) defaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = protocol.ClientInfo{Name: "mcpherd", Version: "dev"}
	}
	if o.Capabilities == nil {
		o.Capabilities = protocol.Capabilities{}
	}
}

// pendingRequest is one correlation slot, completed exactly once.
type pendingRequest struct {
	createdAt time.Time
	done      chan *protocol.Response // buffered, written by the reader loop
	fail      chan error              // buffered, written on transport death
}

// Transport owns one process's stdin/stdout. Writes are serialized by
// wmu; the reader loop is the only resolver of pending requests.
type Transport struct {
	name string
	opts Options

	wmu sync.Mutex
	w   io.Writer

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	connected bool
	closed    bool
	server    protocol.ServerInfo

	nextID atomic.Int64
	r      io.Reader

	readerOnce sync.Once
	closeOnce  sync.Once
}

// New builds a transport over the given streams. Connect must be called
// before Send.
func New(name string, w io.Writer, r io.Reader, opts Options) *Transport {
	opts.defaults()
	return &Transport{
		name:    name,
		opts:    opts,
		w:       w,
		r:       r,
		pending: make(map[string]*pendingRequest),
	}
}

// Connect starts the reader loop and performs the initialize handshake.
// Handshake timeout, a rejected version, or a malformed reply surface as
// faults.ErrConnection.
func (t *Transport) Connect(ctx context.Context) error {
	t.readerOnce.Do(func() { go t.readLoop() })

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.MCPProtocolVersion,
		Capabilities:    t.opts.Capabilities,
		ClientInfo:      t.opts.ClientInfo,
	}
	raw, err := t.roundTrip(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return faults.Connectionf("%s: initialize: %v", t.name, err)
	}
	var res protocol.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return faults.Connectionf("%s: malformed initialize result: %v", t.name, err)
	}
	if res.ProtocolVersion == "" {
		return faults.Connectionf("%s: server did not report a protocol version", t.name)
	}
	if res.ProtocolVersion != protocol.MCPProtocolVersion {
		return faults.Connectionf("%s: protocol version mismatch: server %s, client %s",
			t.name, res.ProtocolVersion, protocol.MCPProtocolVersion)
	}
	if err := t.notify(protocol.MethodInitialized, nil); err != nil {
		return faults.Connectionf("%s: initialized notification: %v", t.name, err)
	}

	t.mu.Lock()
	t.connected = true
	t.server = res.ServerInfo
	t.mu.Unlock()
	slog.Info("mcp session established", "server", t.name,
		"remote", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return nil
}

// Connected reports whether the handshake completed and the stream is
// still believed healthy.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ServerInfo returns the peer's identity from the handshake.
func (t *Transport) ServerInfo() protocol.ServerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server
}

// Send issues a request and suspends the caller until its response
// arrives, the per-call deadline passes, or the transport dies. Other
// concurrent Sends proceed independently.
func (t *Transport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.Connected() {
		return nil, faults.Connectionf("%s: not connected", t.name)
	}
	return t.roundTrip(ctx, method, params)
}

// Notify sends a fire-and-forget notification.
func (t *Transport) Notify(method string, params any) error {
	if !t.Connected() {
		return faults.Connectionf("%s: not connected", t.name)
	}
	return t.notify(method, params)
}

// Ping issues the MCP liveness probe.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.Send(ctx, protocol.MethodPing, nil)
	return err
}

func (t *Transport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := protocol.IntID(t.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, faults.Protocolf("%v", err)
	}

	pr := &pendingRequest{
		createdAt: time.Now(),
		done:      make(chan *protocol.Response, 1),
		fail:      make(chan error, 1),
	}
	key := id.Key()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, faults.ConnectionLostf("%s: transport closed", t.name)
	}
	t.pending[key] = pr
	metrics.SetInflight(t.name, len(t.pending))
	t.mu.Unlock()

	if err := t.writeFrame(req); err != nil {
		t.removePending(key)
		return nil, faults.ConnectionLostf("%s: write %s: %v", t.name, method, err)
	}

	timeout := t.opts.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.done:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s %s: %w", t.name, method, resp.Error)
		}
		return resp.Result, nil
	case err := <-pr.fail:
		return nil, err
	case <-timer.C:
		t.removePending(key)
		return nil, faults.Timeoutf("%s: %s after %s", t.name, method, timeout)
	case <-ctx.Done():
		t.removePending(key)
		return nil, ctx.Err()
	}
}

func (t *Transport) notify(method string, params any) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeFrame(n)
}

// writeFrame marshals one message and writes it as a single line.
func (t *Transport) writeFrame(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *Transport) removePending(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	metrics.SetInflight(t.name, len(t.pending))
	t.mu.Unlock()
}

// readLoop is the sole reader of the child's stdout and the sole writer
// of pending completions. Malformed frames and unknown ids are logged
// and skipped; only stream closure ends the loop.
func (t *Transport) readLoop() {
	sc := bufio.NewScanner(t.r)
	sc.Buffer(make([]byte, initialScanBuf), maxScanBuf)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("dropping malformed frame", "server", t.name, "error", err)
			continue
		}
		switch {
		case msg.IsResponse():
			t.resolve(msg.AsResponse())
		case msg.IsNotification():
			if t.opts.OnNotification != nil {
				t.opts.OnNotification(msg.Method, msg.Params)
			}
		default:
			// Server-to-client requests are not supported by this core.
			slog.Warn("ignoring server request", "server", t.name, "method", msg.Method)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	t.shutdown(faults.ConnectionLostf("%s: %v", t.name, err))
}

func (t *Transport) resolve(resp *protocol.Response) {
	key := resp.ID.Key()
	t.mu.Lock()
	pr, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
		metrics.SetInflight(t.name, len(t.pending))
	}
	t.mu.Unlock()
	if !ok {
		slog.Warn("response for unknown request id", "server", t.name, "id", resp.ID.String())
		return
	}
	pr.done <- resp
}

// shutdown fails every pending request with err and flips connected.
// It runs at most once; later calls are no-ops.
func (t *Transport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.closed = true
		orphans := t.pending
		t.pending = make(map[string]*pendingRequest)
		metrics.SetInflight(t.name, 0)
		t.mu.Unlock()

		for _, pr := range orphans {
			pr.fail <- err
		}
		if len(orphans) > 0 {
			slog.Warn("failed pending requests on transport loss",
				"server", t.name, "count", len(orphans))
		}
		if t.opts.OnClose != nil {
			t.opts.OnClose(err)
		}
	})
}

// Close tears the transport down: best-effort close of the underlying
// streams, every pending request failed with a connection-closed error.
// Idempotent and never returns an error.
func (t *Transport) Close() {
	t.shutdown(faults.ConnectionLostf("%s: transport closed", t.name))
	if c, ok := t.w.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := t.r.(io.Closer); ok {
		_ = c.Close()
	}
}
