// Package supervisor owns the registry of managed MCP servers. Each
// entry couples a process spec, its current child process, and the
// transport speaking MCP over the child's pipes. The supervisor
// restarts crashed servers with bounded exponential backoff and marks
// them failed once the restart budget is spent.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mcpherd/internal/faults"
	"github.com/loykin/mcpherd/internal/history"
	"github.com/loykin/mcpherd/internal/metrics"
	"github.com/loykin/mcpherd/internal/process"
	"github.com/loykin/mcpherd/internal/transport"
)

// Status is the externally visible state of one managed server.
type Status struct {
	process.Status
	Connected bool   `json:"connected"`
	Failed    bool   `json:"failed"`
	RunID     string `json:"run_id,omitempty"`
}

// Options configure a Supervisor.
type Options struct {
	// Transport is the base options applied to every server's transport.
	Transport transport.Options
	// History receives lifecycle events. Optional.
	History *history.Recorder
	// StopWait bounds graceful termination before SIGKILL.
	StopWait time.Duration
}

// entry is one managed server. Its mutex serializes lifecycle
// transitions for that name; reads go through snapshots.
type entry struct {
	mu   sync.Mutex
	spec process.Spec

	proc  *process.Process
	tr    *transport.Transport
	runID string
	gen   int // bumped per run so stale watchers stand down

	restarts      int
	failed        bool
	stopRequested bool
}

// Supervisor manages the full set of named servers.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New returns an empty supervisor.
func New(opts Options) *Supervisor {
	if opts.StopWait <= 0 {
		opts.StopWait = 5 * time.Second
	}
	return &Supervisor{opts: opts, entries: make(map[string]*entry)}
}

// Register adds a server definition without starting it. Registering a
// name twice is an error.
func (s *Supervisor) Register(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("supervisor is shut down")
	}
	if _, ok := s.entries[spec.Name]; ok {
		return fmt.Errorf("server %s already registered", spec.Name)
	}
	s.entries[spec.Name] = &entry{spec: spec}
	return nil
}

// Names returns the registered server names.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

func (s *Supervisor) lookup(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %s", faults.ErrNotFound, name)
	}
	return e, nil
}

// StartServer spawns the named server and performs the MCP handshake.
// Starting an already running server is a no-op.
func (s *Supervisor) StartServer(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil && e.proc.Alive() {
		return nil
	}
	e.stopRequested = false
	e.failed = false
	e.restarts = 0
	return s.startLocked(ctx, e)
}

// startLocked launches one run: process, transport, handshake, watcher.
// Caller holds e.mu.
func (s *Supervisor) startLocked(ctx context.Context, e *entry) error {
	p := process.New(e.spec)
	p.SetRestarts(e.restarts)
	if err := p.Start(); err != nil {
		return err
	}

	runID := uuid.NewString()
	tr := transport.New(e.spec.Name, p.Stdin(), p.Stdout(), s.opts.Transport)
	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		_ = p.Stop(s.opts.StopWait)
		return err
	}

	e.proc = p
	e.tr = tr
	e.runID = runID
	e.gen++
	gen := e.gen

	st := p.Snapshot()
	metrics.IncStart(e.spec.Name)
	s.record(history.Event{
		Type: history.EventStart, Server: e.spec.Name,
		PID: st.PID, Restarts: e.restarts, Detail: "run=" + runID,
	})
	slog.Info("server started", "server", e.spec.Name, "pid", st.PID, "run", runID)

	go s.watch(e, p, tr, gen)
	return nil
}

// watch waits for the run to end and applies the restart policy.
func (s *Supervisor) watch(e *entry, p *process.Process, tr *transport.Transport, gen int) {
	<-p.Done()
	tr.Close()

	e.mu.Lock()
	if e.gen != gen {
		// A newer run replaced this one already.
		e.mu.Unlock()
		return
	}
	st := p.Snapshot()
	stopped := e.stopRequested
	e.mu.Unlock()

	if stopped {
		return
	}

	detail := "exited"
	if st.ExitErr != nil {
		detail = st.ExitErr.Error()
	}
	slog.Warn("server exited unexpectedly", "server", e.spec.Name, "pid", st.PID, "detail", detail)
	s.record(history.Event{
		Type: history.EventCrash, Server: e.spec.Name,
		PID: st.PID, Restarts: e.restarts, Detail: detail,
	})

	if e.spec.AutoRestart {
		s.autoRestart(e, gen)
	}
}

// autoRestart retries startLocked with exponential backoff until the
// budget is exhausted, the server is stopped, or a run succeeds.
func (s *Supervisor) autoRestart(e *entry, gen int) {
	for {
		e.mu.Lock()
		if e.gen != gen || e.stopRequested {
			e.mu.Unlock()
			return
		}
		if e.restarts >= e.spec.MaxRestartAttempts {
			e.failed = true
			e.mu.Unlock()
			slog.Error("server restart budget exhausted", "server", e.spec.Name,
				"attempts", e.spec.MaxRestartAttempts)
			s.record(history.Event{
				Type: history.EventCrash, Server: e.spec.Name,
				Restarts: e.spec.MaxRestartAttempts, Detail: "restart budget exhausted",
			})
			return
		}
		attempt := e.restarts
		delay := restartDelay(e.spec.RestartDelay, attempt)
		e.mu.Unlock()

		time.Sleep(delay)

		e.mu.Lock()
		if e.gen != gen || e.stopRequested {
			e.mu.Unlock()
			return
		}
		e.restarts++
		metrics.IncRestart(e.spec.Name)
		err := s.startLocked(context.Background(), e)
		if err == nil {
			restarts := e.restarts
			e.mu.Unlock()
			slog.Info("server restarted", "server", e.spec.Name, "attempt", restarts)
			return
		}
		// startLocked bumps gen only on success; keep retrying this gen.
		e.mu.Unlock()
		slog.Warn("server restart attempt failed", "server", e.spec.Name,
			"attempt", attempt+1, "error", err)
	}
}

// restartDelay doubles per attempt, capped at 30s.
func restartDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// RestartServer stops and relaunches the named server. Each manual
// restart counts against the spec's restart budget; past the budget the
// server is marked failed and ErrRestartLimit is returned until
// ResetServer clears it.
func (s *Supervisor) RestartServer(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failed {
		return fmt.Errorf("%w: server %s is marked failed", faults.ErrRestartLimit, name)
	}
	if e.restarts >= e.spec.MaxRestartAttempts {
		e.failed = true
		return fmt.Errorf("%w: server %s exceeded %d restarts",
			faults.ErrRestartLimit, name, e.spec.MaxRestartAttempts)
	}

	s.stopRunLocked(e)
	e.stopRequested = false
	e.restarts++
	metrics.IncRestart(name)
	s.record(history.Event{
		Type: history.EventRestart, Server: name, Restarts: e.restarts,
	})
	return s.startLocked(ctx, e)
}

// ResetServer clears the failed flag and restart counter so the server
// may be started again.
func (s *Supervisor) ResetServer(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.failed = false
	e.restarts = 0
	e.mu.Unlock()
	return nil
}

// StopServer terminates the named server. Stopping a server that is not
// running is a no-op.
func (s *Supervisor) StopServer(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		e.stopRequested = true
		return nil
	}
	pid := e.proc.Snapshot().PID
	s.stopRunLocked(e)
	metrics.IncStop(name)
	s.record(history.Event{
		Type: history.EventStop, Server: name, PID: pid, Restarts: e.restarts,
	})
	slog.Info("server stopped", "server", name)
	return nil
}

// stopRunLocked tears down the current run. Caller holds e.mu.
func (s *Supervisor) stopRunLocked(e *entry) {
	e.stopRequested = true
	e.gen++ // orphan the old watcher
	if e.tr != nil {
		e.tr.Close()
		e.tr = nil
	}
	if e.proc != nil {
		_ = e.proc.Stop(s.opts.StopWait)
	}
}

// StopAll stops every registered server and refuses further starts.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.closed = true
	entries := make([]*entry, 0, len(s.entries))
	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		entries = append(entries, e)
		names = append(names, name)
	}
	s.mu.Unlock()
	for i, e := range entries {
		e.mu.Lock()
		running := e.proc != nil && e.proc.Alive()
		s.stopRunLocked(e)
		e.mu.Unlock()
		if running {
			metrics.IncStop(names[i])
			s.record(history.Event{Type: history.EventStop, Server: names[i]})
		}
	}
	if s.opts.History != nil {
		s.opts.History.Close()
	}
}

// Transport returns the live transport for the named server, or an
// error when the server is unknown, failed, or not connected.
func (s *Supervisor) Transport(name string) (*transport.Transport, error) {
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return nil, fmt.Errorf("%w: server %s is marked failed", faults.ErrRestartLimit, name)
	}
	if e.tr == nil || !e.tr.Connected() {
		return nil, faults.Connectionf("server %s is not connected", name)
	}
	return e.tr, nil
}

// HealthCheck probes the named server: an MCP ping when the session is
// up, falling back to OS-level liveness of the child.
func (s *Supervisor) HealthCheck(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	tr := e.tr
	p := e.proc
	e.mu.Unlock()

	if tr != nil && tr.Connected() {
		return tr.Ping(ctx)
	}
	if p != nil && p.Alive() {
		return faults.Connectionf("server %s process is alive but the session is down", name)
	}
	return faults.ConnectionLostf("server %s is not running", name)
}

// Status reports one server's state.
func (s *Supervisor) Status(name string) (Status, error) {
	e, err := s.lookup(name)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Failed: e.failed, RunID: e.runID}
	if e.proc != nil {
		st.Status = e.proc.Snapshot()
	}
	st.Name = e.spec.Name
	st.Restarts = e.restarts
	if e.tr != nil {
		st.Connected = e.tr.Connected()
	}
	return st, nil
}

// Statuses reports every server's state.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0)
	for _, name := range s.Names() {
		if st, err := s.Status(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (s *Supervisor) record(e history.Event) {
	if s.opts.History == nil {
		return
	}
	s.opts.History.Record(context.Background(), e)
}
