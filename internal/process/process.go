// Package process spawns and terminates MCP server child processes.
// Stdin and stdout are exposed as pipes for the transport layer; stderr
// is captured to rotated log files when configured.
package process

import (
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/mcpherd/internal/faults"
)

// Status is a point-in-time snapshot of one process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   error     `json:"-"`
	Restarts  int       `json:"restarts"`
}

// Process is the mutable runtime state behind one spawned server. It is
// owned by a single supervisor entry; a restart replaces it atomically.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *cmdHandle
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	errCloser io.WriteCloser
	status    Status
	restarts  int
	waitDone  chan struct{} // closed when the monitor reaps the child
}

type cmdHandle struct {
	pid  int
	kill func(sig syscall.Signal)
}

// New returns an unstarted process for the spec.
func New(spec Spec) *Process {
	return &Process{spec: spec, status: Status{Name: spec.Name}}
}

// Spec returns the immutable spec.
func (p *Process) Spec() Spec { return p.spec }

// SetRestarts seeds the restart counter, used when a restart replaces
// the previous Process instance.
func (p *Process) SetRestarts(n int) {
	p.mu.Lock()
	p.restarts = n
	p.status.Restarts = n
	p.mu.Unlock()
}

// Start spawns the child with piped stdin/stdout. Stderr goes to the
// configured capture file, or is discarded. Launch failures (missing
// executable, permission denied) surface as faults.ErrSpawn.
func (p *Process) Start() error {
	cmd := p.spec.BuildCommand()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return faults.Spawnf("%s: stdin pipe: %v", p.spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return faults.Spawnf("%s: stdout pipe: %v", p.spec.Name, err)
	}
	errW, err := p.spec.Log.StderrWriter(p.spec.Name)
	if err != nil {
		return faults.Spawnf("%s: stderr capture: %v", p.spec.Name, err)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		if errW != nil {
			_ = errW.Close()
		}
		return faults.Spawnf("%s: %v", p.spec.Name, err)
	}

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.cmd = &cmdHandle{
		pid:  pid,
		kill: func(sig syscall.Signal) { _ = syscall.Kill(-pid, sig) },
	}
	p.stdin = stdin
	p.stdout = stdout
	p.errCloser = errW
	p.waitDone = make(chan struct{})
	p.status = Status{
		Name:      p.spec.Name,
		Running:   true,
		PID:       pid,
		StartedAt: time.Now(),
		Restarts:  p.restarts,
	}
	done := p.waitDone
	p.mu.Unlock()

	// Single waiter per run: reaps the child and finalizes state.
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		p.status.ExitErr = err
		if p.errCloser != nil {
			_ = p.errCloser.Close()
			p.errCloser = nil
		}
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

// Stdin returns the child's stdin pipe; nil before Start.
func (p *Process) Stdin() io.WriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// Stdout returns the child's stdout pipe; nil before Start.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// Done returns a channel closed when the child has exited and been
// reaped. Nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

// Alive probes OS-level liveness of the child.
func (p *Process) Alive() bool {
	p.mu.Lock()
	cmd := p.cmd
	running := p.status.Running
	p.mu.Unlock()
	if cmd == nil || !running {
		return false
	}
	return syscall.Kill(cmd.pid, 0) == nil
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop terminates the child: SIGTERM to the process group, escalating
// to SIGKILL after wait. Safe to call on a never-started or already
// exited process. Returns the exit error observed by the monitor.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.waitDone
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	// Closing stdin first lets well-behaved servers exit on their own.
	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case <-done:
		// already exited
	default:
		cmd.kill(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(wait):
			cmd.kill(syscall.SIGKILL)
			select {
			case <-done:
			case <-time.After(200 * time.Millisecond):
				// best-effort
			}
		}
	}
	st := p.Snapshot()
	return st.ExitErr
}
