// Package history exports server lifecycle events to external systems
// for audit and statistics. Sinks are best-effort: a failing sink never
// blocks or fails the supervisor.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventRestart     EventType = "restart"
	EventCrash       EventType = "crash"
	EventBreakerOpen EventType = "breaker_open"
)

// Event represents one lifecycle event of a managed MCP server.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Server     string    `json:"server"`
	PID        int       `json:"pid"`
	Restarts   int       `json:"restarts"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to zero or more sinks. A nil Recorder is
// valid and records nothing.
type Recorder struct {
	mu    sync.Mutex
	sinks []Sink
}

// NewRecorder returns a recorder over the given sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// Add registers another sink.
func (r *Recorder) Add(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record delivers the event to every sink. Delivery failures are logged
// and swallowed.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed",
				"server", e.Server, "event", string(e.Type), "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer semantics.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
