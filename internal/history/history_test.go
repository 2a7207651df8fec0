package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestRecorderFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	r := NewRecorder(a, b)

	r.Record(context.Background(), Event{Type: EventStart, Server: "fs", PID: 42})

	for i, s := range []*captureSink{a, b} {
		if len(s.events) != 1 {
			t.Fatalf("sink %d got %d events", i, len(s.events))
		}
		if s.events[0].Server != "fs" || s.events[0].Type != EventStart {
			t.Fatalf("sink %d event %+v", i, s.events[0])
		}
		if s.events[0].OccurredAt.IsZero() {
			t.Fatalf("sink %d missing timestamp", i)
		}
	}
}

func TestRecorderSinkFailureIsolated(t *testing.T) {
	bad := &captureSink{err: errors.New("sink down")}
	good := &captureSink{}
	r := NewRecorder(bad, good)

	r.Record(context.Background(), Event{Type: EventCrash, Server: "browser"})

	if len(good.events) != 1 {
		t.Fatalf("healthy sink should still receive the event")
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventStop, Server: "x"})
	r.Close()
}

func TestRecorderPreservesExplicitTimestamp(t *testing.T) {
	s := &captureSink{}
	r := NewRecorder(s)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.Record(context.Background(), Event{Type: EventRestart, Server: "fs", OccurredAt: at})
	if !s.events[0].OccurredAt.Equal(at) {
		t.Fatalf("timestamp rewritten: %v", s.events[0].OccurredAt)
	}
}

func TestRecorderCloseClosesSinks(t *testing.T) {
	s := &captureSink{}
	r := NewRecorder(s)
	r.Close()
	if !s.closed {
		t.Fatalf("sink not closed")
	}
	// Recording after Close is a no-op, not a panic.
	r.Record(context.Background(), Event{Type: EventStop, Server: "fs"})
	if len(s.events) != 0 {
		t.Fatalf("event recorded after close")
	}
}
