package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/mcpherd/internal/faults"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

// fixed-clock breaker for deterministic recovery-window tests
func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := New("op", Config{FailureThreshold: threshold, RecoveryTimeout: recovery})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensOnThresholdConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if b.State() != Closed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	// A success in between resets the count.
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("success: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	if b.State() != Open {
		t.Fatalf("breaker should be open after 3 consecutive failures")
	}
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	b, now := newTestBreaker(2, 100*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	if b.State() != Open {
		t.Fatalf("expected open")
	}

	// t=50ms: rejected, body never runs.
	*now = now.Add(50 * time.Millisecond)
	invoked := false
	err := b.Execute(ctx, func(context.Context) error { invoked = true; return nil })
	if !errors.Is(err, faults.ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatalf("operation body ran while breaker was open")
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(2, 100*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)

	// t=150ms: probe allowed, success closes and resets the count.
	*now = now.Add(150 * time.Millisecond)
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("success probe should close the breaker")
	}
	// Failure count reset: a single failure must not reopen.
	_ = b.Execute(ctx, failing)
	if b.State() != Closed {
		t.Fatalf("failure count was not reset on close")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(2, 100*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)

	*now = now.Add(150 * time.Millisecond)
	if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Open {
		t.Fatalf("failed probe should reopen")
	}

	// Recovery clock restarted: still rejected 50ms later.
	*now = now.Add(50 * time.Millisecond)
	if err := b.Execute(ctx, succeeding); !errors.Is(err, faults.ErrCircuitOpen) {
		t.Fatalf("recovery clock was not restarted: %v", err)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	*now = now.Add(20 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted
	// While the probe is in flight, further calls are rejected.
	if err := b.Execute(ctx, succeeding); !errors.Is(err, faults.ErrCircuitOpen) {
		t.Fatalf("second half-open call should be rejected, got %v", err)
	}
	close(release)
}

func TestRegistryKeysIndependent(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = r.Get("broken").Execute(ctx, failing)
	if r.Get("broken").State() != Open {
		t.Fatalf("expected broken key open")
	}
	if err := r.Get("healthy").Execute(ctx, succeeding); err != nil {
		t.Fatalf("unrelated key affected: %v", err)
	}
	if r.Get("broken") != r.Get("broken") {
		t.Fatalf("registry must return the same breaker per key")
	}
}
