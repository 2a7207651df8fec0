// Package retry runs fallible operations with exponential backoff and
// jitter. Failure classification decides which errors are worth another
// attempt; everything else propagates on the first try.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/loykin/mcpherd/internal/faults"
	"github.com/loykin/mcpherd/internal/metrics"
)

// Config controls the retry schedule.
type Config struct {
	MaxAttempts  int           // total attempts, not additional retries; min 1
	BaseDelay    time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single backoff sleep
	JitterFactor float64       // 0..1, uniform extra fraction of the delay
	// Retryable classifies errors; nil selects faults.Retryable.
	Retryable func(error) bool
}

// DefaultConfig matches the per-call defaults of the reliability layer.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// Executor retries operations according to its Config. Safe for
// concurrent use; it holds no per-call state.
type Executor struct {
	cfg Config

	sleep func(context.Context, time.Duration) error // test hook
	randf func() float64                             // test hook
}

// New returns an executor, normalizing out-of-range config values.
func New(cfg Config) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = faults.Retryable
	}
	return &Executor{cfg: cfg, sleep: sleepCtx, randf: rand.Float64}
}

// Do invokes op up to MaxAttempts times. Non-retryable failures and the
// final retryable failure propagate unchanged.
func (e *Executor) Do(ctx context.Context, operation string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !e.cfg.Retryable(err) {
			return err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := e.backoff(attempt)
		slog.Debug("retrying operation", "operation", operation, "attempt", attempt, "delay", delay, "error", err)
		metrics.IncRetry(operation)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return lastErr
}

// backoff computes min(base * 2^(attempt-1) * (1 + jitter), max) with
// jitter drawn uniformly from [0, JitterFactor].
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseDelay << uint(attempt-1)
	if d <= 0 || d > e.cfg.MaxDelay {
		// shift overflow or past the cap
		return e.cfg.MaxDelay
	}
	jitter := 1 + e.randf()*e.cfg.JitterFactor
	d = time.Duration(float64(d) * jitter)
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
