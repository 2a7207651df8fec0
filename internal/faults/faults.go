// Package faults defines the error taxonomy shared by the transport,
// supervisor and reliability layers, together with the default
// retryability classifier.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrConnection means a server process could not be spawned or its
	// handshake failed; the session never became usable.
	ErrConnection = errors.New("connection failed")
	// ErrConnectionLost means the transport died mid-session (EOF,
	// broken pipe, process exit).
	ErrConnectionLost = errors.New("connection lost")
	// ErrTimeout means a single call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrProtocol means a malformed or unexpected message shape.
	ErrProtocol = errors.New("protocol error")
	// ErrCircuitOpen is the fast-fail refusal of an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRestartLimit means the supervisor gave up restarting a server.
	ErrRestartLimit = errors.New("restart limit exceeded")
	// ErrNotFound means the named server was never registered.
	ErrNotFound = errors.New("server not found")
	// ErrSpawn means the executable could not be launched.
	ErrSpawn = errors.New("process spawn failed")
)

// Connectionf wraps ErrConnection with context.
func Connectionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConnection}, args...)...)
}

// ConnectionLostf wraps ErrConnectionLost with context.
func ConnectionLostf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConnectionLost}, args...)...)
}

// Timeoutf wraps ErrTimeout with context.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTimeout}, args...)...)
}

// Protocolf wraps ErrProtocol with context.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}

// Spawnf wraps ErrSpawn with context.
func Spawnf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSpawn}, args...)...)
}

// transientFragments are substrings that mark an otherwise untyped error
// as transient. They cover network failures, throttling status codes and
// flaky automation failures reported by tool servers as plain text.
var transientFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"network",
	"socket",
	"econnreset",
	"epipe",
	"429",
	"502",
	"503",
	"504",
	"too many requests",
	"process crashed",
	"process exited",
	"navigation timeout",
	"element not found",
	"selector not found",
}

// Retryable is the default classifier used by the retry executor.
// Timeouts, lost connections and recognizably transient failures are
// retryable; protocol violations, spawn failures, exhausted restart
// budgets and an open circuit breaker are not. Unknown errors fail fast.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrProtocol),
		errors.Is(err, ErrSpawn),
		errors.Is(err, ErrRestartLimit),
		errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnection),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
