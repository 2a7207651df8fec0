// Package metrics exposes Prometheus collectors for the client core.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Remote calls by operation key and outcome.",
		}, []string{"operation", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcpherd",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Wall time of remote calls including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"},
	)
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Retry attempts beyond the first, per operation key.",
		}, []string{"operation"},
	)
	inflightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpherd",
			Subsystem: "transport",
			Name:      "inflight_requests",
			Help:      "Requests awaiting a response per server.",
		}, []string{"server"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"key", "from", "to"},
	)
	breakerRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "breaker",
			Name:      "rejected_total",
			Help:      "Calls refused while a breaker was open.",
		}, []string{"key"},
	)
	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Successful server process spawns.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Supervisor-triggered restarts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpherd",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Server process exits, graceful or not.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		callsTotal, callDuration, retriesTotal, inflightRequests,
		breakerTransitions, breakerRejected,
		processStarts, processRestarts, processStops,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncCall(operation, outcome string) {
	if regOK.Load() {
		callsTotal.WithLabelValues(operation, outcome).Inc()
	}
}
func ObserveCallDuration(operation string, seconds float64) {
	if regOK.Load() {
		callDuration.WithLabelValues(operation).Observe(seconds)
	}
}
func IncRetry(operation string) {
	if regOK.Load() {
		retriesTotal.WithLabelValues(operation).Inc()
	}
}
func SetInflight(server string, n int) {
	if regOK.Load() {
		inflightRequests.WithLabelValues(server).Set(float64(n))
	}
}
func IncBreakerTransition(key, from, to string) {
	if regOK.Load() {
		breakerTransitions.WithLabelValues(key, from, to).Inc()
	}
}
func IncBreakerRejected(key string) {
	if regOK.Load() {
		breakerRejected.WithLabelValues(key).Inc()
	}
}
func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}
