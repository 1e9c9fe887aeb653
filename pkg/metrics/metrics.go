// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"strconv"
	"time"

	"github.com/absmach/liverelay/pkg/breaker"
	"github.com/absmach/liverelay/pkg/frame"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "liverelay"

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesTotal *prometheus.CounterVec
	FrameSize   *prometheus.HistogramVec

	// Auth metrics
	AuthAttempts prometheus.Counter
	AuthFailures *prometheus.CounterVec

	// Upstream metrics
	UpstreamConnectDuration prometheus.Histogram
	UpstreamErrors          *prometheus.CounterVec
	CircuitBreakerState     prometheus.Gauge
	CircuitBreakerTrips     prometheus.Counter

	// Rate limiter metrics
	RateLimited *prometheus.CounterVec

	// Handler hook metrics
	HookDuration *prometheus.HistogramVec
}

// New registers the relay metrics with reg. A nil reg uses the default
// Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions currently relaying",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of finished sessions by close code",
			},
			[]string{"code"},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of forwarded frames",
			},
			[]string{"direction", "kind"},
		),
		FrameSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_size_bytes",
				Help:      "Forwarded frame size in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
			[]string{"direction"},
		),
		AuthAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of authentication attempts",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of authentication failures",
			},
			[]string{"reason"},
		),
		UpstreamConnectDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_connect_duration_seconds",
				Help:      "Time to open the upstream connection and send the setup frame",
				Buckets:   prometheus.DefBuckets,
			},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of failed upstream connection attempts",
			},
			[]string{"reason"},
		),
		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of upstream circuit breaker trips",
			},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of sessions rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
		HookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_duration_seconds",
				Help:      "Handler hook duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"hook"},
		),
	}
}

// ObserveFrame records one forwarded frame.
func (m *Metrics) ObserveFrame(dir frame.Direction, f frame.Frame) {
	m.FramesTotal.WithLabelValues(dir.String(), f.Kind.String()).Inc()
	m.FrameSize.WithLabelValues(dir.String()).Observe(float64(f.Size()))
}

// ObserveSession tracks a session lifecycle. fn returns the close code the
// session ended with.
func (m *Metrics) ObserveSession(fn func() int) {
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	code := fn()

	m.SessionDuration.Observe(time.Since(start).Seconds())
	m.SessionsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveBreaker mirrors the circuit breaker state.
func (m *Metrics) ObserveBreaker(from, to breaker.State) {
	m.CircuitBreakerState.Set(float64(stateValue(to)))
	if to == breaker.StateOpen && from != breaker.StateOpen {
		m.CircuitBreakerTrips.Inc()
	}
}

func stateValue(s breaker.State) int {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
