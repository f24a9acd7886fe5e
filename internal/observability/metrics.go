// Package observability exposes the fabric's prometheus metrics: frame
// traffic, request latency, retries, and breaker transitions.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to engine connections.",
		},
		[]string{"endpoint", "type"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames read from engine connections.",
		},
		[]string{"endpoint", "type"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fabric",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time from submit to result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Retry attempts by cause.",
		},
		[]string{"endpoint", "cause"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "client",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"endpoint", "state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesSent, framesReceived, requestDuration, retries, breakerTransitions)
	})
}

func RecordFrameSent(endpoint, frameType string) {
	RegisterMetrics()
	framesSent.WithLabelValues(endpoint, frameType).Inc()
}

func RecordFrameReceived(endpoint, frameType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(endpoint, frameType).Inc()
}

func RecordRequest(endpoint, status string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

func RecordRetry(endpoint, cause string) {
	RegisterMetrics()
	retries.WithLabelValues(endpoint, cause).Inc()
}

func RecordBreakerTransition(endpoint, state string) {
	RegisterMetrics()
	breakerTransitions.WithLabelValues(endpoint, state).Inc()
}
