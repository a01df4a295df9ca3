// Package metrics exposes the prometheus collectors for the consumer
// pipeline, registered the same way the teacher's worker service registers
// its execution metrics: package-level promauto vars, referenced directly
// from the stage that owns the event being measured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dequeued counts messages pulled off the remote queue by listeners.
	Dequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowqueue_messages_dequeued_total",
			Help: "Total number of messages dequeued from the remote queue",
		},
	)

	// Acked counts messages the dispatcher has acknowledged.
	Acked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowqueue_messages_acked_total",
			Help: "Total number of messages acknowledged",
		},
	)

	// Nacked counts messages the dispatcher has returned for redelivery.
	Nacked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowqueue_messages_nacked_total",
			Help: "Total number of messages nacked for redelivery",
		},
	)

	// DequeueErrors counts transient Dequeue RPC failures.
	DequeueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowqueue_dequeue_errors_total",
			Help: "Total number of transient dequeue errors",
		},
	)

	// HandlerDuration tracks wall-clock time between a worker invoking the
	// handler and the handler returning control (not the time until the
	// done-channel write, which may happen later on another goroutine).
	HandlerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowqueue_handler_duration_seconds",
			Help:    "Duration of handler invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// WorkersActive tracks the number of worker goroutines currently
	// inside a handler call (bounded by W).
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowqueue_workers_active",
			Help: "Number of worker goroutines currently inside a handler call",
		},
	)

	// InFlight tracks the number of in-flight permits currently held
	// (bounded by M).
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowqueue_in_flight",
			Help: "Number of handler invocations started but not yet acked or nacked",
		},
	)
)
