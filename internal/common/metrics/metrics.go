package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics

	// QueueMessagesReceived tracks messages received from the queue
	QueueMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "queue",
			Name:      "messages_received_total",
			Help:      "Total messages received from the queue",
		},
	)

	// QueueCallRetries tracks transport retries inside the queue adapter
	QueueCallRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "queue",
			Name:      "call_retries_total",
			Help:      "Total queue calls retried after a transport failure",
		},
		[]string{"op"}, // receive, delete, extend_visibility, send
	)

	// QueueTransportErrors tracks queue calls that exhausted their retry budget
	QueueTransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "queue",
			Name:      "transport_errors_total",
			Help:      "Total queue calls that failed after exhausting retries",
		},
		[]string{"op"},
	)

	// QueueDeletes tracks delete results
	QueueDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "queue",
			Name:      "deletes_total",
			Help:      "Total message deletes by result",
		},
		[]string{"result"}, // ok, not_found, error
	)

	// QueueVisibilityExtensions tracks visibility extension results
	QueueVisibilityExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "queue",
			Name:      "visibility_extensions_total",
			Help:      "Total visibility extensions by result",
		},
		[]string{"result"}, // ok, expired, error
	)

	// Dispatcher metrics

	// DispatchInFlight tracks messages currently being processed
	DispatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sqsresolver",
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Number of messages currently being processed",
		},
	)

	// DispatchWorkers tracks the configured pool size
	DispatchWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sqsresolver",
			Subsystem: "dispatch",
			Name:      "workers",
			Help:      "Configured number of concurrent workers",
		},
	)

	// DispatchStuckRecords tracks records running longer than the long-record threshold
	DispatchStuckRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sqsresolver",
			Subsystem: "dispatch",
			Name:      "stuck_records",
			Help:      "Number of in-flight records older than the long-record threshold",
		},
	)

	// DispatchWorkerPanics tracks recovered worker panics
	DispatchWorkerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "dispatch",
			Name:      "worker_panics_total",
			Help:      "Total worker panics recovered",
		},
	)

	// Decoder metrics

	// DecodeErrors tracks malformed messages
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "decoder",
			Name:      "errors_total",
			Help:      "Total messages that failed to decode",
		},
	)

	// Resolver metrics

	// ResolverOutcomes tracks classified outcomes
	ResolverOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "resolver",
			Name:      "outcomes_total",
			Help:      "Total resolution outcomes by kind",
		},
		[]string{"kind"}, // success, retryable, permanent
	)

	// ResolverDuration tracks engine invocation duration
	ResolverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sqsresolver",
			Subsystem: "resolver",
			Name:      "duration_seconds",
			Help:      "Time to resolve a record",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	// Engine metrics

	// EngineHTTPRequests tracks HTTP requests made to the engine
	EngineHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "engine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made to the resolution engine",
		},
		[]string{"status_code", "method"},
	)

	// EngineHTTPDuration tracks HTTP request duration
	EngineHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sqsresolver",
			Subsystem: "engine",
			Name:      "http_duration_seconds",
			Help:      "Engine HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// EngineCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	EngineCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sqsresolver",
			Subsystem: "engine",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// EngineCircuitBreakerTrips tracks circuit breaker trip events
	EngineCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "engine",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"name"},
	)

	// Router metrics

	// RouterActions tracks the fate of each message
	RouterActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "router",
			Name:      "actions_total",
			Help:      "Total routing decisions by action",
		},
		[]string{"action"}, // delete, release, deadletter
	)

	// SinkSends tracks envelopes written to sinks
	SinkSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqsresolver",
			Subsystem: "sink",
			Name:      "sends_total",
			Help:      "Total envelopes sent to sinks",
		},
		[]string{"sink", "kind", "result"}, // result: ok, error
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
