package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_events_received_total",
			Help: "Total number of storage notifications received (count)",
		},
		[]string{"source"},
	)

	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_events_rejected_total",
			Help: "Total number of notifications rejected at envelope construction (count)",
		},
		[]string{"source"},
	)

	DispatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_dispatch_outcomes_total",
			Help: "Total number of dispatches by outcome (count)",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketflow_dispatch_duration_ms",
			Help:    "End-to-end dispatch duration including retries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000, 120000},
		},
		[]string{"outcome"},
	)

	RouteDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_route_deliveries_total",
			Help: "Total number of route deliveries by terminal state (count)",
		},
		[]string{"handler", "state"},
	)

	HandlerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_handler_invocations_total",
			Help: "Total number of handler invocations (count)",
		},
		[]string{"handler", "status"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketflow_handler_duration_ms",
			Help:    "Handler invocation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"handler"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_retry_attempts_total",
			Help: "Total number of scheduled retries (count)",
		},
		[]string{"handler"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_dead_letters_total",
			Help: "Total number of dead-lettered deliveries (count)",
		},
		[]string{"handler", "reason"},
	)

	DeadLetterSinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_dead_letter_sink_errors_total",
			Help: "Total number of failed dead-letter sink writes (count)",
		},
		[]string{"sink"},
	)

	DedupeChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_dedupe_checks_total",
			Help: "Total number of dedupe checks by result (count)",
		},
		[]string{"result"},
	)

	DedupeCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketflow_dedupe_check_duration_ms",
			Help:    "Dedupe check duration in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"backend"},
	)

	DedupeRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketflow_dedupe_records",
			Help: "Number of dedupe records currently held (count)",
		},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"component", "strategy"},
	)

	ActiveRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketflow_active_routes",
			Help: "Number of routes in the current table (count)",
		},
	)

	RouteReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_route_reloads_total",
			Help: "Total number of route table reload attempts (count)",
		},
		[]string{"status"},
	)

	InFlightDispatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketflow_in_flight_dispatches",
			Help: "Number of dispatches currently running (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bucketflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketflow_kafka_commits_total",
			Help: "Total number of Kafka offset commits (count)",
		},
		[]string{"topic", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsReceivedTotal,
			EventsRejectedTotal,
			DispatchOutcomesTotal,
			DispatchDuration,
			RouteDeliveriesTotal,
			HandlerInvocationsTotal,
			HandlerDuration,
			RetryAttemptsTotal,
			DeadLettersTotal,
			DeadLetterSinkErrorsTotal,
			DedupeChecksTotal,
			DedupeCheckDuration,
			DedupeRecords,
			FallbackUsageTotal,
			ActiveRoutes,
			RouteReloadsTotal,
			InFlightDispatches,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			KafkaCommitsTotal,
		)
	})
}

func ObserveDispatchDuration(duration time.Duration, outcome string) {
	DispatchDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func ObserveHandlerDuration(handler string, duration time.Duration) {
	HandlerDuration.WithLabelValues(handler).Observe(float64(duration.Milliseconds()))
}

func ObserveDedupeDuration(backend string, duration time.Duration) {
	DedupeCheckDuration.WithLabelValues(backend).Observe(float64(duration.Microseconds()) / 1000)
}

func SetDedupeRecords(size int) {
	DedupeRecords.Set(float64(size))
}

func SetActiveRoutes(count int) {
	ActiveRoutes.Set(float64(count))
}
