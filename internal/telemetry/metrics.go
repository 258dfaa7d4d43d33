package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the registration API.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "npcloud",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// SchedulerEnqueuedTotal counts deliveries enqueued by the scheduler tick.
var SchedulerEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "npcloud",
		Subsystem: "scheduler",
		Name:      "enqueued_total",
		Help:      "Total number of deliveries enqueued by the scheduler tick, by source.",
	},
	[]string{"source"},
)

// SchedulerTickDuration tracks scheduler tick wall-clock duration.
var SchedulerTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "npcloud",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Scheduler tick duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// SlotReservationFailedTotal counts reservation attempts that exhausted the lookahead window.
var SlotReservationFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "npcloud",
		Subsystem: "slot",
		Name:      "reservation_failed_total",
		Help:      "Total number of slot reservations that failed to find capacity within the lookahead window.",
	},
	[]string{"source"},
)

// DeliveriesTotal counts delivery outcomes by terminal/non-terminal status.
var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "npcloud",
		Subsystem: "delivery",
		Name:      "outcomes_total",
		Help:      "Total number of delivery attempts by outcome.",
	},
	[]string{"outcome", "error_code"},
)

// DispatchDuration tracks the outbound HTTP call latency to instances.
var DispatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "npcloud",
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Outbound dispatch call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// MaintenanceRunsTotal counts maintenance sweeps.
var MaintenanceRunsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "npcloud",
		Subsystem: "maintenance",
		Name:      "runs_total",
		Help:      "Total number of maintenance sweeps performed.",
	},
)

// All returns all npcloud-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		SchedulerEnqueuedTotal,
		SchedulerTickDuration,
		SlotReservationFailedTotal,
		DeliveriesTotal,
		DispatchDuration,
		MaintenanceRunsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and the service-specific collectors passed as arguments (pass All() to
// include HTTPRequestDuration and the other npcloud metrics).
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
