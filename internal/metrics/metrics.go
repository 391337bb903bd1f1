// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "recap"
	subsystem = "gateway"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "uploads_total",
			Help:      "Uploads by path (direct, resumable) and outcome",
		},
		[]string{"path", "file_type", "status"},
	)

	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "upload_bytes_total",
			Help:      "Total bytes of confirmed uploads",
		},
		[]string{"file_type"},
	)

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_transitions_total",
			Help:      "Processing job status transitions",
		},
		[]string{"from", "to"},
	)

	OutboxDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by kind and outcome (delivered, retry, dead)",
		},
		[]string{"kind", "outcome"},
	)

	OutboxDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_delivery_duration_seconds",
			Help:      "Outbox delivery duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_breaker_requests_total",
			Help:      "Requests through circuit breakers by result (success, failure, rejected)",
		},
		[]string{"name", "result"},
	)

	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "maintenance_runs_total",
			Help:      "Scheduled maintenance runs by task and status",
		},
		[]string{"task", "status"},
	)

	OutboxMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_messages",
			Help:      "Outbox messages by status at the last maintenance sweep",
		},
		[]string{"status"},
	)
)

// RecordRequest records one served HTTP request.
func RecordRequest(method, route string, status int, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordUpload records an upload attempt. Bytes are only counted on success.
func RecordUpload(path, fileType string, size int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	UploadsTotal.WithLabelValues(path, fileType, status).Inc()
	if err == nil && size > 0 {
		UploadBytesTotal.WithLabelValues(fileType).Add(float64(size))
	}
}

func RecordJobTransition(from, to string) {
	JobTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordOutboxDelivery(kind, outcome string, elapsed time.Duration) {
	OutboxDeliveriesTotal.WithLabelValues(kind, outcome).Inc()
	OutboxDeliveryDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func RecordMaintenanceRun(task string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	MaintenanceRunsTotal.WithLabelValues(task, status).Inc()
}

// SetOutboxBacklog publishes the outbox row counts per status.
func SetOutboxBacklog(counts map[string]int64) {
	OutboxMessages.Reset()
	for status, n := range counts {
		OutboxMessages.WithLabelValues(status).Set(float64(n))
	}
}
