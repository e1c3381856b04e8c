package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Eviction reasons used as the reason label of WorkersEvictedTotal.
const (
	ReasonTimeout       = "timeout"
	ReasonClosed        = "closed"
	ReasonSendFailure   = "send_failure"
	ReasonProtocolError = "protocol_error"
	ReasonReplaced      = "replaced"
)

var (
	// WorkersConnected tracks the number of live connection records in the dispatcher registry
	WorkersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loadswarm_workers_connected",
			Help: "Number of workers currently held in the dispatcher registry",
		},
	)

	// WorkersEvictedTotal counts registry removals by reason
	WorkersEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadswarm_workers_evicted_total",
			Help: "Total number of workers removed from the dispatcher registry",
		},
		[]string{"reason"},
	)

	// FramesReceivedTotal counts inbound JSON frames on the dispatcher by message type
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadswarm_frames_received_total",
			Help: "Total number of JSON frames received from workers",
		},
		[]string{"type"},
	)

	// TaskBroadcastsTotal counts /assign_all invocations
	TaskBroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadswarm_task_broadcasts_total",
			Help: "Total number of task broadcasts issued by the dispatcher",
		},
	)

	// TaskDeliveriesTotal counts per-worker task deliveries by result
	TaskDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadswarm_task_deliveries_total",
			Help: "Total number of task deliveries to individual workers",
		},
		[]string{"result"},
	)

	// RequestsTotal counts HTTP requests fired by the load generation pool
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadswarm_requests_total",
			Help: "Total number of load-test requests issued by this worker",
		},
		[]string{"result"},
	)

	// RequestDuration tracks load-test request latency in seconds
	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loadswarm_request_duration_seconds",
			Help:    "Latency of successful load-test requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	// ReconnectsTotal counts worker reconnection attempts by trigger
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadswarm_worker_reconnects_total",
			Help: "Total number of worker reconnection attempts",
		},
		[]string{"trigger"},
	)
)

// RecordEviction decrements the connected gauge and counts the removal
func RecordEviction(reason string) {
	WorkersConnected.Dec()
	WorkersEvictedTotal.WithLabelValues(reason).Inc()
}

// RecordDelivery counts a single task delivery attempt
func RecordDelivery(ok bool) {
	if ok {
		TaskDeliveriesTotal.WithLabelValues("delivered").Inc()
	} else {
		TaskDeliveriesTotal.WithLabelValues("failed").Inc()
	}
}

// RecordRequest counts one load-test request and observes its latency on success
func RecordRequest(success bool, latencySeconds float64) {
	if success {
		RequestsTotal.WithLabelValues("success").Inc()
		RequestDuration.Observe(latencySeconds)
	} else {
		RequestsTotal.WithLabelValues("failure").Inc()
	}
}
