// Package metrics exposes Prometheus instrumentation for the dispatch
// engine and runs the standalone metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Counter for admitted jobs, by priority lane.
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs admitted to the queue",
		},
		[]string{"priority"},
	)

	// Counter for job outcomes.
	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	})

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job failures, by reason",
		},
		[]string{"reason"},
	)

	JobsDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dlq_total",
		Help: "Total number of jobs moved to the dead letter queue",
	})

	JobsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of jobs re-enqueued for retry",
	})

	JobsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled while pending",
	})

	// Gauge for lane depths.
	LaneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_lane_depth",
			Help: "Current number of jobs waiting in each priority lane",
		},
		[]string{"priority"},
	)

	InFlightJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "in_flight_jobs",
		Help: "Current number of jobs assigned to workers",
	})

	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlq_size",
		Help: "Current number of jobs in the dead letter queue",
	})

	// Histogram for end-to-end processing time of completed jobs.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Time between dispatch and completion of a job",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	})

	// Histogram for queue latency (enqueue to dispatch).
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_dispatch_latency_seconds",
			Help:    "Time a job waited in its lane before dispatch",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		},
		[]string{"priority"},
	)

	// Gauge for live worker sessions by status.
	ExtensionSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "extension_sessions",
			Help: "Number of worker sessions by status",
		},
		[]string{"status"},
	)

	// Counters for wire frames.
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_received_total",
			Help: "Total inbound frames, by type",
		},
		[]string{"type"},
	)

	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_sent_total",
			Help: "Total outbound frames, by type",
		},
		[]string{"type"},
	)

	// Counter for operations blocked by a rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total operations blocked by a rate limiter, by surface",
		},
		[]string{"surface"}, // "dispatch" or "edge"
	)

	// Counter for failovers.
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failovers_total",
			Help: "Total in-flight jobs recovered from dead sessions, by outcome",
		},
		[]string{"outcome"}, // "rebound" or "requeued"
	)

	// Counter for errors by component.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// Histogram for HTTP handler latency.
	ResponseTimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "HTTP endpoint response time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// Counter for lifecycle events handed to the Kafka producer.
	KafkaEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_events_total",
			Help: "Total lifecycle events processed by the Kafka publisher, by status",
		},
		[]string{"status"}, // "sent", "delivered", "failed"
	)
)

// RecordError increments the error counter for a component.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetLaneDepth updates the lane depth gauge for one priority.
func SetLaneDepth(priority string, depth int) {
	LaneDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordFrameReceived counts one inbound frame.
func RecordFrameReceived(frameType string) {
	FramesReceivedTotal.WithLabelValues(frameType).Inc()
}

// RecordFrameSent counts one outbound frame.
func RecordFrameSent(frameType string) {
	FramesSentTotal.WithLabelValues(frameType).Inc()
}

// MetricsServer serves the Prometheus scrape endpoint on its own port.
type MetricsServer struct {
	server *http.Server
	logger *logrus.Logger
}

// NewMetricsServer creates the scrape endpoint listener.
func NewMetricsServer(addr, path string, logger *logrus.Logger) *MetricsServer {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in a background goroutine.
func (ms *MetricsServer) Start() {
	ms.logger.WithField("addr", ms.server.Addr).Info("Starting metrics server")
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.WithError(err).Error("Metrics server stopped with error")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	if err := ms.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
