// Package telemetry holds the Prometheus collectors and the OpenTelemetry
// tracer shared by the detection pipeline and the HTTP layer.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// Tracer is the engine-wide tracer.
var Tracer = otel.Tracer("kestrel")

var (
	pipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_pipeline_duration_seconds",
		Help:    "Duration of detection pipeline phases in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	feedFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_feed_failures_total",
		Help: "Total number of record feeds that failed or timed out",
	}, []string{"feed"})

	ringsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rings_detected_total",
		Help: "Total number of fraud rings persisted",
	}, []string{"type", "severity"})

	ringsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_rings_skipped_total",
		Help: "Total number of candidate rings skipped as duplicates of an active ring",
	})

	findingsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_findings_total",
		Help: "Total number of analyzer findings",
	}, []string{"analyzer", "severity"})

	droppedEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_dropped_edges_total",
		Help: "Total number of edges discarded for referencing a missing node",
	})

	skippedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_skipped_records_total",
		Help: "Total number of input records skipped as malformed",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObservePhase records how long a pipeline phase took.
func ObservePhase(phase string, d time.Duration) {
	pipelineDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordFeedFailure counts a failed feed.
func RecordFeedFailure(feed string) {
	feedFailures.WithLabelValues(feed).Inc()
}

// RecordRing counts a persisted ring.
func RecordRing(ringType, severity string) {
	ringsDetected.WithLabelValues(ringType, severity).Inc()
}

// RecordSkippedRings counts duplicate candidates.
func RecordSkippedRings(n int) {
	ringsSkipped.Add(float64(n))
}

// RecordFinding counts an analyzer finding.
func RecordFinding(analyzer, severity string) {
	findingsRaised.WithLabelValues(analyzer, severity).Inc()
}

// RecordBuild counts the defects discarded during a graph build.
func RecordBuild(dropped, skipped int) {
	droppedEdges.Add(float64(dropped))
	skippedRecords.Add(float64(skipped))
}

// RecordHTTP records one served request.
func RecordHTTP(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
