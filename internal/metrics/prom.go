package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "syncbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	peerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncbridge_peer_connected",
			Help: "Whether an authenticated extension connection is present",
		},
	)

	peerConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_peer_connections_total",
			Help: "Extension connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_calls_total",
			Help: "Calls issued to the extension by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncbridge_call_duration_seconds",
			Help:    "Time from issuing a call to its settlement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncbridge_pending_calls",
			Help: "Calls awaiting a result",
		},
	)

	staleResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncbridge_stale_results_total",
			Help: "Results received for unknown or already settled calls",
		},
	)

	uploadChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_upload_chunks_total",
			Help: "Upload chunks sent by outcome",
		},
		[]string{"outcome"},
	)

	uploadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_upload_bytes_total",
			Help: "Raw payload bytes delivered through chunked uploads",
		},
		[]string{"tag"},
	)

	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_uploads_total",
			Help: "Chunked uploads by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, peerConnected, peerConnections, calls, callDuration, pendingCalls, staleResults, uploadChunks, uploadBytes, uploads)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetPeerConnected records whether an extension is connected.
func SetPeerConnected(connected bool) {
	if connected {
		peerConnected.Set(1)
		return
	}
	peerConnected.Set(0)
}

// RecordPeerConnection counts a connection attempt. Typical outcomes are
// "accepted", "unauthorized", "replaced" and "throttled".
func RecordPeerConnection(outcome string) {
	peerConnections.WithLabelValues(outcome).Inc()
}

// RecordCall counts a settled call and observes its duration.
func RecordCall(method, outcome string, d time.Duration) {
	calls.WithLabelValues(method, outcome).Inc()
	callDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetPendingCalls records the size of the pending table.
func SetPendingCalls(n int) {
	pendingCalls.Set(float64(n))
}

// RecordStaleResult counts a result that matched no pending call.
func RecordStaleResult() {
	staleResults.Inc()
}

// RecordUploadChunk counts one chunk call.
func RecordUploadChunk(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	uploadChunks.WithLabelValues(outcome).Inc()
}

// RecordUpload counts a finished upload and, on success, its size.
func RecordUpload(tag string, n int, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	uploads.WithLabelValues(outcome).Inc()
	if success {
		uploadBytes.WithLabelValues(tag).Add(float64(n))
	}
}
