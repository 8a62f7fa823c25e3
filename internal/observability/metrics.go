package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	ClientsActive   prometheus.Gauge
	JoinsTotal      *prometheus.CounterVec
	SessionsExpired prometheus.Counter

	// Broker metrics
	EventsTotal       *prometheus.CounterVec
	EventDuration     prometheus.Histogram
	AuthFailuresTotal *prometheus.CounterVec
	BroadcastsTotal   *prometheus.CounterVec

	// Store metrics
	ChunksPersistedTotal  prometheus.Counter
	BytesPersistedTotal   prometheus.Counter
	ContentCompletedTotal prometheus.Counter
	ContentRemovedTotal   *prometheus.CounterVec
	DatabaseOperations    *prometheus.CounterVec
	ChunkWriteDuration    prometheus.Histogram

	// Download metrics
	DownloadsTotal     *prometheus.CounterVec
	DownloadBytesTotal prometheus.Counter
	DownloadDuration   prometheus.Histogram

	// Connection metrics
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	// Active connections counter (atomic for thread-safety)
	activeConnections int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "veildrop_sessions_active",
				Help: "Currently active sessions",
			},
		),

		ClientsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "veildrop_clients_active",
				Help: "Currently connected session members",
			},
		),

		JoinsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_joins_total",
				Help: "Session join attempts",
			},
			[]string{"result"},
		),

		SessionsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veildrop_sessions_expired_total",
				Help: "Idle sessions removed by the expiry sweep",
			},
		),

		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_events_total",
				Help: "Realtime events processed",
			},
			[]string{"event", "result"},
		),

		EventDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "veildrop_event_duration_seconds",
				Help:    "Event handler latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),

		AuthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_auth_failures_total",
				Help: "Middleware authentication rejections",
			},
			[]string{"reason"},
		),

		BroadcastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_broadcasts_total",
				Help: "Events fanned out to session rooms",
			},
			[]string{"event"},
		),

		ChunksPersistedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veildrop_chunks_persisted_total",
				Help: "Encrypted chunks written to storage",
			},
		),

		BytesPersistedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veildrop_bytes_persisted_total",
				Help: "Encrypted payload bytes written to storage",
			},
		),

		ContentCompletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veildrop_content_completed_total",
				Help: "Content items marked complete",
			},
		),

		ContentRemovedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_content_removed_total",
				Help: "Content items deleted",
			},
			[]string{"reason"},
		),

		DatabaseOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_database_operations_total",
				Help: "Metadata database operation count",
			},
			[]string{"operation", "result"},
		),

		ChunkWriteDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "veildrop_chunk_write_duration_seconds",
				Help:    "Chunk persistence latency",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
		),

		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_downloads_total",
				Help: "Download requests",
			},
			[]string{"result"},
		),

		DownloadBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veildrop_download_bytes_total",
				Help: "Bytes streamed through the download endpoint",
			},
		),

		DownloadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "veildrop_download_duration_seconds",
				Help:    "Download stream duration",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veildrop_connections_total",
				Help: "WebSocket connection attempts",
			},
			[]string{"result"},
		),

		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "veildrop_connections_active",
				Help: "Active WebSocket connections",
			},
		),
	}

	return m
}

// RecordJoin increments join counters.
func (m *Metrics) RecordJoin(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.JoinsTotal.WithLabelValues(result).Inc()
}

// RecordEvent records a processed event and its handler latency.
func (m *Metrics) RecordEvent(event string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.EventsTotal.WithLabelValues(event, result).Inc()
	m.EventDuration.Observe(durationSeconds)
}

// RecordAuthFailure increments middleware rejection counters.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordBroadcast increments fan-out counters.
func (m *Metrics) RecordBroadcast(event string) {
	m.BroadcastsTotal.WithLabelValues(event).Inc()
}

// RecordChunkPersisted updates metrics for a stored chunk.
func (m *Metrics) RecordChunkPersisted(bytes int, durationSeconds float64) {
	m.ChunksPersistedTotal.Inc()
	m.BytesPersistedTotal.Add(float64(bytes))
	m.ChunkWriteDuration.Observe(durationSeconds)
}

// RecordContentComplete increments completion counters.
func (m *Metrics) RecordContentComplete() {
	m.ContentCompletedTotal.Inc()
}

// RecordContentRemoved increments removal counters.
func (m *Metrics) RecordContentRemoved(reason string, count int) {
	m.ContentRemovedTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordDatabaseOperation increments metadata database counters.
func (m *Metrics) RecordDatabaseOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.DatabaseOperations.WithLabelValues(operation, result).Inc()
}

// RecordDownload records a finished download attempt.
func (m *Metrics) RecordDownload(result string, bytes int64, durationSeconds float64) {
	m.DownloadsTotal.WithLabelValues(result).Inc()
	m.DownloadBytesTotal.Add(float64(bytes))
	m.DownloadDuration.Observe(durationSeconds)
}

// RecordConnection logs WebSocket connection attempts.
func (m *Metrics) RecordConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		atomic.AddInt64(&m.activeConnections, 1)
		m.ConnectionsActive.Set(float64(atomic.LoadInt64(&m.activeConnections)))
	}
}

// RecordConnectionClose updates metrics for closed connections.
func (m *Metrics) RecordConnectionClose() {
	atomic.AddInt64(&m.activeConnections, -1)
	m.ConnectionsActive.Set(float64(atomic.LoadInt64(&m.activeConnections)))
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
