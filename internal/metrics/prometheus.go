// Package metrics exposes Prometheus metrics for uploads, dashboard queries and live clients.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
)

// Upload outcome labels.
const (
	StatusOK             = "ok"
	StatusInvalidInput   = "invalid_input"
	StatusNoValidRecords = "no_valid_records"
	StatusPersistence    = "persistence_error"
	StatusParseError     = "parse_error"
)

// Manager owns a private registry and every collector registered on it.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	registry         *prometheus.Registry

	// Ingestion
	uploads        *prometheus.CounterVec
	rows           *prometheus.CounterVec
	ingestDuration prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Supporting infrastructure
	cacheLookups     *prometheus.CounterVec
	websocketClients prometheus.Gauge
	mqttMessages     *prometheus.CounterVec
}

// NewManager creates a metrics manager on its own registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "beacon",
		subsystem:        "dashboard",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		registry:         prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.uploads = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "uploads_total",
		Help:      "Upload attempts by outcome and detected format",
	}, []string{"status", "format"})

	m.rows = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rows_total",
		Help:      "Input rows by outcome",
	}, []string{"outcome"})

	m.ingestDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "ingest_duration_seconds",
		Help:      "Time spent parsing and persisting one upload",
		Buckets:   m.histogramBuckets,
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.histogramBuckets,
	}, []string{"method", "route"})

	m.cacheLookups = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_lookups_total",
		Help:      "Dashboard view cache lookups by result",
	}, []string{"result"})

	m.websocketClients = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "websocket_clients",
		Help:      "Connected live update clients",
	})

	m.mqttMessages = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "mqtt_messages_total",
		Help:      "MQTT upload messages by outcome",
	}, []string{"status"})
}

// Registry returns the registry all metrics are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIngest implements ingest.Recorder.
func (m *Manager) RecordIngest(result *ingest.Result, err error) {
	if !m.enabled {
		return
	}

	format := "unknown"
	if result != nil && result.Format != "" {
		format = string(result.Format)
	}
	m.uploads.WithLabelValues(UploadStatus(err), format).Inc()

	if result == nil {
		return
	}
	m.rows.WithLabelValues("processed").Add(float64(result.Stats.ProcessedRecords))
	m.rows.WithLabelValues("invalid_timestamp").Add(float64(result.Stats.SkipReasons.InvalidTimestamp))
	m.rows.WithLabelValues("invalid_data").Add(float64(result.Stats.SkipReasons.InvalidData))
	m.ingestDuration.Observe(result.Duration.Seconds())
}

// UploadStatus maps an ingestion error to its status label.
func UploadStatus(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ingest.ErrInvalidInput):
		return StatusInvalidInput
	case errors.Is(err, ingest.ErrNoValidRecords):
		return StatusNoValidRecords
	case errors.Is(err, ingest.ErrPersistence):
		return StatusPersistence
	default:
		return StatusParseError
	}
}

// RecordHTTPRequest records one served request.
func (m *Manager) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheLookup records a view cache hit or miss.
func (m *Manager) RecordCacheLookup(hit bool) {
	if !m.enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetWebsocketClients updates the connected client gauge.
func (m *Manager) SetWebsocketClients(n int) {
	if !m.enabled {
		return
	}
	m.websocketClients.Set(float64(n))
}

// RecordMQTTMessage records one handled MQTT upload.
func (m *Manager) RecordMQTTMessage(err error) {
	if !m.enabled {
		return
	}
	m.mqttMessages.WithLabelValues(UploadStatus(err)).Inc()
}
