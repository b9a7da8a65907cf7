// Package metrics provides Prometheus metrics for the ETL pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// API client metrics
	APICalls       *prometheus.CounterVec
	APIRetries     prometheus.Counter
	AuthFailures   prometheus.Counter
	QuotaLimit     *prometheus.GaugeVec
	QuotaRemaining *prometheus.GaugeVec

	// Transformation metrics
	RecordsFetched     *prometheus.CounterVec
	RecordsValid       *prometheus.CounterVec
	RecordsInvalid     *prometheus.CounterVec
	DuplicatesDetected *prometheus.CounterVec

	// Persistence metrics
	RecordsInserted *prometheus.CounterVec
	RecordsUpdated  *prometheus.CounterVec
	UpsertErrors    *prometheus.CounterVec

	// Run metrics
	SyncRuns       *prometheus.CounterVec
	SyncDuration   *prometheus.HistogramVec
	LastSyncEpoch  prometheus.Gauge
	WatermarkEpoch prometheus.Gauge
}

var defaultMetrics *Metrics

// Init initializes the global metrics. Call once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "reso_etl"
	}

	m := &Metrics{
		APICalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_total",
				Help:      "Total number of OData API calls",
			},
			[]string{"status"},
		),
		APIRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_retries_total",
				Help:      "Total number of rate-limit retry attempts",
			},
		),
		AuthFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of OAuth2 authentication failures",
			},
		),
		QuotaLimit: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_limit",
				Help:      "Most recently reported quota limit per window",
			},
			[]string{"window"},
		),
		QuotaRemaining: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_remaining",
				Help:      "Most recently reported quota remaining per window",
			},
			[]string{"window"},
		),
		RecordsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_fetched_total",
				Help:      "Total number of raw records fetched from the API",
			},
			[]string{"data_type"},
		),
		RecordsValid: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_valid_total",
				Help:      "Total number of records that passed transformation",
			},
			[]string{"data_type"},
		),
		RecordsInvalid: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_invalid_total",
				Help:      "Total number of records that failed transformation",
			},
			[]string{"data_type"},
		),
		DuplicatesDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_detected_total",
				Help:      "Total number of duplicate records detected",
			},
			[]string{"data_type"},
		),
		RecordsInserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_inserted_total",
				Help:      "Total number of rows inserted",
			},
			[]string{"data_type"},
		),
		RecordsUpdated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_updated_total",
				Help:      "Total number of rows updated",
			},
			[]string{"data_type"},
		),
		UpsertErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upsert_errors_total",
				Help:      "Total number of failed row upserts",
			},
			[]string{"data_type"},
		),
		SyncRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Total number of sync runs by outcome",
			},
			[]string{"status"},
		),
		SyncDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Wall time of sync runs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"mode"},
		),
		LastSyncEpoch: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_sync_timestamp_seconds",
				Help:      "Unix time of the last completed sync run",
			},
		),
		WatermarkEpoch: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watermark_timestamp_seconds",
				Help:      "Unix time of the current incremental watermark",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance, or nil before Init.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer serves Prometheus scrapes plus a health endpoint. Blocks
// until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// ObserveQuota records one window's counters when both are numeric.
func (m *Metrics) ObserveQuota(window string, limit, remaining int64) {
	m.QuotaLimit.WithLabelValues(window).Set(float64(limit))
	m.QuotaRemaining.WithLabelValues(window).Set(float64(remaining))
}
