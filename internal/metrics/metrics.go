// Package metrics exposes ingestion and retention metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors. Each instance owns its registry,
// so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	SweepsTotal         *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
	ItemsIngested       prometheus.Counter
	DuplicatesSkipped   prometheus.Counter
	ChannelFailures     *prometheus.CounterVec
	AttachmentFailures  prometheus.Counter
	FetchAttempts       prometheus.Counter
	LastSweepTimestamp  prometheus.Gauge
	PrunedItems         prometheus.Counter
	PrunedFiles         prometheus.Counter
	FileDeleteFailures  prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SweepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telereader_sweeps_total",
				Help: "Total number of reconciliation sweeps by outcome",
			},
			[]string{"outcome"},
		),
		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "telereader_sweep_duration_seconds",
				Help:    "Reconciliation sweep duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		ItemsIngested: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_items_ingested_total",
				Help: "Total number of items inserted",
			},
		),
		DuplicatesSkipped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_duplicates_skipped_total",
				Help: "Total number of fetched messages already stored",
			},
		),
		ChannelFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telereader_channel_failures_total",
				Help: "Total number of failed channel refreshes by reason",
			},
			[]string{"reason"},
		),
		AttachmentFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_attachment_failures_total",
				Help: "Total number of items stored without their attachment",
			},
		),
		FetchAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_fetch_attempts_total",
				Help: "Total number of upstream fetch calls",
			},
		),
		LastSweepTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "telereader_last_sweep_timestamp_seconds",
				Help: "Unix time the last sweep finished",
			},
		),
		PrunedItems: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_pruned_items_total",
				Help: "Total number of items removed by retention",
			},
		),
		PrunedFiles: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_pruned_files_total",
				Help: "Total number of attachment files removed",
			},
		),
		FileDeleteFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "telereader_file_delete_failures_total",
				Help: "Total number of attachment files that could not be removed",
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telereader_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "telereader_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(outcome string, started, finished time.Time) {
	m.SweepsTotal.WithLabelValues(outcome).Inc()
	m.SweepDuration.Observe(finished.Sub(started).Seconds())
	m.LastSweepTimestamp.Set(float64(finished.Unix()))
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
