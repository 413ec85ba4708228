// Package observability builds the logger and the Prometheus metrics shared
// by the pipeline components.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	downloadRetries prometheus.Counter
	publishes       *prometheus.CounterVec
	solveDuration   *prometheus.HistogramVec
	fetchDuration   prometheus.Histogram
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "yarun",
				Subsystem: "fetch",
				Name:      "downloads_total",
				Help:      "Archive downloads by result.",
			},
			[]string{"result"},
		),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yarun",
			Subsystem: "fetch",
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded.",
		}),
		downloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yarun",
			Subsystem: "fetch",
			Name:      "download_retries_total",
			Help:      "Download attempts retried after a transient failure.",
		}),
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "yarun",
				Subsystem: "store",
				Name:      "publishes_total",
				Help:      "Store publishes by result.",
			},
			[]string{"result"},
		),
		solveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "yarun",
				Subsystem: "solver",
				Name:      "solve_duration_seconds",
				Help:      "Time spent solving a requirement.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"feasible"},
		),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "yarun",
			Subsystem: "fetch",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching a set of implementations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	m.registry.MustRegister(m.downloads, m.downloadBytes, m.downloadRetries, m.publishes, m.solveDuration, m.fetchDuration)
	return m
}

// Registry exposes the registry, e.g. for tests or an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDownload counts one finished download attempt.
func (m *Metrics) RecordDownload(success bool, bytes int64) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.downloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
}

// RecordRetry counts one retried download.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.downloadRetries.Inc()
}

// RecordPublish counts a store publish; existing is set when the digest was
// already present.
func (m *Metrics) RecordPublish(existing bool) {
	if m == nil {
		return
	}
	result := "added"
	if existing {
		result = "existing"
	}
	m.publishes.WithLabelValues(result).Inc()
}

// RecordSolve observes a solve.
func (m *Metrics) RecordSolve(d time.Duration, feasible bool) {
	if m == nil {
		return
	}
	m.solveDuration.WithLabelValues(strconv.FormatBool(feasible)).Observe(d.Seconds())
}

// RecordFetch observes a Fetch call.
func (m *Metrics) RecordFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

// WriteToTextfile writes all metrics in the text exposition format.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
