package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for pipeline runs. A nil or disabled
// Metrics is safe to use and records nothing.
type Metrics struct {
	config MetricsConfig

	runsCompleted   *prometheus.CounterVec
	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   *prometheus.CounterVec
	manifestAppends prometheus.Counter
	errorsByKind    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"status"},
		),
		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Total number of stage executions by outcome",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage execution in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Stages skipped because their target already existed",
			},
			[]string{"stage"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_attempts_total",
				Help:      "Source download attempts by scheme and outcome",
			},
			[]string{"scheme", "status"},
		),
		downloadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes fetched by successful downloads",
			},
			[]string{"scheme"},
		),
		manifestAppends: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_appends_total",
				Help:      "Provenance records appended to the manifest",
			},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Stage failures by error kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.stageRuns,
		m.stageDuration,
		m.cacheHits,
		m.downloads,
		m.downloadBytes,
		m.manifestAppends,
		m.errorsByKind,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunCompleted records a completed run.
func (m *Metrics) RecordRunCompleted(status string) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
}

// RecordStageRun records the outcome and duration of a stage.
func (m *Metrics) RecordStageRun(stage, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stageRuns.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordCacheHit records a stage skipped by the cache gate.
func (m *Metrics) RecordCacheHit(stage string) {
	if !m.enabled() {
		return
	}
	m.cacheHits.WithLabelValues(stage).Inc()
}

// RecordDownload records one download attempt.
func (m *Metrics) RecordDownload(scheme, status string, bytes int64) {
	if !m.enabled() {
		return
	}
	m.downloads.WithLabelValues(scheme, status).Inc()
	if bytes > 0 {
		m.downloadBytes.WithLabelValues(scheme).Add(float64(bytes))
	}
}

// RecordManifestAppend records one manifest append.
func (m *Metrics) RecordManifestAppend() {
	if !m.enabled() {
		return
	}
	m.manifestAppends.Inc()
}

// RecordError records a stage failure by error kind.
func (m *Metrics) RecordError(kind string) {
	if !m.enabled() {
		return
	}
	if kind == "" {
		kind = "unclassified"
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile dumps all metrics to the configured textfile. Batch commands
// exit before any scraper could reach an HTTP endpoint, so metrics are
// exported the way node exporter's textfile collector expects them.
func (m *Metrics) WriteTextfile() error {
	if !m.enabled() || m.config.Textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.Textfile), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
