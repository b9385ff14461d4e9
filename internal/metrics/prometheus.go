package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure stages used as the "stage" label of FilesFailed
const (
	StageDecode = "decode"
	StageDetect = "detect"
	StageEncode = "encode"
)

// Metrics contains all Prometheus metrics for a trimsilence run
type Metrics struct {
	registry *prometheus.Registry

	// File metrics
	FilesProcessed     prometheus.Counter
	FilesFailed        *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram

	// Detection metrics
	WindowsClassified prometheus.Counter
	SilentWindows     prometheus.Counter
	TrimmedSeconds    prometheus.Histogram
	InvertedIntervals prometheus.Counter
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		FilesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "trimsilence_files_processed_total",
			Help: "Total number of files trimmed and written",
		}),
		FilesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trimsilence_files_failed_total",
			Help: "Total number of files that could not be trimmed",
		}, []string{"stage"}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trimsilence_processing_duration_seconds",
			Help:    "Time spent decoding, detecting and writing one file",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		WindowsClassified: factory.NewCounter(prometheus.CounterOpts{
			Name: "trimsilence_windows_classified_total",
			Help: "Total number of windows sampled for peak volume",
		}),
		SilentWindows: factory.NewCounter(prometheus.CounterOpts{
			Name: "trimsilence_silent_windows_total",
			Help: "Total number of windows classified as silent",
		}),
		TrimmedSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trimsilence_trimmed_seconds",
			Help:    "Seconds of audio removed from each file",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.5 minutes
		}),
		InvertedIntervals: factory.NewCounter(prometheus.CounterOpts{
			Name: "trimsilence_inverted_intervals_total",
			Help: "Total number of detected intervals whose end precedes their start",
		}),
	}
}

// Registry returns the registry holding all metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveWindows records one classification scan
func (m *Metrics) ObserveWindows(total, silent int) {
	m.WindowsClassified.Add(float64(total))
	m.SilentWindows.Add(float64(silent))
}

// RecordFileProcessed records a successfully written file
func (m *Metrics) RecordFileProcessed(durationSeconds, trimmedSeconds float64) {
	m.FilesProcessed.Inc()
	m.ProcessingDuration.Observe(durationSeconds)
	if trimmedSeconds > 0 {
		m.TrimmedSeconds.Observe(trimmedSeconds)
	}
}

// RecordFileFailed records a failed file at the given stage
func (m *Metrics) RecordFileFailed(stage string, durationSeconds float64) {
	m.FilesFailed.WithLabelValues(stage).Inc()
	m.ProcessingDuration.Observe(durationSeconds)
}

// RecordInvertedInterval increments the inverted interval counter
func (m *Metrics) RecordInvertedInterval() {
	m.InvertedIntervals.Inc()
}

// WriteTextfile writes all metrics in the node_exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
