// Package metrics exposes Prometheus counters and histograms for trimming runs.
package metrics
