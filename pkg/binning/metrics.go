package binning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the binning stage
type Metrics struct {
	// InputsProcessed tracks reduced artifacts consumed, by outcome
	InputsProcessed *prometheus.CounterVec // labels: status (binned/skipped/failed)

	// RecordsBinned tracks records appended to shard artifacts
	RecordsBinned prometheus.Counter

	// InputDuration tracks wall time spent binning one reduced artifact
	InputDuration prometheus.Histogram
}

// NewMetrics creates and registers all binning metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics with a custom registry
// This is useful for testing to avoid conflicts with the default registry
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InputsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_log_parser_binning_inputs_total",
				Help: "Total number of reduced artifacts consumed, by outcome",
			},
			[]string{"status"}, // status: binned, skipped, failed
		),
		RecordsBinned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_binning_records_total",
				Help: "Total number of records appended to shard artifacts",
			},
		),
		InputDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "s3_log_parser_binning_input_duration_seconds",
				Help:    "Wall time spent binning one reduced artifact",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300}, // 100ms to 5min
			},
		),
	}
}
