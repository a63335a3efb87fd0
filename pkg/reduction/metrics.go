package reduction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reduction stage
type Metrics struct {
	// UnitsProcessed tracks reduction units by outcome
	UnitsProcessed *prometheus.CounterVec // labels: status (complete/skipped/failed)

	// LinesRead tracks raw lines consumed across all units
	LinesRead prometheus.Counter

	// DecodeFailures tracks lines that failed decoding
	DecodeFailures prometheus.Counter

	// RecordsKept tracks records that passed all filters
	RecordsKept prometheus.Counter

	// BufferFlushes tracks output flushes triggered by the buffer ceiling
	BufferFlushes prometheus.Counter

	// UnitDuration tracks wall time spent reducing one raw file
	UnitDuration prometheus.Histogram
}

// NewMetrics creates and registers all reduction metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics with a custom registry
// This is useful for testing to avoid conflicts with the default registry
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UnitsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_log_parser_reduction_units_total",
				Help: "Total number of reduction units handled, by outcome",
			},
			[]string{"status"}, // status: complete, skipped, failed
		),
		LinesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_reduction_lines_read_total",
				Help: "Total number of raw log lines read",
			},
		),
		DecodeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_reduction_decode_failures_total",
				Help: "Total number of raw lines that failed decoding",
			},
		),
		RecordsKept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_reduction_records_kept_total",
				Help: "Total number of records that passed all filters",
			},
		),
		BufferFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_reduction_buffer_flushes_total",
				Help: "Total number of flushes triggered by the per-worker buffer ceiling",
			},
		),
		UnitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "s3_log_parser_reduction_unit_duration_seconds",
				Help:    "Wall time spent reducing one raw log file",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 10800}, // 1s to 3h
			},
		),
	}
}
