package mapping

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mapping stage
type Metrics struct {
	// VersionsProcessed tracks dataset versions handled, by outcome
	VersionsProcessed *prometheus.CounterVec // labels: status (mapped/empty/failed)

	// EntriesEmitted tracks usage-log entries written
	EntriesEmitted prometheus.Counter

	// DuplicatesSuppressed tracks entries skipped by the dedup index
	DuplicatesSuppressed prometheus.Counter

	// UnresolvedKeys reports object keys seen in shards but absent from
	// every current manifest
	UnresolvedKeys prometheus.Gauge

	// ShardsCorrupt tracks shard artifacts found malformed this run
	ShardsCorrupt prometheus.Counter

	// VersionDuration tracks wall time spent mapping one dataset version
	VersionDuration prometheus.Histogram
}

// NewMetrics creates and registers all mapping metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics with a custom registry
// This is useful for testing to avoid conflicts with the default registry
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		VersionsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_log_parser_mapping_versions_total",
				Help: "Total number of dataset versions handled, by outcome",
			},
			[]string{"status"}, // status: mapped, empty, failed
		),
		EntriesEmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_mapping_entries_emitted_total",
				Help: "Total number of usage-log entries written",
			},
		),
		DuplicatesSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_mapping_duplicates_suppressed_total",
				Help: "Total number of entries suppressed by the dedup index",
			},
		),
		UnresolvedKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "s3_log_parser_mapping_unresolved_keys",
				Help: "Object keys present in shards but absent from every current manifest",
			},
		),
		ShardsCorrupt: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3_log_parser_mapping_shards_corrupt_total",
				Help: "Shard artifacts found malformed during mapping",
			},
		),
		VersionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "s3_log_parser_mapping_version_duration_seconds",
				Help:    "Wall time spent mapping one dataset version",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900}, // 100ms to 15min
			},
		),
	}
}
