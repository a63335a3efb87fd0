package mapping

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dandi/s3-log-parser/pkg/binning"
	"github.com/dandi/s3-log-parser/pkg/catalog"
	"github.com/dandi/s3-log-parser/pkg/reduction"
)

// Config holds mapping engine configuration
//
//nolint:govet // Field alignment is less important than readability for config structs
type Config struct {
	Logger *slog.Logger

	// ShardRoot is the binning stage's output directory.
	ShardRoot string
	// OutputRoot is where per-dataset-version usage logs are written.
	OutputRoot string

	// ShardCount must match the value binning ran with, or shard lookups
	// resolve to the wrong artifacts.
	ShardCount int

	// Fields is the shard-artifact projection; defaults to
	// reduction.DefaultFields.
	Fields []string

	Catalog catalog.API
	// Cache is the persistent manifest cache; nil disables it.
	Cache *ManifestCache

	// ExcludedDatasets and RestrictToDatasets are mutually exclusive.
	ExcludedDatasets   map[string]bool
	RestrictToDatasets []string
	// DatasetLimit bounds how many datasets one run maps. Zero means all.
	DatasetLimit int

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// Summary reports what a mapping run did. Per-version and per-shard
// failures are reported here rather than failing the run.
type Summary struct {
	VersionsMapped int
	VersionsEmpty  int
	VersionsFailed int

	EntriesEmitted       int64
	DuplicatesSuppressed int64

	// UnresolvedKeys counts distinct object keys present in shards but
	// absent from every manifest seen this run (orphaned or deleted
	// assets). They are reported, never guessed into an output.
	UnresolvedKeys int64

	// CorruptShards lists shard artifacts with malformed records. These
	// require an operator re-run of binning.
	CorruptShards []string

	// UnitErrors aggregates per-version failures for reporting. A non-nil
	// value does not make the run itself an error.
	UnitErrors error
}

// Engine joins shard artifacts against the archive catalog to produce
// per-dataset-version usage logs. Output is additive across runs and
// idempotent under unchanged inputs.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	// resolvedKeys accumulates every object key named by any manifest
	// this run, for the final unresolved-key accounting.
	resolvedKeys map[string]bool

	// corruptShards remembers shards found malformed so they are reported
	// once and not re-parsed.
	corruptShards map[int]bool
}

// NewEngine validates the configuration. Configuration errors are fatal
// before any work starts.
func NewEngine(cfg Config) (*Engine, error) {
	if info, err := os.Stat(cfg.ShardRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("shard root %q is not a readable directory", cfg.ShardRoot)
	}
	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("shard count must be at least 1, got %d", cfg.ShardCount)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog client is required")
	}
	if len(cfg.ExcludedDatasets) > 0 && len(cfg.RestrictToDatasets) > 0 {
		return nil, fmt.Errorf("excluded-datasets and restrict-to-datasets are mutually exclusive")
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = reduction.DefaultFields
	}
	if err := reduction.ValidateFields(cfg.Fields); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create usage-log output root: %w", err)
	}

	return &Engine{
		cfg:           cfg,
		logger:        cfg.Logger,
		resolvedKeys:  map[string]bool{},
		corruptShards: map[int]bool{},
	}, nil
}

// Run maps every selected dataset version. Individual version failures are
// reported and do not stop the run; only setup errors and cancellation do.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	datasets, err := e.selectDatasets(ctx)
	if err != nil {
		return Summary{}, err
	}

	e.logger.Info("mapping starting", "datasets", len(datasets))

	summary := Summary{}
	var unitErrors *multierror.Error

	for _, datasetID := range datasets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		versions, err := e.cfg.Catalog.ListVersions(ctx, datasetID)
		if err != nil {
			// Exhausted retries; prior output for this dataset is left
			// untouched and the other datasets proceed.
			summary.VersionsFailed++
			unitErrors = multierror.Append(unitErrors,
				fmt.Errorf("dataset %s: %w", datasetID, err))
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.VersionsProcessed.WithLabelValues("failed").Inc()
			}
			e.logger.Error("failed to list dataset versions",
				"dataset", datasetID, "error", err)
			continue
		}

		for _, versionID := range versions {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			e.mapVersion(ctx, datasetID, versionID, &summary, &unitErrors)
		}
	}

	unresolved, err := e.countUnresolvedKeys(&summary)
	if err != nil {
		return summary, err
	}
	summary.UnresolvedKeys = unresolved
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.UnresolvedKeys.Set(float64(unresolved))
	}

	summary.UnitErrors = unitErrors.ErrorOrNil()
	e.logger.Info("mapping completed",
		"mapped", summary.VersionsMapped,
		"empty", summary.VersionsEmpty,
		"failed", summary.VersionsFailed,
		"entriesEmitted", summary.EntriesEmitted,
		"duplicatesSuppressed", summary.DuplicatesSuppressed,
		"unresolvedKeys", summary.UnresolvedKeys,
		"corruptShards", len(summary.CorruptShards))

	return summary, nil
}

func (e *Engine) selectDatasets(ctx context.Context) ([]string, error) {
	var datasets []string
	if len(e.cfg.RestrictToDatasets) > 0 {
		datasets = append(datasets, e.cfg.RestrictToDatasets...)
	} else {
		all, err := e.cfg.Catalog.ListDatasets(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list datasets: %w", err)
		}
		for _, datasetID := range all {
			if !e.cfg.ExcludedDatasets[datasetID] {
				datasets = append(datasets, datasetID)
			}
		}
	}
	sort.Strings(datasets)
	if e.cfg.DatasetLimit > 0 && len(datasets) > e.cfg.DatasetLimit {
		datasets = datasets[:e.cfg.DatasetLimit]
	}
	return datasets, nil
}

// getManifest consults the persistent cache before the catalog. Published
// manifests are immutable, so a hit is trusted indefinitely; the draft is
// always fetched fresh (the cache refuses draft entries entirely).
func (e *Engine) getManifest(ctx context.Context, datasetID, versionID string) (*catalog.Manifest, error) {
	if e.cfg.Cache != nil {
		manifest, hit, err := e.cfg.Cache.Get(datasetID, versionID)
		if err != nil {
			return nil, err
		}
		if hit {
			return manifest, nil
		}
	}

	manifest, err := e.cfg.Catalog.GetManifest(ctx, datasetID, versionID)
	if err != nil {
		return nil, err
	}

	if e.cfg.Cache != nil && !manifest.IsDraft() {
		if err := e.cfg.Cache.Put(manifest); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func (e *Engine) mapVersion(ctx context.Context, datasetID, versionID string,
	summary *Summary, unitErrors **multierror.Error) {
	start := time.Now()

	manifest, err := e.getManifest(ctx, datasetID, versionID)
	if err != nil {
		summary.VersionsFailed++
		*unitErrors = multierror.Append(*unitErrors,
			fmt.Errorf("version %s/%s: %w", datasetID, versionID, err))
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.VersionsProcessed.WithLabelValues("failed").Inc()
		}
		e.logger.Error("failed to fetch manifest",
			"dataset", datasetID, "version", versionID, "error", err)
		return
	}

	for objectKey := range manifest.PathsByKey {
		e.resolvedKeys[objectKey] = true
	}

	writer, err := newUsageLogWriter(e.cfg.OutputRoot, datasetID, versionID)
	if err != nil {
		summary.VersionsFailed++
		*unitErrors = multierror.Append(*unitErrors,
			fmt.Errorf("version %s/%s: %w", datasetID, versionID, err))
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.VersionsProcessed.WithLabelValues("failed").Inc()
		}
		return
	}

	// Group the manifest's keys by shard so each shard is loaded at most
	// once per version. Iteration over sorted shard indices keeps the run
	// deterministic.
	keysByShard := map[int][]string{}
	for objectKey := range manifest.PathsByKey {
		shard := binning.ShardIndex(objectKey, e.cfg.ShardCount)
		keysByShard[shard] = append(keysByShard[shard], objectKey)
	}
	shards := make([]int, 0, len(keysByShard))
	for shard := range keysByShard {
		shards = append(shards, shard)
	}
	sort.Ints(shards)

	emitted := int64(0)
	duplicates := int64(0)
	for _, shard := range shards {
		if e.corruptShards[shard] {
			continue
		}

		wanted := map[string]bool{}
		for _, objectKey := range keysByShard[shard] {
			wanted[objectKey] = true
		}

		recordsByKey, err := e.loadShardRecords(shard, wanted)
		if err != nil {
			// Fatal for this shard only: record it, report it, and let
			// the remaining shards proceed. Re-running binning is the
			// only fix.
			shardName := binning.ShardFileName(shard)
			e.corruptShards[shard] = true
			summary.CorruptShards = append(summary.CorruptShards, shardName)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.ShardsCorrupt.Inc()
			}
			e.logger.Error("shard artifact is corrupt; re-run binning",
				"shard", shardName, "error", err)
			continue
		}

		sortedKeys := keysByShard[shard]
		sort.Strings(sortedKeys)
		for _, objectKey := range sortedKeys {
			assetPath := manifest.PathsByKey[objectKey]
			for _, record := range recordsByKey[objectKey] {
				entry := UsageLogEntry{
					Timestamp: record.Timestamp,
					ClientIP:  record.ClientIP,
					BytesSent: record.BytesSent,
					AssetPath: assetPath,
					ObjectKey: objectKey,
				}
				if writer.add(entry) {
					emitted++
				} else {
					duplicates++
				}
			}
		}
	}

	if err := writer.flush(); err != nil {
		summary.VersionsFailed++
		*unitErrors = multierror.Append(*unitErrors,
			fmt.Errorf("version %s/%s: %w", datasetID, versionID, err))
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.VersionsProcessed.WithLabelValues("failed").Inc()
		}
		return
	}

	summary.EntriesEmitted += emitted
	summary.DuplicatesSuppressed += duplicates

	if emitted == 0 && duplicates == 0 {
		// Never accessed (or nothing new); no artifact is created.
		summary.VersionsEmpty++
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.VersionsProcessed.WithLabelValues("empty").Inc()
		}
		return
	}

	if err := writeVersionSummaries(writer.outputPath); err != nil {
		summary.VersionsFailed++
		*unitErrors = multierror.Append(*unitErrors,
			fmt.Errorf("version %s/%s summaries: %w", datasetID, versionID, err))
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.VersionsProcessed.WithLabelValues("failed").Inc()
		}
		return
	}

	summary.VersionsMapped++
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.VersionsProcessed.WithLabelValues("mapped").Inc()
		e.cfg.Metrics.EntriesEmitted.Add(float64(emitted))
		e.cfg.Metrics.DuplicatesSuppressed.Add(float64(duplicates))
		e.cfg.Metrics.VersionDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("mapped dataset version",
		"dataset", datasetID,
		"version", versionID,
		"entriesEmitted", emitted,
		"duplicatesSuppressed", duplicates,
		"durationSeconds", time.Since(start).Seconds())
}

// loadShardRecords scans one shard artifact and returns the records of the
// wanted object keys. Any malformed record means the shard cannot be
// trusted and is reported as corrupt.
func (e *Engine) loadShardRecords(shard int, wanted map[string]bool) (map[string][]reduction.ReducedRecord, error) {
	shardPath := filepath.Join(e.cfg.ShardRoot, binning.ShardFileName(shard))
	file, err := os.Open(shardPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No traffic ever landed in this shard.
			return map[string][]reduction.ReducedRecord{}, nil
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	recordsByKey := map[string][]reduction.ReducedRecord{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		row := scanner.Text()
		if row == "" {
			continue
		}
		record, err := reduction.UnmarshalTSV(row, e.cfg.Fields)
		if err != nil {
			return nil, fmt.Errorf("malformed record at line %d: %w", lineNumber, err)
		}
		if wanted[record.ObjectKey] {
			recordsByKey[record.ObjectKey] = append(recordsByKey[record.ObjectKey], record)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recordsByKey, nil
}

// countUnresolvedKeys scans every shard once and counts distinct object
// keys no manifest claimed this run.
func (e *Engine) countUnresolvedKeys(summary *Summary) (int64, error) {
	unresolved := map[string]bool{}

	for shard := 0; shard < e.cfg.ShardCount; shard++ {
		if e.corruptShards[shard] {
			continue
		}
		shardPath := filepath.Join(e.cfg.ShardRoot, binning.ShardFileName(shard))
		file, err := os.Open(shardPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			row := scanner.Text()
			if row == "" {
				continue
			}
			record, err := reduction.UnmarshalTSV(row, e.cfg.Fields)
			if err != nil {
				// Corruption discovered only now; report and move on.
				shardName := binning.ShardFileName(shard)
				e.corruptShards[shard] = true
				summary.CorruptShards = append(summary.CorruptShards, shardName)
				if e.cfg.Metrics != nil {
					e.cfg.Metrics.ShardsCorrupt.Inc()
				}
				e.logger.Error("shard artifact is corrupt; re-run binning",
					"shard", shardName, "error", err)
				break
			}
			if !e.resolvedKeys[record.ObjectKey] {
				unresolved[record.ObjectKey] = true
			}
		}
		scanErr := scanner.Err()
		_ = file.Close()
		if scanErr != nil {
			return 0, scanErr
		}
	}

	return int64(len(unresolved)), nil
}
