package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/dandi/s3-log-parser/pkg/catalog"
	"github.com/dandi/s3-log-parser/pkg/mapping"
	"github.com/dandi/s3-log-parser/pkg/s3"
	"github.com/dandi/s3-log-parser/pkg/util"
)

func main() {
	os.Exit(run())
}

// buildCatalogConfig creates catalog client config from ConfigSpec
func buildCatalogConfig(logger *slog.Logger) catalog.Config {
	return catalog.Config{
		Logger:  logger,
		BaseURL: mapping.ConfigSpec.GetString("mapping.catalog-url"),
		RequestTimeout: time.Duration(
			mapping.ConfigSpec.GetInt("mapping.catalog-request-timeout-seconds")) * time.Second,
		MaxRetries:          mapping.ConfigSpec.GetInt("mapping.catalog-max-retries"),
		InitialBackoff:      1 * time.Second,
		MaxBackoff:          30 * time.Second,
		BackoffJitterFactor: 0.2,
	}
}

// buildEngineConfig creates mapping engine config from ConfigSpec
func buildEngineConfig(logger *slog.Logger, catalogClient catalog.API,
	cache *mapping.ManifestCache) mapping.Config {
	return mapping.Config{
		Logger:     logger,
		ShardRoot:  mapping.ConfigSpec.GetString("mapping.shards-root"),
		OutputRoot: mapping.ConfigSpec.GetString("mapping.usage-logs-root"),
		ShardCount: mapping.ConfigSpec.GetInt("mapping.shard-count"),
		Fields:     util.ParseCommaSeparatedList(mapping.ConfigSpec.GetString("mapping.fields")),
		Catalog:    catalogClient,
		Cache:      cache,
		ExcludedDatasets: util.StringSet(util.ParseCommaSeparatedList(
			mapping.ConfigSpec.GetString("mapping.excluded-datasets"))),
		RestrictToDatasets: util.ParseCommaSeparatedList(
			mapping.ConfigSpec.GetString("mapping.restrict-to-datasets")),
		DatasetLimit: mapping.ConfigSpec.GetInt("mapping.dataset-limit"),
		Metrics:      mapping.NewMetrics(),
	}
}

// publishArtifacts uploads the usage-log tree to the configured bucket
func publishArtifacts(ctx context.Context, logger *slog.Logger) error {
	client, err := s3.NewClient(ctx, s3.Config{
		Endpoint:        mapping.ConfigSpec.GetString("publish.endpoint"),
		AccessKeyID:     mapping.ConfigSpec.GetString("publish.access-key-id"),
		SecretAccessKey: mapping.ConfigSpec.GetString("publish.secret-access-key"),
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	uploaded, err := s3.NewPublisher(client).PublishTree(ctx,
		mapping.ConfigSpec.GetString("publish.bucket"),
		mapping.ConfigSpec.GetString("publish.prefix"),
		mapping.ConfigSpec.GetString("mapping.usage-logs-root"))
	if err != nil {
		return err
	}
	logger.Info("published usage-log artifacts", "uploaded", uploaded)
	return nil
}

func run() int {
	mapping.ConfigSpec.AddAllFlags(pflag.CommandLine)

	configFileFlag := pflag.String("config-file", "", "Path to configuration file")
	pflag.Parse()

	// Load configuration
	configFile := *configFileFlag
	if configFile == "" {
		configFile = os.Getenv("S3_LOG_PARSER_CONFIG_FILE")
	}

	err := mapping.ConfigSpec.LoadConfiguration(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		pflag.Usage()
		return 2
	}

	// Validate configuration
	err = mapping.ValidateConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation error: %v\n", err)
		return 2
	}

	// Set up logger
	logLevel := util.ParseLogLevel(mapping.ConfigSpec.GetString("log-level"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Start metrics server
	metricsServer, err := util.StartMetricsServerIfEnabled(
		mapping.ConfigSpec, "metrics-server", logger)
	if err != nil {
		logger.Error("failed to start metrics server", "error", err)
		return 1
	}
	if metricsServer != nil {
		defer func() { _ = metricsServer.Close() }()
	}

	catalogClient, err := catalog.NewClient(buildCatalogConfig(logger))
	if err != nil {
		logger.Error("failed to create catalog client", "error", err)
		return 1
	}
	defer catalogClient.Close()

	var cache *mapping.ManifestCache
	if cacheDir := mapping.ConfigSpec.GetString("mapping.cache-dir"); cacheDir != "" {
		cache, err = mapping.OpenManifestCache(cacheDir)
		if err != nil {
			logger.Error("failed to open manifest cache", "error", err)
			return 1
		}
		defer func() { _ = cache.Close() }()
	}

	engine, err := mapping.NewEngine(buildEngineConfig(logger, catalogClient, cache))
	if err != nil {
		logger.Error("failed to create mapping engine", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalsChan := make(chan os.Signal, 1)
	signal.Notify(signalsChan, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-signalsChan
		logger.Info("signal received", "signal", sig)
		cancel()
	}()

	summary, err := engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mapping run failed", "error", err)
		return 1
	}

	logger.Info("mapping summary",
		"versionsMapped", summary.VersionsMapped,
		"versionsEmpty", summary.VersionsEmpty,
		"versionsFailed", summary.VersionsFailed,
		"entriesEmitted", summary.EntriesEmitted,
		"duplicatesSuppressed", summary.DuplicatesSuppressed,
		"unresolvedKeys", summary.UnresolvedKeys,
		"corruptShards", summary.CorruptShards)
	if summary.UnitErrors != nil {
		logger.Warn("some dataset versions failed", "error", summary.UnitErrors)
	}

	if mapping.ConfigSpec.GetBool("publish.enabled") && ctx.Err() == nil {
		if err := publishArtifacts(ctx, logger); err != nil {
			logger.Error("artifact publication failed", "error", err)
			return 1
		}
	}

	return 0
}
