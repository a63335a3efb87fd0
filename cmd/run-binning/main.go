package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/dandi/s3-log-parser/pkg/binning"
	"github.com/dandi/s3-log-parser/pkg/util"
)

func main() {
	os.Exit(run())
}

// buildEngineConfig creates binning engine config from ConfigSpec
func buildEngineConfig(logger *slog.Logger) binning.Config {
	return binning.Config{
		Logger:      logger,
		ReducedRoot: binning.ConfigSpec.GetString("binning.reduced-logs-root"),
		ShardRoot:   binning.ConfigSpec.GetString("binning.shards-root"),
		ShardCount:  binning.ConfigSpec.GetInt("binning.shard-count"),
		FileLimit:   binning.ConfigSpec.GetInt("binning.file-limit"),
		Fields:      util.ParseCommaSeparatedList(binning.ConfigSpec.GetString("binning.fields")),
		Metrics:     binning.NewMetrics(),
	}
}

func run() int {
	binning.ConfigSpec.AddAllFlags(pflag.CommandLine)

	configFileFlag := pflag.String("config-file", "", "Path to configuration file")
	pflag.Parse()

	// Load configuration
	configFile := *configFileFlag
	if configFile == "" {
		configFile = os.Getenv("S3_LOG_PARSER_CONFIG_FILE")
	}

	err := binning.ConfigSpec.LoadConfiguration(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		pflag.Usage()
		return 2
	}

	// Validate configuration
	err = binning.ValidateConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation error: %v\n", err)
		return 2
	}

	// Set up logger
	logLevel := util.ParseLogLevel(binning.ConfigSpec.GetString("log-level"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Start metrics server
	metricsServer, err := util.StartMetricsServerIfEnabled(
		binning.ConfigSpec, "metrics-server", logger)
	if err != nil {
		logger.Error("failed to start metrics server", "error", err)
		return 1
	}
	if metricsServer != nil {
		defer func() { _ = metricsServer.Close() }()
	}

	engine, err := binning.NewEngine(buildEngineConfig(logger))
	if err != nil {
		logger.Error("failed to create binning engine", "error", err)
		return 1
	}

	// Cancellation mid-input deliberately leaves the in-progress sentinel
	// behind so the next run refuses to append to half-written shards.
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
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("binning interrupted; clear the shard directory and sentinel before re-running")
			return 1
		}
		logger.Error("binning run failed", "error", err)
		return 1
	}

	logger.Info("binning summary",
		"inputsBinned", summary.InputsBinned,
		"inputsSkipped", summary.InputsSkipped,
		"recordsBinned", summary.RecordsBinned)

	return 0
}
