package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/dandi/s3-log-parser/pkg/reduction"
	"github.com/dandi/s3-log-parser/pkg/util"
)

func main() {
	os.Exit(run())
}

// buildEngineConfig creates reduction engine config from ConfigSpec
func buildEngineConfig(logger *slog.Logger) reduction.Config {
	return reduction.Config{
		Logger:         logger,
		RawRoot:        reduction.ConfigSpec.GetString("reduction.raw-logs-root"),
		ReducedRoot:    reduction.ConfigSpec.GetString("reduction.reduced-logs-root"),
		ErrorsRoot:     reduction.ConfigSpec.GetString("reduction.errors-root"),
		Workers:        reduction.ConfigSpec.GetInt("reduction.workers"),
		MaxBufferBytes: reduction.ConfigSpec.GetInt64("reduction.max-buffer-bytes"),
		Filter:         reduction.FilterConfigFromSpec(),
		Fields:         util.ParseCommaSeparatedList(reduction.ConfigSpec.GetString("reduction.fields")),
		Metrics:        reduction.NewMetrics(),
	}
}

func run() int {
	reduction.ConfigSpec.AddAllFlags(pflag.CommandLine)

	configFileFlag := pflag.String("config-file", "", "Path to configuration file")
	pflag.Parse()

	// Load configuration
	configFile := *configFileFlag
	if configFile == "" {
		configFile = os.Getenv("S3_LOG_PARSER_CONFIG_FILE")
	}

	err := reduction.ConfigSpec.LoadConfiguration(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		pflag.Usage()
		return 2
	}

	// Validate configuration
	err = reduction.ValidateConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation error: %v\n", err)
		return 2
	}

	// Set up logger
	logLevel := util.ParseLogLevel(reduction.ConfigSpec.GetString("log-level"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Start metrics server
	metricsServer, err := util.StartMetricsServerIfEnabled(
		reduction.ConfigSpec, "metrics-server", logger)
	if err != nil {
		logger.Error("failed to start metrics server", "error", err)
		return 1
	}
	if metricsServer != nil {
		defer func() { _ = metricsServer.Close() }()
	}

	engine, err := reduction.NewEngine(buildEngineConfig(logger))
	if err != nil {
		logger.Error("failed to create reduction engine", "error", err)
		return 1
	}

	// Cancel on SIGINT/SIGTERM; in-flight units finish their current write,
	// un-marked units are picked up by the next run.
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
		logger.Error("reduction run failed", "error", err)
		return 1
	}

	logger.Info("reduction summary",
		"unitsProcessed", summary.UnitsProcessed,
		"unitsSkipped", summary.UnitsSkipped,
		"unitsFailed", summary.UnitsFailed,
		"linesRead", summary.LinesRead,
		"decodeFailures", summary.DecodeFailures,
		"recordsKept", summary.RecordsKept,
		"bytesKept", humanize.Bytes(summary.BytesKept),
		"failureSink", summary.FailureSinkPath)
	if summary.UnitErrors != nil {
		// Per-unit failures are reported, not fatal: the run still
		// advanced every other unit and a re-run retries these.
		logger.Warn("some units failed", "error", summary.UnitErrors)
	}

	return 0
}
