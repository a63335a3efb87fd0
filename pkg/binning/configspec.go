package binning

import (
	"fmt"

	"github.com/dandi/s3-log-parser/pkg/util"
)

// ConfigSpec defines all configuration items for the run-binning command
//
//nolint:gochecknoglobals // global config spec is intentional
var ConfigSpec = util.ConfigSpec{
	"binning.reduced-logs-root": util.ConfigVarSpec{
		Help:         "Root directory of the reduced artifacts to consume",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_REDUCED_LOGS_ROOT",
	},
	"binning.shards-root": util.ConfigVarSpec{
		Help:         "Directory to write shard artifacts to",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_SHARDS_ROOT",
	},
	"binning.shard-count": util.ConfigVarSpec{
		Help:         "Number of shard artifacts (must stay fixed between runs)",
		DefaultValue: DefaultShardCount,
		EnvVar:       "S3_LOG_PARSER_SHARD_COUNT",
	},
	"binning.file-limit": util.ConfigVarSpec{
		Help:         "Maximum reduced artifacts to consume this run (0 = unlimited)",
		DefaultValue: 0,
		EnvVar:       "S3_LOG_PARSER_BINNING_FILE_LIMIT",
	},
	"binning.fields": util.ConfigVarSpec{
		Help:         "Comma-separated projection of the reduced artifacts",
		DefaultValue: "object_key,timestamp,ip_address,bytes_sent",
		EnvVar:       "S3_LOG_PARSER_REDUCTION_FIELDS",
	},

	// General
	"log-level": util.ConfigVarSpec{
		Help:         "Log level (error|warn|info|debug)",
		DefaultValue: "info",
		EnvVar:       "S3_LOG_PARSER_LOG_LEVEL",
	},
	"metrics-server.enabled": util.ConfigVarSpec{
		Help:         "Whether to expose Prometheus metrics over HTTP",
		DefaultValue: false,
		EnvVar:       "S3_LOG_PARSER_METRICS_SERVER_ENABLED",
	},
	"metrics-server.listen-address": util.ConfigVarSpec{
		Help:         "Metrics server listen address",
		DefaultValue: "127.0.0.1",
		EnvVar:       "S3_LOG_PARSER_METRICS_SERVER_LISTEN_ADDRESS",
	},
	"metrics-server.listen-port": util.ConfigVarSpec{
		Help:         "Metrics server listen port",
		DefaultValue: 9091,
		EnvVar:       "S3_LOG_PARSER_METRICS_SERVER_LISTEN_PORT",
	},
}

// ValidateConfig performs additional validation beyond required field checks
func ValidateConfig() error {
	logLevel := ConfigSpec.GetString("log-level")
	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true}
	if !validLevels[logLevel] {
		return fmt.Errorf("invalid log-level: %s (must be error|warn|info|debug)", logLevel)
	}

	if ConfigSpec.GetString("binning.reduced-logs-root") == "" {
		return fmt.Errorf("binning.reduced-logs-root must be set")
	}
	if ConfigSpec.GetString("binning.shards-root") == "" {
		return fmt.Errorf("binning.shards-root must be set")
	}

	shardCount := ConfigSpec.GetInt("binning.shard-count")
	if shardCount < 1 || shardCount > 65536 {
		return fmt.Errorf("binning.shard-count must be in [1,65536], got %d", shardCount)
	}

	if fileLimit := ConfigSpec.GetInt("binning.file-limit"); fileLimit < 0 {
		return fmt.Errorf("binning.file-limit cannot be negative, got %d", fileLimit)
	}

	return nil
}
