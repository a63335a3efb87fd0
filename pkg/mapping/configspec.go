package mapping

import (
	"fmt"

	"github.com/dandi/s3-log-parser/pkg/util"
)

// ConfigSpec defines all configuration items for the run-mapping command
//
//nolint:gochecknoglobals // global config spec is intentional
var ConfigSpec = util.ConfigSpec{
	"mapping.shards-root": util.ConfigVarSpec{
		Help:         "Directory of the shard artifacts to consume",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_SHARDS_ROOT",
	},
	"mapping.usage-logs-root": util.ConfigVarSpec{
		Help:         "Directory to write per-dataset-version usage logs to",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_USAGE_LOGS_ROOT",
	},
	"mapping.cache-dir": util.ConfigVarSpec{
		Help:         "Directory of the persistent manifest cache (empty disables caching)",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_MAPPING_CACHE_DIR",
	},
	"mapping.catalog-url": util.ConfigVarSpec{
		Help:         "Archive catalog API root URL",
		DefaultValue: "https://api.dandiarchive.org/api",
		EnvVar:       "S3_LOG_PARSER_CATALOG_URL",
	},
	"mapping.shard-count": util.ConfigVarSpec{
		Help:         "Number of shard artifacts (must match the binning run)",
		DefaultValue: 1024,
		EnvVar:       "S3_LOG_PARSER_SHARD_COUNT",
	},
	"mapping.fields": util.ConfigVarSpec{
		Help:         "Comma-separated projection of the shard artifacts",
		DefaultValue: "object_key,timestamp,ip_address,bytes_sent",
		EnvVar:       "S3_LOG_PARSER_REDUCTION_FIELDS",
	},
	"mapping.excluded-datasets": util.ConfigVarSpec{
		Help:         "Comma-separated dataset IDs to skip",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_EXCLUDED_DATASETS",
	},
	"mapping.restrict-to-datasets": util.ConfigVarSpec{
		Help:         "Comma-separated dataset IDs to map exclusively",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_RESTRICT_TO_DATASETS",
	},
	"mapping.dataset-limit": util.ConfigVarSpec{
		Help:         "Maximum datasets to map this run (0 = unlimited)",
		DefaultValue: 0,
		EnvVar:       "S3_LOG_PARSER_DATASET_LIMIT",
	},
	"mapping.catalog-max-retries": util.ConfigVarSpec{
		Help:         "Maximum retry attempts per catalog request",
		DefaultValue: 5,
		EnvVar:       "S3_LOG_PARSER_CATALOG_MAX_RETRIES",
	},
	"mapping.catalog-request-timeout-seconds": util.ConfigVarSpec{
		Help:         "Timeout of one catalog HTTP round trip, in seconds",
		DefaultValue: 30,
		EnvVar:       "S3_LOG_PARSER_CATALOG_REQUEST_TIMEOUT_SECONDS",
	},

	// Publication of mapped artifacts
	"publish.enabled": util.ConfigVarSpec{
		Help:         "Whether to upload usage-log artifacts to S3 after mapping",
		DefaultValue: false,
		EnvVar:       "S3_LOG_PARSER_PUBLISH_ENABLED",
	},
	"publish.bucket": util.ConfigVarSpec{
		Help:         "Destination bucket for published artifacts",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_PUBLISH_BUCKET",
	},
	"publish.prefix": util.ConfigVarSpec{
		Help:         "Key prefix for published artifacts",
		DefaultValue: "usage-logs",
		EnvVar:       "S3_LOG_PARSER_PUBLISH_PREFIX",
	},
	"publish.endpoint": util.ConfigVarSpec{
		Help:         "S3 endpoint URL (empty for AWS)",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_PUBLISH_ENDPOINT",
	},
	"publish.access-key-id": util.ConfigVarSpec{
		Help:         "S3 access key ID for publication",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_PUBLISH_ACCESS_KEY_ID",
	},
	"publish.secret-access-key": util.ConfigVarSpec{
		Help:         "S3 secret access key for publication",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_PUBLISH_SECRET_ACCESS_KEY",
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
		DefaultValue: 9092,
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

	if ConfigSpec.GetString("mapping.shards-root") == "" {
		return fmt.Errorf("mapping.shards-root must be set")
	}
	if ConfigSpec.GetString("mapping.usage-logs-root") == "" {
		return fmt.Errorf("mapping.usage-logs-root must be set")
	}
	if ConfigSpec.GetString("mapping.catalog-url") == "" {
		return fmt.Errorf("mapping.catalog-url must be set")
	}

	shardCount := ConfigSpec.GetInt("mapping.shard-count")
	if shardCount < 1 || shardCount > 65536 {
		return fmt.Errorf("mapping.shard-count must be in [1,65536], got %d", shardCount)
	}

	excluded := ConfigSpec.GetString("mapping.excluded-datasets")
	restricted := ConfigSpec.GetString("mapping.restrict-to-datasets")
	if excluded != "" && restricted != "" {
		return fmt.Errorf("mapping.excluded-datasets and mapping.restrict-to-datasets are mutually exclusive")
	}

	if limit := ConfigSpec.GetInt("mapping.dataset-limit"); limit < 0 {
		return fmt.Errorf("mapping.dataset-limit cannot be negative, got %d", limit)
	}

	if ConfigSpec.GetBool("publish.enabled") {
		if ConfigSpec.GetString("publish.bucket") == "" {
			return fmt.Errorf("publish.bucket must be set when publication is enabled")
		}
		if ConfigSpec.GetString("publish.access-key-id") == "" ||
			ConfigSpec.GetString("publish.secret-access-key") == "" {
			return fmt.Errorf("publish credentials must be set when publication is enabled")
		}
	}

	return nil
}
