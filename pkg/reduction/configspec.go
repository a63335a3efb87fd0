package reduction

import "github.com/dandi/s3-log-parser/pkg/util"

// ConfigSpec defines all configuration items for the run-reduction command
//
//nolint:gochecknoglobals // global config spec is intentional
var ConfigSpec = util.ConfigSpec{
	"reduction.raw-logs-root": util.ConfigVarSpec{
		Help:         "Root directory of the dated raw access-log tree",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_RAW_LOGS_ROOT",
	},
	"reduction.reduced-logs-root": util.ConfigVarSpec{
		Help:         "Directory to write reduced artifacts and completion markers to",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_REDUCED_LOGS_ROOT",
	},
	"reduction.errors-root": util.ConfigVarSpec{
		Help:         "Directory for the decode-failure sink files",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_ERRORS_ROOT",
	},
	"reduction.workers": util.ConfigVarSpec{
		Help:         "Fixed worker pool size (one raw file in flight per worker)",
		DefaultValue: 1,
		EnvVar:       "S3_LOG_PARSER_REDUCTION_WORKERS",
	},
	"reduction.max-buffer-bytes": util.ConfigVarSpec{
		Help:         "Total in-memory record buffer ceiling in bytes, split across workers",
		DefaultValue: int64(4_000_000_000),
		EnvVar:       "S3_LOG_PARSER_REDUCTION_MAX_BUFFER_BYTES",
	},
	"reduction.excluded-ips": util.ConfigVarSpec{
		Help:         "Comma-separated requester IPs to drop",
		DefaultValue: "",
		EnvVar:       "S3_LOG_PARSER_EXCLUDED_IPS",
	},
	"reduction.operation-type": util.ConfigVarSpec{
		Help:         "Accepted operation type",
		DefaultValue: "REST.GET.OBJECT",
		EnvVar:       "S3_LOG_PARSER_OPERATION_TYPE",
	},
	"reduction.object-key-parents": util.ConfigVarSpec{
		Help:         "Comma-separated first path segments of object keys to keep",
		DefaultValue: "blobs,zarr",
		EnvVar:       "S3_LOG_PARSER_OBJECT_KEY_PARENTS",
	},
	"reduction.fields": util.ConfigVarSpec{
		Help:         "Comma-separated output projection fields",
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
		DefaultValue: 9090,
		EnvVar:       "S3_LOG_PARSER_METRICS_SERVER_LISTEN_PORT",
	},
}
