package reduction

import (
	"fmt"

	"github.com/dandi/s3-log-parser/pkg/util"
)

// MaxWorkers is the hard ceiling on pool size; beyond this the stage is
// I/O bound and extra workers only multiply memory overhead
const MaxWorkers = 128

// ValidateConfig performs additional validation beyond required field checks
func ValidateConfig() error {
	logLevel := ConfigSpec.GetString("log-level")
	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true}
	if !validLevels[logLevel] {
		return fmt.Errorf("invalid log-level: %s (must be error|warn|info|debug)", logLevel)
	}

	if ConfigSpec.GetString("reduction.raw-logs-root") == "" {
		return fmt.Errorf("reduction.raw-logs-root must be set")
	}
	if ConfigSpec.GetString("reduction.reduced-logs-root") == "" {
		return fmt.Errorf("reduction.reduced-logs-root must be set")
	}
	if ConfigSpec.GetString("reduction.errors-root") == "" {
		return fmt.Errorf("reduction.errors-root must be set")
	}

	workers := ConfigSpec.GetInt("reduction.workers")
	if workers < 1 || workers > MaxWorkers {
		return fmt.Errorf("reduction.workers must be in [1,%d], got %d", MaxWorkers, workers)
	}

	maxBufferBytes := ConfigSpec.GetInt64("reduction.max-buffer-bytes")
	if maxBufferBytes < 1 {
		return fmt.Errorf("reduction.max-buffer-bytes must be positive, got %d", maxBufferBytes)
	}

	fields := util.ParseCommaSeparatedList(ConfigSpec.GetString("reduction.fields"))
	if err := ValidateFields(fields); err != nil {
		return fmt.Errorf("reduction.fields: %w", err)
	}

	return nil
}

// FilterConfigFromSpec builds the immutable per-run filter policy from the
// loaded configuration.
func FilterConfigFromSpec() FilterConfig {
	cfg := DefaultFilterConfig()
	cfg.ExcludedIPs = util.StringSet(
		util.ParseCommaSeparatedList(ConfigSpec.GetString("reduction.excluded-ips")))
	cfg.OperationType = ConfigSpec.GetString("reduction.operation-type")
	cfg.ObjectKeyParents = util.StringSet(
		util.ParseCommaSeparatedList(ConfigSpec.GetString("reduction.object-key-parents")))
	return cfg
}
