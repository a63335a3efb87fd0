package reduction

import (
	"strings"

	"github.com/dandi/s3-log-parser/pkg/accesslog"
)

// FilterConfig holds the keep/drop policy applied to every decoded record.
// It is built once at process start and treated as read-only thereafter, so
// workers can share it without locking.
type FilterConfig struct {
	// ExcludedIPs are requester addresses whose traffic is dropped
	// (internal services, health checks, the archive's own crawlers).
	ExcludedIPs map[string]bool

	// OperationType is the single accepted operation, e.g. "REST.GET.OBJECT".
	OperationType string

	// MinStatusCode and MaxStatusCode bound the accepted status codes as a
	// half-open interval [min, max).
	MinStatusCode int
	MaxStatusCode int

	// ObjectKeyParents restricts records to object keys whose first path
	// segment is in the set. Empty means no restriction.
	ObjectKeyParents map[string]bool
}

// DefaultFilterConfig returns the standard policy: successful object reads
// of archive-owned keys.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		ExcludedIPs:      map[string]bool{},
		OperationType:    "REST.GET.OBJECT",
		MinStatusCode:    200,
		MaxStatusCode:    300,
		ObjectKeyParents: map[string]bool{"blobs": true, "zarr": true},
	}
}

// ApplyFilter returns the reduced projection of a record, or ok=false if
// any predicate rejects it. Predicates run in a fixed order -- status code,
// IP exclusion, operation type, object-key projection -- and short-circuit
// at the first failure. The function is pure.
func ApplyFilter(record accesslog.AccessRecord, cfg FilterConfig) (ReducedRecord, bool) {
	if record.StatusCode < cfg.MinStatusCode || record.StatusCode >= cfg.MaxStatusCode {
		return ReducedRecord{}, false
	}
	if cfg.ExcludedIPs[record.ClientIP] {
		return ReducedRecord{}, false
	}
	if record.Operation != cfg.OperationType {
		return ReducedRecord{}, false
	}

	objectKey := NormalizeObjectKey(record.ObjectKey)
	if len(cfg.ObjectKeyParents) > 0 {
		parent, _, _ := strings.Cut(objectKey, "/")
		if !cfg.ObjectKeyParents[parent] {
			return ReducedRecord{}, false
		}
	}

	return ReducedRecord{
		ObjectKey: objectKey,
		Timestamp: record.Timestamp,
		ClientIP:  record.ClientIP,
		BytesSent: record.BytesSent,
	}, true
}

// NormalizeObjectKey collapses array-store keys to their store root: every
// request below "zarr/<id>/..." counts against the single zarr object
// "zarr/<id>". Blob keys are already one object per key and pass through.
func NormalizeObjectKey(objectKey string) string {
	segments := strings.Split(objectKey, "/")
	if segments[0] == "zarr" && len(segments) >= 2 {
		return segments[0] + "/" + segments[1]
	}
	return objectKey
}
