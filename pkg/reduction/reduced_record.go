package reduction

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field names accepted in a projection, matching the reduced-artifact
// column headers.
const (
	FieldObjectKey = "object_key"
	FieldTimestamp = "timestamp"
	FieldIPAddress = "ip_address"
	FieldBytesSent = "bytes_sent"
)

// DefaultFields is the default projection: everything the downstream
// binning and mapping stages need, nothing more.
var DefaultFields = []string{FieldObjectKey, FieldTimestamp, FieldIPAddress, FieldBytesSent}

// reducedTimestampLayout is the serialized timestamp form in reduced and
// shard artifacts. Chronological order equals lexical order, which the
// mapping stage relies on when sorting entries.
const reducedTimestampLayout = "2006-01-02T15:04:05"

// ReducedRecord is the projection of an access record that survived the
// status, IP-exclusion, and operation-type filters.
type ReducedRecord struct {
	Timestamp time.Time
	ObjectKey string
	ClientIP  string
	BytesSent uint64
}

// MarshalTSV serializes the record as one tab-separated artifact row using
// the given projection.
func (record ReducedRecord) MarshalTSV(fields []string) (string, error) {
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		switch field {
		case FieldObjectKey:
			columns = append(columns, record.ObjectKey)
		case FieldTimestamp:
			columns = append(columns, record.Timestamp.Format(reducedTimestampLayout))
		case FieldIPAddress:
			columns = append(columns, record.ClientIP)
		case FieldBytesSent:
			columns = append(columns, strconv.FormatUint(record.BytesSent, 10))
		default:
			return "", fmt.Errorf("unknown projection field %q", field)
		}
	}
	return strings.Join(columns, "\t"), nil
}

// UnmarshalTSV parses one artifact row written with the given projection.
func UnmarshalTSV(row string, fields []string) (ReducedRecord, error) {
	columns := strings.Split(row, "\t")
	if len(columns) != len(fields) {
		return ReducedRecord{}, fmt.Errorf(
			"row has %d columns, projection has %d fields", len(columns), len(fields))
	}

	var record ReducedRecord
	for i, field := range fields {
		switch field {
		case FieldObjectKey:
			record.ObjectKey = columns[i]
		case FieldTimestamp:
			timestamp, err := time.Parse(reducedTimestampLayout, columns[i])
			if err != nil {
				return ReducedRecord{}, fmt.Errorf("bad timestamp column %q: %w", columns[i], err)
			}
			record.Timestamp = timestamp
		case FieldIPAddress:
			record.ClientIP = columns[i]
		case FieldBytesSent:
			bytesSent, err := strconv.ParseUint(columns[i], 10, 64)
			if err != nil {
				return ReducedRecord{}, fmt.Errorf("bad bytes-sent column %q: %w", columns[i], err)
			}
			record.BytesSent = bytesSent
		default:
			return ReducedRecord{}, fmt.Errorf("unknown projection field %q", field)
		}
	}
	return record, nil
}

// ValidateFields checks that a configured projection names only known
// fields and includes the object key, which binning cannot work without.
func ValidateFields(fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("projection must name at least one field")
	}
	hasObjectKey := false
	for _, field := range fields {
		switch field {
		case FieldObjectKey:
			hasObjectKey = true
		case FieldTimestamp, FieldIPAddress, FieldBytesSent:
		default:
			return fmt.Errorf("unknown projection field %q", field)
		}
	}
	if !hasObjectKey {
		return fmt.Errorf("projection must include %s", FieldObjectKey)
	}
	return nil
}
