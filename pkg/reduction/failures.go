package reduction

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dandi/s3-log-parser/pkg/accesslog"
	"github.com/dandi/s3-log-parser/pkg/util"
)

// FailureSink persists decode failures for later manual review. It is the
// only mutable state shared between reduction workers; appends are
// serialized under a single mutex and happen once per source file, not per
// line, to bound contention.
type FailureSink struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	count int64
}

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func newTaskID() string {
	id := make([]byte, 5)
	for i := range id {
		//nolint:gosec // Non-cryptographic randomness is fine for a file-name tag
		id[i] = taskIDAlphabet[rand.IntN(len(taskIDAlphabet))]
	}
	return string(id)
}

// NewFailureSink creates an append-only failure file under errorsRoot. The
// name carries the tool version, run date, and a random task id so
// concurrent or repeated runs never collide.
func NewFailureSink(errorsRoot string) (*FailureSink, error) {
	if err := os.MkdirAll(errorsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create errors directory: %w", err)
	}

	name := fmt.Sprintf("v%s_%s_line_errors_%s.txt",
		util.Version, time.Now().Format("060102"), newTaskID())
	path := filepath.Join(errorsRoot, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open failure sink: %w", err)
	}

	return &FailureSink{file: file, path: path}, nil
}

// Append writes a batch of failures from one source file. Safe for
// concurrent use.
func (sink *FailureSink) Append(failures []accesslog.DecodeFailure) error {
	if len(failures) == 0 {
		return nil
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	for _, failure := range failures {
		entry := fmt.Sprintf("%s:%d: %s\n%s\n\n",
			failure.SourceFile, failure.LineNumber, failure.Reason, failure.RawLine)
		if _, err := sink.file.WriteString(entry); err != nil {
			return fmt.Errorf("failed to append to failure sink: %w", err)
		}
	}
	sink.count += int64(len(failures))
	return nil
}

// Count returns the number of failures recorded so far.
func (sink *FailureSink) Count() int64 {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.count
}

// Path returns the sink file location for run-summary reporting.
func (sink *FailureSink) Path() string {
	return sink.path
}

// Close flushes and closes the sink file.
func (sink *FailureSink) Close() error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.file.Close()
}
