package reduction

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/dandi/s3-log-parser/pkg/accesslog"
)

// contextCheckInterval is how many lines a worker processes between
// cancellation checks.
const contextCheckInterval = 4096

// Config holds reduction engine configuration
//
//nolint:govet // Field alignment is less important than readability for config structs
type Config struct {
	Logger *slog.Logger

	// RawRoot is the root of the dated raw log tree.
	RawRoot string
	// ReducedRoot is where reduced artifacts and their markers are written,
	// mirroring the raw tree's relative layout.
	ReducedRoot string
	// ErrorsRoot is where the decode-failure sink file is created.
	ErrorsRoot string

	// Workers is the fixed worker pool size; each worker owns one raw file
	// at a time end-to-end.
	Workers int
	// MaxBufferBytes is the total in-memory record buffer ceiling, split
	// evenly across workers.
	MaxBufferBytes int64

	Filter FilterConfig
	// Fields is the output projection; defaults to DefaultFields.
	Fields []string

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// Summary reports what a reduction run did. Per-line and per-file failures
// are reported here rather than failing the run.
type Summary struct {
	UnitsProcessed int
	UnitsSkipped   int
	UnitsFailed    int

	LinesRead      int64
	DecodeFailures int64
	RecordsKept    int64
	BytesKept      uint64

	FailureSinkPath string

	// UnitErrors aggregates per-file failures for reporting. A non-nil
	// value does not make the run itself an error.
	UnitErrors error
}

// Engine drives a bounded worker pool over the raw log files. Workers share
// only the read-only filter configuration and the append-only failure sink.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	failures *FailureSink
}

// NewEngine validates the configuration and prepares output locations.
// Configuration errors here are fatal before any work starts.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", cfg.Workers)
	}
	if cfg.MaxBufferBytes < 1 {
		return nil, fmt.Errorf("max buffer bytes must be positive, got %d", cfg.MaxBufferBytes)
	}
	if info, err := os.Stat(cfg.RawRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("raw-log root %q is not a readable directory", cfg.RawRoot)
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultFields
	}
	if err := ValidateFields(cfg.Fields); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ReducedRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create reduced-output root: %w", err)
	}

	failures, err := NewFailureSink(cfg.ErrorsRoot)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		failures: failures,
	}, nil
}

// Close releases the failure sink.
func (e *Engine) Close() error {
	return e.failures.Close()
}

// Run reduces every raw file that does not yet carry a completion marker.
// Safe to interrupt: a unit is only trusted once its marker exists, and
// units without markers are redone from scratch on the next run.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	units, err := DiscoverUnits(e.cfg.RawRoot, e.cfg.ReducedRoot)
	if err != nil {
		return Summary{}, err
	}

	var pending []ReductionUnit
	summary := Summary{FailureSinkPath: e.failures.Path()}
	for _, unit := range units {
		if unit.State() == UnitComplete {
			summary.UnitsSkipped++
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.UnitsProcessed.WithLabelValues("skipped").Inc()
			}
			continue
		}
		pending = append(pending, unit)
	}

	// Directory walks return units in lexical (chronological) order; file
	// sizes vary wildly by date, so shuffle for uniform worker load.
	rand.Shuffle(len(pending), func(i, j int) {
		pending[i], pending[j] = pending[j], pending[i]
	})

	e.logger.Info("reduction starting",
		"totalUnits", len(units),
		"pendingUnits", len(pending),
		"skippedUnits", summary.UnitsSkipped,
		"workers", e.cfg.Workers)

	perWorkerBudget := e.cfg.MaxBufferBytes / int64(e.cfg.Workers)
	if perWorkerBudget < 1 {
		perWorkerBudget = 1
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var unitErrors *multierror.Error

	sem := make(chan struct{}, e.cfg.Workers)

	for _, unit := range pending {
		unit := unit
		wg.Add(1)

		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			result, err := e.reduceUnit(ctx, unit, perWorkerBudget)

			mu.Lock()
			defer mu.Unlock()
			summary.LinesRead += result.linesRead
			summary.DecodeFailures += result.decodeFailures
			summary.RecordsKept += result.recordsKept
			summary.BytesKept += result.bytesKept

			if err != nil {
				summary.UnitsFailed++
				unitErrors = multierror.Append(unitErrors,
					fmt.Errorf("unit %s: %w", unit.RelativePath, err))
				if e.cfg.Metrics != nil {
					e.cfg.Metrics.UnitsProcessed.WithLabelValues("failed").Inc()
				}
				e.logger.Error("reduction unit failed",
					"unit", unit.RelativePath, "error", err)
				return
			}

			summary.UnitsProcessed++
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.UnitsProcessed.WithLabelValues("complete").Inc()
			}
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	summary.UnitErrors = unitErrors.ErrorOrNil()
	e.logger.Info("reduction completed",
		"processed", summary.UnitsProcessed,
		"skipped", summary.UnitsSkipped,
		"failed", summary.UnitsFailed,
		"recordsKept", summary.RecordsKept,
		"decodeFailures", summary.DecodeFailures,
		"bytesKept", humanize.Bytes(summary.BytesKept))

	return summary, nil
}

type unitResult struct {
	linesRead      int64
	decodeFailures int64
	recordsKept    int64
	bytesKept      uint64
}

// reduceUnit streams one raw file line by line, never materializing the
// whole file, and appends filtered records to the unit's artifact in
// buffered flushes. The completion marker is written last, after the final
// flush is synced.
func (e *Engine) reduceUnit(ctx context.Context, unit ReductionUnit, bufferBudget int64) (unitResult, error) {
	start := time.Now()
	var result unitResult

	rawFile, err := os.Open(unit.RawPath)
	if err != nil {
		return result, fmt.Errorf("cannot open raw file: %w", err)
	}
	defer func() { _ = rawFile.Close() }()

	if err := os.MkdirAll(filepath.Dir(unit.ReducedPath), 0o755); err != nil {
		return result, fmt.Errorf("cannot create output directory: %w", err)
	}

	// No marker means any existing output is an untrusted partial flush;
	// truncate and redo from scratch.
	output, err := os.OpenFile(unit.ReducedPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return result, fmt.Errorf("cannot open reduced artifact: %w", err)
	}
	defer func() { _ = output.Close() }()

	var (
		buffer        []string
		bufferedBytes int64
		failures      []accesslog.DecodeFailure
		lineNumber    int
	)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if _, err := output.WriteString(strings.Join(buffer, "\n") + "\n"); err != nil {
			return fmt.Errorf("failed to flush records: %w", err)
		}
		buffer = buffer[:0]
		bufferedBytes = 0
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.BufferFlushes.Inc()
		}
		return nil
	}

	reader := bufio.NewReader(rawFile)
	for {
		if lineNumber%contextCheckInterval == 0 {
			select {
			case <-ctx.Done():
				// No marker is written, so this unit is redone next run.
				return result, ctx.Err()
			default:
			}
		}

		rawLine, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return result, fmt.Errorf("read failed at line %d: %w", lineNumber+1, readErr)
		}
		rawLine = strings.TrimRight(rawLine, "\r\n")
		if rawLine != "" {
			lineNumber++
			result.linesRead++

			record, failure := accesslog.DecodeLine(rawLine)
			if failure != nil {
				failure.SourceFile = unit.RelativePath
				failure.LineNumber = lineNumber
				failures = append(failures, *failure)
				result.decodeFailures++
			} else if reduced, ok := ApplyFilter(record, e.cfg.Filter); ok {
				row, err := reduced.MarshalTSV(e.cfg.Fields)
				if err != nil {
					return result, err
				}
				buffer = append(buffer, row)
				bufferedBytes += int64(len(row)) + 1
				result.recordsKept++
				result.bytesKept += reduced.BytesSent

				if bufferedBytes >= bufferBudget {
					if err := flush(); err != nil {
						return result, err
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if err := flush(); err != nil {
		return result, err
	}
	if err := output.Sync(); err != nil {
		return result, fmt.Errorf("failed to sync reduced artifact: %w", err)
	}
	if err := output.Close(); err != nil {
		return result, fmt.Errorf("failed to close reduced artifact: %w", err)
	}

	// Failures are appended once per file to bound synchronization on the
	// shared sink. A sink error fails the unit (failures must never be
	// silently dropped) but leaves the artifact itself intact.
	if err := e.failures.Append(failures); err != nil {
		return result, err
	}

	// Marker last: its presence guarantees the output above is complete.
	if err := unit.WriteMarker(result.recordsKept); err != nil {
		return result, err
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.LinesRead.Add(float64(result.linesRead))
		e.cfg.Metrics.DecodeFailures.Add(float64(result.decodeFailures))
		e.cfg.Metrics.RecordsKept.Add(float64(result.recordsKept))
		e.cfg.Metrics.UnitDuration.Observe(time.Since(start).Seconds())
	}

	e.logger.Debug("reduction unit complete",
		"unit", unit.RelativePath,
		"linesRead", result.linesRead,
		"recordsKept", result.recordsKept,
		"decodeFailures", result.decodeFailures,
		"durationSeconds", time.Since(start).Seconds())

	return result, nil
}
