package binning

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dandi/s3-log-parser/pkg/reduction"
)

const (
	// SentinelFileName marks a binning run in progress. If it survives the
	// run, the process died mid-append and shard artifacts may hold a
	// truncated trailing record; the operator must clear the shard
	// directory before re-running. Binning is cheap to redo relative to
	// reduction, so there is no incremental patch-up.
	SentinelFileName = "BINNING_IN_PROGRESS"

	// DoneListFileName records reduced artifacts that were fully binned,
	// so a run bounded by the per-run file limit resumes where the
	// previous clean run stopped.
	DoneListFileName = "binned-inputs.list"
)

// Config holds binning engine configuration
//
//nolint:govet // Field alignment is less important than readability for config structs
type Config struct {
	Logger *slog.Logger

	// ReducedRoot is the reduction stage's output tree. Only artifacts
	// carrying a completion marker are consumed.
	ReducedRoot string
	// ShardRoot is where shard artifacts, the sentinel, and the done-list
	// live.
	ShardRoot string

	// ShardCount fixes the partition width. Changing it between runs
	// scatters keys across different shards; the shard directory must be
	// cleared first.
	ShardCount int

	// FileLimit bounds how many reduced artifacts one run consumes.
	// Zero means no limit.
	FileLimit int

	// Fields is the reduced-artifact projection; defaults to
	// reduction.DefaultFields.
	Fields []string

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// Summary reports what a binning run did.
type Summary struct {
	InputsBinned  int
	InputsSkipped int
	RecordsBinned int64
}

// Engine repartitions reduced records by object key into shard artifacts.
// Single sequential pass; unlike reduction it is NOT safe to interrupt
// mid-run (see SentinelFileName).
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine validates the configuration. Configuration errors are fatal
// before any work starts.
func NewEngine(cfg Config) (*Engine, error) {
	if info, err := os.Stat(cfg.ReducedRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("reduced-input root %q is not a readable directory", cfg.ReducedRoot)
	}
	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("shard count must be at least 1, got %d", cfg.ShardCount)
	}
	if cfg.FileLimit < 0 {
		return nil, fmt.Errorf("file limit cannot be negative, got %d", cfg.FileLimit)
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = reduction.DefaultFields
	}
	if err := reduction.ValidateFields(cfg.Fields); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ShardRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create shard root: %w", err)
	}

	return &Engine{cfg: cfg, logger: cfg.Logger}, nil
}

// Run bins every not-yet-binned complete reduced artifact, up to the
// configured per-run limit.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	sentinelPath := filepath.Join(e.cfg.ShardRoot, SentinelFileName)
	if _, err := os.Stat(sentinelPath); err == nil {
		return Summary{}, fmt.Errorf(
			"found leftover %s: a previous binning run was interrupted and shard "+
				"artifacts may be truncated; clear %s and re-run",
			SentinelFileName, e.cfg.ShardRoot)
	}

	alreadyBinned, err := e.loadDoneList()
	if err != nil {
		return Summary{}, err
	}

	inputs, err := e.discoverInputs()
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{}
	var pending []string
	for _, input := range inputs {
		if alreadyBinned[input] {
			summary.InputsSkipped++
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.InputsProcessed.WithLabelValues("skipped").Inc()
			}
			continue
		}
		pending = append(pending, input)
	}
	if e.cfg.FileLimit > 0 && len(pending) > e.cfg.FileLimit {
		pending = pending[:e.cfg.FileLimit]
	}

	e.logger.Info("binning starting",
		"totalInputs", len(inputs),
		"pendingInputs", len(pending),
		"skippedInputs", summary.InputsSkipped,
		"shardCount", e.cfg.ShardCount)

	if len(pending) == 0 {
		return summary, nil
	}

	if err := os.WriteFile(sentinelPath, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return summary, fmt.Errorf("cannot write run sentinel: %w", err)
	}

	for _, input := range pending {
		select {
		case <-ctx.Done():
			// Deliberately leave the sentinel behind: cancellation
			// mid-append is indistinguishable from a crash.
			return summary, ctx.Err()
		default:
		}

		recordCount, err := e.binInput(input)
		if err != nil {
			return summary, fmt.Errorf("binning %s failed: %w", input, err)
		}

		if err := e.appendDoneList(input); err != nil {
			return summary, err
		}

		summary.InputsBinned++
		summary.RecordsBinned += recordCount
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.InputsProcessed.WithLabelValues("binned").Inc()
			e.cfg.Metrics.RecordsBinned.Add(float64(recordCount))
		}
	}

	if err := os.Remove(sentinelPath); err != nil {
		return summary, fmt.Errorf("cannot remove run sentinel: %w", err)
	}

	e.logger.Info("binning completed",
		"binned", summary.InputsBinned,
		"skipped", summary.InputsSkipped,
		"recordsBinned", summary.RecordsBinned)

	return summary, nil
}

// discoverInputs lists complete reduced artifacts in lexical order, so
// repeated runs over the same input set produce identical shard contents.
func (e *Engine) discoverInputs() ([]string, error) {
	var inputs []string
	err := filepath.WalkDir(e.cfg.ReducedRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".tsv" {
			return nil
		}
		// Units still missing their marker are in progress or abandoned;
		// consuming them would break the partition invariant on re-runs.
		if _, err := os.Stat(path + reduction.CompletionMarkerSuffix); err != nil {
			return nil
		}
		relativePath, err := filepath.Rel(e.cfg.ReducedRoot, path)
		if err != nil {
			return err
		}
		inputs = append(inputs, relativePath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk reduced-input tree: %w", err)
	}
	sort.Strings(inputs)
	return inputs, nil
}

// binInput streams one reduced artifact into its shards in two passes: a
// validation pass over every row, then a second pass appending each row to
// its shard through buffered writers. Validating before any append keeps a
// malformed input from leaving rows in some shards but not others, and
// neither pass holds more than one row in memory.
func (e *Engine) binInput(relativePath string) (int64, error) {
	start := time.Now()

	inputFile, err := os.Open(filepath.Join(e.cfg.ReducedRoot, relativePath))
	if err != nil {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.InputsProcessed.WithLabelValues("failed").Inc()
		}
		return 0, err
	}
	defer func() { _ = inputFile.Close() }()

	recordCount, err := e.validateInput(inputFile, relativePath)
	if err != nil {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.InputsProcessed.WithLabelValues("failed").Inc()
		}
		return 0, err
	}
	if _, err := inputFile.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind failed: %w", err)
	}

	shardFiles := make(map[int]*os.File)
	shardWriters := make(map[int]*bufio.Writer)
	defer func() {
		for _, file := range shardFiles {
			_ = file.Close()
		}
	}()

	scanner := bufio.NewScanner(inputFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		row := scanner.Text()
		if row == "" {
			continue
		}
		record, err := reduction.UnmarshalTSV(row, e.cfg.Fields)
		if err != nil {
			return 0, fmt.Errorf("record changed under us at %s: %w", relativePath, err)
		}
		shard := ShardIndex(record.ObjectKey, e.cfg.ShardCount)
		writer, ok := shardWriters[shard]
		if !ok {
			shardFile, err := os.OpenFile(
				filepath.Join(e.cfg.ShardRoot, ShardFileName(shard)),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return 0, fmt.Errorf("cannot open shard artifact: %w", err)
			}
			shardFiles[shard] = shardFile
			writer = bufio.NewWriter(shardFile)
			shardWriters[shard] = writer
		}
		if _, err := writer.WriteString(row + "\n"); err != nil {
			return 0, fmt.Errorf("shard append failed: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read failed: %w", err)
	}

	for _, writer := range shardWriters {
		if err := writer.Flush(); err != nil {
			return 0, fmt.Errorf("shard flush failed: %w", err)
		}
	}
	for _, file := range shardFiles {
		if err := file.Sync(); err != nil {
			return 0, fmt.Errorf("shard sync failed: %w", err)
		}
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.InputDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("binned reduced artifact",
		"input", relativePath,
		"records", recordCount,
		"durationSeconds", time.Since(start).Seconds())

	return recordCount, nil
}

// validateInput scans every row of a reduced artifact without keeping any
// of them, reporting the first malformed record.
func (e *Engine) validateInput(inputFile *os.File, relativePath string) (int64, error) {
	scanner := bufio.NewScanner(inputFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var recordCount int64
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		row := scanner.Text()
		if row == "" {
			continue
		}
		if _, err := reduction.UnmarshalTSV(row, e.cfg.Fields); err != nil {
			return 0, fmt.Errorf("malformed record at %s:%d: %w", relativePath, lineNumber, err)
		}
		recordCount++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read failed: %w", err)
	}
	return recordCount, nil
}

func (e *Engine) loadDoneList() (map[string]bool, error) {
	done := map[string]bool{}
	content, err := os.ReadFile(filepath.Join(e.cfg.ShardRoot, DoneListFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return done, nil
		}
		return nil, fmt.Errorf("cannot read done-list: %w", err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		if line != "" {
			done[line] = true
		}
	}
	return done, nil
}

// appendDoneList records one fully-binned input. Written after all of the
// input's rows are synced to their shards, so the done-list never claims
// more than the shards hold.
func (e *Engine) appendDoneList(relativePath string) error {
	file, err := os.OpenFile(filepath.Join(e.cfg.ShardRoot, DoneListFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open done-list: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.WriteString(relativePath + "\n"); err != nil {
		return fmt.Errorf("cannot append to done-list: %w", err)
	}
	return file.Sync()
}
