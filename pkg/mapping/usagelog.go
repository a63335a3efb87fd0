package mapping

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// usageTimestampLayout matches the reduced-artifact timestamp form, so
// chronological order equals lexical order in the output as well.
const usageTimestampLayout = "2006-01-02T15:04:05"

// UsageLogEntry is one line of a dataset-version usage log: who downloaded
// what, when, how much.
type UsageLogEntry struct {
	Timestamp time.Time
	ClientIP  string
	AssetPath string
	BytesSent uint64

	// ObjectKey is not written to the public artifact; it forms the
	// deduplication key together with the timestamp.
	ObjectKey string
}

func (entry UsageLogEntry) marshalTSV() string {
	return strings.Join([]string{
		entry.Timestamp.Format(usageTimestampLayout),
		entry.ClientIP,
		strconv.FormatUint(entry.BytesSent, 10),
		entry.AssetPath,
	}, "\t")
}

func (entry UsageLogEntry) dedupKey() string {
	return entry.ObjectKey + "\t" + entry.Timestamp.Format(usageTimestampLayout)
}

// dedupIndexSuffix names the companion file that records the
// (object key, timestamp) pair of every emitted entry. Mapping runs
// repeatedly with append semantics; the index is what makes re-runs
// idempotent without exposing object keys in the public artifact.
const dedupIndexSuffix = ".keys"

// usageLogWriter appends entries for one (dataset, version) output,
// suppressing entries already emitted by a previous run.
type usageLogWriter struct {
	outputPath string
	emitted    map[string]bool

	appended []UsageLogEntry
}

// newUsageLogWriter loads the dedup index of an existing output, if any.
func newUsageLogWriter(outputRoot, datasetID, versionID string) (*usageLogWriter, error) {
	outputPath := filepath.Join(outputRoot, datasetID, versionID+".tsv")

	writer := &usageLogWriter{
		outputPath: outputPath,
		emitted:    map[string]bool{},
	}

	indexFile, err := os.Open(outputPath + dedupIndexSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return writer, nil
		}
		return nil, fmt.Errorf("cannot read dedup index: %w", err)
	}
	defer func() { _ = indexFile.Close() }()

	scanner := bufio.NewScanner(indexFile)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			writer.emitted[line] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dedup index: %w", err)
	}
	return writer, nil
}

// add queues an entry unless a previous run already emitted its
// (object key, timestamp) pair. The index only guards against re-emitting
// on a re-run: distinct records that happen to share a pair within one run
// (same object, same second, different requester or byte count) are all
// real traffic and all kept. Returns whether the entry was queued.
func (writer *usageLogWriter) add(entry UsageLogEntry) bool {
	if writer.emitted[entry.dedupKey()] {
		return false
	}
	writer.appended = append(writer.appended, entry)
	return true
}

// flush appends the dedup keys of the queued entries, then the entries
// themselves (chronologically sorted). The index is written first so that
// a crash between the two appends can only suppress a future re-emit; the
// public artifact never receives the same entry twice.
func (writer *usageLogWriter) flush() error {
	if len(writer.appended) == 0 {
		return nil
	}

	sort.Slice(writer.appended, func(i, j int) bool {
		return writer.appended[i].Timestamp.Before(writer.appended[j].Timestamp)
	})

	if err := os.MkdirAll(filepath.Dir(writer.outputPath), 0o755); err != nil {
		return fmt.Errorf("cannot create usage-log directory: %w", err)
	}

	var rows, keys strings.Builder
	indexed := map[string]bool{}
	for _, entry := range writer.appended {
		rows.WriteString(entry.marshalTSV())
		rows.WriteByte('\n')
		if key := entry.dedupKey(); !indexed[key] {
			indexed[key] = true
			keys.WriteString(key)
			keys.WriteByte('\n')
		}
	}

	if err := appendToFile(writer.outputPath+dedupIndexSuffix, keys.String()); err != nil {
		return err
	}
	if err := appendToFile(writer.outputPath, rows.String()); err != nil {
		return err
	}

	for key := range indexed {
		writer.emitted[key] = true
	}
	writer.appended = nil
	return nil
}

func appendToFile(path, content string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("append to %s failed: %w", path, err)
	}
	return file.Sync()
}

// readUsageLog loads every entry of an existing output artifact, for
// summary regeneration.
func readUsageLog(outputPath string) ([]UsageLogEntry, error) {
	file, err := os.Open(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var entries []UsageLogEntry
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		row := scanner.Text()
		if row == "" {
			continue
		}
		columns := strings.Split(row, "\t")
		if len(columns) != 4 {
			return nil, fmt.Errorf("malformed usage-log row at %s:%d", outputPath, lineNumber)
		}
		timestamp, err := time.Parse(usageTimestampLayout, columns[0])
		if err != nil {
			return nil, fmt.Errorf("bad timestamp at %s:%d: %w", outputPath, lineNumber, err)
		}
		bytesSent, err := strconv.ParseUint(columns[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad byte count at %s:%d: %w", outputPath, lineNumber, err)
		}
		entries = append(entries, UsageLogEntry{
			Timestamp: timestamp,
			ClientIP:  columns[1],
			BytesSent: bytesSent,
			AssetPath: columns[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// writeVersionSummaries regenerates the per-day and per-asset rollups for
// one dataset version from its full usage log. Regeneration (rather than
// incremental update) keeps the rollups correct under append semantics.
func writeVersionSummaries(outputPath string) error {
	entries, err := readUsageLog(outputPath)
	if err != nil {
		return fmt.Errorf("cannot re-read usage log for summaries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	bytesByDay := map[string]uint64{}
	bytesByAsset := map[string]uint64{}
	for _, entry := range entries {
		bytesByDay[entry.Timestamp.Format("2006-01-02")] += entry.BytesSent
		bytesByAsset[entry.AssetPath] += entry.BytesSent
	}

	versionDir := strings.TrimSuffix(outputPath, ".tsv")
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return fmt.Errorf("cannot create summary directory: %w", err)
	}

	days := make([]string, 0, len(bytesByDay))
	for day := range bytesByDay {
		days = append(days, day)
	}
	sort.Strings(days)
	var byDay strings.Builder
	byDay.WriteString("date\tbytes_sent\n")
	for _, day := range days {
		fmt.Fprintf(&byDay, "%s\t%d\n", day, bytesByDay[day])
	}
	if err := os.WriteFile(filepath.Join(versionDir, "summary_by_day.tsv"),
		[]byte(byDay.String()), 0o644); err != nil {
		return err
	}

	// Assets sorted by descending traffic, ties broken by path.
	assets := make([]string, 0, len(bytesByAsset))
	for asset := range bytesByAsset {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		if bytesByAsset[assets[i]] != bytesByAsset[assets[j]] {
			return bytesByAsset[assets[i]] > bytesByAsset[assets[j]]
		}
		return assets[i] < assets[j]
	})
	var byAsset strings.Builder
	byAsset.WriteString("asset_path\tbytes_sent\n")
	for _, asset := range assets {
		fmt.Fprintf(&byAsset, "%s\t%d\n", asset, bytesByAsset[asset])
	}
	return os.WriteFile(filepath.Join(versionDir, "summary_by_asset.tsv"),
		[]byte(byAsset.String()), 0o644)
}
