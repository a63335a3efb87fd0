package reduction

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// UnitState is the persisted completion state of one reduction unit.
type UnitState int

const (
	// UnitNotStarted means no trusted output exists. Output without a
	// marker is also treated as not-started: partial flushes are not
	// self-describing, so the unit is redone from scratch.
	UnitNotStarted UnitState = iota
	// UnitComplete means the completion marker is present, which
	// guarantees the output artifact was fully flushed before the marker
	// was written.
	UnitComplete
)

// CompletionMarkerSuffix is appended to a reduced artifact path to form its
// completion marker path.
const CompletionMarkerSuffix = ".done"

// ReductionUnit is one raw log file together with its derived reduced
// artifact and completion marker.
type ReductionUnit struct {
	// RelativePath identifies the unit within the raw-log tree,
	// e.g. "2024/08/10.log".
	RelativePath string
	RawPath      string
	ReducedPath  string
	MarkerPath   string
}

// State inspects the filesystem for the unit's completion state.
func (unit ReductionUnit) State() UnitState {
	if _, err := os.Stat(unit.MarkerPath); err == nil {
		return UnitComplete
	}
	return UnitNotStarted
}

// WriteMarker records completion. Called only after the final flush has
// been written and synced; the marker's presence is the resumability
// contract.
func (unit ReductionUnit) WriteMarker(recordCount int64) error {
	content := fmt.Sprintf("records\t%d\n", recordCount)
	if err := os.WriteFile(unit.MarkerPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}
	return nil
}

// DiscoverUnits walks the raw-log tree and returns one unit per dated log
// file. A raw file is any *.log whose stem is numeric (the daily layout is
// <root>/<year>/<month>/<day>.log, but any nesting is accepted).
func DiscoverUnits(rawRoot, reducedRoot string) ([]ReductionUnit, error) {
	var units []ReductionUnit

	err := filepath.WalkDir(rawRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".log" {
			return nil
		}
		stem := strings.TrimSuffix(entry.Name(), ".log")
		if !isNumeric(stem) {
			return nil
		}

		relativePath, err := filepath.Rel(rawRoot, path)
		if err != nil {
			return err
		}
		reducedPath := filepath.Join(reducedRoot,
			strings.TrimSuffix(relativePath, ".log")+".tsv")

		units = append(units, ReductionUnit{
			RelativePath: relativePath,
			RawPath:      path,
			ReducedPath:  reducedPath,
			MarkerPath:   reducedPath + CompletionMarkerSuffix,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk raw-log tree %s: %w", rawRoot, err)
	}

	return units, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
