package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dandi/s3-log-parser/pkg/reduction"
)

// WriteReducedArtifact writes one reduced artifact under reducedRoot at
// relPath, marshalled with the default field projection, and marks it
// complete so binning will consume it.
func WriteReducedArtifact(reducedRoot, relPath string, records []reduction.ReducedRecord) (string, error) {
	path := filepath.Join(reducedRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	var rows []string
	for _, record := range records {
		row, err := record.MarshalTSV(reduction.DefaultFields)
		if err != nil {
			return "", err
		}
		rows = append(rows, row)
	}
	content := ""
	if len(rows) > 0 {
		content = strings.Join(rows, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}

	marker := fmt.Sprintf("records\t%d\n", len(records))
	if err := os.WriteFile(path+reduction.CompletionMarkerSuffix, []byte(marker), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
