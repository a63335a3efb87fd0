package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"sync/atomic"
)

// AssetFixture is one asset of a fake catalog version.
type AssetFixture struct {
	AssetID string  `json:"asset_id"`
	Path    string  `json:"path"`
	Blob    *string `json:"blob"`
	Zarr    *string `json:"zarr"`
}

// VersionFixture is one version of a fake catalog dataset.
type VersionFixture struct {
	Version string
	Assets  []AssetFixture
}

// FakeCatalog serves the archive catalog's listing endpoints from in-memory
// fixtures, with the same paginated response envelope as the real API.
type FakeCatalog struct {
	// Datasets maps dataset identifiers to their versions, in listing order.
	Datasets map[string][]VersionFixture

	// PageSize splits listings into pages when positive, to exercise
	// pagination. Zero serves everything in one page.
	PageSize int

	// FailuresBeforeSuccess makes the server answer 503 this many times
	// before serving normally, to exercise retries.
	FailuresBeforeSuccess int32

	Requests atomic.Int64

	server   *httptest.Server
	failures atomic.Int32
}

var (
	versionsPattern = regexp.MustCompile(`^/dandisets/([^/]+)/versions/$`)
	assetsPattern   = regexp.MustCompile(`^/dandisets/([^/]+)/versions/([^/]+)/assets/$`)
)

// Start launches the fake server. The caller must Close it.
func (catalog *FakeCatalog) Start() *httptest.Server {
	catalog.failures.Store(catalog.FailuresBeforeSuccess)
	catalog.server = httptest.NewServer(http.HandlerFunc(catalog.handle))
	return catalog.server
}

// URL returns the running server's base URL.
func (catalog *FakeCatalog) URL() string {
	return catalog.server.URL
}

// Close shuts the fake server down.
func (catalog *FakeCatalog) Close() {
	catalog.server.Close()
}

func (catalog *FakeCatalog) handle(writer http.ResponseWriter, request *http.Request) {
	catalog.Requests.Add(1)
	if catalog.failures.Add(-1) >= 0 {
		http.Error(writer, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	path := request.URL.Path
	switch {
	case path == "/dandisets/":
		identifiers := make([]string, 0, len(catalog.Datasets))
		for identifier := range catalog.Datasets {
			identifiers = append(identifiers, identifier)
		}
		// Stable order so pagination offsets are consistent across requests.
		sort.Strings(identifiers)
		catalog.servePage(writer, request, datasetRows(identifiers))

	case versionsPattern.MatchString(path):
		datasetID := versionsPattern.FindStringSubmatch(path)[1]
		versions, ok := catalog.Datasets[datasetID]
		if !ok {
			http.NotFound(writer, request)
			return
		}
		rows := make([]any, 0, len(versions))
		for _, version := range versions {
			rows = append(rows, map[string]string{"version": version.Version})
		}
		catalog.servePage(writer, request, rows)

	case assetsPattern.MatchString(path):
		matches := assetsPattern.FindStringSubmatch(path)
		version, ok := catalog.findVersion(matches[1], matches[2])
		if !ok {
			http.NotFound(writer, request)
			return
		}
		rows := make([]any, 0, len(version.Assets))
		for _, asset := range version.Assets {
			rows = append(rows, asset)
		}
		catalog.servePage(writer, request, rows)

	default:
		http.NotFound(writer, request)
	}
}

func (catalog *FakeCatalog) findVersion(datasetID, versionID string) (VersionFixture, bool) {
	for _, version := range catalog.Datasets[datasetID] {
		if version.Version == versionID {
			return version, true
		}
	}
	return VersionFixture{}, false
}

func datasetRows(identifiers []string) []any {
	rows := make([]any, 0, len(identifiers))
	for _, identifier := range identifiers {
		rows = append(rows, map[string]string{"identifier": identifier})
	}
	return rows
}

// servePage answers one page of results, linking to the next page when the
// fixture's page size is exceeded.
func (catalog *FakeCatalog) servePage(writer http.ResponseWriter, request *http.Request, rows []any) {
	offset := 0
	if rawOffset := request.URL.Query().Get("offset"); rawOffset != "" {
		offset, _ = strconv.Atoi(rawOffset)
	}
	if offset > len(rows) {
		offset = len(rows)
	}

	end := len(rows)
	var next *string
	if catalog.PageSize > 0 && offset+catalog.PageSize < len(rows) {
		end = offset + catalog.PageSize
		nextURL := fmt.Sprintf("%s%s?offset=%d", catalog.server.URL, request.URL.Path, end)
		next = &nextURL
	}

	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"count":   len(rows),
		"next":    next,
		"results": rows[offset:end],
	})
}

// StrPtr returns a pointer to the given string, for fixture literals.
func StrPtr(s string) *string {
	return &s
}
