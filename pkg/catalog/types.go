package catalog

import (
	"context"
	"fmt"
)

// DraftVersionID is the identifier of the single mutable version every
// dataset carries. All other versions are immutable once published.
const DraftVersionID = "draft"

// Manifest is one dataset version's object-key-to-display-path mapping.
type Manifest struct {
	DatasetID string
	VersionID string

	// PathsByKey maps a storage object key (blob or array-store form) to
	// the asset's human-readable path within the dataset.
	PathsByKey map[string]string
}

// IsDraft reports whether the manifest belongs to the mutable draft
// version.
func (m *Manifest) IsDraft() bool {
	return m.VersionID == DraftVersionID
}

// API is the queryable oracle over the archive's dataset/version/asset
// catalog. The mapping engine depends on this interface; the HTTP client
// below is the production implementation.
type API interface {
	// ListDatasets returns the identifiers of all known datasets.
	ListDatasets(ctx context.Context) ([]string, error)

	// ListVersions returns a dataset's version identifiers: every
	// published version plus the draft.
	ListVersions(ctx context.Context, datasetID string) ([]string, error)

	// GetManifest returns the object-key manifest for one dataset version.
	GetManifest(ctx context.Context, datasetID, versionID string) (*Manifest, error)
}

// BlobObjectKey derives the storage object key for a blob id. Blobs are
// stored fanned out under their first two id triplets.
func BlobObjectKey(blobID string) (string, error) {
	if len(blobID) < 6 {
		return "", fmt.Errorf("blob id %q is too short", blobID)
	}
	return "blobs/" + blobID[:3] + "/" + blobID[3:6] + "/" + blobID, nil
}

// ZarrObjectKey derives the storage object key for an array-store id. All
// member objects of one store reduce to this single key.
func ZarrObjectKey(zarrID string) string {
	return "zarr/" + zarrID
}
