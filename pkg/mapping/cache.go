package mapping

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dandi/s3-log-parser/pkg/catalog"
)

// ManifestCache persists catalog manifests of published dataset versions
// across runs. Published versions are immutable, so a cached manifest is
// trusted indefinitely; the draft version is never stored here.
type ManifestCache struct {
	db *badger.DB
}

// OpenManifestCache opens (or creates) the cache database at dir.
func OpenManifestCache(dir string) (*ManifestCache, error) {
	options := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("cannot open manifest cache at %s: %w", dir, err)
	}
	return &ManifestCache{db: db}, nil
}

// Close closes the cache database.
func (cache *ManifestCache) Close() error {
	return cache.db.Close()
}

func manifestCacheKey(datasetID, versionID string) []byte {
	return []byte("manifest/" + datasetID + "/" + versionID)
}

// Get returns the cached manifest for a dataset version, if present.
// Draft lookups always miss: draft content is mutable and must be
// revalidated against the catalog on every run.
func (cache *ManifestCache) Get(datasetID, versionID string) (*catalog.Manifest, bool, error) {
	if versionID == catalog.DraftVersionID {
		return nil, false, nil
	}

	var manifest catalog.Manifest
	err := cache.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestCacheKey(datasetID, versionID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &manifest)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("manifest cache read failed for %s/%s: %w", datasetID, versionID, err)
	}
	return &manifest, true, nil
}

// Put stores a manifest. Draft manifests are refused.
func (cache *ManifestCache) Put(manifest *catalog.Manifest) error {
	if manifest.IsDraft() {
		return fmt.Errorf("refusing to cache mutable draft manifest of dataset %s", manifest.DatasetID)
	}

	value, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("cannot encode manifest: %w", err)
	}
	err = cache.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestCacheKey(manifest.DatasetID, manifest.VersionID), value)
	})
	if err != nil {
		return fmt.Errorf("manifest cache write failed for %s/%s: %w",
			manifest.DatasetID, manifest.VersionID, err)
	}
	return nil
}

// Invalidate removes one cached manifest. Used when an operator knows a
// published version was administratively amended.
func (cache *ManifestCache) Invalidate(datasetID, versionID string) error {
	return cache.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(manifestCacheKey(datasetID, versionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
