package binning

import (
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is sized so that one shard of several years of reduced
// traffic stays small enough to scan per object key.
const DefaultShardCount = 1024

// ShardIndex maps an object key to its shard. xxhash is stable across runs
// and platforms, so the same key always lands in the same shard -- the
// partition invariant binning and mapping both rely on.
func ShardIndex(objectKey string, shardCount int) int {
	return int(xxhash.Sum64String(objectKey) % uint64(shardCount))
}

// ShardFileName returns the deterministic artifact name for a shard index.
func ShardFileName(index int) string {
	return fmt.Sprintf("shard-%04d.tsv", index)
}

// ShardPathForKey resolves the shard artifact holding an object key's
// records. Mapping derives shard locations with this alone; there is no
// separate index file.
func ShardPathForKey(shardRoot, objectKey string, shardCount int) string {
	return filepath.Join(shardRoot, ShardFileName(ShardIndex(objectKey, shardCount)))
}
