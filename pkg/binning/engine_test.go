package binning_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi/s3-log-parser/pkg/binning"
	"github.com/dandi/s3-log-parser/pkg/reduction"
	"github.com/dandi/s3-log-parser/pkg/testutil"
)

func reducedRecord(objectKey string, day int, bytesSent uint64) reduction.ReducedRecord {
	return reduction.ReducedRecord{
		Timestamp: time.Date(2024, 8, day, 10, 0, 0, 0, time.UTC),
		ObjectKey: objectKey,
		ClientIP:  "192.0.2.10",
		BytesSent: bytesSent,
	}
}

// readAllShardRows collects every row across all shard artifacts.
func readAllShardRows(shardRoot string) []string {
	entries, err := os.ReadDir(shardRoot)
	Expect(err).NotTo(HaveOccurred())

	var rows []string
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "shard-") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(shardRoot, entry.Name()))
		Expect(err).NotTo(HaveOccurred())
		for _, row := range strings.Split(string(content), "\n") {
			if row != "" {
				rows = append(rows, row)
			}
		}
	}
	return rows
}

var _ = Describe("Engine", func() {
	var (
		reducedRoot string
		shardRoot   string
		logger      *slog.Logger
	)

	BeforeEach(func() {
		reducedRoot = GinkgoT().TempDir()
		shardRoot = GinkgoT().TempDir()
		logger = slog.New(slog.NewTextHandler(GinkgoWriter, nil))
	})

	newEngine := func(fileLimit int) *binning.Engine {
		engine, err := binning.NewEngine(binning.Config{
			Logger:      logger,
			ReducedRoot: reducedRoot,
			ShardRoot:   shardRoot,
			ShardCount:  8,
			FileLimit:   fileLimit,
		})
		Expect(err).NotTo(HaveOccurred())
		return engine
	}

	It("should partition all records with each key in exactly one shard", func() {
		keys := []string{
			"blobs/aaa/bbb/aaabbb0000000001",
			"blobs/ccc/ddd/cccddd0000000002",
			"zarr/0123abcd",
		}
		var first, second []reduction.ReducedRecord
		for day, key := range keys {
			first = append(first, reducedRecord(key, day+1, 100))
			second = append(second, reducedRecord(key, day+15, 200))
		}
		_, err := testutil.WriteReducedArtifact(reducedRoot, "2024/08/01.tsv", first)
		Expect(err).NotTo(HaveOccurred())
		_, err = testutil.WriteReducedArtifact(reducedRoot, "2024/08/15.tsv", second)
		Expect(err).NotTo(HaveOccurred())

		summary, err := newEngine(0).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.InputsBinned).To(Equal(2))
		Expect(summary.RecordsBinned).To(Equal(int64(6)))

		// Every input row appears exactly once across the shards.
		var inputRows []string
		for _, records := range [][]reduction.ReducedRecord{first, second} {
			for _, record := range records {
				row, err := record.MarshalTSV(reduction.DefaultFields)
				Expect(err).NotTo(HaveOccurred())
				inputRows = append(inputRows, row)
			}
		}
		shardRows := readAllShardRows(shardRoot)
		sort.Strings(inputRows)
		sort.Strings(shardRows)
		Expect(shardRows).To(Equal(inputRows))

		// And each key's rows live in a single shard.
		for _, key := range keys {
			expected := binning.ShardPathForKey(shardRoot, key, 8)
			entries, err := os.ReadDir(shardRoot)
			Expect(err).NotTo(HaveOccurred())
			for _, entry := range entries {
				if !strings.HasPrefix(entry.Name(), "shard-") {
					continue
				}
				path := filepath.Join(shardRoot, entry.Name())
				content, err := os.ReadFile(path)
				Expect(err).NotTo(HaveOccurred())
				if strings.Contains(string(content), key) {
					Expect(path).To(Equal(expected))
				}
			}
		}
	})

	It("should ignore reduced artifacts without a completion marker", func() {
		_, err := testutil.WriteReducedArtifact(reducedRoot, "2024/08/01.tsv",
			[]reduction.ReducedRecord{reducedRecord("blobs/a/b/c", 1, 10)})
		Expect(err).NotTo(HaveOccurred())

		// An in-progress artifact: data but no marker.
		unmarked, err := testutil.WriteReducedArtifact(reducedRoot, "2024/08/02.tsv",
			[]reduction.ReducedRecord{reducedRecord("blobs/d/e/f", 2, 20)})
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Remove(unmarked + reduction.CompletionMarkerSuffix)).To(Succeed())

		summary, err := newEngine(0).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.InputsBinned).To(Equal(1))
		Expect(summary.RecordsBinned).To(Equal(int64(1)))
	})

	It("should refuse to run over a leftover sentinel", func() {
		sentinelPath := filepath.Join(shardRoot, binning.SentinelFileName)
		Expect(os.WriteFile(sentinelPath, []byte("2024-08-10T00:00:00Z\n"), 0o644)).To(Succeed())

		_, err := newEngine(0).Run(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(binning.SentinelFileName))
	})

	It("should remove the sentinel after a clean run", func() {
		_, err := testutil.WriteReducedArtifact(reducedRoot, "2024/08/01.tsv",
			[]reduction.ReducedRecord{reducedRecord("blobs/a/b/c", 1, 10)})
		Expect(err).NotTo(HaveOccurred())

		_, err = newEngine(0).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		_, statErr := os.Stat(filepath.Join(shardRoot, binning.SentinelFileName))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("should resume via the done-list under a file limit", func() {
		for _, relPath := range []string{"2024/08/01.tsv", "2024/08/02.tsv", "2024/08/03.tsv"} {
			_, err := testutil.WriteReducedArtifact(reducedRoot, relPath,
				[]reduction.ReducedRecord{reducedRecord("blobs/a/b/"+relPath, 1, 10)})
			Expect(err).NotTo(HaveOccurred())
		}

		first, err := newEngine(2).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(first.InputsBinned).To(Equal(2))

		second, err := newEngine(2).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(second.InputsBinned).To(Equal(1))
		Expect(second.InputsSkipped).To(Equal(2))

		third, err := newEngine(2).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(third.InputsBinned).To(BeZero())
		Expect(third.InputsSkipped).To(Equal(3))

		Expect(readAllShardRows(shardRoot)).To(HaveLen(3))
	})

	It("should leave shard contents identical when nothing is pending", func() {
		_, err := testutil.WriteReducedArtifact(reducedRoot, "2024/08/01.tsv",
			[]reduction.ReducedRecord{reducedRecord("blobs/a/b/c", 1, 10)})
		Expect(err).NotTo(HaveOccurred())

		_, err = newEngine(0).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		before := readAllShardRows(shardRoot)

		summary, err := newEngine(0).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.InputsBinned).To(BeZero())
		Expect(readAllShardRows(shardRoot)).To(Equal(before))
	})

	It("should fail on a malformed reduced artifact without touching shards", func() {
		path := filepath.Join(reducedRoot, "2024/08/01.tsv")
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte("not\ta\tvalid\trow\textra\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(path+reduction.CompletionMarkerSuffix, []byte("records\t1\n"), 0o644)).To(Succeed())

		_, err := newEngine(0).Run(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("malformed record"))

		Expect(readAllShardRows(shardRoot)).To(BeEmpty())
	})

	It("should leave the sentinel behind when cancelled", func() {
		_, err := testutil.WriteReducedArtifact(reducedRoot, "2024/08/01.tsv",
			[]reduction.ReducedRecord{reducedRecord("blobs/a/b/c", 1, 10)})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = newEngine(0).Run(ctx)
		Expect(err).To(MatchError(context.Canceled))

		_, statErr := os.Stat(filepath.Join(shardRoot, binning.SentinelFileName))
		Expect(statErr).NotTo(HaveOccurred())
	})
})

var _ = Describe("ShardIndex", func() {
	It("should be stable for the same key", func() {
		Expect(binning.ShardIndex("blobs/a/b/c", 1024)).To(
			Equal(binning.ShardIndex("blobs/a/b/c", 1024)))
	})

	It("should stay within the shard count", func() {
		for _, key := range []string{"a", "blobs/x/y/z", "zarr/deadbeef", ""} {
			index := binning.ShardIndex(key, 8)
			Expect(index).To(BeNumerically(">=", 0))
			Expect(index).To(BeNumerically("<", 8))
		}
	})

	It("should format shard file names with a fixed width", func() {
		Expect(binning.ShardFileName(7)).To(Equal("shard-0007.tsv"))
		Expect(binning.ShardFileName(1023)).To(Equal("shard-1023.tsv"))
	})
})
