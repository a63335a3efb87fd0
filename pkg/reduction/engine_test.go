package reduction_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi/s3-log-parser/pkg/reduction"
	"github.com/dandi/s3-log-parser/pkg/testutil"
)

var _ = Describe("Engine", func() {
	var (
		rawRoot     string
		reducedRoot string
		errorsRoot  string
		logger      *slog.Logger
	)

	BeforeEach(func() {
		rawRoot = GinkgoT().TempDir()
		reducedRoot = GinkgoT().TempDir()
		errorsRoot = GinkgoT().TempDir()
		logger = slog.New(slog.NewTextHandler(GinkgoWriter, nil))
	})

	newEngine := func() *reduction.Engine {
		engine, err := reduction.NewEngine(reduction.Config{
			Logger:         logger,
			RawRoot:        rawRoot,
			ReducedRoot:    reducedRoot,
			ErrorsRoot:     errorsRoot,
			Workers:        2,
			MaxBufferBytes: 1 << 20,
			Filter:         reduction.DefaultFilterConfig(),
		})
		Expect(err).NotTo(HaveOccurred())
		return engine
	}

	It("should reduce a raw file into a marked artifact", func() {
		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log",
			testutil.AccessLogLine{
				Timestamp:  time.Date(2024, 8, 10, 1, 2, 3, 0, time.UTC),
				ObjectKey:  "blobs/abc/def/abcdef0123456789",
				ClientIP:   "192.0.2.10",
				StatusCode: 200,
				BytesSent:  100,
			}.String(),
			testutil.AccessLogLine{StatusCode: 403}.String(),
			testutil.AccessLogLine{Operation: "REST.HEAD.OBJECT"}.String(),
		)
		Expect(err).NotTo(HaveOccurred())

		engine := newEngine()
		defer func() { _ = engine.Close() }()

		summary, err := engine.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.UnitsProcessed).To(Equal(1))
		Expect(summary.UnitsFailed).To(BeZero())
		Expect(summary.LinesRead).To(Equal(int64(3)))
		Expect(summary.RecordsKept).To(Equal(int64(1)))
		Expect(summary.BytesKept).To(Equal(uint64(100)))

		content, err := os.ReadFile(filepath.Join(reducedRoot, "2024/08/10.tsv"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal(
			"blobs/abc/def/abcdef0123456789\t2024-08-10T01:02:03\t192.0.2.10\t100\n"))

		marker, err := os.ReadFile(filepath.Join(reducedRoot, "2024/08/10.tsv.done"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(marker)).To(Equal("records\t1\n"))
	})

	It("should skip completed units on a second run", func() {
		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log",
			testutil.AccessLogLine{BytesSent: 10}.String())
		Expect(err).NotTo(HaveOccurred())

		first := newEngine()
		_, err = first.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Close()).To(Succeed())

		artifactPath := filepath.Join(reducedRoot, "2024/08/10.tsv")
		before, err := os.ReadFile(artifactPath)
		Expect(err).NotTo(HaveOccurred())

		second := newEngine()
		defer func() { _ = second.Close() }()
		summary, err := second.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.UnitsSkipped).To(Equal(1))
		Expect(summary.UnitsProcessed).To(BeZero())

		after, err := os.ReadFile(artifactPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(before))
	})

	It("should redo a unit whose output exists without a marker", func() {
		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log",
			testutil.AccessLogLine{BytesSent: 10}.String())
		Expect(err).NotTo(HaveOccurred())

		// A partial flush from an interrupted run.
		artifactPath := filepath.Join(reducedRoot, "2024/08/10.tsv")
		Expect(os.MkdirAll(filepath.Dir(artifactPath), 0o755)).To(Succeed())
		Expect(os.WriteFile(artifactPath, []byte("stale partial row\n"), 0o644)).To(Succeed())

		engine := newEngine()
		defer func() { _ = engine.Close() }()
		summary, err := engine.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.UnitsProcessed).To(Equal(1))

		content, err := os.ReadFile(artifactPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).NotTo(ContainSubstring("stale"))
	})

	It("should record undecodable lines in the failure sink and keep going", func() {
		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log",
			"this line is hopeless",
			testutil.AccessLogLine{BytesSent: 55}.String(),
		)
		Expect(err).NotTo(HaveOccurred())

		engine := newEngine()
		defer func() { _ = engine.Close() }()
		summary, err := engine.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.DecodeFailures).To(Equal(int64(1)))
		Expect(summary.RecordsKept).To(Equal(int64(1)))
		Expect(summary.UnitsProcessed).To(Equal(1))

		sink, err := os.ReadFile(summary.FailureSinkPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(sink)).To(ContainSubstring("this line is hopeless"))
		Expect(string(sink)).To(ContainSubstring("2024/08/10.log:1"))
	})

	It("should produce complete output under a tiny buffer budget", func() {
		var lines []string
		for range 50 {
			lines = append(lines, testutil.AccessLogLine{BytesSent: 10}.String())
		}
		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log", lines...)
		Expect(err).NotTo(HaveOccurred())

		engine, err := reduction.NewEngine(reduction.Config{
			Logger:         logger,
			RawRoot:        rawRoot,
			ReducedRoot:    reducedRoot,
			ErrorsRoot:     errorsRoot,
			Workers:        1,
			MaxBufferBytes: 16, // forces a flush on nearly every record
			Filter:         reduction.DefaultFilterConfig(),
		})
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = engine.Close() }()

		summary, err := engine.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.RecordsKept).To(Equal(int64(50)))

		content, err := os.ReadFile(filepath.Join(reducedRoot, "2024/08/10.tsv"))
		Expect(err).NotTo(HaveOccurred())
		rows := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
		Expect(rows).To(HaveLen(50))
	})

	It("should stop without markers when cancelled up front", func() {
		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log",
			testutil.AccessLogLine{}.String())
		Expect(err).NotTo(HaveOccurred())

		engine := newEngine()
		defer func() { _ = engine.Close() }()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = engine.Run(ctx)
		Expect(err).To(MatchError(context.Canceled))

		_, statErr := os.Stat(filepath.Join(reducedRoot, "2024/08/10.tsv.done"))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("should reject a missing raw root", func() {
		_, err := reduction.NewEngine(reduction.Config{
			Logger:         logger,
			RawRoot:        filepath.Join(rawRoot, "does-not-exist"),
			ReducedRoot:    reducedRoot,
			ErrorsRoot:     errorsRoot,
			Workers:        1,
			MaxBufferBytes: 1,
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("DiscoverUnits", func() {
	It("should only pick up numeric-stem log files", func() {
		rawRoot := GinkgoT().TempDir()
		reducedRoot := GinkgoT().TempDir()

		for _, relPath := range []string{
			"2024/08/10.log",
			"2024/08/11.log",
			"2024/08/notes.log",
			"2024/08/10.log.gz",
			"README.md",
		} {
			_, err := testutil.WriteRawLog(rawRoot, relPath)
			Expect(err).NotTo(HaveOccurred())
		}

		units, err := reduction.DiscoverUnits(rawRoot, reducedRoot)
		Expect(err).NotTo(HaveOccurred())

		var relativePaths []string
		for _, unit := range units {
			relativePaths = append(relativePaths, unit.RelativePath)
		}
		Expect(relativePaths).To(ConsistOf("2024/08/10.log", "2024/08/11.log"))
	})

	It("should derive mirrored artifact and marker paths", func() {
		rawRoot := GinkgoT().TempDir()
		reducedRoot := GinkgoT().TempDir()

		_, err := testutil.WriteRawLog(rawRoot, "2024/08/10.log")
		Expect(err).NotTo(HaveOccurred())

		units, err := reduction.DiscoverUnits(rawRoot, reducedRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(units).To(HaveLen(1))
		Expect(units[0].ReducedPath).To(Equal(filepath.Join(reducedRoot, "2024/08/10.tsv")))
		Expect(units[0].MarkerPath).To(Equal(filepath.Join(reducedRoot, "2024/08/10.tsv.done")))
	})
})
