package accesslog_test

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi/s3-log-parser/pkg/accesslog"
	"github.com/dandi/s3-log-parser/pkg/testutil"
)

var _ = Describe("DecodeLine", func() {
	It("should decode a well-formed line", func() {
		line := testutil.AccessLogLine{
			Timestamp:  time.Date(2024, 8, 10, 12, 30, 45, 0, time.UTC),
			ClientIP:   "192.0.2.10",
			Operation:  "REST.GET.OBJECT",
			ObjectKey:  "blobs/abc/def/abcdef0123456789",
			StatusCode: 200,
			BytesSent:  1024,
		}.String()

		record, failure := accesslog.DecodeLine(line)
		Expect(failure).To(BeNil())
		Expect(record.ClientIP).To(Equal("192.0.2.10"))
		Expect(record.Operation).To(Equal("REST.GET.OBJECT"))
		Expect(record.ObjectKey).To(Equal("blobs/abc/def/abcdef0123456789"))
		Expect(record.StatusCode).To(Equal(200))
		Expect(record.BytesSent).To(Equal(uint64(1024)))
		Expect(record.Timestamp.UTC()).To(
			Equal(time.Date(2024, 8, 10, 12, 30, 45, 0, time.UTC)))
	})

	It("should be deterministic", func() {
		line := testutil.AccessLogLine{BytesSent: 512}.String()

		first, firstFailure := accesslog.DecodeLine(line)
		second, secondFailure := accesslog.DecodeLine(line)
		Expect(firstFailure).To(BeNil())
		Expect(secondFailure).To(BeNil())
		Expect(first).To(Equal(second))
	})

	It("should accept lines with fewer trailing fields", func() {
		for _, trailing := range []int{7, 8, 9} {
			line := testutil.AccessLogLine{TrailingTokens: trailing}.String()
			record, failure := accesslog.DecodeLine(line)
			Expect(failure).To(BeNil(), "trailing tokens: %d", trailing)
			Expect(record.Operation).To(Equal("REST.GET.OBJECT"))
		}
	})

	It("should treat a dash bytes-sent field as zero", func() {
		line := testutil.AccessLogLine{}.String()

		record, failure := accesslog.DecodeLine(line)
		Expect(failure).To(BeNil())
		Expect(record.BytesSent).To(BeZero())
	})

	It("should recover lines with unescaped quotes in the user agent", func() {
		line := testutil.AccessLogLine{
			ObjectKey: "blobs/abc/def/abcdef0123456789",
			UserAgent: `aiohttp/"3.8.1"`,
			BytesSent: 2048,
		}.String()

		record, failure := accesslog.DecodeLine(line)
		Expect(failure).To(BeNil())
		Expect(record.ObjectKey).To(Equal("blobs/abc/def/abcdef0123456789"))
		Expect(record.BytesSent).To(Equal(uint64(2048)))
	})

	It("should parse bracketed timestamps with their zone offset", func() {
		line := testutil.AccessLogLine{
			Timestamp: time.Date(2023, 1, 2, 3, 4, 5, 0, time.FixedZone("", -5*3600)),
		}.String()

		record, failure := accesslog.DecodeLine(line)
		Expect(failure).To(BeNil())
		Expect(record.Timestamp.UTC()).To(
			Equal(time.Date(2023, 1, 2, 8, 4, 5, 0, time.UTC)))
	})

	It("should reject a line with too few fields", func() {
		_, failure := accesslog.DecodeLine("too few fields here")
		Expect(failure).NotTo(BeNil())
		Expect(failure.Reason).To(ContainSubstring("unexpected field count"))
		Expect(failure.RawLine).To(Equal("too few fields here"))
	})

	It("should reject an empty line", func() {
		_, failure := accesslog.DecodeLine("")
		Expect(failure).NotTo(BeNil())
	})

	It("should reject non-UTF-8 input", func() {
		_, failure := accesslog.DecodeLine("owner bucket \xff\xfe garbage")
		Expect(failure).NotTo(BeNil())
		Expect(failure.Reason).To(ContainSubstring("UTF-8"))
	})

	It("should reject a line with a malformed timestamp", func() {
		line := testutil.AccessLogLine{
			Timestamp: time.Date(2024, 8, 10, 12, 30, 45, 0, time.UTC),
		}.String()
		mangled := strings.Replace(line,
			"[10/Aug/2024:12:30:45 +0000]", "[not a timestamp]", 1)
		Expect(mangled).NotTo(Equal(line))

		_, failure := accesslog.DecodeLine(mangled)
		Expect(failure).NotTo(BeNil())
		Expect(failure.Reason).To(ContainSubstring("bad timestamp"))
	})

	It("should never panic on arbitrary garbage", func() {
		for _, garbage := range []string{
			`"""`,
			"[[[",
			"][",
			`a "b c [d] e`,
		} {
			Expect(func() { _, _ = accesslog.DecodeLine(garbage) }).NotTo(Panic())
		}
	})
})

var _ = Describe("IsKnownOperationType", func() {
	It("should recognize standard operations", func() {
		Expect(accesslog.IsKnownOperationType("REST.GET.OBJECT")).To(BeTrue())
		Expect(accesslog.IsKnownOperationType("REST.PUT.OBJECT")).To(BeTrue())
	})

	It("should reject unknown operations", func() {
		Expect(accesslog.IsKnownOperationType("REST.FROBNICATE.OBJECT")).To(BeFalse())
	})
})
