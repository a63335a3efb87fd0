package mapping_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi/s3-log-parser/pkg/catalog"
	"github.com/dandi/s3-log-parser/pkg/mapping"
)

var _ = Describe("ManifestCache", func() {
	var cache *mapping.ManifestCache

	BeforeEach(func() {
		var err error
		cache, err = mapping.OpenManifestCache(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(cache.Close()).To(Succeed())
	})

	It("should round-trip a published manifest", func() {
		manifest := &catalog.Manifest{
			DatasetID: "000001",
			VersionID: "0.240810.1234",
			PathsByKey: map[string]string{
				"blobs/abc/def/abcdef0123456789": "sub-01/data.nwb",
			},
		}
		Expect(cache.Put(manifest)).To(Succeed())

		cached, hit, err := cache.Get("000001", "0.240810.1234")
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeTrue())
		Expect(cached).To(Equal(manifest))
	})

	It("should miss for manifests never stored", func() {
		_, hit, err := cache.Get("000001", "0.240810.1234")
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeFalse())
	})

	It("should refuse to store a draft manifest", func() {
		err := cache.Put(&catalog.Manifest{
			DatasetID: "000001",
			VersionID: catalog.DraftVersionID,
		})
		Expect(err).To(HaveOccurred())
	})

	It("should always miss for draft lookups", func() {
		_, hit, err := cache.Get("000001", catalog.DraftVersionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeFalse())
	})

	It("should drop invalidated manifests", func() {
		manifest := &catalog.Manifest{
			DatasetID:  "000001",
			VersionID:  "0.240810.1234",
			PathsByKey: map[string]string{},
		}
		Expect(cache.Put(manifest)).To(Succeed())
		Expect(cache.Invalidate("000001", "0.240810.1234")).To(Succeed())

		_, hit, err := cache.Get("000001", "0.240810.1234")
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeFalse())
	})

	It("should tolerate invalidating an absent entry", func() {
		Expect(cache.Invalidate("999999", "0.000000.0000")).To(Succeed())
	})
})
