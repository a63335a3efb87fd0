package reduction_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi/s3-log-parser/pkg/reduction"
)

var _ = Describe("Configuration", Ordered, func() {
	AfterEach(func() {
		reduction.ConfigSpec.Reset()
		_ = os.Unsetenv("S3_LOG_PARSER_OPERATION_TYPE")
	})

	Describe("ConfigSpec", func() {
		It("should have the standard filter defaults", func() {
			err := reduction.ConfigSpec.LoadConfiguration("")
			Expect(err).NotTo(HaveOccurred())

			Expect(reduction.ConfigSpec.GetString("reduction.operation-type")).To(
				Equal("REST.GET.OBJECT"))
			Expect(reduction.ConfigSpec.GetString("reduction.object-key-parents")).To(
				Equal("blobs,zarr"))
			Expect(reduction.ConfigSpec.GetInt("reduction.workers")).To(Equal(1))
		})

		It("should load the operation type from the environment", func() {
			Expect(os.Setenv("S3_LOG_PARSER_OPERATION_TYPE", "REST.HEAD.OBJECT")).To(Succeed())

			err := reduction.ConfigSpec.LoadConfiguration("")
			Expect(err).NotTo(HaveOccurred())
			Expect(reduction.ConfigSpec.GetString("reduction.operation-type")).To(
				Equal("REST.HEAD.OBJECT"))
		})
	})

	Describe("ValidateConfig", func() {
		load := func() {
			Expect(reduction.ConfigSpec.LoadConfiguration("")).To(Succeed())
			reduction.ConfigSpec.Set("reduction.raw-logs-root", "/var/log/raw")
			reduction.ConfigSpec.Set("reduction.reduced-logs-root", "/var/log/reduced")
			reduction.ConfigSpec.Set("reduction.errors-root", "/var/log/errors")
		}

		It("should accept a complete configuration", func() {
			load()
			Expect(reduction.ValidateConfig()).To(Succeed())
		})

		It("should require the raw-logs root", func() {
			load()
			reduction.ConfigSpec.Set("reduction.raw-logs-root", "")
			Expect(reduction.ValidateConfig()).NotTo(Succeed())
		})

		It("should bound the worker count", func() {
			load()
			reduction.ConfigSpec.Set("reduction.workers", 0)
			Expect(reduction.ValidateConfig()).NotTo(Succeed())

			reduction.ConfigSpec.Set("reduction.workers", reduction.MaxWorkers+1)
			Expect(reduction.ValidateConfig()).NotTo(Succeed())
		})

		It("should reject a non-positive buffer ceiling", func() {
			load()
			reduction.ConfigSpec.Set("reduction.max-buffer-bytes", 0)
			Expect(reduction.ValidateConfig()).NotTo(Succeed())
		})

		It("should reject unknown projection fields", func() {
			load()
			reduction.ConfigSpec.Set("reduction.fields", "object_key,request_uri")
			Expect(reduction.ValidateConfig()).NotTo(Succeed())
		})

		It("should reject invalid log levels", func() {
			load()
			reduction.ConfigSpec.Set("log-level", "verbose")
			Expect(reduction.ValidateConfig()).NotTo(Succeed())
		})
	})

	Describe("FilterConfigFromSpec", func() {
		It("should build the filter policy from configuration", func() {
			Expect(reduction.ConfigSpec.LoadConfiguration("")).To(Succeed())
			reduction.ConfigSpec.Set("reduction.excluded-ips", "192.0.2.1, 192.0.2.2")

			cfg := reduction.FilterConfigFromSpec()
			Expect(cfg.ExcludedIPs).To(HaveLen(2))
			Expect(cfg.ExcludedIPs["192.0.2.1"]).To(BeTrue())
			Expect(cfg.OperationType).To(Equal("REST.GET.OBJECT"))
			Expect(cfg.ObjectKeyParents).To(Equal(map[string]bool{"blobs": true, "zarr": true}))
			Expect(cfg.MinStatusCode).To(Equal(200))
			Expect(cfg.MaxStatusCode).To(Equal(300))
		})
	})
})
