package util_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi/s3-log-parser/pkg/util"
)

var _ = Describe("StartMetricsServerIfEnabled", func() {
	var (
		logger     *slog.Logger
		configSpec util.ConfigSpec
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))

		configSpec = util.ConfigSpec{
			"test-metrics.enabled": util.ConfigVarSpec{
				DefaultValue: true,
			},
			"test-metrics.listen-address": util.ConfigVarSpec{
				DefaultValue: "127.0.0.1",
			},
			"test-metrics.listen-port": util.ConfigVarSpec{
				DefaultValue: 0, // random available port
			},
		}

		configSpec.SetDefault("test-metrics.enabled", true)
		configSpec.SetDefault("test-metrics.listen-address", "127.0.0.1")
		configSpec.SetDefault("test-metrics.listen-port", 0)
	})

	AfterEach(func() {
		configSpec.Reset()
	})

	Context("when metrics server is disabled", func() {
		It("should return nil server", func() {
			configSpec.Set("test-metrics.enabled", false)

			server, err := util.StartMetricsServerIfEnabled(configSpec, "test-metrics", logger)

			Expect(err).ToNot(HaveOccurred())
			Expect(server).To(BeNil())
		})
	})

	Context("when metrics server is enabled", func() {
		var server *http.Server

		AfterEach(func() {
			if server != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = server.Shutdown(ctx)
			}
		})

		It("should serve metrics over HTTP", func() {
			var err error
			server, err = util.StartMetricsServerIfEnabled(configSpec, "test-metrics", logger)
			Expect(err).ToNot(HaveOccurred())
			Expect(server).ToNot(BeNil())

			response, err := http.Get(fmt.Sprintf("http://%s/metrics", server.Addr))
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = response.Body.Close() }()

			Expect(response.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(response.Body)
			Expect(err).ToNot(HaveOccurred())
			Expect(body).ToNot(BeEmpty())
		})
	})
})

var _ = Describe("ParseLogLevel", func() {
	It("should map level names to slog levels", func() {
		Expect(util.ParseLogLevel("error")).To(Equal(slog.LevelError))
		Expect(util.ParseLogLevel("warn")).To(Equal(slog.LevelWarn))
		Expect(util.ParseLogLevel("debug")).To(Equal(slog.LevelDebug))
		Expect(util.ParseLogLevel("info")).To(Equal(slog.LevelInfo))
	})

	It("should default unknown names to info", func() {
		Expect(util.ParseLogLevel("verbose")).To(Equal(slog.LevelInfo))
	})
})
