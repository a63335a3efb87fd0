package util

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promhttpErrorLogger routes promhttp handler errors into the stage logger.
type promhttpErrorLogger struct {
	promhttp.Logger

	baseLogger *slog.Logger
}

func (logger *promhttpErrorLogger) Println(v ...interface{}) {
	logger.baseLogger.Error("metrics request handling failed", "errorArgs", v)
}

// StartMetricsServerIfEnabled exposes the default Prometheus registry on
// "/metrics" when the stage's metrics-server configuration enables it.
// Each pipeline command carries its own <confPrefix>.enabled,
// .listen-address and .listen-port keys.
//
// If non-nil, the returned server should be eventually closed with Close() or Shutdown().
func StartMetricsServerIfEnabled(configSpec ConfigSpec, confPrefix string,
	logger *slog.Logger) (*http.Server, error) {
	serverEnabled := configSpec.GetBool(fmt.Sprintf("%s.enabled", confPrefix))
	if !serverEnabled {
		return nil, nil
	}
	serverAddress := configSpec.GetString(fmt.Sprintf("%s.listen-address", confPrefix))
	serverPort := configSpec.GetInt(fmt.Sprintf("%s.listen-port", confPrefix))

	logger.Debug("metrics server starting",
		"address", serverAddress, "port", serverPort)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog: &promhttpErrorLogger{baseLogger: logger},
	}))

	metricsServer := &http.Server{
		Handler:           mux,
		Addr:              fmt.Sprintf("%s:%d", serverAddress, serverPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenConfig := &net.ListenConfig{}
	metricsListener, err := listenConfig.Listen(context.Background(), "tcp", metricsServer.Addr)
	if err != nil {
		logger.Error("metrics server cannot listen on configured address",
			"address", metricsServer.Addr, "error", err)
		return nil, err
	}

	// Record the bound address so callers can reach an ephemeral port.
	metricsServer.Addr = metricsListener.Addr().String()

	go func() {
		if err := metricsServer.Serve(metricsListener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("metrics server listening",
		"address", metricsServer.Addr)

	return metricsServer, nil
}
