package serve

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/pkg/sslkeylog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus collectors.
type metrics struct {
	registry          *prometheus.Registry
	sessions          *prometheus.CounterVec
	handshakeFailures prometheus.Counter
}

func newMetrics(m *sslkeylog.Module) *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mt := &metrics{
		registry: registry,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sslkeylog",
			Name:      "sessions_total",
			Help:      "TLS sessions that completed the handshake, by protocol version.",
		}, []string{"version"}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslkeylog",
			Name:      "handshake_failures_total",
			Help:      "TLS handshakes that failed or timed out.",
		}),
	}
	registry.MustRegister(mt.sessions, mt.handshakeFailures)

	// Key log bridge statistics are read from the module at scrape time.
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sslkeylog",
			Name:      "contexts",
			Help:      "Live TLS contexts carrying a key log record.",
		}, func() float64 { return float64(m.Stats().Associations) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sslkeylog",
			Name:      "keylog_callbacks_total",
			Help:      "Key log lines delivered to a handler.",
		}, func() float64 { return float64(m.Stats().Invocations) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sslkeylog",
			Name:      "keylog_callback_failures_total",
			Help:      "Key log handler calls that returned an error or panicked.",
		}, func() float64 { return float64(m.Stats().Failures) }),
	)
	return mt
}

func (mt *metrics) sessionStarted(version uint16) {
	mt.sessions.WithLabelValues(tls.VersionName(version)).Inc()
}

// serve exposes /metrics on ln until ctx is done.
func (mt *metrics) serve(ctx context.Context, ln net.Listener) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mt.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.DialTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("metrics server started", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
