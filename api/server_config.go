package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the node HTTP server, which carries peer
// envelopes, the status and operator API and the health endpoints.
type HTTPServerConfig struct {
	ListenAddr string

	// MetricsAddr is where Prometheus metrics are served. Empty disables the
	// metrics listener.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long Drain waits after marking the server not
	// ready.
	DrainDuration time.Duration

	GracefulShutdownDuration time.Duration

	ReadTimeout time.Duration

	// WriteTimeout bounds the whole response. Recovery responds only after a
	// refresh round, so it must exceed the refresh and commitment waits.
	WriteTimeout time.Duration
}

// NewHTTPServerConfig returns a config listening on listenAddr with the
// node's default timeouts and no metrics listener.
func NewHTTPServerConfig(listenAddr string, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      log,
		DrainDuration:            45 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             5 * time.Minute,
	}
}
