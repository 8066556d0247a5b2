package api

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the registration endpoint listens on.
	ListenAddr string

	// AdminAddr is the address of the admin API. If empty, the admin API
	// is not served. Keep it on a loopback or otherwise private interface.
	AdminAddr string

	// MetricsAddr is the address and port for the metrics server.
	// If empty, metrics server will not be started.
	MetricsAddr string

	// TLS configures the registration endpoint. Devices authenticate with
	// client certificates, so it should request them. If nil, the endpoint
	// is served in plain HTTP, which is only useful behind a TLS terminating
	// proxy and in tests.
	TLS *tls.Config

	// EnablePprof enables the pprof debugging API on the admin listener.
	EnablePprof bool

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// SessionTTL is how long an idle registration session is kept.
	SessionTTL time.Duration

	// SessionSweepInterval is how often idle sessions are expired.
	// Defaults to SessionTTL / 2.
	SessionSweepInterval time.Duration

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of
	// the response.
	WriteTimeout time.Duration
}
