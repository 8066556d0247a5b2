package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/metrics"
	"go.uber.org/atomic"
)

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	adminSrv   *http.Server
	metrics    *metrics.Recorder
	metricsSrv *metrics.MetricsServer

	handler *Handler
	admin   *AdminHandler

	janitorStarted atomic.Bool
	stopJanitor    chan struct{}
	janitorDone    chan struct{}
}

// New wires the registration routes and, when cfg.AdminAddr is set, the
// admin routes. admin may be nil if the admin API is not served.
func New(cfg *api.HTTPServerConfig, handler *Handler, admin *AdminHandler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("registration handler is required")
	}
	if cfg.AdminAddr != "" && admin == nil {
		return nil, errors.New("admin address set without an admin handler")
	}

	srv := &Server{
		cfg:         cfg,
		log:         cfg.Log,
		handler:     handler,
		admin:       admin,
		metrics:     metrics.NewRecorder(metrics.Namespace),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	srv.isReady.Store(true)
	handler.metrics = srv.metrics

	if cfg.MetricsAddr != "" {
		srv.metricsSrv = metrics.New(srv.metrics, cfg.MetricsAddr)
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		TLSConfig:    cfg.TLS,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.AdminAddr != "" {
		srv.adminSrv = &http.Server{
			Addr:         cfg.AdminAddr,
			Handler:      srv.getAdminRouter(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}

	return srv, nil
}

// Handler returns the registration routes.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Post("/api/sessions", srv.handler.HandleCreateSession)
	mux.With(srv.httpLogger).Get("/api/sessions/{session_id}", srv.handler.HandleGetSession)
	mux.With(srv.httpLogger).Post("/api/sessions/{session_id}/publish", srv.handler.HandlePublish)
	mux.With(srv.httpLogger).Post("/api/device/authorize", srv.handler.HandleAuthorize)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	return mux
}

func (srv *Server) getAdminRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Get("/api/admin/things", srv.admin.HandleListThings)
	mux.With(srv.httpLogger).Get("/api/admin/things/{name}", srv.admin.HandleGetThing)
	mux.With(srv.httpLogger).Post("/api/admin/credentials/{id}/revoke", srv.admin.HandleRevokeCredential)
	mux.With(srv.httpLogger).Post("/api/admin/claims", srv.admin.HandleImportClaim)
	mux.With(srv.httpLogger).Post("/api/admin/claims/{id}/revoke", srv.admin.HandleRevokeClaim)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if srv.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) RunInBackground() {
	srv.janitorStarted.Store(true)
	go srv.runSessionJanitor()

	// metrics
	if srv.metricsSrv != nil {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	if srv.adminSrv != nil {
		go func() {
			srv.log.Info("Starting admin server", "listenAddress", srv.cfg.AdminAddr)
			if err := srv.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Admin server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr, "tls", srv.cfg.TLS != nil)
		var err error
		if srv.cfg.TLS != nil {
			err = srv.srv.ListenAndServeTLS("", "")
		} else {
			err = srv.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// runSessionJanitor expires idle registration sessions until Shutdown.
func (srv *Server) runSessionJanitor() {
	defer close(srv.janitorDone)
	if srv.cfg.SessionTTL <= 0 {
		<-srv.stopJanitor
		return
	}

	interval := srv.cfg.SessionSweepInterval
	if interval <= 0 {
		interval = srv.cfg.SessionTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-srv.stopJanitor:
			return
		case <-ticker.C:
			if n := srv.handler.ExpireSessions(srv.cfg.SessionTTL); n > 0 {
				srv.log.Debug("expired registration sessions", "count", n)
			}
		}
	}
}

func (srv *Server) Shutdown() {
	srv.isReady.Store(false)
	if srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.adminSrv != nil {
		if err := srv.adminSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful admin server shutdown failed", "err", err)
		} else {
			srv.log.Info("Admin server gracefully stopped")
		}
	}

	// metrics
	if srv.metricsSrv != nil {
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}

	close(srv.stopJanitor)
	if srv.janitorStarted.Load() {
		<-srv.janitorDone
	}
}
