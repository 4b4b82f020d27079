package muxserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HTTPConfig bounds the admin/debug HTTP surface — a small read-only
// sidecar to the duplex/stdio command transports, exposing GET /healthz
// and GET /metrics for operators and orchestrators that expect a plain
// HTTP probe rather than a framed connection.
type HTTPConfig struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultHTTPConfig returns sensible admin-surface bounds.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:         8090,
		EnableCORS:   true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// AdminHTTP is the admin/debug HTTP surface fronting one Server's
// get_metrics/health_check data over plain HTTP, grounded on the
// teacher's internal/server.Server (same middleware stack, same
// setupMiddleware/setupRoutes split), generalized from its session/API
// routes to this multiplexer's two read-only probe endpoints.
type AdminHTTP struct {
	cfg     HTTPConfig
	server  *Server
	router  *chi.Mux
	httpSrv *http.Server
}

// NewAdminHTTP builds the admin HTTP surface for an already-constructed
// Server.
func NewAdminHTTP(cfg HTTPConfig, server *Server) *AdminHTTP {
	a := &AdminHTTP{cfg: cfg, server: server, router: chi.NewRouter()}
	a.setupMiddleware()
	a.setupRoutes()
	return a
}

func (a *AdminHTTP) setupMiddleware() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.RealIP)

	if a.cfg.EnableCORS {
		a.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

func (a *AdminHTTP) setupRoutes() {
	a.router.Get("/healthz", a.handleHealthz)
	a.router.Get("/metrics", a.handleMetrics)
}

func (a *AdminHTTP) handleHealthz(w http.ResponseWriter, r *http.Request) {
	data, err := a.server.healthCheck(r.Context())
	writeJSON(w, data, err)
}

func (a *AdminHTTP) handleMetrics(w http.ResponseWriter, r *http.Request) {
	data, err := a.server.getMetrics(r.Context())
	writeJSON(w, data, err)
}

func writeJSON(w http.ResponseWriter, data any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(data)
}

// Router returns the chi router for testing.
func (a *AdminHTTP) Router() *chi.Mux {
	return a.router
}

// Start runs the admin HTTP server until Shutdown is called.
func (a *AdminHTTP) Start() error {
	a.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      a.router,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	return a.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the admin HTTP server.
func (a *AdminHTTP) Shutdown(ctx context.Context) error {
	if a.httpSrv == nil {
		return nil
	}
	return a.httpSrv.Shutdown(ctx)
}
