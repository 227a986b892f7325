// Package server exposes the broker over HTTP: the handshake/refresh auth
// surface, the canonical tool-call endpoint, the per-session ChangeEvent
// websocket stream, and the health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/gosuda/koord/internal/auth"
	"github.com/gosuda/koord/internal/bus"
	"github.com/gosuda/koord/internal/config"
	"github.com/gosuda/koord/internal/dispatch"
	"github.com/gosuda/koord/internal/server/middleware"
)

// ReadinessCheck probes one dependency for the health endpoint.
type ReadinessCheck func(ctx context.Context) bool

// Server is the HTTP server that wires all broker routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	auth       *auth.Manager
	dispatcher *dispatch.Dispatcher
	bus        bus.Bus
	cfg        *config.Config
	checks     map[string]ReadinessCheck
}

// New creates a Server with all routes wired. checks maps dependency names
// to readiness probes reported by /healthz; nil is fine.
func New(ctx context.Context, cfg *config.Config, authMgr *auth.Manager, dispatcher *dispatch.Dispatcher, eventBus bus.Bus, checks map[string]ReadinessCheck) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router:     router,
		auth:       authMgr,
		dispatcher: dispatcher,
		bus:        eventBus,
		cfg:        cfg,
		checks:     checks,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// API routes on /v1 in two sub-groups:
	// 1. Unauthenticated handshake/refresh, rate limited per IP.
	// 2. Authenticated tool calls and revocation.
	router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(ctx, cfg.Limits.AuthRate, cfg.Limits.AuthBurst))

			authConfig := huma.DefaultConfig("Koord Auth API", "1.0.0")
			authConfig.Servers = []*huma.Server{{URL: "/v1"}}
			authAPI := humachi.New(r, authConfig)
			registerAuthRoutes(authAPI, authMgr)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authMgr))

			apiConfig := huma.DefaultConfig("Koord API", "1.0.0")
			apiConfig.Servers = []*huma.Server{{URL: "/v1"}}
			api := humachi.New(r, apiConfig)
			registerCallRoutes(api, dispatcher)
			registerRevokeRoute(api, authMgr)
		})

		// ChangeEvent stream; websocket, so outside huma.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authMgr))
			r.Get("/events", s.serveEvents)
		})
	})

	// Health check (unauthenticated, no sensitive data).
	router.Get("/healthz", s.serveHealth)

	return s
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status   string          `json:"status"`
		Sessions int             `json:"sessions"`
		Deps     map[string]bool `json:"deps,omitempty"`
	}

	h := health{
		Status:   "ok",
		Sessions: s.auth.SessionCount(),
	}

	code := http.StatusOK
	if len(s.checks) > 0 {
		h.Deps = make(map[string]bool, len(s.checks))
		for name, check := range s.checks {
			ready := check(r.Context())
			h.Deps[name] = ready
			if !ready {
				h.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
