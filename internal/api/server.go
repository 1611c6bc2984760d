package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/broker"
	"github.com/org/secretbroker/internal/rotation"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/internal/storage"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// OperatorKey guards the operator surface (approvals, secret CRUD,
	// rotation, audit). Empty disables the check.
	OperatorKey string
}

// Server is the HTTP front-end. It stays thin: every handler maps a
// request onto one secrets, rotation or broker call.
type Server struct {
	store    storage.Store
	secrets  *secrets.Service
	rotation *rotation.Scheduler
	broker   *broker.Broker
	sink     *audit.Sink
	cfg      Config
	httpSrv  *http.Server
}

// NewServer wires the services into a Server.
func NewServer(store storage.Store, svc *secrets.Service, sched *rotation.Scheduler, brk *broker.Broker, sink *audit.Sink, cfg Config) *Server {
	return &Server{
		store:    store,
		secrets:  svc,
		rotation: sched,
		broker:   brk,
		sink:     sink,
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(logMiddleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	// Tool-facing surface. Tools identify themselves by tool id; the
	// broker enforces the permission envelope.
	r.Group(func(r chi.Router) {
		r.Post("/v1/tools", s.ToolRegisterHandler)
		r.Post("/v1/access/requests", s.AccessRequestHandler)
		r.Get("/v1/access/requests/{id}", s.AccessRequestGetHandler)
		r.Get("/v1/access/requests/{id}/wait", s.AccessRequestWaitHandler)
		r.Post("/v1/access/requests/{id}/activate", s.AccessActivateHandler)
		r.Post("/v1/access/resolve", s.TokenResolveHandler)
	})

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(operatorAuthMiddleware(s.cfg.OperatorKey))

		r.Get("/v1/tools", s.ToolListHandler)
		r.Get("/v1/tools/{id}", s.ToolGetHandler)
		r.Put("/v1/tools/{id}/status", s.ToolStatusHandler)
		r.Get("/v1/tools/{id}/sessions", s.ToolSessionsHandler)

		r.Get("/v1/access/requests", s.AccessRequestListHandler)
		r.Post("/v1/access/requests/{id}/approve", s.AccessApproveHandler)
		r.Delete("/v1/sessions/{id}", s.SessionRevokeHandler)
		r.Delete("/v1/tokens/{id}", s.TokenRevokeHandler)

		r.Post("/v1/secrets", s.SecretCreateHandler)
		r.Get("/v1/secrets", s.SecretListHandler)
		r.Get("/v1/secrets/{id}", s.SecretGetHandler)
		r.Post("/v1/secrets/{id}/reveal", s.SecretRevealHandler)
		r.Put("/v1/secrets/{id}/value", s.SecretValueHandler)
		r.Put("/v1/secrets/{id}/status", s.SecretStatusHandler)
		r.Post("/v1/secrets/strength", s.SecretStrengthHandler)

		r.Put("/v1/secrets/{id}/rotation", s.RotationScheduleHandler)
		r.Post("/v1/secrets/{id}/rotate", s.RotateHandler)
		r.Get("/v1/rotation/pending", s.RotationPendingHandler)
		r.Post("/v1/rotation/batch", s.RotationBatchHandler)

		r.Get("/v1/audit/usage", s.AuditUsageHandler)
		r.Get("/v1/audit/events", s.AuditEventsHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// StartGaugeLoop refreshes the resource gauges until ctx is cancelled.
func (s *Server) StartGaugeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		refreshGauges(ctx, s.store)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshGauges(ctx, s.store)
			}
		}
	}()
}
