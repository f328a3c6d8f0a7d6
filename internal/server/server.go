package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/config"
	"ridehail/sos/internal/engine"
	"ridehail/sos/internal/metrics"
	"ridehail/sos/internal/notify"

	"github.com/rs/zerolog"
)

// HealthCheck pings one dependency for /healthz.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the HTTP layer fronts. Subscriber and DriverKeys may be nil, which
// disables the live stream and driver-key authentication respectively.
type Deps struct {
	Engine     *engine.Engine
	Metrics    *metrics.Recorder
	Subscriber notify.Subscriber
	Auth       Authenticator
	DriverKeys DriverKeys
	Checks     map[string]HealthCheck
}

// Server wires configuration, dependencies and HTTP routing together.
type Server struct {
	cfg        config.Config
	log        zerolog.Logger
	engine     *engine.Engine
	metrics    *metrics.Recorder
	subscriber notify.Subscriber
	auth       Authenticator
	driverKeys DriverKeys
	checks     map[string]HealthCheck
	validate   *alert.Validator
	startedAt  time.Time
}

// New instantiates the HTTP server around an already wired engine.
func New(cfg config.Config, d Deps, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "http").Logger(),
		engine:     d.Engine,
		metrics:    d.Metrics,
		subscriber: d.Subscriber,
		auth:       d.Auth,
		driverKeys: d.DriverKeys,
		checks:     d.Checks,
		validate:   alert.NewValidator(),
		startedAt:  time.Now().UTC(),
	}
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Run starts the HTTP server and blocks until the context is cancelled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.HTTP.Address,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  s.cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	s.log.Info().Str("addr", s.cfg.HTTP.Address).Msg("http server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
