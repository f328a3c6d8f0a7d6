package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OperatorRole gates the operator console routes.
const OperatorRole = "sos-operator"

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", DriverKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		// The stream is long-lived and must stay outside the request timeout.
		v1.With(s.requireAuth, s.requireRole(OperatorRole)).Get("/stream", s.handleStream)

		v1.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(30 * time.Second))

			api.With(s.requireDriver).Post("/alerts/panic", s.handleTriggerPanic)

			api.Group(func(authed chi.Router) {
				authed.Use(s.requireAuth)
				authed.Post("/alerts", s.handleTriggerAlert)

				authed.Group(func(ops chi.Router) {
					ops.Use(s.requireRole(OperatorRole))

					ops.Get("/alerts", s.handleListAlerts)
					ops.Get("/alerts/code/{shortCode}", s.handleGetAlertByCode)
					ops.Get("/alerts/{alertID}", s.handleGetAlert)
					ops.Post("/alerts/{alertID}/acknowledge", s.handleAcknowledge)
					ops.Post("/alerts/{alertID}/respond", s.handleMarkResponding)
					ops.Post("/alerts/{alertID}/resolve", s.handleResolve)
					ops.Post("/alerts/{alertID}/escalate", s.handleEscalate)
					ops.Post("/alerts/{alertID}/false-alarm", s.handleFalseAlarm)
					ops.Post("/alerts/{alertID}/close", s.handleClose)
					ops.Post("/alerts/{alertID}/notes", s.handleAddNote)
					ops.Post("/alerts/{alertID}/dispatch", s.handleRedispatch)
					ops.Patch("/alerts/{alertID}/dispatch/{recordID}", s.handleUpdateDispatch)

					ops.Get("/sla", s.handleSLASnapshot)
				})
			})
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Msg("http request")
	})
}
