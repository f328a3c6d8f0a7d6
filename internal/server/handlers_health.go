package server

import (
	"context"
	"net/http"
	"time"
)

// handleHealth godoc
// @Title Health check
// @Description Returns service health, uptime and the state of each dependency.
// @Resource System
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Route /healthz [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := HealthResponse{
		Status: "ok",
		Env:    s.cfg.Env,
		Uptime: time.Since(s.startedAt).String(),
	}

	status := http.StatusOK
	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		payload.Checks = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				payload.Checks[name] = err.Error()
				payload.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			payload.Checks[name] = "ok"
		}
	}
	s.writeJSON(w, status, payload)
}
