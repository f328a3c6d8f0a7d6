package server

import (
	"net/http"
	"strings"

	"ridehail/sos/internal/alert"

	"github.com/go-chi/chi/v5"
)

// handleTriggerAlert godoc
// @Title Raise an SOS alert
// @Description Accepts a standard SOS from a passenger, customer or driver. The caller must have
// @Description regional access to the reported location. Dispatch continues in the background.
// @Resource Alerts
// @Accept json
// @Produce json
// @Success 201 {object} TriggerAcceptedResponse
// @Failure 400 {object} APIError
// @Failure 403 {object} APIError
// @Failure 503 {object} APIError
// @Route /v1/alerts [post]
func (s *Server) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetUserFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req alert.TriggerPayload
	if err := decode(r, &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}

	a, err := s.engine.Trigger(r.Context(), req, claims.Principal())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/alerts/"+a.ID)
	s.writeJSON(w, http.StatusCreated, mapTriggerAccepted(a))
}

// handleTriggerPanic godoc
// @Title Driver panic button
// @Description Reduced-schema trigger: only driver identity and location are required.
// @Resource Alerts
// @Accept json
// @Produce json
// @Success 201 {object} TriggerAcceptedResponse
// @Failure 400 {object} APIError
// @Failure 403 {object} APIError
// @Route /v1/alerts/panic [post]
func (s *Server) handleTriggerPanic(w http.ResponseWriter, r *http.Request) {
	var req alert.PanicPayload
	if err := decode(r, &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}

	if driverID, ok := driverFromContext(r.Context()); ok {
		req.DriverID = strings.TrimSpace(req.DriverID)
		if req.DriverID != "" && req.DriverID != driverID {
			s.writeError(w, http.StatusForbidden, "driver key does not match driver_id", nil)
			return
		}
		req.DriverID = driverID
	}

	a, err := s.engine.TriggerPanicButton(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/alerts/"+a.ID)
	s.writeJSON(w, http.StatusCreated, mapTriggerAccepted(a))
}

// handleListAlerts godoc
// @Title List active alerts
// @Description Operator console queue, most severe first then oldest first.
// @Resource Alerts
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param emergency_type query string false "Emergency type"
// @Param min_severity query int false "Minimum severity"
// @Param limit query int false "Maximum results" default(100)
// @Success 200 {array} AlertSummaryResponse
// @Route /v1/alerts [get]
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid filter", err.Error())
		return
	}

	list, err := s.engine.ListActive(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := make([]AlertSummaryResponse, 0, len(list))
	for _, a := range list {
		resp = append(resp, mapAlertSummary(a))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseAlertID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidAlertID, err.Error())
		return
	}
	a, err := s.engine.GetStatus(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mapAlertDetail(a))
}

func (s *Server) handleGetAlertByCode(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(chi.URLParam(r, "shortCode"))
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "invalid short code", nil)
		return
	}
	a, err := s.engine.GetByShortCode(r.Context(), code)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mapAlertDetail(a))
}

// handleSLASnapshot godoc
// @Title SLA compliance
// @Description Running totals and the rolling compliance rate.
// @Resource Metrics
// @Produce json
// @Success 200 {object} SLAResponse
// @Route /v1/sla [get]
func (s *Server) handleSLASnapshot(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics are not enabled", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, SLAResponse{
		Snapshot: s.metrics.Snapshot(),
		Targets:  mapSLATargets(s.metrics.Targets()),
	})
}
