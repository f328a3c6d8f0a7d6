package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ridehail/sos/internal/alert"

	"github.com/go-chi/chi/v5"
)

// actionFunc runs one operator action on the alert as actor.
type actionFunc func(ctx context.Context, id, actor string) (alert.Alert, error)

// operatorAction decodes req, resolves the alert ID and the acting operator, then runs fn.
func (s *Server) operatorAction(w http.ResponseWriter, r *http.Request, req interface{}, fn actionFunc) {
	id, err := parseAlertID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidAlertID, err.Error())
		return
	}
	claims, ok := GetUserFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	if err := s.decodeAndValidate(r, req); err != nil {
		s.writeDecodeError(w, err)
		return
	}

	a, err := fn(r.Context(), id, claims.Actor())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mapAlertDetail(a))
}

// handleAcknowledge godoc
// @Title Acknowledge an alert
// @Description Stops the escalation clock. Acknowledging twice is a no-op.
// @Resource Alerts
// @Accept json
// @Produce json
// @Success 200 {object} AlertDetailResponse
// @Failure 404 {object} APIError
// @Failure 409 {object} APIError
// @Route /v1/alerts/{alertID}/acknowledge [post]
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.Acknowledge(ctx, id, actor, req.Note)
	})
}

func (s *Server) handleMarkResponding(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.MarkResponding(ctx, id, actor, req.Note)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.Resolve(ctx, id, actor, req.ResolutionNote)
	})
}

// handleEscalate godoc
// @Title Escalate an alert
// @Description Hands the alert to a named target. A new target on an escalated alert raises its level.
// @Resource Alerts
// @Accept json
// @Produce json
// @Success 200 {object} AlertDetailResponse
// @Failure 409 {object} APIError
// @Route /v1/alerts/{alertID}/escalate [post]
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req EscalateRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.Escalate(ctx, id, actor, req.Target, req.Reason)
	})
}

func (s *Server) handleFalseAlarm(w http.ResponseWriter, r *http.Request) {
	var req FalseAlarmRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.MarkFalseAlarm(ctx, id, actor, req.Reason)
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.Close(ctx, id, actor, req.Note)
	})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req RequiredNoteRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.AddNote(ctx, id, actor, req.Note)
	})
}

func (s *Server) handleUpdateDispatch(w http.ResponseWriter, r *http.Request) {
	recordID := strings.TrimSpace(chi.URLParam(r, "recordID"))
	var req DispatchUpdateRequest
	s.operatorAction(w, r, &req, func(ctx context.Context, id, actor string) (alert.Alert, error) {
		return s.engine.UpdateDispatch(ctx, id, recordID, actor, alert.DispatchStatus(req.Status))
	})
}

// handleRedispatch godoc
// @Title Re-dispatch to one service
// @Description Calls one emergency service again. A failed call is still recorded on the alert.
// @Resource Alerts
// @Accept json
// @Produce json
// @Success 201 {object} alert.DispatchRecord
// @Failure 409 {object} APIError
// @Failure 502 {object} APIError
// @Route /v1/alerts/{alertID}/dispatch [post]
func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseAlertID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidAlertID, err.Error())
		return
	}
	claims, ok := GetUserFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	var req RedispatchRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}

	rec, err := s.engine.Redispatch(r.Context(), id, claims.Actor(), alert.ServiceType(req.Service))
	var failure *alert.DispatchFailure
	if errors.As(err, &failure) {
		s.writeError(w, http.StatusBadGateway, failure.Error(), rec)
		return
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}
