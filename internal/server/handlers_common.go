package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type APIError struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

const (
	errInvalidPayload = "invalid payload"
	errInvalidAlertID = "invalid alert id"
	maxListLimit      = 500
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details interface{}) {
	s.writeJSON(w, status, APIError{Error: message, Details: details})
}

// decode reads a JSON body strictly. An empty body leaves dst untouched.
func decode(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := decode(r, dst); err != nil {
		return err
	}
	return s.validate.Struct(dst)
}

// writeDecodeError reports a malformed or invalid request body.
func (s *Server) writeDecodeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]alert.FieldViolation, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, alert.FieldViolation{Field: fe.Field(), Rule: fe.Tag(), Message: fe.Error()})
		}
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, details)
		return
	}
	s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *alert.ValidationError
		terr  *alert.InvalidTransitionError
		derr  *alert.InvalidDispatchUpdateError
		rerr  *alert.RegionalAccessError
		dfail *alert.DispatchFailure
		perr  *alert.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, verr.Violations)
	case errors.Is(err, alert.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.As(err, &terr):
		s.writeError(w, http.StatusConflict, err.Error(), map[string]interface{}{
			"from":    terr.From,
			"to":      terr.To,
			"allowed": terr.Allowed,
		})
	case errors.As(err, &derr):
		s.writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &rerr):
		s.writeError(w, http.StatusForbidden, err.Error(), nil)
	case errors.As(err, &dfail):
		s.writeError(w, http.StatusBadGateway, err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, "alert was modified concurrently, retry", nil)
	case errors.As(err, &perr):
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		s.writeError(w, http.StatusServiceUnavailable, "alert store unavailable", nil)
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled engine error")
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func parseAlertID(r *http.Request) (string, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "alertID"))
	if raw == "" {
		return "", errors.New("missing id")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

// parseFilter reads the console list filters from the query string.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		EmergencyType: alert.EmergencyType(strings.TrimSpace(q.Get("emergency_type"))),
		Source:        alert.Source(strings.TrimSpace(q.Get("source"))),
		DriverID:      strings.TrimSpace(q.Get("driver_id")),
		Limit:         100,
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := alert.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return store.Filter{}, errors.New("unknown status " + string(st))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if f.EmergencyType != "" && !f.EmergencyType.Valid() {
		return store.Filter{}, errors.New("unknown emergency_type " + string(f.EmergencyType))
	}
	if raw := q.Get("min_severity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 5 {
			return store.Filter{}, errors.New("min_severity must be between 1 and 5")
		}
		f.MinSeverity = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.Filter{}, errors.New("limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		f.Limit = n
	}
	return f, nil
}
