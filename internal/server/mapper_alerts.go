package server

import (
	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/metrics"
)

func mapAlertSummary(a alert.Alert) AlertSummaryResponse {
	return AlertSummaryResponse{
		ID:            a.ID,
		ShortCode:     a.ShortCode,
		Status:        a.Status,
		Source:        a.Source,
		EmergencyType: a.EmergencyType,
		Severity:      a.Severity,
		ReporterType:  a.ReporterType,
		DriverID:      a.DriverID,
		Location: GeoPoint{
			Latitude:  a.Location.Latitude,
			Longitude: a.Location.Longitude,
			Accuracy:  a.Location.Accuracy,
		},
		Address:          a.Location.Address,
		EscalationLevel:  a.EscalationLevel,
		DispatchDegraded: a.DispatchDegraded,
		DriverHold:       a.DriverHold,
		TriggeredAt:      a.TriggeredAt,
		UpdatedAt:        a.UpdatedAt,
		AcknowledgedAt:   a.AcknowledgedAt,
	}
}

func (s *Server) mapAlertDetail(a alert.Alert) AlertDetailResponse {
	resp := AlertDetailResponse{Alert: a}
	if at, ok := s.engine.NextEscalation(a.ID); ok {
		resp.NextEscalationAt = &at
	}
	return resp
}

func mapTriggerAccepted(a alert.Alert) TriggerAcceptedResponse {
	return TriggerAcceptedResponse{
		ID:          a.ID,
		ShortCode:   a.ShortCode,
		Status:      a.Status,
		Severity:    a.Severity,
		TriggeredAt: a.TriggeredAt,
	}
}

func mapSLATargets(t metrics.Targets) map[string]SLATarget {
	out := make(map[string]SLATarget, len(t))
	for stage, target := range t {
		out[string(stage)] = SLATarget{
			StandardMs: target.Standard.Milliseconds(),
			PanicMs:    target.Panic.Milliseconds(),
		}
	}
	return out
}
