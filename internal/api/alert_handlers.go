package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bianca-health/wellcall/internal/database/models"
)

type evidenceResponse struct {
	CallID     string    `json:"call_id"`
	FromSeq    int       `json:"from_seq"`
	ToSeq      int       `json:"to_seq"`
	Excerpt    string    `json:"excerpt"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
}

type alertResponse struct {
	ID         string             `json:"id"`
	PatientID  string             `json:"patient_id"`
	Category   string             `json:"category"`
	Confidence float64            `json:"confidence"`
	Active     bool               `json:"active"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Evidence   []evidenceResponse `json:"evidence"`
}

// handleListAlerts lists a patient's alerts, newest first. ?active=true
// restricts the list to alerts still inside their relevance window.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if errMsg := validateID("patient id", patientID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	now := s.now()
	var (
		list []models.Alert
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		list, err = s.deps.Alerts.ListActive(r.Context(), patientID, now)
	} else {
		list, err = s.deps.Alerts.ListByPatient(r.Context(), patientID, p.Offset+p.Limit)
	}
	if err != nil {
		s.logger.Error("list alerts: failed to query alerts", "patient_id", patientID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]alertResponse, 0, len(list))
	for _, a := range page(list, p) {
		items = append(items, toAlertResponse(a, now))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{Items: items, Total: len(list), Limit: p.Limit, Offset: p.Offset})
}

func toAlertResponse(a models.Alert, now time.Time) alertResponse {
	resp := alertResponse{
		ID:         a.ID,
		PatientID:  a.PatientID,
		Category:   a.Category,
		Confidence: a.Confidence,
		Active:     now.Before(a.ExpiresAt),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
		ExpiresAt:  a.ExpiresAt,
		Evidence:   make([]evidenceResponse, 0, len(a.Evidence)),
	}
	for _, ev := range a.Evidence {
		resp.Evidence = append(resp.Evidence, evidenceResponse{
			CallID:     ev.CallID,
			FromSeq:    ev.FromSeq,
			ToSeq:      ev.ToSeq,
			Excerpt:    ev.Excerpt,
			Confidence: ev.Confidence,
			DetectedAt: ev.DetectedAt,
		})
	}
	return resp
}
