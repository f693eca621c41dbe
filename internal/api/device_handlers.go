package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/notify"
)

// deviceRequest is the body of POST /api/v1/patients/{id}/devices.
type deviceRequest struct {
	CaregiverID string `json:"caregiver_id"`
	Platform    string `json:"platform"`
	Token       string `json:"token"`
}

type deviceResponse struct {
	ID          int64     `json:"id"`
	PatientID   string    `json:"patient_id"`
	CaregiverID string    `json:"caregiver_id"`
	Platform    string    `json:"platform"`
	CreatedAt   time.Time `json:"created_at"`
}

func validateDeviceRequest(req deviceRequest) string {
	if msg := validateID("caregiver_id", req.CaregiverID); msg != "" {
		return msg
	}
	if req.Platform != notify.PlatformIOS && req.Platform != notify.PlatformAndroid {
		return "platform must be ios or android"
	}
	if msg := validateRequiredStringLen("token", req.Token, maxTokenLen); msg != "" {
		return msg
	}
	if containsControlChars(req.Token) {
		return "token contains invalid characters"
	}
	return ""
}

// handleRegisterDevice registers a caregiver push token for a patient.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if errMsg := validateID("patient id", patientID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var req deviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateDeviceRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	d := &models.CaregiverDevice{
		PatientID:   patientID,
		CaregiverID: req.CaregiverID,
		Platform:    req.Platform,
		Token:       req.Token,
	}
	if err := s.deps.Devices.Upsert(r.Context(), d); err != nil {
		s.logger.Error("register device: failed to save device", "patient_id", patientID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("caregiver device registered", "patient_id", patientID, "caregiver_id", req.CaregiverID, "platform", req.Platform)
	writeJSON(w, http.StatusCreated, deviceResponse{
		ID:          d.ID,
		PatientID:   d.PatientID,
		CaregiverID: d.CaregiverID,
		Platform:    d.Platform,
		CreatedAt:   s.now().UTC(),
	})
}

// handleListDevices lists a patient's caregiver devices without their tokens.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if errMsg := validateID("patient id", patientID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	devices, err := s.deps.Devices.ListByPatient(r.Context(), patientID)
	if err != nil {
		s.logger.Error("list devices: failed to query devices", "patient_id", patientID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		items = append(items, deviceResponse{
			ID:          d.ID,
			PatientID:   d.PatientID,
			CaregiverID: d.CaregiverID,
			Platform:    d.Platform,
			CreatedAt:   d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// handleDeleteDevice unregisters a push token everywhere it is registered.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if errMsg := validateRequiredStringLen("token", token, maxTokenLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.deps.Devices.DeleteByToken(r.Context(), token); err != nil {
		s.logger.Error("delete device: failed to delete device", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
