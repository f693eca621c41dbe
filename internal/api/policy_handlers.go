package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/retry"
)

// handleGetRetryPolicy returns an organization's stored retry policy.
func (s *Server) handleGetRetryPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	if errMsg := validateID("organization id", orgID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	raw, err := s.deps.Policies.RetryPolicy(r.Context(), orgID)
	if errors.Is(err, retry.ErrPolicyNotFound) {
		writeError(w, http.StatusNotFound, "no retry policy stored for organization")
		return
	}
	if err != nil {
		s.logger.Error("get retry policy: failed to query policy", "organization_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

// handlePutRetryPolicy validates and stores an organization's retry policy.
// The body is the policy document itself.
func (s *Server) handlePutRetryPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	if errMsg := validateID("organization id", orgID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must not be empty")
		return
	}

	err = s.deps.Policies.Upsert(r.Context(), &models.RetryPolicyRecord{OrganizationID: orgID, Policy: string(body)})
	if errors.Is(err, retry.ErrInvalidPolicy) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("put retry policy: failed to save policy", "organization_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.deps.PolicyCache != nil {
		s.deps.PolicyCache.Invalidate(orgID)
	}

	s.logger.Info("retry policy updated", "organization_id", orgID)
	writeJSON(w, http.StatusOK, json.RawMessage(body))
}
