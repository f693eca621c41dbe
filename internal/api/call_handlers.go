package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bianca-health/wellcall/internal/call"
	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/retry"
)

// dialRequest is the body of POST /api/v1/calls.
type dialRequest struct {
	CallID         string `json:"call_id"`
	PatientID      string `json:"patient_id"`
	OrganizationID string `json:"organization_id"`
	PhoneNumber    string `json:"phone_number"`
}

type dialResponse struct {
	CallID  string `json:"call_id"`
	Attempt int    `json:"attempt"`
}

// callResponse describes a call's latest attempt, live or finished.
type callResponse struct {
	CallID           string     `json:"call_id"`
	Attempt          int        `json:"attempt"`
	PatientID        string     `json:"patient_id"`
	OrganizationID   string     `json:"organization_id"`
	State            string     `json:"state"`
	Live             bool       `json:"live"`
	Outcome          string     `json:"outcome,omitempty"`
	Cause            string     `json:"cause,omitempty"`
	HangupCode       int        `json:"hangup_code,omitempty"`
	OrderingDegraded bool       `json:"ordering_degraded,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	AnsweredAt       *time.Time `json:"answered_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

type transcriptMessageResponse struct {
	Seq        int       `json:"seq"`
	Turn       int       `json:"turn"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Degraded   bool      `json:"degraded,omitempty"`
	SourceTime time.Time `json:"source_time"`
}

type transcriptResponse struct {
	CallID   string                      `json:"call_id"`
	Attempt  int                         `json:"attempt"`
	Messages []transcriptMessageResponse `json:"messages"`
}

func validateDialRequest(req dialRequest) string {
	if req.CallID != "" {
		if msg := validateID("call_id", req.CallID); msg != "" {
			return msg
		}
	}
	if msg := validateID("patient_id", req.PatientID); msg != "" {
		return msg
	}
	if msg := validateID("organization_id", req.OrganizationID); msg != "" {
		return msg
	}
	return validatePhoneNumber("phone_number", req.PhoneNumber)
}

// handleDial starts a dial attempt. A second concurrent attempt for the same
// call id is rejected with 409; exhausted or early retries with 422.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateDialRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if !s.dialLimiter.Allow(req.OrganizationID) {
		s.logger.Warn("dial rate limit exceeded", "organization_id", req.OrganizationID)
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "dial rate limit exceeded for organization")
		return
	}

	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	attempt, err := s.deps.Calls.Dial(r.Context(), retry.Request{
		CallID:         req.CallID,
		OrganizationID: req.OrganizationID,
		PatientID:      req.PatientID,
		PhoneNumber:    req.PhoneNumber,
	})
	switch {
	case errors.Is(err, retry.ErrAttemptInFlight):
		writeError(w, http.StatusConflict, "a dial attempt for this call is already in progress")
		return
	case errors.Is(err, retry.ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, call.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	case err != nil:
		s.logger.Error("dial: failed to start attempt", "call_id", req.CallID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, dialResponse{CallID: req.CallID, Attempt: attempt})
}

// handleListActiveCalls lists in-flight attempts, oldest first.
func (s *Server) handleListActiveCalls(w http.ResponseWriter, r *http.Request) {
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	active := s.deps.Calls.Active()
	items := make([]callResponse, 0, len(active))
	for _, st := range page(active, p) {
		items = append(items, liveCallResponse(st))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{Items: items, Total: len(active), Limit: p.Limit, Offset: p.Offset})
}

// handleGetCall returns the live attempt if one is running, otherwise the
// latest persisted attempt.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if errMsg := validateID("call id", id); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if st, ok := s.deps.Calls.Status(id); ok {
		writeJSON(w, http.StatusOK, liveCallResponse(st))
		return
	}

	rec, err := s.deps.Records.Latest(r.Context(), id)
	if err != nil {
		s.logger.Error("get call: failed to query call", "call_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(*rec))
}

// handleListAttempts returns every finished attempt of a call.
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if errMsg := validateID("call id", id); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	recs, err := s.deps.Records.ListAttempts(r.Context(), id)
	if err != nil {
		s.logger.Error("list attempts: failed to query calls", "call_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]callResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, recordResponse(rec))
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetTranscript returns the finalized transcript of one attempt,
// defaulting to the latest finished attempt.
func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if errMsg := validateID("call id", id); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var attempt int
	if v := r.URL.Query().Get("attempt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "attempt must be a positive integer")
			return
		}
		attempt = n
	} else {
		rec, err := s.deps.Records.Latest(r.Context(), id)
		if err != nil {
			s.logger.Error("get transcript: failed to query call", "call_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		attempt = rec.Attempt
	}

	msgs, err := s.deps.Records.Transcript(r.Context(), id, attempt)
	if err != nil {
		s.logger.Error("get transcript: failed to query transcript", "call_id", id, "attempt", attempt, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := transcriptResponse{CallID: id, Attempt: attempt, Messages: make([]transcriptMessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, transcriptMessageResponse{
			Seq:        m.Seq,
			Turn:       m.Turn,
			Role:       m.Role,
			Content:    m.Content,
			Degraded:   m.Degraded,
			SourceTime: m.SourceTime,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func liveCallResponse(st call.Status) callResponse {
	return callResponse{
		CallID:         st.CallID,
		Attempt:        st.Attempt,
		PatientID:      st.PatientID,
		OrganizationID: st.OrganizationID,
		State:          st.State,
		Live:           true,
		StartedAt:      st.StartedAt,
	}
}

func recordResponse(rec models.CallRecord) callResponse {
	ended := rec.EndedAt
	return callResponse{
		CallID:           rec.CallID,
		Attempt:          rec.Attempt,
		PatientID:        rec.PatientID,
		OrganizationID:   rec.OrganizationID,
		State:            rec.State,
		Outcome:          string(rec.Outcome),
		Cause:            rec.Cause,
		HangupCode:       rec.HangupCode,
		OrderingDegraded: rec.OrderingDegraded,
		StartedAt:        rec.StartedAt,
		AnsweredAt:       rec.AnsweredAt,
		EndedAt:          &ended,
	}
}
