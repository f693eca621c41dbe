package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type mediaServerHealth struct {
	Healthy   bool       `json:"healthy"`
	LastError string     `json:"last_error,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	LatencyMS int64      `json:"latency_ms"`
}

type healthResponse struct {
	Status      string             `json:"status"`
	Database    string             `json:"database"`
	EventStream *bool              `json:"event_stream_connected,omitempty"`
	MediaServer *mediaServerHealth `json:"media_server,omitempty"`
	ActiveCalls int                `json:"active_calls"`
	UptimeSec   int64              `json:"uptime_sec"`
}

// handleHealth reports 503 when the database is unreachable. A down event
// stream or media server degrades the status without failing the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Database:    "ok",
		ActiveCalls: len(s.deps.Calls.Active()),
		UptimeSec:   int64(s.now().Sub(s.startTime).Seconds()),
	}
	status := http.StatusOK

	if err := s.deps.DB.Healthy(ctx); err != nil {
		s.logger.Error("health: database check failed", "error", err)
		resp.Database = "unavailable"
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	if s.deps.Events != nil {
		connected := s.deps.Events.Connected()
		resp.EventStream = &connected
		if !connected && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	if s.deps.Probe != nil {
		st := s.deps.Probe.Status()
		ms := &mediaServerHealth{
			Healthy:   st.Healthy,
			LastError: st.LastError,
			LatencyMS: st.Latency.Milliseconds(),
		}
		if !st.CheckedAt.IsZero() {
			checked := st.CheckedAt
			ms.CheckedAt = &checked
			if !st.Healthy && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
		resp.MediaServer = ms
	}

	writeJSON(w, status, resp)
}
