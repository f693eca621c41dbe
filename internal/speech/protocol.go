package speech

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client message types.
const (
	msgSessionStart = "session.start"
	msgSessionEnd   = "session.end"
)

// Server message types.
const (
	msgSessionStarted    = "session.started"
	msgSessionResumed    = "session.resumed"
	msgTranscriptPartial = "transcript.partial"
	msgTranscriptFinal   = "transcript.final"
	msgTurnComplete      = "turn.complete"
	msgError             = "error"
)

// TurnDetection tunes the service's end-of-turn detection.
type TurnDetection struct {
	Type      string  `json:"type"`
	SilenceMs int     `json:"silence_ms,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// AudioFormat is the fixed encoding both directions use.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// SessionConfig is sent when a session starts.
type SessionConfig struct {
	Voice         string        `json:"voice"`
	Language      string        `json:"language"`
	Instructions  string        `json:"instructions,omitempty"`
	TurnDetection TurnDetection `json:"turn_detection"`
	Audio         AudioFormat   `json:"audio"`
}

type resumeRequest struct {
	SessionID string `json:"session_id"`
	LastTurn  int    `json:"last_turn"`
}

type clientMessage struct {
	Type    string         `json:"type"`
	Session *SessionConfig `json:"session,omitempty"`
	Resume  *resumeRequest `json:"resume,omitempty"`
}

type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`

	Turn      int    `json:"turn,omitempty"`
	Fragment  string `json:"fragment,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"ts,omitempty"`
	Fragments int    `json:"fragments,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func decodeServerMessage(data []byte) (serverMessage, error) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return serverMessage{}, fmt.Errorf("decoding server message: %w", err)
	}
	if m.Type == "" {
		return serverMessage{}, fmt.Errorf("server message has no type")
	}
	return m, nil
}

func (m serverMessage) sourceTime(fallback time.Time) time.Time {
	if m.Timestamp == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return fallback
	}
	return t
}
