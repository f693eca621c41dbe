package ari

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind is the typed form of a call-control event.
type EventKind string

const (
	ChannelCreated       EventKind = "channel_created"
	ChannelRinging       EventKind = "channel_ringing"
	ChannelAnswered      EventKind = "channel_answered"
	BridgeCreated        EventKind = "bridge_created"
	ChannelEnteredBridge EventKind = "channel_entered_bridge"
	ChannelLeftBridge    EventKind = "channel_left_bridge"
	BridgeDestroyed      EventKind = "bridge_destroyed"
	ChannelHangup        EventKind = "channel_hangup"
	PlaybackFinished     EventKind = "playback_finished"
)

// Event is one call-control event routed to a call.
type Event struct {
	// ID identifies the underlying media server event; redelivery of the
	// same event carries the same ID.
	ID        string
	Kind      EventKind
	ChannelID string
	BridgeID  string
	// PlaybackID is set on PlaybackFinished.
	PlaybackID string
	State      string
	Cause      int
	CauseText  string
	Timestamp  time.Time
}

// String implements fmt.Stringer for logs.
func (e Event) String() string {
	switch {
	case e.Kind == ChannelHangup:
		return fmt.Sprintf("%s channel=%s cause=%d", e.Kind, e.ChannelID, e.Cause)
	case e.BridgeID != "":
		return fmt.Sprintf("%s channel=%s bridge=%s", e.Kind, e.ChannelID, e.BridgeID)
	default:
		return fmt.Sprintf("%s channel=%s", e.Kind, e.ChannelID)
	}
}

// wireEvent is the media server's JSON event envelope.
type wireEvent struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Channel   *Channel `json:"channel"`
	Bridge    *Bridge  `json:"bridge"`
	Playback  *struct {
		ID        string `json:"id"`
		TargetURI string `json:"target_uri"`
	} `json:"playback"`
	Cause     *int   `json:"cause"`
	CauseText string `json:"cause_txt"`
}

// decodeEvent translates a raw event. It returns ok=false for events the
// core does not act on.
func decodeEvent(data []byte) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false, fmt.Errorf("decoding event: %w", err)
	}

	ev := Event{
		Timestamp: parseTimestamp(w.Timestamp),
		CauseText: w.CauseText,
	}
	if w.Channel != nil {
		ev.ChannelID = w.Channel.ID
		ev.State = w.Channel.State
	}
	if w.Bridge != nil {
		ev.BridgeID = w.Bridge.ID
	}
	if w.Cause != nil {
		ev.Cause = *w.Cause
	}

	switch w.Type {
	case "ChannelCreated":
		ev.Kind = ChannelCreated
	case "ChannelStateChange":
		switch ev.State {
		case "Ring", "Ringing":
			ev.Kind = ChannelRinging
		case "Up":
			ev.Kind = ChannelAnswered
		default:
			return Event{}, false, nil
		}
	case "StasisStart":
		// Originated channels enter the application once answered.
		if ev.State != "Up" {
			return Event{}, false, nil
		}
		ev.Kind = ChannelAnswered
	case "BridgeCreated":
		ev.Kind = BridgeCreated
	case "ChannelEnteredBridge":
		ev.Kind = ChannelEnteredBridge
	case "ChannelLeftBridge":
		ev.Kind = ChannelLeftBridge
	case "BridgeDestroyed":
		ev.Kind = BridgeDestroyed
	case "ChannelHangupRequest", "ChannelDestroyed":
		ev.Kind = ChannelHangup
	case "PlaybackFinished":
		if w.Playback == nil {
			return Event{}, false, nil
		}
		ev.Kind = PlaybackFinished
		ev.PlaybackID = w.Playback.ID
		ev.ChannelID = strings.TrimPrefix(w.Playback.TargetURI, "channel:")
	default:
		return Event{}, false, nil
	}

	ev.ID = eventKey(w.Type, ev)
	return ev, true, nil
}

// eventKey derives a stable identifier. The media server has no event id,
// so the raw type, the subject and its emission timestamp stand in for one.
func eventKey(rawType string, ev Event) string {
	var b strings.Builder
	b.WriteString(rawType)
	b.WriteByte('|')
	b.WriteString(ev.ChannelID)
	b.WriteByte('|')
	b.WriteString(ev.BridgeID)
	b.WriteByte('|')
	b.WriteString(ev.PlaybackID)
	b.WriteByte('|')
	b.WriteString(ev.State)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(ev.Timestamp.UnixMicro(), 10))
	return b.String()
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
