package call

import (
	"context"
	"errors"

	"github.com/bianca-health/wellcall/internal/conversation"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/speech"
)

// uplink forwards caller audio to the AI stream until ctx is cancelled or
// either side closes. Write failures are absorbed; a dead stream is reported
// by its reader.
func (m *Machine) uplink(ctx context.Context, frames <-chan media.Frame, stream SpeechStream) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := stream.SendAudio(f.Payload); err != nil {
				if errors.Is(err, speech.ErrClosed) {
					return
				}
				m.uplinkErrors.Add(1)
			}
		}
	}
}

func (m *Machine) stopUplink() {
	if m.uplinkCancel != nil {
		m.uplinkCancel()
		m.uplinkCancel = nil
	}
}

// sendAudio plays one AI audio frame to the patient.
func (m *Machine) sendAudio(payload []byte) {
	if m.ep == nil {
		return
	}
	if err := m.ep.Send(media.Frame{Payload: payload}); err != nil {
		// Transport faults also arrive on the endpoint's fault channel.
		m.logger.Debug("ai audio frame not sent", "error", err)
	}
}

func (m *Machine) feedTranscript(ev speech.Event) {
	switch ev.Kind {
	case speech.EventFinal:
		m.pipe.Fragment(conversation.Fragment{
			Turn:       ev.Turn,
			FragmentID: ev.FragmentID,
			Role:       roleOf(ev.Role),
			Text:       ev.Text,
			SourceTime: ev.SourceTime,
			ArrivedAt:  ev.ArrivedAt,
		})
	case speech.EventTurnComplete:
		m.pipe.TurnEnd(conversation.TurnEnd{
			Turn:      ev.Turn,
			Role:      roleOf(ev.Role),
			Fragments: ev.Fragments,
		})
	}
}

// flushStream drains events the stream already delivered: AI audio still
// goes out and transcript events still reach the pipeline.
func (m *Machine) flushStream() {
	events := m.speechEvents()
	if events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case speech.EventAudio:
				m.sendAudio(ev.Audio)
			case speech.EventFinal, speech.EventTurnComplete:
				m.feedTranscript(ev)
			}
		default:
			return
		}
	}
}

func roleOf(s string) conversation.Role {
	switch s {
	case "patient", "user", "caller":
		return conversation.RolePatient
	case "ai", "assistant", "agent":
		return conversation.RoleAI
	default:
		return conversation.RoleSystem
	}
}
