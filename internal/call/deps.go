package call

import (
	"context"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/ari"
	"github.com/bianca-health/wellcall/internal/emergency"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/speech"
)

// CallControl issues call-control commands.
type CallControl interface {
	Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error)
	Hangup(ctx context.Context, channelID, reason string) error
	CreateBridge(ctx context.Context, bridgeID string) (ari.Bridge, error)
	AddChannel(ctx context.Context, bridgeID string, channelIDs ...string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	ExternalMedia(ctx context.Context, req ari.ExternalMediaRequest) (ari.Channel, error)
	Play(ctx context.Context, channelID, playbackID, media string) error
}

// Subscription is a per-call view of call-control events.
type Subscription interface {
	Events() <-chan ari.Event
	Add(id string)
	Close()
}

// EventSource hands out per-call event subscriptions.
type EventSource interface {
	Subscribe(ids ...string) Subscription
}

// MediaAllocator opens the per-call RTP endpoint.
type MediaAllocator interface {
	Open(callID string) (*media.Endpoint, error)
}

// SpeechStream is one live AI session.
type SpeechStream interface {
	SendAudio(frame []byte) error
	Events() <-chan speech.Event
	Close() error
}

// SpeechDialer starts AI sessions.
type SpeechDialer interface {
	Start(ctx context.Context, sc speech.SessionConfig) (SpeechStream, error)
}

// Prober checks that the media server is reachable before dialing.
type Prober interface {
	Check(ctx context.Context) error
}

// Scanner classifies finalized patient turns.
type Scanner interface {
	Scan(u emergency.Utterance) []emergency.Signal
}

// AlertSink folds emergency signals into alerts.
type AlertSink interface {
	Process(ctx context.Context, patientID string, sig emergency.Signal) (alerts.Change, error)
}

type ariEvents struct{ stream *ari.EventStream }

func (a ariEvents) Subscribe(ids ...string) Subscription { return a.stream.Subscribe(ids...) }

// EventsFrom adapts an ari.EventStream.
func EventsFrom(stream *ari.EventStream) EventSource {
	return ariEvents{stream: stream}
}

type speechClient struct{ client *speech.Client }

func (s speechClient) Start(ctx context.Context, sc speech.SessionConfig) (SpeechStream, error) {
	stream, err := s.client.Start(ctx, sc)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// SpeechFrom adapts a speech.Client.
func SpeechFrom(client *speech.Client) SpeechDialer {
	return speechClient{client: client}
}
