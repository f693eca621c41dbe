// Package speech is the client for the conversational speech AI. One Stream
// carries a single call's session: caller audio goes up as binary frames,
// transcripts, turn boundaries and AI audio come back.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrUnavailable is returned by Start when the service cannot be reached
	// within the connect timeout.
	ErrUnavailable = errors.New("ai speech service unavailable")

	// ErrStreamLost is carried by the terminal error event when the stream
	// dropped and could not be resumed.
	ErrStreamLost = errors.New("ai speech stream lost")

	// ErrTransient wraps a failed audio write; the read side decides whether
	// the stream survives.
	ErrTransient = errors.New("ai speech stream transient fault")

	// ErrClosed is returned by SendAudio after Close.
	ErrClosed = errors.New("ai speech stream closed")
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultResumeTimeout  = 3 * time.Second
	audioWriteTimeout     = 250 * time.Millisecond
	eventBuffer           = 256
)

// EventKind enumerates stream events.
type EventKind int

const (
	EventPartial EventKind = iota + 1
	EventFinal
	EventAudio
	EventTurnComplete
	EventError
	EventClosed
	// EventResuming and EventResumed bracket a resume after a drop.
	EventResuming
	EventResumed
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial_transcript"
	case EventFinal:
		return "final_transcript"
	case EventAudio:
		return "ai_audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "stream_error"
	case EventClosed:
		return "stream_closed"
	case EventResuming:
		return "stream_resuming"
	case EventResumed:
		return "stream_resumed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item from the stream.
type Event struct {
	Kind EventKind

	// Transcript and turn fields.
	Turn       int
	FragmentID string
	Role       string
	Text       string
	Fragments  int
	SourceTime time.Time

	// Audio is set on EventAudio.
	Audio []byte

	// Err is set on EventError and carries the drop cause on EventResuming.
	// A terminal error wraps ErrStreamLost.
	Err error

	ArrivedAt time.Time
}

// Config holds the service endpoint and timers.
type Config struct {
	URL            string
	APIKey         string
	ConnectTimeout time.Duration
	ResumeTimeout  time.Duration
}

// Client opens speech sessions.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewClient creates a speech client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = defaultResumeTimeout
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{},
		logger: logger.With("subsystem", "speech"),
	}
}

// Start opens a session. It fails with ErrUnavailable if the service does
// not acknowledge within the connect timeout.
func (c *Client) Start(ctx context.Context, sc SessionConfig) (*Stream, error) {
	conn, ack, err := c.handshake(ctx, c.cfg.ConnectTimeout,
		clientMessage{Type: msgSessionStart, Session: &sc}, msgSessionStarted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &Stream{
		client:    c,
		conn:      conn,
		session:   sc,
		sessionID: ack.SessionID,
		resumable: ack.Resumable,
		events:    make(chan Event, eventBuffer),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    c.logger.With("session_id", ack.SessionID),
	}
	s.logger.Info("speech session started", "resumable", ack.Resumable, "voice", sc.Voice, "language", sc.Language)
	go s.readLoop()
	return s, nil
}

// handshake dials, sends first and waits for a reply of type expect.
func (c *Client) handshake(ctx context.Context, timeout time.Duration, first clientMessage, expect string) (*websocket.Conn, serverMessage, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, serverMessage{}, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, serverMessage{}, fmt.Errorf("websocket dial: %w", err)
	}

	deadline, _ := dctx.Deadline()
	stop := context.AfterFunc(dctx, func() { conn.Close() })
	defer stop()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(first); err != nil {
		conn.Close()
		return nil, serverMessage{}, fmt.Errorf("sending %s: %w", first.Type, err)
	}
	_ = conn.SetReadDeadline(deadline)
	typ, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, serverMessage{}, fmt.Errorf("waiting for %s: %w", expect, err)
	}
	if typ != websocket.TextMessage {
		conn.Close()
		return nil, serverMessage{}, fmt.Errorf("unexpected first frame type %d", typ)
	}
	msg, err := decodeServerMessage(data)
	if err != nil {
		conn.Close()
		return nil, serverMessage{}, err
	}
	if msg.Type == msgError {
		conn.Close()
		return nil, serverMessage{}, fmt.Errorf("session rejected: %s: %s", msg.Code, msg.Message)
	}
	if msg.Type != expect {
		conn.Close()
		return nil, serverMessage{}, fmt.Errorf("expected %s, got %s", expect, msg.Type)
	}
	if !stop() {
		// The deadline fired between the read and here; the conn is gone.
		return nil, serverMessage{}, dctx.Err()
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, msg, nil
}

// Stream is one live speech session.
type Stream struct {
	client  *Client
	logger  *slog.Logger
	session SessionConfig

	sessionID string
	resumable bool

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	lastTurn atomic.Int64
	resuming atomic.Bool
	resumes  atomic.Int32
	dropped  atomic.Uint64

	events    chan Event
	closed    chan struct{}
	isClosed  atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// SessionID returns the service-assigned session id.
func (s *Stream) SessionID() string {
	return s.sessionID
}

// Resumable reports whether the service offered session resume.
func (s *Stream) Resumable() bool {
	return s.resumable
}

// Resumes returns how many times the stream was resumed.
func (s *Stream) Resumes() int {
	return int(s.resumes.Load())
}

// DroppedFrames counts audio frames discarded while resuming.
func (s *Stream) DroppedFrames() uint64 {
	return s.dropped.Load()
}

// Events returns the event channel. It is closed when the stream ends; the
// last event before an unexpected end is an EventError or EventClosed.
func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) currentConn() *websocket.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// SendAudio forwards one caller audio frame. Frames sent while the stream
// is resuming are dropped.
func (s *Stream) SendAudio(frame []byte) error {
	if s.isClosed.Load() {
		return ErrClosed
	}
	if s.resuming.Load() {
		s.dropped.Add(1)
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.currentConn()
	_ = conn.SetWriteDeadline(time.Now().Add(audioWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if s.isClosed.Load() {
			return ErrClosed
		}
		s.dropped.Add(1)
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Close ends the session and waits for the reader to exit.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.isClosed.Store(true)
		close(s.closed)

		s.writeMu.Lock()
		conn := s.currentConn()
		deadline := time.Now().Add(time.Second)
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteJSON(clientMessage{Type: msgSessionEnd})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		_ = conn.Close()
	})
	<-s.done
	return nil
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		conn := s.currentConn()
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Info("speech session closed by service")
				s.emit(Event{Kind: EventClosed, ArrivedAt: time.Now()})
				return
			}
			if s.tryResume(err) {
				continue
			}
			if s.isClosed.Load() {
				return
			}
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrStreamLost, err), ArrivedAt: time.Now()})
			return
		}

		arrived := time.Now()
		switch typ {
		case websocket.BinaryMessage:
			audio := make([]byte, len(data))
			copy(audio, data)
			s.emit(Event{Kind: EventAudio, Audio: audio, ArrivedAt: arrived})
		case websocket.TextMessage:
			if stop := s.handleText(data, arrived); stop {
				conn.Close()
				return
			}
		}
	}
}

// handleText translates one server message. It returns true when the
// message ends the stream.
func (s *Stream) handleText(data []byte, arrived time.Time) bool {
	msg, err := decodeServerMessage(data)
	if err != nil {
		s.logger.Warn("dropping malformed speech message", "error", err)
		return false
	}

	switch msg.Type {
	case msgTranscriptPartial:
		s.emit(Event{Kind: EventPartial, Turn: msg.Turn, Role: msg.Role, Text: msg.Text, ArrivedAt: arrived})
	case msgTranscriptFinal:
		if int64(msg.Turn) > s.lastTurn.Load() {
			s.lastTurn.Store(int64(msg.Turn))
		}
		s.emit(Event{
			Kind:       EventFinal,
			Turn:       msg.Turn,
			FragmentID: msg.Fragment,
			Role:       msg.Role,
			Text:       msg.Text,
			SourceTime: msg.sourceTime(arrived),
			ArrivedAt:  arrived,
		})
	case msgTurnComplete:
		s.emit(Event{Kind: EventTurnComplete, Turn: msg.Turn, Role: msg.Role, Fragments: msg.Fragments, ArrivedAt: arrived})
	case msgError:
		err := fmt.Errorf("service error %s: %s", msg.Code, msg.Message)
		if msg.Fatal {
			s.logger.Error("fatal speech service error", "code", msg.Code, "message", msg.Message)
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrStreamLost, err), ArrivedAt: arrived})
			return true
		}
		s.logger.Warn("speech service error", "code", msg.Code, "message", msg.Message)
		s.emit(Event{Kind: EventError, Err: err, ArrivedAt: arrived})
	case msgSessionStarted, msgSessionResumed:
	default:
		s.logger.Debug("ignoring speech message", "type", msg.Type)
	}
	return false
}

// tryResume makes one bounded attempt to resume the session after a drop.
func (s *Stream) tryResume(cause error) bool {
	if !s.resumable || s.sessionID == "" {
		s.logger.Warn("speech stream dropped, resume unsupported", "error", cause)
		return false
	}

	s.resuming.Store(true)
	defer s.resuming.Store(false)
	s.logger.Warn("speech stream dropped, resuming", "error", cause)
	s.emit(Event{Kind: EventResuming, Err: cause, ArrivedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := s.client.handshake(ctx, s.client.cfg.ResumeTimeout, clientMessage{
		Type:    msgSessionStart,
		Session: &s.session,
		Resume:  &resumeRequest{SessionID: s.sessionID, LastTurn: int(s.lastTurn.Load())},
	}, msgSessionResumed)
	if err != nil {
		s.logger.Error("speech session resume failed", "error", err)
		return false
	}

	s.writeMu.Lock()
	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()
	s.writeMu.Unlock()
	old.Close()

	if s.isClosed.Load() {
		conn.Close()
		return false
	}
	s.resumes.Add(1)
	s.logger.Info("speech session resumed", "last_turn", s.lastTurn.Load())
	s.emit(Event{Kind: EventResumed, ArrivedAt: time.Now()})
	return true
}
