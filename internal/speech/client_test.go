package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService is a scripted speech service. Each accepted connection is
// handed to handler with the decoded first client message.
type fakeService struct {
	srv     *httptest.Server
	conns   atomic.Int32
	handler func(n int, conn *websocket.Conn, first clientMessage)
}

func newFakeService(t *testing.T, handler func(n int, conn *websocket.Conn, first clientMessage)) *fakeService {
	t.Helper()
	f := &fakeService{handler: handler}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(f.conns.Add(1))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var first clientMessage
		if err := json.Unmarshal(data, &first); err != nil {
			return
		}
		f.handler(n, conn, first)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func send(conn *websocket.Conn, m serverMessage) {
	data, _ := json.Marshal(m)
	conn.WriteMessage(websocket.TextMessage, data)
}

// drop closes the TCP connection without a close frame.
func drop(conn *websocket.Conn) {
	conn.UnderlyingConn().Close()
}

func waitEvent(t *testing.T, s *Stream) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func waitClosed(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case _, ok := <-s.Events():
		require.False(t, ok, "unexpected event")
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func testSession() SessionConfig {
	return SessionConfig{
		Voice:         "warm",
		Language:      "en-US",
		TurnDetection: TurnDetection{Type: "server_vad", SilenceMs: 600},
		Audio:         AudioFormat{Encoding: "ulaw", SampleRate: 8000},
	}
}

func TestStartUnreachableIsUnavailable(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/never", ConnectTimeout: 200 * time.Millisecond}, testLogger())
	_, err := c.Start(context.Background(), testSession())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStartSilentServiceTimesOut(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		time.Sleep(time.Second)
	})
	c := NewClient(Config{URL: svc.url(), ConnectTimeout: 100 * time.Millisecond}, testLogger())

	start := time.Now()
	_, err := c.Start(context.Background(), testSession())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestStartRejectedIsUnavailable(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		send(conn, serverMessage{Type: msgError, Code: "quota", Message: "no capacity", Fatal: true})
	})
	c := NewClient(Config{URL: svc.url()}, testLogger())
	_, err := c.Start(context.Background(), testSession())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "no capacity")
}

func TestStreamEventsAndAudio(t *testing.T) {
	gotAudio := make(chan []byte, 1)
	var gotSession SessionConfig
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		if first.Session != nil {
			gotSession = *first.Session
		}
		send(conn, serverMessage{Type: msgSessionStarted, SessionID: "sess-1"})

		typ, data, err := conn.ReadMessage()
		if err != nil || typ != websocket.BinaryMessage {
			return
		}
		gotAudio <- data

		send(conn, serverMessage{Type: msgTranscriptPartial, Turn: 1, Role: "patient", Text: "I fe"})
		send(conn, serverMessage{Type: msgTranscriptFinal, Turn: 1, Fragment: "f1", Role: "patient", Text: "I feel fine", Timestamp: "2026-01-02T03:04:05Z"})
		send(conn, serverMessage{Type: msgTurnComplete, Turn: 1, Role: "patient", Fragments: 1})
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe})
		conn.ReadMessage()
	})

	c := NewClient(Config{URL: svc.url()}, testLogger())
	s, err := c.Start(context.Background(), testSession())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "sess-1", s.SessionID())
	assert.False(t, s.Resumable())
	assert.Equal(t, "warm", gotSession.Voice)
	assert.Equal(t, 8000, gotSession.Audio.SampleRate)

	require.NoError(t, s.SendAudio([]byte{1, 2, 3}))
	select {
	case data := <-gotAudio:
		assert.Equal(t, []byte{1, 2, 3}, data)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not receive audio")
	}

	ev := waitEvent(t, s)
	assert.Equal(t, EventPartial, ev.Kind)

	ev = waitEvent(t, s)
	assert.Equal(t, EventFinal, ev.Kind)
	assert.Equal(t, 1, ev.Turn)
	assert.Equal(t, "f1", ev.FragmentID)
	assert.Equal(t, "I feel fine", ev.Text)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ev.SourceTime.UTC())

	ev = waitEvent(t, s)
	assert.Equal(t, EventTurnComplete, ev.Kind)
	assert.Equal(t, 1, ev.Fragments)

	ev = waitEvent(t, s)
	assert.Equal(t, EventAudio, ev.Kind)
	assert.Equal(t, []byte{0xff, 0xfe}, ev.Audio)
}

func TestStreamDropWithoutResumeIsLost(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		send(conn, serverMessage{Type: msgSessionStarted, SessionID: "sess-1", Resumable: false})
		send(conn, serverMessage{Type: msgTranscriptFinal, Turn: 1, Fragment: "f1", Role: "patient", Text: "hello"})
		time.Sleep(50 * time.Millisecond)
		drop(conn)
	})

	c := NewClient(Config{URL: svc.url()}, testLogger())
	s, err := c.Start(context.Background(), testSession())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, EventFinal, waitEvent(t, s).Kind)
	ev := waitEvent(t, s)
	require.Equal(t, EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrStreamLost)
	waitClosed(t, s)
	assert.Equal(t, int32(1), svc.conns.Load(), "no resume attempt expected")
}

func TestStreamResumesOnce(t *testing.T) {
	resumeReq := make(chan *resumeRequest, 1)
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		switch n {
		case 1:
			send(conn, serverMessage{Type: msgSessionStarted, SessionID: "sess-9", Resumable: true})
			send(conn, serverMessage{Type: msgTranscriptFinal, Turn: 2, Fragment: "f1", Role: "patient", Text: "before"})
			time.Sleep(50 * time.Millisecond)
			drop(conn)
		case 2:
			resumeReq <- first.Resume
			send(conn, serverMessage{Type: msgSessionResumed, SessionID: "sess-9"})
			send(conn, serverMessage{Type: msgTranscriptFinal, Turn: 3, Fragment: "f1", Role: "ai", Text: "after"})
			conn.ReadMessage()
		}
	})

	c := NewClient(Config{URL: svc.url(), ResumeTimeout: time.Second}, testLogger())
	s, err := c.Start(context.Background(), testSession())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "before", waitEvent(t, s).Text)
	resuming := waitEvent(t, s)
	assert.Equal(t, EventResuming, resuming.Kind)
	assert.Error(t, resuming.Err)
	assert.Equal(t, EventResumed, waitEvent(t, s).Kind)
	ev := waitEvent(t, s)
	assert.Equal(t, EventFinal, ev.Kind)
	assert.Equal(t, "after", ev.Text)
	assert.Equal(t, 1, s.Resumes())

	select {
	case req := <-resumeReq:
		require.NotNil(t, req)
		assert.Equal(t, "sess-9", req.SessionID)
		assert.Equal(t, 2, req.LastTurn)
	default:
		t.Fatal("resume request not recorded")
	}
}

func TestStreamResumeRejectedIsLost(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		switch n {
		case 1:
			send(conn, serverMessage{Type: msgSessionStarted, SessionID: "sess-9", Resumable: true})
			time.Sleep(50 * time.Millisecond)
			drop(conn)
		default:
			send(conn, serverMessage{Type: msgError, Code: "expired", Message: "session expired"})
		}
	})

	c := NewClient(Config{URL: svc.url(), ResumeTimeout: time.Second}, testLogger())
	s, err := c.Start(context.Background(), testSession())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, EventResuming, waitEvent(t, s).Kind)
	ev := waitEvent(t, s)
	require.Equal(t, EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrStreamLost)
	waitClosed(t, s)
	assert.Equal(t, int32(2), svc.conns.Load())
}

func TestStreamServiceCloseAndFatalError(t *testing.T) {
	t.Run("normal close", func(t *testing.T) {
		svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
			send(conn, serverMessage{Type: msgSessionStarted, SessionID: "s"})
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			conn.ReadMessage()
		})
		s, err := NewClient(Config{URL: svc.url()}, testLogger()).Start(context.Background(), testSession())
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, EventClosed, waitEvent(t, s).Kind)
		waitClosed(t, s)
	})

	t.Run("fatal error", func(t *testing.T) {
		svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
			send(conn, serverMessage{Type: msgSessionStarted, SessionID: "s", Resumable: true})
			send(conn, serverMessage{Type: msgError, Code: "internal", Message: "model crashed", Fatal: true})
			conn.ReadMessage()
		})
		s, err := NewClient(Config{URL: svc.url()}, testLogger()).Start(context.Background(), testSession())
		require.NoError(t, err)
		defer s.Close()
		ev := waitEvent(t, s)
		require.Equal(t, EventError, ev.Kind)
		assert.True(t, errors.Is(ev.Err, ErrStreamLost))
		waitClosed(t, s)
	})
}

func TestCloseStopsReaderAndRejectsAudio(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, first clientMessage) {
		send(conn, serverMessage{Type: msgSessionStarted, SessionID: "s"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s, err := NewClient(Config{URL: svc.url()}, testLogger()).Start(context.Background(), testSession())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	s.Close()

	assert.ErrorIs(t, s.SendAudio([]byte{1}), ErrClosed)
	waitClosed(t, s)
}
