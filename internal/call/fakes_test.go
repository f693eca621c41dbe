package call

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bianca-health/wellcall/internal/ari"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/speech"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSub is a call-control subscription fed directly by tests.
type fakeSub struct {
	ch chan ari.Event

	mu     sync.Mutex
	ids    []string
	closes int
}

func (s *fakeSub) Events() <-chan ari.Event { return s.ch }

func (s *fakeSub) Add(id string) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeSource) Subscribe(ids ...string) Subscription {
	s := &fakeSub{ch: make(chan ari.Event, 64), ids: ids}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s
}

func (f *fakeSource) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type command struct {
	Op        string
	ChannelID string
	Arg       string
}

// fakeControl records commands. Hooks run on the machine goroutine.
type fakeControl struct {
	mu       sync.Mutex
	cmds     []command
	external ari.ExternalMediaRequest

	originateErr error
	addErr       error
	playErr      error
	// slowHangup makes Hangup wait until its context expires.
	slowHangup bool

	originated chan string
	onAdd      func()
	onPlay     func(playbackID string)
}

func newFakeControl() *fakeControl {
	return &fakeControl{originated: make(chan string, 1)}
}

func (c *fakeControl) record(op, channelID, arg string) {
	c.mu.Lock()
	c.cmds = append(c.cmds, command{Op: op, ChannelID: channelID, Arg: arg})
	c.mu.Unlock()
}

func (c *fakeControl) commands(op string) []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []command
	for _, cmd := range c.cmds {
		if cmd.Op == op {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *fakeControl) Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error) {
	c.record("originate", req.ChannelID, req.Endpoint)
	if c.originateErr != nil {
		return ari.Channel{}, c.originateErr
	}
	c.originated <- req.ChannelID
	return ari.Channel{ID: req.ChannelID, State: "Down"}, nil
}

func (c *fakeControl) Hangup(ctx context.Context, channelID, reason string) error {
	c.record("hangup", channelID, reason)
	if c.slowHangup {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (c *fakeControl) CreateBridge(ctx context.Context, bridgeID string) (ari.Bridge, error) {
	c.record("create_bridge", "", bridgeID)
	return ari.Bridge{ID: bridgeID}, nil
}

func (c *fakeControl) AddChannel(ctx context.Context, bridgeID string, channelIDs ...string) error {
	c.record("add_channel", channelIDs[0], bridgeID)
	if c.onAdd != nil {
		c.onAdd()
	}
	return c.addErr
}

func (c *fakeControl) DestroyBridge(ctx context.Context, bridgeID string) error {
	c.record("destroy_bridge", "", bridgeID)
	return nil
}

func (c *fakeControl) ExternalMedia(ctx context.Context, req ari.ExternalMediaRequest) (ari.Channel, error) {
	c.record("external_media", req.ChannelID, req.Host)
	c.mu.Lock()
	c.external = req
	c.mu.Unlock()
	return ari.Channel{ID: req.ChannelID, State: "Up"}, nil
}

func (c *fakeControl) Play(ctx context.Context, channelID, playbackID, media string) error {
	c.record("play", channelID, media)
	if c.playErr != nil {
		return c.playErr
	}
	if c.onPlay != nil {
		c.onPlay(playbackID)
	}
	return nil
}

// fakeStream is a speech session fed directly by tests.
type fakeStream struct {
	events chan speech.Event

	mu     sync.Mutex
	audio  [][]byte
	closes int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan speech.Event, 64)}
}

func (s *fakeStream) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return speech.ErrClosed
	}
	s.audio = append(s.audio, append([]byte(nil), frame...))
	return nil
}

func (s *fakeStream) Events() <-chan speech.Event { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeStream) audioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type fakeSpeech struct {
	stream  *fakeStream
	err     error
	started chan *fakeStream
	session speech.SessionConfig
}

func newFakeSpeech() *fakeSpeech {
	return &fakeSpeech{stream: newFakeStream(), started: make(chan *fakeStream, 1)}
}

func (f *fakeSpeech) Start(ctx context.Context, sc speech.SessionConfig) (SpeechStream, error) {
	f.session = sc
	if f.err != nil {
		return nil, f.err
	}
	f.started <- f.stream
	return f.stream, nil
}

type fakeProbe struct{ err error }

func (p fakeProbe) Check(context.Context) error { return p.err }

// harness wires a Machine to fakes and a real loopback media manager.
type harness struct {
	t       *testing.T
	control *fakeControl
	source  *fakeSource
	speech  *fakeSpeech
	media   *media.Manager
	deps    Deps
	cfg     Config
	hub     *Hub
	updates <-chan Update
}

func newHarness(t *testing.T, portMin int) *harness {
	t.Helper()
	pool, err := media.NewPortPool(net.IPv4(127, 0, 0, 1), portMin, portMin+19, testLogger())
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}
	h := &harness{
		t:       t,
		control: newFakeControl(),
		source:  &fakeSource{},
		speech:  newFakeSpeech(),
		media:   media.NewManager(pool, media.FormatULaw, testLogger()),
		hub:     NewHub(),
		cfg: Config{
			Timers: Timers{
				Ring:          2 * time.Second,
				AIConnect:     time.Second,
				MaxDuration:   10 * time.Second,
				TeardownGrace: time.Second,
				Fallback:      time.Second,
			},
			DialTemplate:      "PJSIP/%s@carrier",
			MediaHost:         "127.0.0.1",
			OrderingBufferCap: 16,
		},
	}
	h.updates, _ = h.hub.Subscribe(64)
	h.deps = Deps{
		Control: h.control,
		Events:  h.source,
		Media:   h.media,
		Speech:  h.speech,
	}
	return h
}

func (h *harness) request() Request {
	return Request{CallID: "call-1", PatientID: "patient-1", OrganizationID: "org-1", PhoneNumber: "+15550001111", Attempt: 1}
}

// start runs the machine in the background and returns its result channel.
func (h *harness) start() (*Machine, <-chan Summary) {
	m := NewMachine(h.request(), h.cfg, h.deps, h.hub, testLogger())
	out := make(chan Summary, 1)
	go func() { out <- m.Run(context.Background()) }()
	return m, out
}

func (h *harness) waitOriginate() string {
	h.t.Helper()
	select {
	case id := <-h.control.originated:
		return id
	case <-time.After(3 * time.Second):
		h.t.Fatal("call was not originated")
		return ""
	}
}

func (h *harness) waitStream() *fakeStream {
	h.t.Helper()
	select {
	case s := <-h.speech.started:
		return s
	case <-time.After(3 * time.Second):
		h.t.Fatal("ai session was not started")
		return nil
	}
}

func (h *harness) push(ev ari.Event) {
	h.t.Helper()
	sub := h.source.last()
	if sub == nil {
		h.t.Fatal("no subscription")
	}
	sub.ch <- ev
}

func (h *harness) answer(channelID string) {
	h.push(ari.Event{ID: "ring-" + channelID, Kind: ari.ChannelRinging, ChannelID: channelID})
	h.push(ari.Event{ID: "up-" + channelID, Kind: ari.ChannelAnswered, ChannelID: channelID})
}

func (h *harness) waitState(m *Machine, want string) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("state = %s, want %s", m.State(), want)
}

func (h *harness) wait(out <-chan Summary) Summary {
	h.t.Helper()
	select {
	case sum := <-out:
		return sum
	case <-time.After(5 * time.Second):
		h.t.Fatal("machine did not finish")
		return Summary{}
	}
}

// terminalUpdates counts terminal updates published before the hub closed.
func (h *harness) terminalUpdates() int {
	n := 0
	for u := range h.updates {
		if u.Alert == nil && IsTerminal(u.State) {
			n++
		}
	}
	return n
}

func final(turn int, frag, role, text string) speech.Event {
	return speech.Event{Kind: speech.EventFinal, Turn: turn, FragmentID: frag, Role: role, Text: text, SourceTime: time.Now(), ArrivedAt: time.Now()}
}

func turnEnd(turn int, role string, fragments int) speech.Event {
	return speech.Event{Kind: speech.EventTurnComplete, Turn: turn, Role: role, Fragments: fragments}
}
