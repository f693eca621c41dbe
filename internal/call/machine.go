// Package call runs outbound wellness calls. A Machine owns one attempt
// from dial to terminal state; the Manager starts machines, persists their
// outcome and hands it to the retry controller.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/ari"
	"github.com/bianca-health/wellcall/internal/conversation"
	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/speech"
)

// Call states.
const (
	StateDialing    = "dialing"
	StateRinging    = "ringing"
	StateAnswered   = "answered"
	StateBridging   = "bridging"
	StateActive     = "active"
	StateWrapping   = "wrapping"
	StateTerminated = "terminated"
	StateFaulted    = "faulted"
)

const (
	evRing      = "ring"
	evAnswer    = "answer"
	evBridge    = "bridge"
	evActivate  = "activate"
	evWrap      = "wrap"
	evTerminate = "terminate"
	evFault     = "fault"
)

const (
	defaultRingTimeout     = 30 * time.Second
	defaultAIConnect       = 5 * time.Second
	defaultMaxDuration     = 15 * time.Minute
	defaultTeardownGrace   = 3 * time.Second
	defaultFallbackTimeout = 20 * time.Second
)

// IsTerminal reports whether state is Terminated or Faulted.
func IsTerminal(state string) bool {
	return state == StateTerminated || state == StateFaulted
}

// Timers are the per-call deadlines the machine owns.
type Timers struct {
	Ring      time.Duration
	AIConnect time.Duration
	// AIResume bounds how long the AI stream may spend resuming after a
	// drop. Zero leaves the bound to the speech client.
	AIResume      time.Duration
	MaxDuration   time.Duration
	TeardownGrace time.Duration
	// Fallback bounds the fallback prompt before the machine hangs up.
	Fallback time.Duration
}

// Config is shared by every call the Manager runs.
type Config struct {
	Timers Timers
	// DialTemplate turns a phone number into a dial string, e.g.
	// "PJSIP/%s@carrier".
	DialTemplate string
	CallerID     string
	// MediaHost is the address the media server sends RTP to.
	MediaHost string
	Session   speech.SessionConfig
	// FallbackMedia is played to the patient when the AI stream is lost.
	// Empty disables the fallback.
	FallbackMedia     string
	OrderingBufferCap int
}

func (c *Config) applyDefaults() {
	if c.Timers.Ring <= 0 {
		c.Timers.Ring = defaultRingTimeout
	}
	if c.Timers.AIConnect <= 0 {
		c.Timers.AIConnect = defaultAIConnect
	}
	if c.Timers.MaxDuration <= 0 {
		c.Timers.MaxDuration = defaultMaxDuration
	}
	if c.Timers.TeardownGrace <= 0 {
		c.Timers.TeardownGrace = defaultTeardownGrace
	}
	if c.Timers.Fallback <= 0 {
		c.Timers.Fallback = defaultFallbackTimeout
	}
	if c.DialTemplate == "" {
		c.DialTemplate = "PJSIP/%s"
	}
}

// Request is one dial attempt.
type Request struct {
	CallID         string
	PatientID      string
	OrganizationID string
	PhoneNumber    string
	Attempt        int
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Control CallControl
	Events  EventSource
	Media   MediaAllocator
	Speech  SpeechDialer
	// Probe is optional.
	Probe   Prober
	Scanner Scanner
	Alerts  AlertSink
	// OnAlert is called from the transcript pipeline for each alert change.
	OnAlert func(req Request, change alerts.Change)
}

// Summary is the frozen result of one attempt.
type Summary struct {
	Record     models.CallRecord
	Transcript conversation.Transcript
	Signals    int
	AlertIDs   []string
}

// Machine is the single owner of one call attempt. All state changes happen
// on the goroutine running Run.
type Machine struct {
	req    Request
	cfg    Config
	deps   Deps
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time

	fsm *fsm.FSM
	rec models.CallRecord

	callCtx context.Context
	cancel  context.CancelFunc

	sub            Subscription
	channelID      string
	mediaChannelID string
	bridgeID       string
	originated     bool
	answered       bool
	channelGone    bool
	hungUp         bool

	ep     *media.Endpoint
	stream SpeechStream

	pipe       *conversation.Pipeline
	pipeCancel context.CancelFunc

	uplinkCancel context.CancelFunc
	wg           sync.WaitGroup
	uplinkErrors atomic.Uint64

	ringTimer     *time.Timer
	maxTimer      *time.Timer
	resumeTimer   *time.Timer
	fallbackTimer *time.Timer
	fallbackID    string
	fallbackCause string

	finished     bool
	tornDown     bool
	streamCloses atomic.Int32
}

// NewMachine prepares a machine for req. hub may be nil.
func NewMachine(req Request, cfg Config, deps Deps, hub *Hub, logger *slog.Logger) *Machine {
	cfg.applyDefaults()
	if hub == nil {
		hub = NewHub()
	}
	m := &Machine{
		req:    req,
		cfg:    cfg,
		deps:   deps,
		hub:    hub,
		logger: logger.With("subsystem", "call", "call_id", req.CallID, "attempt", req.Attempt),
		now:    time.Now,
		rec: models.CallRecord{
			CallID:         req.CallID,
			Attempt:        req.Attempt,
			PatientID:      req.PatientID,
			OrganizationID: req.OrganizationID,
			PhoneNumber:    req.PhoneNumber,
			State:          StateDialing,
		},
	}
	m.fsm = newCallFSM(m.onEnterState)
	return m
}

func newCallFSM(onEnter func(src, dst string)) *fsm.FSM {
	live := []string{StateDialing, StateRinging, StateAnswered, StateBridging, StateActive}
	faultable := []string{StateDialing, StateRinging, StateAnswered, StateBridging, StateActive, StateWrapping}
	return fsm.NewFSM(
		StateDialing,
		fsm.Events{
			{Name: evRing, Src: []string{StateDialing}, Dst: StateRinging},
			{Name: evAnswer, Src: []string{StateDialing, StateRinging}, Dst: StateAnswered},
			{Name: evBridge, Src: []string{StateAnswered}, Dst: StateBridging},
			{Name: evActivate, Src: []string{StateBridging}, Dst: StateActive},
			{Name: evWrap, Src: live, Dst: StateWrapping},
			{Name: evTerminate, Src: []string{StateWrapping}, Dst: StateTerminated},
			{Name: evFault, Src: faultable, Dst: StateFaulted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Src, e.Dst)
			},
		},
	)
}

// State returns the current state. Safe for concurrent use.
func (m *Machine) State() string {
	return m.fsm.Current()
}

// Hub returns the call's update hub.
func (m *Machine) Hub() *Hub {
	return m.hub
}

func (m *Machine) onEnterState(src, dst string) {
	m.rec.State = dst
	attrs := []any{"from", src, "to", dst}
	if IsTerminal(dst) {
		attrs = append(attrs, "outcome", m.rec.Outcome, "cause", m.rec.Cause)
	}
	m.logger.Info("call state changed", attrs...)
	m.hub.Publish(Update{
		CallID:  m.req.CallID,
		Attempt: m.req.Attempt,
		State:   dst,
		Outcome: m.rec.Outcome,
		Cause:   m.rec.Cause,
		At:      m.now(),
	})
}

func (m *Machine) transition(event string) {
	if !m.fsm.Can(event) {
		m.logger.Debug("transition not permitted", "event", event, "state", m.fsm.Current())
		return
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Warn("state transition failed", "event", event, "error", err)
	}
}

// Run drives the call to a terminal state and releases every resource it
// acquired. It always returns a Summary with a defined outcome.
func (m *Machine) Run(ctx context.Context) (sum Summary) {
	m.callCtx, m.cancel = context.WithCancel(ctx)
	m.rec.StartedAt = m.now()
	m.startPipeline(ctx)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("call machine panicked", "panic", r)
			m.fault(fmt.Sprintf("internal error: %v", r))
			sum = m.teardown()
		}
	}()

	m.hub.Publish(Update{CallID: m.req.CallID, Attempt: m.req.Attempt, State: StateDialing, At: m.now()})
	m.dial()
	m.loop()
	return m.teardown()
}

func (m *Machine) startPipeline(ctx context.Context) {
	pipeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.pipeCancel = cancel
	m.pipe = conversation.NewPipeline(conversation.PipelineConfig{
		CallID:    m.req.CallID,
		PatientID: m.req.PatientID,
		BufferCap: m.cfg.OrderingBufferCap,
		Scanner:   m.deps.Scanner,
		Alerts:    m.deps.Alerts,
		OnAlert: func(ch alerts.Change) {
			c := ch
			m.hub.Publish(Update{CallID: m.req.CallID, Attempt: m.req.Attempt, Alert: &c, At: m.now()})
			if m.deps.OnAlert != nil {
				m.deps.OnAlert(m.req, ch)
			}
		},
		OnOverflow: func() {
			m.logger.Warn("transcript ordering buffer overflowed, ordering degraded")
		},
		Logger: m.logger,
	})
	go m.pipe.Run(pipeCtx)
}

// commandCtx bounds commands issued while tearing down, when the call
// context may already be cancelled.
func (m *Machine) commandCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(m.callCtx), m.cfg.Timers.TeardownGrace)
}

func (m *Machine) dial() {
	if m.deps.Probe != nil {
		if err := m.deps.Probe.Check(m.callCtx); err != nil {
			m.logger.Error("not dialing", "error", err)
			m.finish(models.OutcomeFailed, "media server unavailable", 0)
			return
		}
	}

	m.channelID = "wc-" + uuid.NewString()
	m.sub = m.deps.Events.Subscribe(m.channelID)
	m.rec.ChannelID = m.channelID

	_, err := m.deps.Control.Originate(m.callCtx, ari.OriginateRequest{
		ChannelID: m.channelID,
		Endpoint:  fmt.Sprintf(m.cfg.DialTemplate, m.req.PhoneNumber),
		CallerID:  m.cfg.CallerID,
		Timeout:   m.cfg.Timers.Ring + 5*time.Second,
		Variables: map[string]string{
			"WELLCALL_CALL_ID": m.req.CallID,
			"WELLCALL_ATTEMPT": strconv.Itoa(m.req.Attempt),
		},
	})
	if err != nil {
		m.commandFault("originate", err)
		return
	}
	m.originated = true
	m.ringTimer = time.NewTimer(m.cfg.Timers.Ring)
	m.maxTimer = time.NewTimer(m.cfg.Timers.MaxDuration)
	m.logger.Info("call originated", "channel_id", m.channelID)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) controlEvents() <-chan ari.Event {
	if m.sub == nil {
		return nil
	}
	return m.sub.Events()
}

func (m *Machine) speechEvents() <-chan speech.Event {
	if m.stream == nil {
		return nil
	}
	return m.stream.Events()
}

func (m *Machine) mediaFaults() <-chan error {
	if m.ep == nil {
		return nil
	}
	return m.ep.Faults()
}

// loop is the relay loop. Call-control events take precedence over every
// other input so a hangup decides the outcome when it races with an AI or
// timer fault.
func (m *Machine) loop() {
	for !m.finished {
		events := m.controlEvents()
		select {
		case ev, ok := <-events:
			m.onControlEvent(ev, ok)
			continue
		default:
		}

		select {
		case ev, ok := <-events:
			m.onControlEvent(ev, ok)
		case <-timerC(m.ringTimer):
			m.ringTimer = nil
			m.onRingTimeout()
		case <-timerC(m.maxTimer):
			m.maxTimer = nil
			m.onMaxDuration()
		case <-timerC(m.resumeTimer):
			m.resumeTimer = nil
			m.aiLost(fmt.Errorf("%w: resume not completed within %s", speech.ErrStreamLost, m.cfg.Timers.AIResume))
		case <-timerC(m.fallbackTimer):
			m.fallbackTimer = nil
			m.logger.Warn("fallback prompt did not finish in time")
			m.endFallback()
		case ev, ok := <-m.speechEvents():
			m.onSpeechEvent(ev, ok)
		case err := <-m.mediaFaults():
			m.fault(fmt.Sprintf("media transport fault: %v", err))
		case <-m.callCtx.Done():
			m.finish(models.OutcomeFailed, "call cancelled", 0)
		}
	}
}

func (m *Machine) onControlEvent(ev ari.Event, ok bool) {
	if !ok {
		m.sub = nil
		m.fault("call-control event subscription closed")
		return
	}
	m.logger.Debug("call-control event", "event", ev.String())

	switch {
	case ev.Kind == ari.PlaybackFinished:
		if ev.PlaybackID == m.fallbackID && m.fallbackID != "" {
			m.endFallback()
		}
	case ev.ChannelID == m.channelID && ev.ChannelID != "":
		m.onPatientEvent(ev)
	case ev.ChannelID == m.mediaChannelID && ev.ChannelID != "":
		if ev.Kind == ari.ChannelHangup && !m.tornDown {
			m.mediaChannelID = ""
			m.fault("ai media channel hung up")
		}
	case ev.Kind == ari.BridgeDestroyed && ev.BridgeID == m.bridgeID && m.bridgeID != "":
		m.bridgeID = ""
		m.fault("bridge destroyed by media server")
	}
}

func (m *Machine) onPatientEvent(ev ari.Event) {
	switch ev.Kind {
	case ari.ChannelRinging:
		m.transition(evRing)
	case ari.ChannelAnswered:
		state := m.fsm.Current()
		if state == StateDialing || state == StateRinging {
			m.answer()
		}
	case ari.ChannelHangup:
		m.channelGone = true
		if m.fallbackID != "" {
			m.finish(models.OutcomeAIUnavailable, m.fallbackCause, ev.Cause)
			return
		}
		cause := "hangup: " + ari.CauseText(ev.Cause)
		m.finish(ari.OutcomeForCause(ev.Cause, m.answered), cause, ev.Cause)
	case ari.ChannelLeftBridge:
		m.logger.Debug("patient left bridge")
	}
}

func (m *Machine) answer() {
	stopTimer(&m.ringTimer)
	now := m.now()
	m.rec.AnsweredAt = &now
	m.answered = true
	m.transition(evAnswer)
	m.bridge()
}

// bridge attaches the media endpoint and the AI stream and joins the
// patient leg to them.
func (m *Machine) bridge() {
	m.transition(evBridge)

	ep, err := m.deps.Media.Open(fmt.Sprintf("%s/%d", m.req.CallID, m.req.Attempt))
	if err != nil {
		m.fault(fmt.Sprintf("opening media endpoint: %v", err))
		return
	}
	m.ep = ep
	ep.Start(m.callCtx)

	session := m.cfg.Session
	if session.Audio.Encoding == "" {
		f := ep.Format()
		session.Audio = speech.AudioFormat{Encoding: f.Name, SampleRate: int(f.ClockRate)}
	}
	aiCtx, cancel := context.WithTimeout(m.callCtx, m.cfg.Timers.AIConnect)
	stream, err := m.deps.Speech.Start(aiCtx, session)
	cancel()
	if err != nil {
		m.aiLost(fmt.Errorf("starting ai session: %w", err))
		return
	}
	m.stream = stream

	m.bridgeID = "wc-br-" + uuid.NewString()
	m.sub.Add(m.bridgeID)
	if _, err := m.deps.Control.CreateBridge(m.callCtx, m.bridgeID); err != nil {
		m.bridgeID = ""
		m.commandFault("create bridge", err)
		return
	}
	m.rec.BridgeID = m.bridgeID

	m.mediaChannelID = "wc-media-" + uuid.NewString()
	m.sub.Add(m.mediaChannelID)
	host := net.JoinHostPort(m.cfg.MediaHost, strconv.Itoa(ep.Port()))
	if _, err := m.deps.Control.ExternalMedia(m.callCtx, ari.ExternalMediaRequest{
		ChannelID: m.mediaChannelID,
		Host:      host,
		Format:    ep.Format().Name,
	}); err != nil {
		m.mediaChannelID = ""
		m.commandFault("external media", err)
		return
	}

	if err := m.deps.Control.AddChannel(m.callCtx, m.bridgeID, m.channelID, m.mediaChannelID); err != nil {
		m.commandFault("add channels to bridge", err)
		return
	}

	m.activate()
}

func (m *Machine) activate() {
	m.transition(evActivate)

	upCtx, cancel := context.WithCancel(m.callCtx)
	m.uplinkCancel = cancel
	m.wg.Add(1)
	go m.uplink(upCtx, m.ep.Receive(), m.stream)
}

func (m *Machine) onSpeechEvent(ev speech.Event, ok bool) {
	if !ok {
		m.aiLost(fmt.Errorf("%w: event stream ended", speech.ErrStreamLost))
		return
	}
	switch ev.Kind {
	case speech.EventAudio:
		m.sendAudio(ev.Audio)
	case speech.EventFinal, speech.EventTurnComplete:
		m.feedTranscript(ev)
	case speech.EventPartial:
		m.logger.Debug("partial transcript", "turn", ev.Turn, "role", ev.Role)
	case speech.EventError:
		if errors.Is(ev.Err, speech.ErrStreamLost) {
			m.aiLost(ev.Err)
			return
		}
		m.logger.Warn("ai stream error", "error", ev.Err)
	case speech.EventResuming:
		m.logger.Warn("ai stream resuming", "error", ev.Err)
		if m.cfg.Timers.AIResume > 0 && m.resumeTimer == nil {
			m.resumeTimer = time.NewTimer(m.cfg.Timers.AIResume)
		}
	case speech.EventResumed:
		stopTimer(&m.resumeTimer)
		m.logger.Info("ai stream resumed")
	case speech.EventClosed:
		m.logger.Info("ai ended the conversation")
		m.finish(models.OutcomeCompleted, "conversation ended by ai", 0)
	}
}

// drainControl handles call-control events that were already delivered.
func (m *Machine) drainControl() {
	for !m.finished {
		select {
		case ev, ok := <-m.controlEvents():
			m.onControlEvent(ev, ok)
		default:
			return
		}
	}
}

// aiLost ends the call as AI_unavailable, optionally after a fallback
// prompt. A hangup that was already delivered wins.
func (m *Machine) aiLost(err error) {
	m.drainControl()
	if m.finished {
		return
	}

	stopTimer(&m.resumeTimer)
	m.logger.Error("ai stream lost", "error", err)
	m.pipe.Note("AI speech stream lost", m.now())
	m.closeStream()
	cause := fmt.Sprintf("ai unavailable: %v", err)

	if m.cfg.FallbackMedia != "" && m.answered && !m.channelGone {
		m.fallbackID = "wc-pb-" + uuid.NewString()
		ctx, cancel := m.commandCtx()
		err := m.deps.Control.Play(ctx, m.channelID, m.fallbackID, m.cfg.FallbackMedia)
		cancel()
		if err == nil {
			m.fallbackCause = cause
			m.fallbackTimer = time.NewTimer(m.cfg.Timers.Fallback)
			m.logger.Info("playing fallback prompt", "media", m.cfg.FallbackMedia)
			return
		}
		m.logger.Warn("fallback prompt failed", "error", err)
		m.fallbackID = ""
	}
	m.finish(models.OutcomeAIUnavailable, cause, 0)
}

func (m *Machine) endFallback() {
	stopTimer(&m.fallbackTimer)
	m.finish(models.OutcomeAIUnavailable, m.fallbackCause, 0)
}

func (m *Machine) onRingTimeout() {
	state := m.fsm.Current()
	if state != StateDialing && state != StateRinging {
		return
	}
	m.finish(models.OutcomeNoAnswer, "no answer within ring timeout", 0)
}

func (m *Machine) onMaxDuration() {
	if m.fallbackID != "" {
		m.endFallback()
		return
	}
	outcome := models.OutcomeNoAnswer
	if m.answered {
		outcome = models.OutcomeCompleted
	}
	m.finish(outcome, "maximum call duration reached", 0)
}

// commandFault turns a failed command into a terminal decision. A stale
// channel means the call is already over.
func (m *Machine) commandFault(op string, err error) {
	if errors.Is(err, ari.ErrStaleChannel) {
		m.channelGone = true
		outcome := models.OutcomeFailed
		if m.answered {
			outcome = models.OutcomeCompleted
		}
		m.finish(outcome, fmt.Sprintf("channel gone during %s", op), 0)
		return
	}
	m.fault(fmt.Sprintf("%s: %v", op, err))
}

// finish moves the call through Wrapping into Terminated(outcome).
func (m *Machine) finish(outcome models.Outcome, cause string, code int) {
	if m.finished {
		return
	}
	m.rec.Outcome = outcome
	m.rec.Cause = cause
	m.rec.HangupCode = code

	m.transition(evWrap)
	m.wrap()
	m.transition(evTerminate)
	m.finished = true
}

// fault moves the call to Faulted with outcome failed.
func (m *Machine) fault(cause string) {
	if m.finished {
		return
	}
	m.rec.Outcome = models.OutcomeFailed
	m.rec.Cause = cause
	m.logger.Error("call faulted", "cause", cause)
	m.transition(evFault)
	m.finished = true
}

// wrap stops intake, flushes AI output that already arrived and hangs up
// the patient leg.
func (m *Machine) wrap() {
	m.stopUplink()
	m.flushStream()
	m.hangupPatient()
}

func (m *Machine) hangupPatient() {
	if !m.originated || m.channelGone || m.hungUp {
		return
	}
	m.hungUp = true
	ctx, cancel := m.commandCtx()
	defer cancel()
	if err := m.deps.Control.Hangup(ctx, m.channelID, "normal"); err != nil && !errors.Is(err, ari.ErrStaleChannel) {
		m.logger.Warn("hanging up patient channel", "error", err)
	}
}

func (m *Machine) closeStream() {
	if m.stream == nil {
		return
	}
	m.stopUplink()
	if err := m.stream.Close(); err != nil {
		m.logger.Warn("closing ai stream", "error", err)
	}
	m.streamCloses.Add(1)
	m.stream = nil
}

// teardown releases everything the call acquired. It runs once, on every
// path out of Run.
func (m *Machine) teardown() Summary {
	if m.tornDown {
		return m.summary(conversation.Result{})
	}
	m.tornDown = true
	if !m.finished {
		m.fault("call ended without a terminal decision")
	}

	stopTimer(&m.ringTimer)
	stopTimer(&m.maxTimer)
	stopTimer(&m.resumeTimer)
	stopTimer(&m.fallbackTimer)
	m.stopUplink()

	ctx, cancel := m.commandCtx()
	m.hangupPatient()
	if m.mediaChannelID != "" {
		if err := m.deps.Control.Hangup(ctx, m.mediaChannelID, "normal"); err != nil && !errors.Is(err, ari.ErrStaleChannel) {
			m.logger.Warn("hanging up media channel", "error", err)
		}
	}
	if m.bridgeID != "" {
		if err := m.deps.Control.DestroyBridge(ctx, m.bridgeID); err != nil && !errors.Is(err, ari.ErrStaleChannel) {
			m.logger.Warn("destroying bridge", "error", err)
		}
	}
	m.closeStream()
	if m.ep != nil {
		m.ep.Close()
	}
	if m.sub != nil {
		m.sub.Close()
	}
	cancel()
	m.cancel()

	// Each stage gets its own grace period so a slow media server cannot
	// eat into the transcript flush.
	waitCtx, cancel := m.commandCtx()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		m.logger.Error("per-call tasks did not exit within grace period, force closed",
			"grace", m.cfg.Timers.TeardownGrace.String())
	}
	cancel()

	pipeCtx, cancel := m.commandCtx()
	res, err := m.pipe.Close(pipeCtx)
	cancel()
	if err != nil {
		m.logger.Error("transcript pipeline did not finish within grace period, keeping released messages",
			"messages", len(res.Transcript.Messages), "error", err)
	}
	if res.Transcript.CallID == "" {
		res.Transcript.CallID = m.req.CallID
	}
	m.pipeCancel()

	sum := m.summary(res)
	m.hub.Close()
	return sum
}

func (m *Machine) summary(res conversation.Result) Summary {
	m.rec.EndedAt = m.now()
	m.rec.OrderingDegraded = res.Transcript.OrderingDegraded
	return Summary{
		Record:     m.rec,
		Transcript: res.Transcript,
		Signals:    res.Signals,
		AlertIDs:   res.AlertIDs,
	}
}
