package ari

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 30 * time.Second

	// recentEventCap bounds the duplicate-delivery filter.
	recentEventCap = 4096
)

// EventStream reads the media server's event websocket and routes typed
// events to per-call subscriptions. Events for one channel are delivered
// in the order they were read.
type EventStream struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	routes map[string]*Subscription
	seen   *recentSet

	connected  atomic.Bool
	duplicates atomic.Uint64
}

// NewEventStream creates an event stream for the configured application.
func NewEventStream(cfg Config, logger *slog.Logger) *EventStream {
	return &EventStream{
		cfg:    cfg,
		logger: logger.With("subsystem", "ari-events"),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		routes: make(map[string]*Subscription),
		seen:   newRecentSet(recentEventCap),
	}
}

// Connected reports whether the websocket is currently up.
func (s *EventStream) Connected() bool {
	return s.connected.Load()
}

// Duplicates returns how many redelivered events were filtered.
func (s *EventStream) Duplicates() uint64 {
	return s.duplicates.Load()
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// backoff when the connection drops.
func (s *EventStream) Run(ctx context.Context) error {
	wait := reconnectMin
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("event stream disconnected", "error", err, "retry_in", wait.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > reconnectMax {
			wait = reconnectMax
		}
	}
}

func (s *EventStream) connectAndRead(ctx context.Context) error {
	u, err := s.eventsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	creds := base64.StdEncoding.EncodeToString([]byte(s.cfg.Username + ":" + s.cfg.Password))
	header.Set("Authorization", "Basic "+creds)

	conn, resp, err := s.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing event stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	s.connected.Store(true)
	defer s.connected.Store(false)
	s.logger.Info("event stream connected", "app", s.cfg.App)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("closed by server")
			}
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		ev, ok, err := decodeEvent(data)
		if err != nil {
			s.logger.Warn("dropping malformed event", "error", err)
			continue
		}
		if ok {
			s.dispatch(ev)
		}
	}
}

func (s *EventStream) eventsURL() (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := url.Values{}
	q.Set("app", s.cfg.App)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dispatch filters duplicates and hands the event to the subscription that
// owns its channel or bridge.
func (s *EventStream) dispatch(ev Event) {
	s.mu.Lock()
	if !s.seen.add(ev.ID) {
		s.mu.Unlock()
		s.duplicates.Add(1)
		s.logger.Debug("duplicate event ignored", "event", ev.String())
		return
	}
	sub := s.routes[ev.ChannelID]
	if sub == nil && ev.BridgeID != "" {
		sub = s.routes[ev.BridgeID]
	}
	s.mu.Unlock()

	if sub == nil {
		s.logger.Debug("unrouted event", "event", ev.String())
		return
	}
	sub.push(ev)
}

// Subscribe registers a subscription for events about the given channel or
// bridge ids. Subscribe before issuing the command that creates them.
func (s *EventStream) Subscribe(ids ...string) *Subscription {
	sub := &Subscription{
		stream: s,
		wake:   make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	for _, id := range ids {
		s.routes[id] = sub
		sub.ids = append(sub.ids, id)
	}
	s.mu.Unlock()
	go sub.pump()
	return sub
}

func (s *EventStream) unroute(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sub.ids {
		if s.routes[id] == sub {
			delete(s.routes, id)
		}
	}
}

// Subscription is a per-call view of the event stream. Its queue is
// unbounded so a slow call never stalls event delivery to other calls.
type Subscription struct {
	stream *EventStream
	ids    []string

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	out   chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the subscription's event channel. It is closed after Close.
func (sub *Subscription) Events() <-chan Event {
	return sub.out
}

// Add routes events for another channel or bridge id to this subscription.
func (sub *Subscription) Add(id string) {
	s := sub.stream
	s.mu.Lock()
	s.routes[id] = sub
	sub.ids = append(sub.ids, id)
	s.mu.Unlock()
}

// Close unregisters the subscription and stops delivery.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.stream.unroute(sub)
		close(sub.done)
	})
}

func (sub *Subscription) push(ev Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}

// recentSet remembers the last n keys.
type recentSet struct {
	keys map[string]struct{}
	ring []string
	next int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{keys: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records key and reports whether it was new.
func (r *recentSet) add(key string) bool {
	if _, ok := r.keys[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.keys, old)
	}
	r.ring[r.next] = key
	r.keys[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
