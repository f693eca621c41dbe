package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

var (
	// ErrOrderingOverflow reports that the reorder buffer exceeded its cap
	// and was flushed in arrival order. It is not fatal.
	ErrOrderingOverflow = errors.New("ordering buffer overflow")

	// ErrFinalized is returned for input after the transcript was finalized.
	ErrFinalized = errors.New("transcript finalized")
)

// FirstTurn is the index of the first conversational turn.
const FirstTurn = 1

type bufferedFragment struct {
	Fragment
	arrival int
}

type pendingTurn struct {
	role      Role
	fragments []bufferedFragment
	ended     bool
	expected  int
}

// Window assigns a total order to transcript fragments that may arrive out
// of order. Turns are released in index order once complete; fragments
// inside a turn are ordered by source timestamp. A Window is owned by a
// single goroutine.
type Window struct {
	callID string
	cap    int
	logger *slog.Logger

	next     int
	seq      int
	arrival  int
	buffered int
	maxTurn  int

	seen  map[string]bool
	ended map[int]bool
	turns map[int]*pendingTurn

	messages []Message
	degraded bool
	final    bool
}

// NewWindow creates a window for one call. capacity bounds the number of
// fragments held back waiting for earlier turns.
func NewWindow(callID string, capacity int, logger *slog.Logger) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		callID:  callID,
		cap:     capacity,
		logger:  logger,
		next:    FirstTurn,
		maxTurn: FirstTurn - 1,
		seen:    make(map[string]bool),
		ended:   make(map[int]bool),
		turns:   make(map[int]*pendingTurn),
	}
}

func fragmentKey(turn int, fragmentID string) string {
	return fmt.Sprintf("%d/%s", turn, fragmentID)
}

// Append adds a final transcript fragment. Replays of a (turn, fragment)
// already seen are ignored. The returned turns are ready for downstream
// consumers. ErrOrderingOverflow accompanies a forced flush.
func (w *Window) Append(f Fragment) ([]ReleasedTurn, error) {
	if w.final {
		return nil, ErrFinalized
	}
	key := fragmentKey(f.Turn, f.FragmentID)
	if w.seen[key] {
		w.logger.Debug("duplicate transcript fragment ignored", "turn", f.Turn, "fragment_id", f.FragmentID)
		return nil, nil
	}
	w.seen[key] = true
	w.arrival++
	if f.Turn > w.maxTurn {
		w.maxTurn = f.Turn
	}

	if f.Turn < w.next {
		// The turn was already released; keep the content but out of order.
		w.degraded = true
		w.logger.Warn("late transcript fragment", "turn", f.Turn, "released_through", w.next-1)
		msg := w.emit(f, true)
		return []ReleasedTurn{{Turn: f.Turn, Role: f.Role, Messages: []Message{msg}, Degraded: true}}, nil
	}

	pt := w.turn(f.Turn)
	if pt.role == "" {
		pt.role = f.Role
	}
	pt.fragments = append(pt.fragments, bufferedFragment{Fragment: f, arrival: w.arrival})
	w.buffered++

	out := w.drain()
	if w.buffered > w.cap {
		out = append(out, w.overflow()...)
		return out, ErrOrderingOverflow
	}
	return out, nil
}

// End marks a turn complete. Repeated ends for one turn are ignored.
func (w *Window) End(e TurnEnd) ([]ReleasedTurn, error) {
	if w.final {
		return nil, ErrFinalized
	}
	if w.ended[e.Turn] {
		return nil, nil
	}
	w.ended[e.Turn] = true
	if e.Turn > w.maxTurn {
		w.maxTurn = e.Turn
	}
	if e.Turn < w.next {
		return nil, nil
	}
	pt := w.turn(e.Turn)
	pt.ended = true
	pt.expected = e.Fragments
	if e.Role != "" {
		pt.role = e.Role
	}
	return w.drain(), nil
}

// Note records a system message after everything released so far.
func (w *Window) Note(text string, at time.Time) Message {
	turn := w.next - 1
	if turn < 0 {
		turn = 0
	}
	return w.emit(Fragment{
		Turn:       turn,
		FragmentID: fmt.Sprintf("system-%d", w.seq+1),
		Role:       RoleSystem,
		Text:       text,
		SourceTime: at,
		ArrivedAt:  at,
	}, false)
}

// Finalize releases every buffered turn in index order and freezes the
// transcript.
func (w *Window) Finalize() []ReleasedTurn {
	if w.final {
		return nil
	}
	idx := make([]int, 0, len(w.turns))
	for t := range w.turns {
		idx = append(idx, t)
	}
	sort.Ints(idx)

	var out []ReleasedTurn
	for _, t := range idx {
		if rt, ok := w.release(t, false); ok {
			out = append(out, rt)
		}
	}
	if w.maxTurn >= w.next {
		w.next = w.maxTurn + 1
	}
	w.final = true
	return out
}

// Transcript returns a snapshot of the ordered transcript.
func (w *Window) Transcript() Transcript {
	return Transcript{
		CallID:           w.callID,
		Messages:         append([]Message(nil), w.messages...),
		OrderingDegraded: w.degraded,
		Final:            w.final,
	}
}

// Buffered reports how many fragments are waiting for earlier turns.
func (w *Window) Buffered() int {
	return w.buffered
}

func (w *Window) turn(t int) *pendingTurn {
	pt, ok := w.turns[t]
	if !ok {
		pt = &pendingTurn{}
		w.turns[t] = pt
	}
	return pt
}

// drain releases consecutive complete turns starting at next.
func (w *Window) drain() []ReleasedTurn {
	var out []ReleasedTurn
	for {
		pt, ok := w.turns[w.next]
		if !ok || !pt.ended || len(pt.fragments) < pt.expected {
			return out
		}
		if rt, ok := w.release(w.next, false); ok {
			out = append(out, rt)
		}
		w.next++
	}
}

// release emits one buffered turn ordered by source time.
func (w *Window) release(t int, degraded bool) (ReleasedTurn, bool) {
	pt := w.turns[t]
	delete(w.turns, t)
	if pt == nil || len(pt.fragments) == 0 {
		return ReleasedTurn{}, false
	}
	sort.SliceStable(pt.fragments, func(i, j int) bool {
		a, b := pt.fragments[i], pt.fragments[j]
		if !a.SourceTime.Equal(b.SourceTime) {
			return a.SourceTime.Before(b.SourceTime)
		}
		return a.FragmentID < b.FragmentID
	})
	rt := ReleasedTurn{Turn: t, Role: pt.role, Degraded: degraded}
	for _, f := range pt.fragments {
		rt.Messages = append(rt.Messages, w.emit(f.Fragment, degraded))
	}
	w.buffered -= len(pt.fragments)
	return rt, true
}

// overflow flushes all buffered fragments in arrival order and moves the
// release point past every turn seen so far.
func (w *Window) overflow() []ReleasedTurn {
	var all []bufferedFragment
	for _, pt := range w.turns {
		all = append(all, pt.fragments...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].arrival < all[j].arrival })

	w.logger.Warn("transcript ordering buffer overflow",
		"buffered", len(all),
		"cap", w.cap,
		"from_turn", w.next,
		"to_turn", w.maxTurn,
	)

	var out []ReleasedTurn
	for _, f := range all {
		msg := w.emit(f.Fragment, true)
		if n := len(out); n > 0 && out[n-1].Turn == f.Turn {
			out[n-1].Messages = append(out[n-1].Messages, msg)
			continue
		}
		out = append(out, ReleasedTurn{Turn: f.Turn, Role: f.Role, Messages: []Message{msg}, Degraded: true})
	}

	w.turns = make(map[int]*pendingTurn)
	w.buffered = 0
	w.degraded = true
	w.next = w.maxTurn + 1
	return out
}

func (w *Window) emit(f Fragment, degraded bool) Message {
	w.seq++
	m := Message{
		CallID:     w.callID,
		Seq:        w.seq,
		Turn:       f.Turn,
		FragmentID: f.FragmentID,
		Role:       f.Role,
		Content:    f.Text,
		SourceTime: f.SourceTime,
		ArrivedAt:  f.ArrivedAt,
		Degraded:   degraded,
	}
	w.messages = append(w.messages, m)
	return m
}
