package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/emergency"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC)

func frag(turn int, id string, role Role, offset time.Duration, text string) Fragment {
	return Fragment{Turn: turn, FragmentID: id, Role: role, Text: text, SourceTime: t0.Add(offset), ArrivedAt: t0}
}

func apply(w *Window, ev any) error {
	var err error
	switch v := ev.(type) {
	case Fragment:
		_, err = w.Append(v)
	case TurnEnd:
		_, err = w.End(v)
	}
	return err
}

func orderOf(tr Transcript) string {
	parts := make([]string, len(tr.Messages))
	for i, m := range tr.Messages {
		parts[i] = fmt.Sprintf("%d:%d/%s", m.Seq, m.Turn, m.FragmentID)
	}
	return strings.Join(parts, " ")
}

// permute calls fn with every ordering of events (Heap's algorithm).
func permute(events []any, fn func([]any)) {
	a := append([]any(nil), events...)
	c := make([]int, len(a))
	fn(a)
	for i := 0; i < len(a); {
		if c[i] < i {
			if i%2 == 0 {
				a[0], a[i] = a[i], a[0]
			} else {
				a[c[i]], a[i] = a[i], a[c[i]]
			}
			fn(a)
			c[i]++
			i = 0
			continue
		}
		c[i] = 0
		i++
	}
}

func TestWindowOrderInvariantUnderPermutation(t *testing.T) {
	events := []any{
		frag(1, "a", RolePatient, 100*time.Millisecond, "good morning"),
		frag(1, "b", RolePatient, 900*time.Millisecond, "I slept well"),
		TurnEnd{Turn: 1, Role: RolePatient, Fragments: 2},
		frag(2, "c", RoleAI, 2*time.Second, "Glad to hear it"),
		TurnEnd{Turn: 2, Role: RoleAI, Fragments: 1},
		frag(3, "d", RolePatient, 4*time.Second, "my knee hurts"),
		TurnEnd{Turn: 3, Role: RolePatient, Fragments: 1},
	}
	const want = "1:1/a 2:1/b 3:2/c 4:3/d"

	runs := 0
	permute(events, func(order []any) {
		runs++
		w := NewWindow("call", 16, discard)
		for _, ev := range order {
			if err := apply(w, ev); err != nil {
				t.Fatalf("apply(%v) error: %v", ev, err)
			}
		}
		w.Finalize()
		tr := w.Transcript()
		if got := orderOf(tr); got != want {
			t.Fatalf("order %v produced %q, want %q", order, got, want)
		}
		if tr.OrderingDegraded {
			t.Fatalf("order %v flagged degraded", order)
		}
	})
	assert.Equal(t, 5040, runs)
}

func TestPatientTurnPrecedesEarlyAIResponse(t *testing.T) {
	w := NewWindow("call", 8, discard)

	// The AI's reply to turn 1 completes before the patient's final
	// transcript for turn 1 arrives.
	out, err := w.Append(frag(2, "ai-1", RoleAI, 3*time.Second, "That sounds painful"))
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = w.End(TurnEnd{Turn: 2, Role: RoleAI, Fragments: 1})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, w.Buffered())

	_, err = w.Append(frag(1, "p-1", RolePatient, time.Second, "my back hurts"))
	require.NoError(t, err)
	out, err = w.End(TurnEnd{Turn: 1, Role: RolePatient, Fragments: 1})
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, RolePatient, out[0].Role)
	assert.Equal(t, 1, out[0].Messages[0].Seq)
	assert.Equal(t, RoleAI, out[1].Role)
	assert.Equal(t, 2, out[1].Messages[0].Seq)
	assert.Equal(t, 0, w.Buffered())
}

func TestWindowIgnoresReplayedFragments(t *testing.T) {
	w := NewWindow("call", 8, discard)
	f := frag(1, "a", RolePatient, 0, "hello")

	_, err := w.Append(f)
	require.NoError(t, err)
	_, err = w.Append(f)
	require.NoError(t, err)
	_, err = w.End(TurnEnd{Turn: 1, Role: RolePatient, Fragments: 1})
	require.NoError(t, err)
	_, err = w.End(TurnEnd{Turn: 1, Role: RolePatient, Fragments: 1})
	require.NoError(t, err)

	// A replay after release is still recognized.
	out, err := w.Append(f)
	require.NoError(t, err)
	assert.Empty(t, out)

	tr := w.Transcript()
	require.Len(t, tr.Messages, 1)
	assert.False(t, tr.OrderingDegraded)
}

func TestWindowOverflowFlushesInArrivalOrder(t *testing.T) {
	w := NewWindow("call", 2, discard)

	// Turn 1 never completes, so later turns pile up.
	_, err := w.Append(frag(3, "x", RolePatient, 3*time.Second, "third"))
	require.NoError(t, err)
	_, err = w.Append(frag(2, "y", RoleAI, 2*time.Second, "second"))
	require.NoError(t, err)
	out, err := w.Append(frag(1, "z", RolePatient, time.Second, "first"))
	require.True(t, errors.Is(err, ErrOrderingOverflow))

	var ids []string
	for _, rt := range out {
		assert.True(t, rt.Degraded)
		for _, m := range rt.Messages {
			ids = append(ids, m.FragmentID)
			assert.True(t, m.Degraded)
		}
	}
	assert.Equal(t, []string{"x", "y", "z"}, ids)

	tr := w.Transcript()
	assert.True(t, tr.OrderingDegraded)
	for i, m := range tr.Messages {
		assert.Equal(t, i+1, m.Seq)
	}

	// Later turns order normally again.
	_, err = w.Append(frag(4, "w", RoleAI, 4*time.Second, "fourth"))
	require.NoError(t, err)
	out, err = w.End(TurnEnd{Turn: 4, Role: RoleAI, Fragments: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Degraded)
	assert.Equal(t, 4, out[0].Messages[0].Seq)
}

func TestWindowLateFragmentKeptAndFlagged(t *testing.T) {
	w := NewWindow("call", 8, discard)
	_, err := w.Append(frag(1, "a", RolePatient, 0, "hi"))
	require.NoError(t, err)
	_, err = w.End(TurnEnd{Turn: 1, Role: RolePatient, Fragments: 1})
	require.NoError(t, err)

	out, err := w.Append(frag(1, "b", RolePatient, time.Millisecond, "there"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Degraded)

	tr := w.Transcript()
	assert.Len(t, tr.Messages, 2)
	assert.True(t, tr.OrderingDegraded)
}

func TestWindowFinalizeReleasesIncompleteTurns(t *testing.T) {
	w := NewWindow("call", 8, discard)
	_, err := w.Append(frag(2, "b", RoleAI, 2*time.Second, "how are"))
	require.NoError(t, err)
	_, err = w.Append(frag(1, "a", RolePatient, time.Second, "hello"))
	require.NoError(t, err)

	out := w.Finalize()
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Turn)
	assert.Equal(t, 2, out[1].Turn)

	tr := w.Transcript()
	assert.True(t, tr.Final)
	assert.Equal(t, 2, tr.Turns())

	_, err = w.Append(frag(3, "c", RolePatient, 3*time.Second, "late"))
	assert.True(t, errors.Is(err, ErrFinalized))
}

func TestWindowNoteFollowsReleasedMessages(t *testing.T) {
	w := NewWindow("call", 8, discard)
	_, _ = w.Append(frag(1, "a", RolePatient, 0, "hi"))
	_, _ = w.End(TurnEnd{Turn: 1, Role: RolePatient, Fragments: 1})
	_, _ = w.Append(frag(2, "b", RoleAI, time.Second, "hello"))

	m := w.Note("ai stream lost", t0.Add(2*time.Second))
	assert.Equal(t, 2, m.Seq)
	assert.Equal(t, RoleSystem, m.Role)

	w.Finalize()
	tr := w.Transcript()
	require.Len(t, tr.Messages, 3)
	assert.Equal(t, "b", tr.Messages[2].FragmentID)
	assert.Equal(t, 3, tr.Messages[2].Seq)
}

func TestPipelineRaisesOneAlertAndUpdatesEvidence(t *testing.T) {
	detector, err := emergency.NewDetector(emergency.DefaultCategories())
	require.NoError(t, err)
	dedup := alerts.NewDeduplicator(time.Hour, nil, discard)

	var changes []alerts.Change
	p := NewPipeline(PipelineConfig{
		CallID:    "call-d",
		PatientID: "patient-1",
		BufferCap: 16,
		Scanner:   detector,
		Alerts:    dedup,
		OnAlert:   func(c alerts.Change) { changes = append(changes, c) },
		Logger:    discard,
	})
	ctx := context.Background()
	go p.Run(ctx)

	p.Fragment(frag(1, "p1", RolePatient, 0, "I fell in the bathroom and I can't get up"))
	p.TurnEnd(TurnEnd{Turn: 1, Role: RolePatient, Fragments: 1})
	p.Fragment(frag(2, "a1", RoleAI, time.Second, "I'm going to let your daughter know right away."))
	p.TurnEnd(TurnEnd{Turn: 2, Role: RoleAI, Fragments: 1})
	p.Fragment(frag(3, "p2", RolePatient, 5*time.Second, "I fell in the bathroom and I can't get up"))
	p.TurnEnd(TurnEnd{Turn: 3, Role: RolePatient, Fragments: 1})
	// Replay from a stream resume.
	p.Fragment(frag(3, "p2", RolePatient, 5*time.Second, "I fell in the bathroom and I can't get up"))

	res, err := p.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Signals)
	require.Len(t, res.AlertIDs, 1)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Created)
	assert.False(t, changes[1].Created)
	assert.Len(t, changes[1].Alert.Evidence, 2)
	assert.Len(t, res.Transcript.Messages, 3)
	assert.True(t, res.Transcript.Final)
}

func TestPipelineNoAlertWithoutEmergency(t *testing.T) {
	detector, err := emergency.NewDetector(emergency.DefaultCategories())
	require.NoError(t, err)
	dedup := alerts.NewDeduplicator(time.Hour, nil, discard)

	p := NewPipeline(PipelineConfig{
		CallID: "call-a", PatientID: "patient-1", BufferCap: 16,
		Scanner: detector, Alerts: dedup, Logger: discard,
	})
	ctx := context.Background()
	go p.Run(ctx)

	for turn := 1; turn <= 6; turn++ {
		role := RolePatient
		if turn%2 == 0 {
			role = RoleAI
		}
		p.Fragment(frag(turn, fmt.Sprintf("f%d", turn), role, time.Duration(turn)*time.Second, "it is a nice day"))
		p.TurnEnd(TurnEnd{Turn: turn, Role: role, Fragments: 1})
	}

	res, err := p.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Transcript.Turns())
	assert.Zero(t, res.Signals)
	assert.Empty(t, res.AlertIDs)
	assert.Empty(t, dedup.Active("patient-1"))
}

// stuckSink blocks alert processing until release is closed.
type stuckSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stuckSink) Process(ctx context.Context, patientID string, sig emergency.Signal) (alerts.Change, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return alerts.Change{Duplicate: true}, nil
}

func TestPipelineCloseTimeoutReturnsReleasedMessages(t *testing.T) {
	detector, err := emergency.NewDetector(emergency.DefaultCategories())
	require.NoError(t, err)
	sink := &stuckSink{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(sink.release)

	p := NewPipeline(PipelineConfig{
		CallID: "call-s", PatientID: "patient-1", BufferCap: 16,
		Scanner: detector, Alerts: sink, Logger: discard,
	})
	go p.Run(context.Background())

	p.Fragment(frag(1, "a1", RoleAI, 0, "Good morning, this is your wellness check."))
	p.TurnEnd(TurnEnd{Turn: 1, Role: RoleAI, Fragments: 1})
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.partial.Transcript.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p.Fragment(frag(2, "p1", RolePatient, time.Second, "I fell in the bathroom and I can't get up"))
	p.TurnEnd(TurnEnd{Turn: 2, Role: RolePatient, Fragments: 1})
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("alert processing never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := p.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "call-s", res.Transcript.CallID)
	require.Len(t, res.Transcript.Messages, 1)
	assert.Equal(t, "a1", res.Transcript.Messages[0].FragmentID)
	assert.True(t, res.Transcript.Final)
	assert.True(t, res.Transcript.OrderingDegraded)
}
