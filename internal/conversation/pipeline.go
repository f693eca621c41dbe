package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/emergency"
)

// Scanner classifies a finalized turn.
type Scanner interface {
	Scan(u emergency.Utterance) []emergency.Signal
}

// AlertSink folds signals into alerts.
type AlertSink interface {
	Process(ctx context.Context, patientID string, sig emergency.Signal) (alerts.Change, error)
}

// PipelineConfig wires the transcript pipeline for one call.
type PipelineConfig struct {
	CallID    string
	PatientID string
	BufferCap int
	Scanner   Scanner
	Alerts    AlertSink
	// OnAlert is called for every alert change, including evidence updates.
	OnAlert func(alerts.Change)
	// OnOverflow is called each time the ordering buffer is force-flushed.
	OnOverflow func()
	Logger     *slog.Logger
}

// Result is what the pipeline hands back when the call ends.
type Result struct {
	Transcript Transcript
	Signals    int
	AlertIDs   []string
}

type noteItem struct {
	text string
	at   time.Time
}

// Pipeline orders transcript events and runs emergency detection on each
// released turn. It runs on its own goroutine so classification never sits
// on the audio path; producers enqueue without blocking.
type Pipeline struct {
	cfg    PipelineConfig
	window *Window
	logger *slog.Logger

	mu     sync.Mutex
	queue  []any
	closed bool
	// partial is the last state Run published, handed back when Close
	// times out before Run finishes.
	partial Result
	wake   chan struct{}
	done   chan struct{}

	signals  int
	alertIDs []string
	seenIDs  map[string]bool
}

// NewPipeline creates a pipeline. Call Run on a dedicated goroutine.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger.With("subsystem", "transcript", "call_id", cfg.CallID)
	return &Pipeline{
		cfg:     cfg,
		window:  NewWindow(cfg.CallID, cfg.BufferCap, logger),
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		seenIDs: make(map[string]bool),
	}
}

// Fragment enqueues a final transcript fragment.
func (p *Pipeline) Fragment(f Fragment) { p.push(f) }

// TurnEnd enqueues a turn-complete marker.
func (p *Pipeline) TurnEnd(e TurnEnd) { p.push(e) }

// Note enqueues a system message.
func (p *Pipeline) Note(text string, at time.Time) { p.push(noteItem{text: text, at: at}) }

func (p *Pipeline) push(item any) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, item)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run processes queued items until Close drains the queue. Alert storage
// uses ctx, which should outlive the call by the teardown grace period.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	for {
		p.mu.Lock()
		items := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, item := range items {
			p.handle(ctx, item)
		}
		if closed && len(items) == 0 {
			p.detect(ctx, p.window.Finalize())
			p.publish()
			return
		}
		if len(items) > 0 {
			p.publish()
			continue
		}
		select {
		case <-p.wake:
		case <-ctx.Done():
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
		}
	}
}

// Close stops intake, waits for queued items and returns the final
// transcript. If ctx expires first it returns the last published state,
// marked final and degraded, together with ctx.Err().
func (p *Pipeline) Close(ctx context.Context) (Result, error) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
		return p.result(), nil
	default:
	}
	select {
	case <-p.done:
		return p.result(), nil
	case <-ctx.Done():
		p.mu.Lock()
		res := p.partial
		p.mu.Unlock()
		res.Transcript.Final = true
		res.Transcript.OrderingDegraded = true
		return res, ctx.Err()
	}
}

// publish records the current state for Close to fall back on.
func (p *Pipeline) publish() {
	res := p.result()
	p.mu.Lock()
	p.partial = res
	p.mu.Unlock()
}

func (p *Pipeline) result() Result {
	return Result{
		Transcript: p.window.Transcript(),
		Signals:    p.signals,
		AlertIDs:   append([]string(nil), p.alertIDs...),
	}
}

func (p *Pipeline) handle(ctx context.Context, item any) {
	var released []ReleasedTurn
	var err error
	switch v := item.(type) {
	case Fragment:
		released, err = p.window.Append(v)
	case TurnEnd:
		released, err = p.window.End(v)
	case noteItem:
		p.window.Note(v.text, v.at)
		return
	}
	switch {
	case errors.Is(err, ErrOrderingOverflow):
		if p.cfg.OnOverflow != nil {
			p.cfg.OnOverflow()
		}
	case err != nil:
		p.logger.Debug("transcript event dropped", "error", err)
	}
	p.detect(ctx, released)
}

func (p *Pipeline) detect(ctx context.Context, turns []ReleasedTurn) {
	if p.cfg.Scanner == nil {
		return
	}
	for _, rt := range turns {
		if rt.Role != RolePatient {
			continue
		}
		from, to := rt.Span()
		signals := p.cfg.Scanner.Scan(emergency.Utterance{
			CallID:  p.cfg.CallID,
			Turn:    rt.Turn,
			Patient: true,
			FromSeq: from,
			ToSeq:   to,
			Text:    rt.Text(),
		})
		for _, sig := range signals {
			p.signals++
			p.logger.Info("emergency signal",
				"turn", rt.Turn,
				"category", sig.Category,
				"confidence", sig.Confidence,
			)
			if p.cfg.Alerts == nil {
				continue
			}
			change, err := p.cfg.Alerts.Process(ctx, p.cfg.PatientID, sig)
			if err != nil {
				p.logger.Error("alert processing failed", "category", sig.Category, "error", err)
				continue
			}
			if change.Duplicate {
				continue
			}
			if !p.seenIDs[change.Alert.ID] {
				p.seenIDs[change.Alert.ID] = true
				p.alertIDs = append(p.alertIDs, change.Alert.ID)
			}
			if p.cfg.OnAlert != nil {
				p.cfg.OnAlert(change)
			}
		}
	}
}
