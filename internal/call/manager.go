package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/retry"
)

// ErrShuttingDown is returned by Dial once Shutdown has started.
var ErrShuttingDown = errors.New("call manager shutting down")

const persistTimeout = 10 * time.Second

const interruptedCause = "interrupted by restart"

// Store persists finished attempts.
type Store interface {
	SaveCall(ctx context.Context, rec *models.CallRecord) error
	SaveTranscript(ctx context.Context, msgs []models.TranscriptMessage) error
}

// Notifier delivers newly created alerts to caregivers.
type Notifier interface {
	NotifyAlert(ctx context.Context, a models.Alert) error
}

// Status is the live view of an in-flight attempt.
type Status struct {
	CallID         string
	PatientID      string
	OrganizationID string
	Attempt        int
	State          string
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// Stats are cumulative counters for metrics.
type Stats struct {
	Active           int
	Started          uint64
	Outcomes         map[models.Outcome]uint64
	AlertsCreated    uint64
	AlertsUpdated    uint64
	RetriesScheduled uint64
	RetriesExhausted uint64
}

// Manager starts a Machine per dial attempt and runs the post-call steps:
// persistence, retry decision and alert notification.
type Manager struct {
	cfg      Config
	deps     Deps
	retry    *retry.Controller
	store    Store
	notifier Notifier
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	live     map[string]*Status
	outcomes map[models.Outcome]uint64

	started          atomic.Uint64
	alertsCreated    atomic.Uint64
	alertsUpdated    atomic.Uint64
	retriesScheduled atomic.Uint64
	retriesExhausted atomic.Uint64
}

// NewManager creates a call manager. store and notifier may be nil.
func NewManager(cfg Config, deps Deps, ctrl *retry.Controller, store Store, notifier Notifier, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		retry:    ctrl,
		store:    store,
		notifier: notifier,
		logger:   logger.With("subsystem", "calls"),
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[string]*Status),
		outcomes: make(map[models.Outcome]uint64),
	}
}

// Dial registers a new attempt with the retry controller and starts it.
// It returns the attempt number. A concurrent attempt for the same call id
// fails with retry.ErrAttemptInFlight.
func (m *Manager) Dial(ctx context.Context, req retry.Request) (int, error) {
	if m.ctx.Err() != nil {
		return 0, ErrShuttingDown
	}
	m.mu.RLock()
	_, live := m.live[req.CallID]
	m.mu.RUnlock()
	if live {
		return 0, retry.ErrAttemptInFlight
	}
	attempt, err := m.retry.Begin(ctx, req)
	if err != nil {
		return 0, err
	}

	r := Request{
		CallID:         req.CallID,
		PatientID:      req.PatientID,
		OrganizationID: req.OrganizationID,
		PhoneNumber:    req.PhoneNumber,
		Attempt:        attempt,
	}
	now := time.Now()
	m.mu.Lock()
	m.live[r.CallID] = &Status{
		CallID:         r.CallID,
		PatientID:      r.PatientID,
		OrganizationID: r.OrganizationID,
		Attempt:        attempt,
		State:          StateDialing,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	m.mu.Unlock()
	m.started.Add(1)

	m.wg.Add(1)
	go m.run(r)

	m.logger.Info("dial attempt started", "call_id", r.CallID, "attempt", attempt, "patient_id", r.PatientID)
	return attempt, nil
}

// Redial starts the attempt a due retry asks for. It matches
// retry.DialFunc.
func (m *Manager) Redial(ctx context.Context, st models.RetryState) error {
	_, err := m.Dial(ctx, retry.Request{
		CallID:         st.CallID,
		OrganizationID: st.OrganizationID,
		PatientID:      st.PatientID,
		PhoneNumber:    st.PhoneNumber,
	})
	return err
}

// RecoverInterrupted settles attempts a previous process left in flight.
// Each is recorded as failed and handed to the retry policy like any
// other finished attempt. Call it before the retry dispatcher starts.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	states, err := m.retry.InFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing interrupted attempts: %w", err)
	}
	n := 0
	for _, st := range states {
		m.mu.RLock()
		_, live := m.live[st.CallID]
		m.mu.RUnlock()
		if live {
			continue
		}
		rec := models.CallRecord{
			CallID:         st.CallID,
			Attempt:        st.Attempts,
			PatientID:      st.PatientID,
			OrganizationID: st.OrganizationID,
			PhoneNumber:    st.PhoneNumber,
			State:          StateTerminated,
			Outcome:        models.OutcomeFailed,
			Cause:          interruptedCause,
			StartedAt:      st.LastAttemptAt,
			EndedAt:        time.Now(),
		}
		m.logger.Warn("settling interrupted attempt", "call_id", rec.CallID, "attempt", rec.Attempt)
		m.persist(ctx, Summary{Record: rec})
		m.decide(ctx, rec)
		n++
	}
	return n, nil
}

func (m *Manager) run(req Request) {
	defer m.wg.Done()

	hub := NewHub()
	updates, _ := hub.Subscribe(32)
	m.wg.Add(1)
	go m.watch(req.CallID, updates)

	deps := m.deps
	deps.OnAlert = m.onAlert
	sum := NewMachine(req, m.cfg, deps, hub, m.logger).Run(m.ctx)

	m.mu.Lock()
	delete(m.live, req.CallID)
	m.outcomes[sum.Record.Outcome]++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), persistTimeout)
	defer cancel()
	m.persist(ctx, sum)
	m.decide(ctx, sum.Record)
}

// watch mirrors state updates into the live table until the hub closes.
func (m *Manager) watch(callID string, updates <-chan Update) {
	defer m.wg.Done()
	for u := range updates {
		if u.Alert != nil || u.State == "" {
			continue
		}
		m.mu.Lock()
		if st, ok := m.live[callID]; ok && st.Attempt == u.Attempt {
			st.State = u.State
			st.UpdatedAt = u.At
		}
		m.mu.Unlock()
	}
}

func (m *Manager) persist(ctx context.Context, sum Summary) {
	if m.store == nil {
		return
	}
	rec := sum.Record
	if err := m.store.SaveCall(ctx, &rec); err != nil {
		m.logger.Error("saving call record", "call_id", rec.CallID, "attempt", rec.Attempt, "error", err)
	}
	msgs := sum.Transcript.Records(rec.Attempt)
	if len(msgs) == 0 {
		return
	}
	if err := m.store.SaveTranscript(ctx, msgs); err != nil {
		m.logger.Error("saving transcript", "call_id", rec.CallID, "attempt", rec.Attempt, "error", err)
	}
}

func (m *Manager) decide(ctx context.Context, rec models.CallRecord) {
	dec, err := m.retry.Decide(ctx, retry.Result{
		CallID:     rec.CallID,
		Attempt:    rec.Attempt,
		Outcome:    rec.Outcome,
		HangupCode: rec.HangupCode,
		EndedAt:    rec.EndedAt,
	})
	switch {
	case errors.Is(err, retry.ErrPolicyViolation):
		m.retriesExhausted.Add(1)
		m.logger.Info("call will not be retried", "call_id", rec.CallID, "reason", err)
	case err != nil:
		m.logger.Error("retry decision failed", "call_id", rec.CallID, "error", err)
	case dec.Retry && !dec.Duplicate:
		m.retriesScheduled.Add(1)
	}
}

func (m *Manager) onAlert(req Request, ch alerts.Change) {
	if !ch.Created {
		m.alertsUpdated.Add(1)
		return
	}
	m.alertsCreated.Add(1)
	if m.notifier == nil {
		return
	}
	a := ch.Alert
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), persistTimeout)
		defer cancel()
		if err := m.notifier.NotifyAlert(ctx, a); err != nil {
			m.logger.Error("notifying caregivers", "alert_id", a.ID, "patient_id", a.PatientID, "error", err)
		}
	}()
}

// Status returns the live status of an in-flight call.
func (m *Manager) Status(callID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.live[callID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Active lists in-flight calls ordered by start time.
func (m *Manager) Active() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.live))
	for _, st := range m.live {
		out = append(out, *st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	outcomes := make(map[models.Outcome]uint64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	active := len(m.live)
	m.mu.RUnlock()

	return Stats{
		Active:           active,
		Started:          m.started.Load(),
		Outcomes:         outcomes,
		AlertsCreated:    m.alertsCreated.Load(),
		AlertsUpdated:    m.alertsUpdated.Load(),
		RetriesScheduled: m.retriesScheduled.Load(),
		RetriesExhausted: m.retriesExhausted.Load(),
	}
}

// Shutdown cancels every running call and waits for their teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for calls to finish: %w", ctx.Err())
	}
}
