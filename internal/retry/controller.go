package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
)

var (
	// ErrPolicyViolation is a definitive stop: the requested attempt is not
	// permitted by the organization's policy.
	ErrPolicyViolation = errors.New("retry policy violation")

	// ErrAttemptInFlight is returned when a dial attempt for the same call
	// identifier has not finished yet.
	ErrAttemptInFlight = errors.New("dial attempt already in flight")
)

// StateStore persists RetryState. Get returns (nil, nil) for unknown calls.
type StateStore interface {
	Get(ctx context.Context, callID string) (*models.RetryState, error)
	Put(ctx context.Context, st *models.RetryState) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RetryState, error)
	ListInFlight(ctx context.Context) ([]models.RetryState, error)
}

// Request identifies the logical call a dial attempt belongs to.
type Request struct {
	CallID         string
	OrganizationID string
	PatientID      string
	PhoneNumber    string
}

// Result is the terminal summary of one attempt handed to Decide.
type Result struct {
	CallID     string
	Attempt    int
	Outcome    models.Outcome
	HangupCode int
	EndedAt    time.Time
}

// Decision is the Controller's verdict for a finished attempt.
type Decision struct {
	Retry       bool
	NextAttempt int
	NotBefore   time.Time
	Reason      string
	// Duplicate is set when a retry was already pending and nothing changed.
	Duplicate bool
}

// Controller owns RetryState. It is the only writer of attempt counters
// and the gate that prevents concurrent attempts for one call.
type Controller struct {
	policies *PolicyCache
	store    StateStore
	logger   *slog.Logger
	locks    keyedMutex
	// staleAfter is how long an attempt may stay in flight before Begin
	// treats it as failed. Zero disables the check.
	staleAfter time.Duration

	now    func() time.Time
	jitter func() float64
}

// NewController creates a retry controller.
func NewController(policies *PolicyCache, store StateStore, logger *slog.Logger) *Controller {
	return &Controller{
		policies: policies,
		store:    store,
		logger:   logger.With("subsystem", "retry"),
		now:      time.Now,
		jitter:   rand.Float64,
	}
}

// SetStaleAfter sets how long an attempt may stay in flight before a new
// Begin settles it as failed. It should exceed the longest possible call.
func (c *Controller) SetStaleAfter(d time.Duration) {
	c.staleAfter = d
}

// Begin registers a new dial attempt and returns its attempt number. It
// fails with ErrAttemptInFlight if an earlier attempt is still running and
// with ErrPolicyViolation if the policy forbids another attempt.
func (c *Controller) Begin(ctx context.Context, req Request) (int, error) {
	unlock := c.locks.lock(req.CallID)
	defer unlock()

	policy, err := c.policies.Lookup(ctx, req.OrganizationID)
	if err != nil {
		return 0, err
	}

	st, err := c.store.Get(ctx, req.CallID)
	if err != nil {
		return 0, fmt.Errorf("loading retry state: %w", err)
	}
	now := c.now()
	if st == nil {
		st = &models.RetryState{
			CallID:         req.CallID,
			OrganizationID: req.OrganizationID,
			PatientID:      req.PatientID,
			PhoneNumber:    req.PhoneNumber,
		}
	}

	if st.InFlight && c.staleAfter > 0 && now.Sub(st.LastAttemptAt) > c.staleAfter {
		c.logger.Warn("settling stale in-flight attempt",
			"call_id", req.CallID,
			"attempt", st.Attempts,
			"started_at", st.LastAttemptAt,
		)
		// A policy violation here only means no retry follows; the
		// checks below report it for this Begin.
		if _, err := c.settle(ctx, st, Result{CallID: req.CallID, Attempt: st.Attempts, Outcome: models.OutcomeFailed, EndedAt: now}); err != nil && !errors.Is(err, ErrPolicyViolation) {
			return 0, err
		}
	}

	switch {
	case st.InFlight:
		return 0, ErrAttemptInFlight
	case st.Exhausted:
		return 0, fmt.Errorf("%w: call %s has no attempts left", ErrPolicyViolation, req.CallID)
	case st.LastOutcome == models.OutcomeCompleted:
		return 0, fmt.Errorf("%w: call %s already completed", ErrPolicyViolation, req.CallID)
	case st.Attempts >= policy.MaxAttempts:
		return 0, fmt.Errorf("%w: attempt %d exceeds max attempts %d", ErrPolicyViolation, st.Attempts+1, policy.MaxAttempts)
	case st.Pending && st.NextEligibleAt != nil && now.Before(*st.NextEligibleAt):
		return 0, fmt.Errorf("%w: next attempt not before %s", ErrPolicyViolation, st.NextEligibleAt.Format(time.RFC3339))
	}

	st.Attempts++
	st.InFlight = true
	st.Pending = false
	st.NextEligibleAt = nil
	st.LastAttemptAt = now
	st.UpdatedAt = now
	if req.PhoneNumber != "" {
		st.PhoneNumber = req.PhoneNumber
	}
	if err := c.store.Put(ctx, st); err != nil {
		return 0, fmt.Errorf("saving retry state: %w", err)
	}
	return st.Attempts, nil
}

// Decide records a finished attempt and schedules the next one when the
// outcome is retryable. Calling Decide again while a retry is pending is a
// no-op. Exceeding the attempt ceiling returns ErrPolicyViolation.
func (c *Controller) Decide(ctx context.Context, res Result) (Decision, error) {
	unlock := c.locks.lock(res.CallID)
	defer unlock()

	st, err := c.store.Get(ctx, res.CallID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading retry state: %w", err)
	}
	if st == nil {
		return Decision{}, fmt.Errorf("no retry state for call %s", res.CallID)
	}
	return c.settle(ctx, st, res)
}

// settle applies the policy to a finished attempt and stores st. The
// caller holds the call's lock.
func (c *Controller) settle(ctx context.Context, st *models.RetryState, res Result) (Decision, error) {
	if st.Pending {
		return Decision{
			Retry:       true,
			NextAttempt: st.Attempts + 1,
			NotBefore:   derefTime(st.NextEligibleAt),
			Reason:      "retry already pending",
			Duplicate:   true,
		}, nil
	}

	policy, err := c.policies.Lookup(ctx, st.OrganizationID)
	if err != nil {
		st.InFlight = false
		st.LastOutcome = res.Outcome
		st.UpdatedAt = c.now()
		if perr := c.store.Put(ctx, st); perr != nil {
			c.logger.Error("saving retry state", "call_id", res.CallID, "error", perr)
		}
		return Decision{}, err
	}

	st.InFlight = false
	st.LastOutcome = res.Outcome
	st.UpdatedAt = c.now()

	var dec Decision
	var verdict error
	switch {
	case !policy.Retryable(res.Outcome, res.HangupCode):
		dec = Decision{Reason: fmt.Sprintf("outcome %s is not retryable", res.Outcome)}
	case st.Attempts >= policy.MaxAttempts:
		st.Exhausted = true
		dec = Decision{Reason: fmt.Sprintf("max attempts %d reached", policy.MaxAttempts)}
		verdict = fmt.Errorf("%w: %s", ErrPolicyViolation, dec.Reason)
	default:
		ended := res.EndedAt
		if ended.IsZero() {
			ended = c.now()
		}
		next := ended.Add(policy.Backoff.jittered(st.Attempts, c.jitter()))
		st.Pending = true
		st.NextEligibleAt = &next
		dec = Decision{
			Retry:       true,
			NextAttempt: st.Attempts + 1,
			NotBefore:   next,
			Reason:      fmt.Sprintf("outcome %s is retryable", res.Outcome),
		}
	}

	if err := c.store.Put(ctx, st); err != nil {
		return Decision{}, fmt.Errorf("saving retry state: %w", err)
	}

	if dec.Retry {
		c.logger.Info("retry scheduled",
			"call_id", res.CallID,
			"attempt", dec.NextAttempt,
			"not_before", dec.NotBefore,
		)
	} else {
		c.logger.Info("no retry", "call_id", res.CallID, "reason", dec.Reason)
	}
	return dec, verdict
}

// InFlight returns attempts recorded as running. At startup these are
// attempts a previous process never finished.
func (c *Controller) InFlight(ctx context.Context) ([]models.RetryState, error) {
	return c.store.ListInFlight(ctx)
}

// Due returns pending retries whose eligibility time has passed.
func (c *Controller) Due(ctx context.Context, limit int) ([]models.RetryState, error) {
	return c.store.ListDue(ctx, c.now(), limit)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// keyedMutex serializes writers per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
