package retry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// ErrInvalidPolicy is returned when a retry policy fails to decode or validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// BackoffKind selects the shape of the backoff schedule.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

const maxAllowedAttempts = 20

// BackoffSchedule maps an attempt number to the minimum delay before the
// next attempt. Jitter is a fraction of the delay added on top, never
// subtracted.
type BackoffSchedule struct {
	Kind   BackoffKind `json:"kind"`
	BaseMs int64       `json:"base_ms"`
	MaxMs  int64       `json:"max_ms,omitempty"`
	Jitter float64     `json:"jitter,omitempty"`
}

// Policy is an organization's retry configuration.
type Policy struct {
	MaxAttempts       int              `json:"max_attempts"`
	Backoff           BackoffSchedule  `json:"backoff"`
	RetryableOutcomes []models.Outcome `json:"retryable_outcomes"`
	// PermanentCauses are hangup cause codes that make a failed outcome
	// non-retryable (e.g. unallocated number).
	PermanentCauses []int `json:"permanent_causes,omitempty"`
}

// DefaultPolicy is used for organizations without a stored policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: BackoffSchedule{
			Kind:   BackoffExponential,
			BaseMs: (5 * time.Minute).Milliseconds(),
			MaxMs:  time.Hour.Milliseconds(),
			Jitter: 0.2,
		},
		RetryableOutcomes: []models.Outcome{
			models.OutcomeNoAnswer,
			models.OutcomeBusy,
			models.OutcomeFailed,
			models.OutcomeAIUnavailable,
		},
		PermanentCauses: []int{1, 28},
	}
}

// ParsePolicy decodes and validates a JSON retry policy. Unknown fields and
// trailing data are rejected.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: decoding: %v", ErrInvalidPolicy, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("%w: trailing data after policy object", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks that every field of the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > maxAllowedAttempts {
		return fmt.Errorf("%w: max_attempts must be between 1 and %d, got %d", ErrInvalidPolicy, maxAllowedAttempts, p.MaxAttempts)
	}
	if err := p.Backoff.validate(); err != nil {
		return err
	}
	seen := make(map[models.Outcome]bool, len(p.RetryableOutcomes))
	for _, o := range p.RetryableOutcomes {
		if !o.Valid() {
			return fmt.Errorf("%w: unknown outcome %q", ErrInvalidPolicy, o)
		}
		if o == models.OutcomeCompleted {
			return fmt.Errorf("%w: completed calls are never retried", ErrInvalidPolicy)
		}
		if seen[o] {
			return fmt.Errorf("%w: duplicate outcome %q", ErrInvalidPolicy, o)
		}
		seen[o] = true
	}
	for _, c := range p.PermanentCauses {
		if c < 0 || c > 127 {
			return fmt.Errorf("%w: permanent cause %d out of range 0-127", ErrInvalidPolicy, c)
		}
	}
	return nil
}

func (b BackoffSchedule) validate() error {
	switch b.Kind {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: backoff kind must be fixed or exponential, got %q", ErrInvalidPolicy, b.Kind)
	}
	if b.BaseMs <= 0 {
		return fmt.Errorf("%w: backoff base_ms must be positive, got %d", ErrInvalidPolicy, b.BaseMs)
	}
	if b.MaxMs != 0 && b.MaxMs < b.BaseMs {
		return fmt.Errorf("%w: backoff max_ms %d below base_ms %d", ErrInvalidPolicy, b.MaxMs, b.BaseMs)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return fmt.Errorf("%w: backoff jitter must be within [0, 1], got %v", ErrInvalidPolicy, b.Jitter)
	}
	return nil
}

// Retryable reports whether a call that ended with outcome and hangup cause
// may be attempted again under this policy.
func (p Policy) Retryable(outcome models.Outcome, cause int) bool {
	if outcome == models.OutcomeCompleted {
		return false
	}
	if outcome == models.OutcomeFailed {
		for _, c := range p.PermanentCauses {
			if c == cause {
				return false
			}
		}
	}
	for _, o := range p.RetryableOutcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// Delay returns the minimum wait after attempt n (1-based) before the next
// attempt may start.
func (b BackoffSchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(b.BaseMs) * time.Millisecond
	if b.Kind == BackoffFixed {
		return d
	}
	limit := time.Duration(b.MaxMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// jittered adds up to Jitter*Delay(attempt) using r in [0, 1).
func (b BackoffSchedule) jittered(attempt int, r float64) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.Jitter*r)
}
