package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/retry"
)

// retryStateRepo implements RetryStateRepository.
type retryStateRepo struct {
	db *DB
}

// NewRetryStateRepository creates a new RetryStateRepository.
func NewRetryStateRepository(db *DB) RetryStateRepository {
	return &retryStateRepo{db: db}
}

const retryColumns = `call_id, organization_id, patient_id, phone_number, attempts, last_outcome,
	 last_attempt_at, next_eligible_at, in_flight, pending, exhausted, updated_at`

// Get returns the state for callID, or nil when the call is unknown.
func (r *retryStateRepo) Get(ctx context.Context, callID string) (*models.RetryState, error) {
	st, err := scanRetryState(r.db.QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM retry_states WHERE call_id = ?`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying retry state %s: %w", callID, err)
	}
	return st, nil
}

// Put inserts or replaces the state for st.CallID.
func (r *retryStateRepo) Put(ctx context.Context, st *models.RetryState) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO retry_states (`+retryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		   organization_id = excluded.organization_id,
		   patient_id = excluded.patient_id,
		   phone_number = excluded.phone_number,
		   attempts = excluded.attempts,
		   last_outcome = excluded.last_outcome,
		   last_attempt_at = excluded.last_attempt_at,
		   next_eligible_at = excluded.next_eligible_at,
		   in_flight = excluded.in_flight,
		   pending = excluded.pending,
		   exhausted = excluded.exhausted,
		   updated_at = excluded.updated_at`,
		st.CallID, st.OrganizationID, st.PatientID, st.PhoneNumber, st.Attempts, string(st.LastOutcome),
		nullTime(st.LastAttemptAt), unixMillis(st.NextEligibleAt), st.InFlight, st.Pending, st.Exhausted,
		updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving retry state %s: %w", st.CallID, err)
	}
	return nil
}

// ListDue returns pending states eligible at now, earliest first.
func (r *retryStateRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RetryState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM retry_states
		 WHERE pending = 1 AND in_flight = 0 AND exhausted = 0
		   AND next_eligible_at IS NOT NULL AND next_eligible_at <= ?
		 ORDER BY next_eligible_at LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	var out []models.RetryState
	for rows.Next() {
		st, err := scanRetryState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning retry state row: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ListInFlight returns states whose attempt was started but never settled.
func (r *retryStateRepo) ListInFlight(ctx context.Context) ([]models.RetryState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM retry_states WHERE in_flight = 1 ORDER BY call_id`)
	if err != nil {
		return nil, fmt.Errorf("querying in-flight attempts: %w", err)
	}
	defer rows.Close()

	var out []models.RetryState
	for rows.Next() {
		st, err := scanRetryState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning retry state row: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanRetryState(s scanner) (*models.RetryState, error) {
	var st models.RetryState
	var outcome string
	var lastAttempt sql.NullTime
	var next sql.NullInt64
	if err := s.Scan(&st.CallID, &st.OrganizationID, &st.PatientID, &st.PhoneNumber, &st.Attempts,
		&outcome, &lastAttempt, &next, &st.InFlight, &st.Pending, &st.Exhausted, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.LastOutcome = models.Outcome(outcome)
	st.LastAttemptAt = lastAttempt.Time
	st.NextEligibleAt = fromMillis(next)
	return &st, nil
}

// retryPolicyRepo implements RetryPolicyRepository and retry.PolicySource.
type retryPolicyRepo struct {
	db *DB
}

// NewRetryPolicyRepository creates a new RetryPolicyRepository.
func NewRetryPolicyRepository(db *DB) RetryPolicyRepository {
	return &retryPolicyRepo{db: db}
}

// RetryPolicy returns the stored JSON policy or retry.ErrPolicyNotFound.
func (r *retryPolicyRepo) RetryPolicy(ctx context.Context, organizationID string) ([]byte, error) {
	var policy string
	err := r.db.QueryRowContext(ctx,
		`SELECT policy FROM retry_policies WHERE organization_id = ?`, organizationID).Scan(&policy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying retry policy for %s: %w", organizationID, err)
	}
	return []byte(policy), nil
}

// Upsert validates and stores an organization's policy.
func (r *retryPolicyRepo) Upsert(ctx context.Context, p *models.RetryPolicyRecord) error {
	if _, err := retry.ParsePolicy([]byte(p.Policy)); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO retry_policies (organization_id, policy, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(organization_id) DO UPDATE SET
		   policy = excluded.policy,
		   updated_at = excluded.updated_at`,
		p.OrganizationID, p.Policy,
	)
	if err != nil {
		return fmt.Errorf("saving retry policy for %s: %w", p.OrganizationID, err)
	}
	return nil
}

// List returns every stored policy ordered by organization.
func (r *retryPolicyRepo) List(ctx context.Context) ([]models.RetryPolicyRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT organization_id, policy, updated_at FROM retry_policies ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("querying retry policies: %w", err)
	}
	defer rows.Close()

	var out []models.RetryPolicyRecord
	for rows.Next() {
		var p models.RetryPolicyRecord
		if err := rows.Scan(&p.OrganizationID, &p.Policy, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning retry policy row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
