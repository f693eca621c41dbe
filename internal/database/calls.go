package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// SaveCall inserts the attempt or replaces an earlier row for the same
// (call_id, attempt).
func (r *callRepo) SaveCall(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, attempt, patient_id, organization_id, phone_number,
		 state, outcome, cause, hangup_code, channel_id, bridge_id, ordering_degraded,
		 started_at, answered_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id, attempt) DO UPDATE SET
		   state = excluded.state,
		   outcome = excluded.outcome,
		   cause = excluded.cause,
		   hangup_code = excluded.hangup_code,
		   channel_id = excluded.channel_id,
		   bridge_id = excluded.bridge_id,
		   ordering_degraded = excluded.ordering_degraded,
		   answered_at = excluded.answered_at,
		   ended_at = excluded.ended_at`,
		rec.CallID, rec.Attempt, rec.PatientID, rec.OrganizationID, rec.PhoneNumber,
		rec.State, string(rec.Outcome), rec.Cause, rec.HangupCode, rec.ChannelID, rec.BridgeID,
		rec.OrderingDegraded, rec.StartedAt.UTC(), utcPtr(rec.AnsweredAt), rec.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving call %s attempt %d: %w", rec.CallID, rec.Attempt, err)
	}
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		rec.ID = id
	}
	return nil
}

// SaveTranscript writes the messages of one attempt in a single transaction.
func (r *callRepo) SaveTranscript(ctx context.Context, msgs []models.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transcript transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO transcript_messages
		 (call_id, attempt, seq, turn, role, content, degraded, source_time, arrived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing transcript insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.CallID, m.Attempt, m.Seq, m.Turn, m.Role, m.Content,
			m.Degraded, nullTime(m.SourceTime), nullTime(m.ArrivedAt)); err != nil {
			return fmt.Errorf("inserting transcript message %d: %w", m.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}
	return nil
}

const callColumns = `id, call_id, attempt, patient_id, organization_id, phone_number,
	 state, outcome, cause, hangup_code, channel_id, bridge_id, ordering_degraded,
	 started_at, answered_at, ended_at`

// Latest returns the highest attempt recorded for callID, or nil.
func (r *callRepo) Latest(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = ? ORDER BY attempt DESC LIMIT 1`, callID)
	rec, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call %s: %w", callID, err)
	}
	return rec, nil
}

// ListAttempts returns every recorded attempt for callID in attempt order.
func (r *callRepo) ListAttempts(ctx context.Context, callID string) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = ? ORDER BY attempt`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts for %s: %w", callID, err)
	}
	defer rows.Close()

	var out []models.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Transcript returns one attempt's messages in sequence order.
func (r *callRepo) Transcript(ctx context.Context, callID string, attempt int) ([]models.TranscriptMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT call_id, attempt, seq, turn, role, content, degraded, source_time, arrived_at
		 FROM transcript_messages WHERE call_id = ? AND attempt = ? ORDER BY seq`, callID, attempt)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptMessage
	for rows.Next() {
		var m models.TranscriptMessage
		var source, arrived sql.NullTime
		if err := rows.Scan(&m.CallID, &m.Attempt, &m.Seq, &m.Turn, &m.Role, &m.Content,
			&m.Degraded, &source, &arrived); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		m.SourceTime = source.Time
		m.ArrivedAt = arrived.Time
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*models.CallRecord, error) {
	var rec models.CallRecord
	var outcome string
	var answered sql.NullTime
	if err := s.Scan(&rec.ID, &rec.CallID, &rec.Attempt, &rec.PatientID, &rec.OrganizationID,
		&rec.PhoneNumber, &rec.State, &outcome, &rec.Cause, &rec.HangupCode, &rec.ChannelID,
		&rec.BridgeID, &rec.OrderingDegraded, &rec.StartedAt, &answered, &rec.EndedAt); err != nil {
		return nil, err
	}
	rec.Outcome = models.Outcome(outcome)
	if answered.Valid {
		t := answered.Time
		rec.AnsweredAt = &t
	}
	return &rec, nil
}
