package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// alertRepo implements AlertRepository. Evidence is stored as a JSON array
// on the alert row.
type alertRepo struct {
	db *DB
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *DB) AlertRepository {
	return &alertRepo{db: db}
}

// Save inserts or updates an alert by id.
func (r *alertRepo) Save(ctx context.Context, a *models.Alert) error {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return fmt.Errorf("encoding alert evidence: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO alerts (id, patient_id, category, dedup_key, confidence, evidence,
		 created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   confidence = excluded.confidence,
		   evidence = excluded.evidence,
		   updated_at = excluded.updated_at`,
		a.ID, a.PatientID, a.Category, a.DedupKey, a.Confidence, string(evidence),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), a.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving alert %s: %w", a.ID, err)
	}
	return nil
}

const alertColumns = `id, patient_id, category, dedup_key, confidence, evidence, created_at, updated_at, expires_at`

// Get returns an alert by id, or nil.
func (r *alertRepo) Get(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying alert %s: %w", id, err)
	}
	return a, nil
}

// ListActive returns the patient's alerts that have not expired at now.
func (r *alertRepo) ListActive(ctx context.Context, patientID string, now time.Time) ([]models.Alert, error) {
	return r.list(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE patient_id = ? AND expires_at > ? ORDER BY category`,
		patientID, now.UnixMilli())
}

// ListByPatient returns the patient's most recent alerts, newest first.
func (r *alertRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE patient_id = ? ORDER BY created_at DESC LIMIT ?`,
		patientID, limit)
}

func (r *alertRepo) list(ctx context.Context, query string, args ...any) ([]models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAlert(s scanner) (*models.Alert, error) {
	var a models.Alert
	var evidence string
	var expires int64
	if err := s.Scan(&a.ID, &a.PatientID, &a.Category, &a.DedupKey, &a.Confidence, &evidence,
		&a.CreatedAt, &a.UpdatedAt, &expires); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(evidence), &a.Evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence of alert %s: %w", a.ID, err)
	}
	a.ExpiresAt = time.UnixMilli(expires).UTC()
	return &a, nil
}
