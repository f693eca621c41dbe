package database

import (
	"context"
	"fmt"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// caregiverDeviceRepo implements CaregiverDeviceRepository.
type caregiverDeviceRepo struct {
	db *DB
}

// NewCaregiverDeviceRepository creates a new CaregiverDeviceRepository.
func NewCaregiverDeviceRepository(db *DB) CaregiverDeviceRepository {
	return &caregiverDeviceRepo{db: db}
}

// Upsert registers a device token for a patient's caregiver. Registering the
// same token again updates its owner and platform.
func (r *caregiverDeviceRepo) Upsert(ctx context.Context, d *models.CaregiverDevice) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO caregiver_devices (patient_id, caregiver_id, platform, token)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(patient_id, token) DO UPDATE SET
		   caregiver_id = excluded.caregiver_id,
		   platform = excluded.platform`,
		d.PatientID, d.CaregiverID, d.Platform, d.Token,
	)
	if err != nil {
		return fmt.Errorf("upserting caregiver device: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		d.ID = id
	}
	return nil
}

// ListByPatient returns every device registered for the patient.
func (r *caregiverDeviceRepo) ListByPatient(ctx context.Context, patientID string) ([]models.CaregiverDevice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, patient_id, caregiver_id, platform, token, created_at
		 FROM caregiver_devices WHERE patient_id = ? ORDER BY id`, patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying caregiver devices: %w", err)
	}
	defer rows.Close()

	var out []models.CaregiverDevice
	for rows.Next() {
		var d models.CaregiverDevice
		if err := rows.Scan(&d.ID, &d.PatientID, &d.CaregiverID, &d.Platform, &d.Token, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning caregiver device row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteByToken removes a token everywhere it is registered. Used when the
// push provider reports the token as no longer valid.
func (r *caregiverDeviceRepo) DeleteByToken(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM caregiver_devices WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting caregiver device: %w", err)
	}
	return nil
}
