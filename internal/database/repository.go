package database

import (
	"context"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// CallRepository stores terminated call attempts and their transcripts.
type CallRepository interface {
	SaveCall(ctx context.Context, rec *models.CallRecord) error
	SaveTranscript(ctx context.Context, msgs []models.TranscriptMessage) error
	// Latest returns the most recent attempt for a call, or nil.
	Latest(ctx context.Context, callID string) (*models.CallRecord, error)
	ListAttempts(ctx context.Context, callID string) ([]models.CallRecord, error)
	Transcript(ctx context.Context, callID string, attempt int) ([]models.TranscriptMessage, error)
}

// AlertRepository stores deduplicated alerts with their evidence.
type AlertRepository interface {
	Save(ctx context.Context, a *models.Alert) error
	Get(ctx context.Context, id string) (*models.Alert, error)
	ListActive(ctx context.Context, patientID string, now time.Time) ([]models.Alert, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]models.Alert, error)
}

// RetryStateRepository stores per-call retry bookkeeping.
type RetryStateRepository interface {
	Get(ctx context.Context, callID string) (*models.RetryState, error)
	Put(ctx context.Context, st *models.RetryState) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RetryState, error)
	ListInFlight(ctx context.Context) ([]models.RetryState, error)
}

// RetryPolicyRepository stores organization retry policies as raw JSON.
type RetryPolicyRepository interface {
	RetryPolicy(ctx context.Context, organizationID string) ([]byte, error)
	Upsert(ctx context.Context, p *models.RetryPolicyRecord) error
	List(ctx context.Context) ([]models.RetryPolicyRecord, error)
}

// CaregiverDeviceRepository stores caregiver push tokens per patient.
type CaregiverDeviceRepository interface {
	Upsert(ctx context.Context, d *models.CaregiverDevice) error
	ListByPatient(ctx context.Context, patientID string) ([]models.CaregiverDevice, error)
	DeleteByToken(ctx context.Context, token string) error
}
