package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/emergency"
)

// Store persists alerts so deduplication spans recent calls and restarts.
type Store interface {
	ListActive(ctx context.Context, patientID string, now time.Time) ([]models.Alert, error)
	Save(ctx context.Context, a *models.Alert) error
}

// Change describes what Process did with a signal.
type Change struct {
	Alert models.Alert
	// Created is set when the signal opened a new alert.
	Created bool
	// Duplicate is set when the same evidence had already been recorded.
	Duplicate bool
}

// patientIndex holds the active alert per category for one patient.
type patientIndex struct {
	mu     sync.RWMutex
	loaded bool
	// dead is set when the index was pruned; holders must look it up again.
	dead   bool
	active map[string]*models.Alert
}

// Deduplicator maps emergency signals to alerts with at most one active
// alert per (patient, category) inside the relevance window. Writes for one
// patient are serialized; different patients proceed in parallel.
type Deduplicator struct {
	window time.Duration
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	patients  map[string]*patientIndex
	lastPrune time.Time
}

// NewDeduplicator creates a deduplicator. store may be nil for a purely
// in-memory index.
func NewDeduplicator(window time.Duration, store Store, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		window:   window,
		store:    store,
		logger:   logger.With("subsystem", "alerts"),
		now:      time.Now,
		patients: make(map[string]*patientIndex),
	}
}

func (d *Deduplicator) index(patientID string) *patientIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now())
	idx, ok := d.patients[patientID]
	if !ok {
		idx = &patientIndex{active: make(map[string]*models.Alert)}
		d.patients[patientID] = idx
	}
	return idx
}

// lockIndex returns the patient's index locked for writing.
func (d *Deduplicator) lockIndex(patientID string) *patientIndex {
	for {
		idx := d.index(patientID)
		idx.mu.Lock()
		if !idx.dead {
			return idx
		}
		idx.mu.Unlock()
	}
}

// pruneLocked drops indexes whose alerts have all expired, at most once
// per relevance window. Indexes in use are skipped. Caller holds d.mu.
func (d *Deduplicator) pruneLocked(now time.Time) {
	if now.Sub(d.lastPrune) < d.window {
		return
	}
	d.lastPrune = now
	for id, idx := range d.patients {
		if !idx.mu.TryLock() {
			continue
		}
		if idx.expired(now) {
			idx.dead = true
			delete(d.patients, id)
		}
		idx.mu.Unlock()
	}
}

// expired reports whether no alert in the index is still active.
func (idx *patientIndex) expired(now time.Time) bool {
	for _, a := range idx.active {
		if now.Before(a.ExpiresAt) {
			return false
		}
	}
	return true
}

// warm loads persisted active alerts the first time a patient is seen.
// Caller holds idx.mu for writing.
func (d *Deduplicator) warm(ctx context.Context, patientID string, idx *patientIndex, now time.Time) error {
	if idx.loaded || d.store == nil {
		idx.loaded = true
		return nil
	}
	stored, err := d.store.ListActive(ctx, patientID, now)
	if err != nil {
		return fmt.Errorf("loading active alerts: %w", err)
	}
	for i := range stored {
		a := stored[i]
		if cur, ok := idx.active[a.Category]; !ok || a.CreatedAt.After(cur.CreatedAt) {
			idx.active[a.Category] = &a
		}
	}
	idx.loaded = true
	return nil
}

// Process folds a signal into the patient's alerts. A signal matching an
// active alert adds evidence to it; otherwise a fresh alert is created.
func (d *Deduplicator) Process(ctx context.Context, patientID string, sig emergency.Signal) (Change, error) {
	idx := d.lockIndex(patientID)
	defer idx.mu.Unlock()

	now := d.now()
	if err := d.warm(ctx, patientID, idx, now); err != nil {
		return Change{}, err
	}

	ev := models.AlertEvidence{
		CallID:     sig.CallID,
		FromSeq:    sig.Span.FromSeq,
		ToSeq:      sig.Span.ToSeq,
		Excerpt:    sig.Excerpt,
		Confidence: sig.Confidence,
		DetectedAt: sig.DetectedAt,
	}

	if cur, ok := idx.active[sig.Category]; ok && now.Before(cur.ExpiresAt) {
		for _, e := range cur.Evidence {
			if e.CallID == ev.CallID && e.FromSeq == ev.FromSeq && e.ToSeq == ev.ToSeq {
				return Change{Alert: cloneAlert(cur), Duplicate: true}, nil
			}
		}
		updated := cloneAlert(cur)
		updated.Evidence = append(updated.Evidence, ev)
		updated.UpdatedAt = now
		if sig.Confidence > updated.Confidence {
			updated.Confidence = sig.Confidence
		}
		if err := d.save(ctx, &updated); err != nil {
			return Change{}, err
		}
		idx.active[sig.Category] = &updated
		d.logger.Info("alert evidence added",
			"alert_id", updated.ID,
			"patient_id", patientID,
			"category", sig.Category,
			"evidence", len(updated.Evidence),
		)
		return Change{Alert: cloneAlert(&updated)}, nil
	}

	a := models.Alert{
		ID:         uuid.NewString(),
		PatientID:  patientID,
		Category:   sig.Category,
		DedupKey:   DedupKey(patientID, sig.Category, now),
		Confidence: sig.Confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(d.window),
		Evidence:   []models.AlertEvidence{ev},
	}
	if err := d.save(ctx, &a); err != nil {
		return Change{}, err
	}
	idx.active[sig.Category] = &a
	d.logger.Info("alert created",
		"alert_id", a.ID,
		"patient_id", patientID,
		"category", sig.Category,
		"confidence", sig.Confidence,
		"call_id", sig.CallID,
	)
	return Change{Alert: cloneAlert(&a), Created: true}, nil
}

func (d *Deduplicator) save(ctx context.Context, a *models.Alert) error {
	if d.store == nil {
		return nil
	}
	if err := d.store.Save(ctx, a); err != nil {
		return fmt.Errorf("saving alert: %w", err)
	}
	return nil
}

// Active returns the patient's non-expired alerts ordered by category.
func (d *Deduplicator) Active(patientID string) []models.Alert {
	d.mu.Lock()
	idx, ok := d.patients[patientID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	now := d.now()

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []models.Alert
	for _, a := range idx.active {
		if now.Before(a.ExpiresAt) {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// DedupKey identifies the bucket an alert covers: patient, category and the
// start of its relevance window.
func DedupKey(patientID, category string, opened time.Time) string {
	return fmt.Sprintf("%s|%s|%d", patientID, category, opened.UnixMilli())
}

func cloneAlert(a *models.Alert) models.Alert {
	c := *a
	c.Evidence = append([]models.AlertEvidence(nil), a.Evidence...)
	return c
}
