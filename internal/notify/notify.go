// Package notify pushes newly created emergency alerts to caregiver devices
// over FCM and APNs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// Device platforms as stored with caregiver devices.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// ErrTokenInvalid is returned by a Sender when the provider reports the
// device token as unregistered or malformed.
var ErrTokenInvalid = errors.New("push token no longer valid")

// Notification is the content of one caregiver push.
type Notification struct {
	AlertID    string
	PatientID  string
	Category   string
	Confidence float64
	Title      string
	Body       string
}

// Data returns the key/value payload shared by every platform.
func (n Notification) Data() map[string]string {
	return map[string]string{
		"type":       "emergency_alert",
		"alert_id":   n.AlertID,
		"patient_id": n.PatientID,
		"category":   n.Category,
		"confidence": strconv.FormatFloat(n.Confidence, 'f', 2, 64),
	}
}

// Sender delivers a notification to one device token.
type Sender interface {
	Send(ctx context.Context, platform, token string, n Notification) error
}

// MultiSender routes notifications to the sender registered for a platform.
type MultiSender struct {
	senders map[string]Sender
}

// NewMultiSender creates a MultiSender from a map of platform to sender.
func NewMultiSender(senders map[string]Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send delegates to the sender registered for platform.
func (m *MultiSender) Send(ctx context.Context, platform, token string, n Notification) error {
	s, ok := m.senders[platform]
	if !ok {
		return fmt.Errorf("no sender configured for platform %q", platform)
	}
	return s.Send(ctx, platform, token, n)
}

// Platforms lists the platforms with a configured sender.
func (m *MultiSender) Platforms() []string {
	out := make([]string, 0, len(m.senders))
	for p := range m.senders {
		out = append(out, p)
	}
	return out
}

// DeviceStore looks up and prunes caregiver devices.
type DeviceStore interface {
	ListByPatient(ctx context.Context, patientID string) ([]models.CaregiverDevice, error)
	DeleteByToken(ctx context.Context, token string) error
}

// CaregiverNotifier fans an alert out to every device registered for the
// patient's caregivers.
type CaregiverNotifier struct {
	devices DeviceStore
	sender  Sender
	logger  *slog.Logger
}

// NewCaregiverNotifier creates a notifier.
func NewCaregiverNotifier(devices DeviceStore, sender Sender, logger *slog.Logger) *CaregiverNotifier {
	return &CaregiverNotifier{
		devices: devices,
		sender:  sender,
		logger:  logger.With("subsystem", "notify"),
	}
}

// NotifyAlert pushes a to every device of the patient. Devices whose token
// the provider rejects are removed. It fails only when no device could be
// reached.
func (c *CaregiverNotifier) NotifyAlert(ctx context.Context, a models.Alert) error {
	devices, err := c.devices.ListByPatient(ctx, a.PatientID)
	if err != nil {
		return fmt.Errorf("listing caregiver devices: %w", err)
	}
	if len(devices) == 0 {
		c.logger.Warn("no caregiver devices for alert", "alert_id", a.ID, "patient_id", a.PatientID)
		return nil
	}

	n := NotificationFor(a)
	var errs []error
	delivered := 0
	for _, d := range devices {
		err := c.sender.Send(ctx, d.Platform, d.Token, n)
		if err == nil {
			delivered++
			continue
		}
		if errors.Is(err, ErrTokenInvalid) {
			c.logger.Info("removing invalid caregiver token", "caregiver_id", d.CaregiverID, "platform", d.Platform)
			if derr := c.devices.DeleteByToken(ctx, d.Token); derr != nil {
				c.logger.Warn("removing caregiver token", "error", derr)
			}
		}
		errs = append(errs, fmt.Errorf("caregiver %s (%s): %w", d.CaregiverID, d.Platform, err))
	}

	c.logger.Info("alert pushed to caregivers",
		"alert_id", a.ID,
		"patient_id", a.PatientID,
		"delivered", delivered,
		"failed", len(errs),
	)
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NotificationFor renders the caregiver-facing text of an alert.
func NotificationFor(a models.Alert) Notification {
	label := strings.ReplaceAll(a.Category, "_", " ")
	body := "Possible " + label + " reported during a wellness call."
	if len(a.Evidence) > 0 && a.Evidence[0].Excerpt != "" {
		body += ` "` + a.Evidence[0].Excerpt + `"`
	}
	return Notification{
		AlertID:    a.ID,
		PatientID:  a.PatientID,
		Category:   a.Category,
		Confidence: a.Confidence,
		Title:      "Wellness check alert",
		Body:       body,
	}
}
