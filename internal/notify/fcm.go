package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmClient is the part of messaging.Client the sender uses.
type fcmClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMSender sends notifications via Firebase Cloud Messaging.
type FCMSender struct {
	client fcmClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger = logger.With("subsystem", "fcm")
	logger.Info("fcm sender initialised")
	return &FCMSender{client: client, ttl: time.Hour, logger: logger}, nil
}

// Send delivers n to an FCM registration token.
func (f *FCMSender) Send(ctx context.Context, platform, token string, n Notification) error {
	if platform != PlatformAndroid {
		return fmt.Errorf("fcm sender: unsupported platform %q", platform)
	}

	id, err := f.client.Send(ctx, f.message(token, n))
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: %w: %v", ErrTokenInvalid, err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	f.logger.Debug("fcm message sent", "message_id", id, "alert_id", n.AlertID)
	return nil
}

func (f *FCMSender) message(token string, n Notification) *messaging.Message {
	ttl := f.ttl
	return &messaging.Message{
		Token: token,
		Data:  n.Data(),
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
			Notification: &messaging.AndroidNotification{
				ChannelID: "emergency_alerts",
			},
		},
	}
}
