package notify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"

	// Provider tokens are valid for up to 60 minutes.
	apnsTokenRefreshInterval = 50 * time.Minute
)

// APNsConfig holds the configuration for creating an APNsSender.
type APNsConfig struct {
	// KeyFile is the path to the .p8 private key file from Apple.
	KeyFile string
	// KeyPEM is the key content; it takes precedence over KeyFile.
	KeyPEM []byte
	KeyID  string
	TeamID string
	// Topic is the caregiver app's bundle identifier.
	Topic   string
	Sandbox bool
	// BaseURL overrides the APNs endpoint.
	BaseURL string
}

// APNsSender sends alert notifications via the token-based APNs provider
// API.
type APNsSender struct {
	client  *http.Client
	baseURL string
	topic   string
	logger  *slog.Logger

	key    *ecdsa.PrivateKey
	keyID  string
	teamID string
	now    func() time.Time

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// NewAPNsSender creates an APNsSender from cfg.
func NewAPNsSender(cfg APNsConfig, logger *slog.Logger) (*APNsSender, error) {
	switch {
	case cfg.KeyFile == "" && len(cfg.KeyPEM) == 0:
		return nil, errors.New("apns: key file path is required")
	case cfg.KeyID == "":
		return nil, errors.New("apns: key id is required")
	case cfg.TeamID == "":
		return nil, errors.New("apns: team id is required")
	case cfg.Topic == "":
		return nil, errors.New("apns: topic is required")
	}

	keyData := cfg.KeyPEM
	if len(keyData) == 0 {
		var err error
		if keyData, err = os.ReadFile(cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("apns: reading key file: %w", err)
		}
	}
	key, err := parseP8PrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("apns: parsing p8 key: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = apnsProductionURL
		if cfg.Sandbox {
			baseURL = apnsSandboxURL
		}
	}

	logger = logger.With("subsystem", "apns")
	logger.Info("apns sender initialised", "key_id", cfg.KeyID, "team_id", cfg.TeamID, "topic", cfg.Topic, "sandbox", cfg.Sandbox)

	return &APNsSender{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		topic:   cfg.Topic,
		logger:  logger,
		key:     key,
		keyID:   cfg.KeyID,
		teamID:  cfg.TeamID,
		now:     time.Now,
	}, nil
}

// Send delivers n to an APNs device token.
func (a *APNsSender) Send(ctx context.Context, platform, token string, n Notification) error {
	if platform != PlatformIOS {
		return fmt.Errorf("apns sender: unsupported platform %q", platform)
	}

	providerToken, err := a.providerToken()
	if err != nil {
		return fmt.Errorf("apns: generating provider token: %w", err)
	}
	body, err := buildAPNsPayload(n)
	if err != nil {
		return fmt.Errorf("apns: building payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/3/device/"+token, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apns: creating request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+providerToken)
	req.Header.Set("apns-topic", a.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-collapse-id", n.AlertID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		a.logger.Debug("apns notification sent", "apns_id", resp.Header.Get("apns-id"), "alert_id", n.AlertID)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var apnsErr apnsErrorResponse
	if err := json.Unmarshal(respBody, &apnsErr); err == nil && apnsErr.Reason != "" {
		switch apnsErr.Reason {
		case "Unregistered", "BadDeviceToken", "DeviceTokenNotForTopic":
			return fmt.Errorf("apns: %w: %s (status %d)", ErrTokenInvalid, apnsErr.Reason, resp.StatusCode)
		case "ExpiredProviderToken", "InvalidProviderToken":
			a.resetToken()
		}
		return fmt.Errorf("apns: %s (status %d)", apnsErr.Reason, resp.StatusCode)
	}
	return fmt.Errorf("apns: unexpected status %d: %s", resp.StatusCode, string(respBody))
}

// providerToken returns a cached JWT provider token, refreshing it when
// nearing expiry.
func (a *APNsSender) providerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.cachedToken != "" && now.Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	})
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	a.cachedToken = signed
	a.tokenExpiry = now.Add(apnsTokenRefreshInterval)
	return signed, nil
}

func (a *APNsSender) resetToken() {
	a.mu.Lock()
	a.cachedToken = ""
	a.mu.Unlock()
}

type apnsErrorResponse struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apnsAps struct {
	Alert             apnsAlert `json:"alert"`
	Sound             string    `json:"sound,omitempty"`
	InterruptionLevel string    `json:"interruption-level,omitempty"`
}

func buildAPNsPayload(n Notification) ([]byte, error) {
	payload := map[string]any{
		"aps": apnsAps{
			Alert:             apnsAlert{Title: n.Title, Body: n.Body},
			Sound:             "default",
			InterruptionLevel: "time-sensitive",
		},
	}
	for k, v := range n.Data() {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// parseP8PrivateKey parses an Apple .p8 key (PKCS#8 PEM-encoded ECDSA
// P-256).
func parseP8PrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not ECDSA")
	}
	return ecKey, nil
}
