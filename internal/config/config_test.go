package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/retry"
)

// clearEnv unsets every WELLCALL_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.MediaHost != defaultRTPBindIP {
		t.Errorf("MediaHost = %q, want %q", cfg.MediaHost, defaultRTPBindIP)
	}
	if cfg.RingTimeout != 45*time.Second {
		t.Errorf("RingTimeout = %s, want 45s", cfg.RingTimeout)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled() = true, want false")
	}
	if len(cfg.Categories) == 0 {
		t.Error("expected built-in emergency categories")
	}
	if cfg.RetryPolicy.MaxAttempts != retry.DefaultPolicy().MaxAttempts {
		t.Errorf("RetryPolicy.MaxAttempts = %d, want default", cfg.RetryPolicy.MaxAttempts)
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("ring-timeout"); got != "WELLCALL_RING_TIMEOUT" {
		t.Errorf("EnvName(ring-timeout) = %q, want WELLCALL_RING_TIMEOUT", got)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("WELLCALL_HTTP_PORT", "9090")
	t.Setenv("WELLCALL_DATA_DIR", "/tmp/wellcall-test")
	t.Setenv("WELLCALL_LOG_LEVEL", "debug")
	t.Setenv("WELLCALL_RING_TIMEOUT", "30s")
	t.Setenv("WELLCALL_APNS_SANDBOX", "true")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/wellcall-test" {
		t.Errorf("DataDir = %q, want /tmp/wellcall-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Errorf("RingTimeout = %s, want 30s", cfg.RingTimeout)
	}
	if !cfg.APNsSandbox {
		t.Error("APNsSandbox = false, want true")
	}
}

func TestEnvVarInvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("WELLCALL_MAX_CALL_DURATION", "forever")

	if _, err := Parse(nil); err == nil || !strings.Contains(err.Error(), "WELLCALL_MAX_CALL_DURATION") {
		t.Fatalf("expected error naming WELLCALL_MAX_CALL_DURATION, got %v", err)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("WELLCALL_HTTP_PORT", "9090")
	t.Setenv("WELLCALL_LOG_LEVEL", "debug")

	cfg, err := Parse([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port", []string{"--http-port", "99999"}},
		{"log level", []string{"--log-level", "verbose"}},
		{"tls mismatch", []string{"--tls-cert", "cert.pem"}},
		{"ari scheme", []string{"--ari-url", "ws://127.0.0.1:8088/ari"}},
		{"ai scheme", []string{"--ai-url", "http://ai.example.com"}},
		{"dial template", []string{"--dial-template", "PJSIP/carrier"}},
		{"media server port", []string{"--media-server", "10.0.0.1:70000"}},
		{"sip transport", []string{"--sip-transport", "tls"}},
		{"rtp bind", []string{"--rtp-bind-ip", "localhost"}},
		{"rtp range", []string{"--rtp-port-min", "30000", "--rtp-port-max", "29999"}},
		{"audio format", []string{"--audio-format", "opus"}},
		{"ring timeout", []string{"--ring-timeout", "0s"}},
		{"ordering cap", []string{"--ordering-buffer-cap", "0"}},
		{"dial rate", []string{"--dials-per-minute", "0"}},
		{"apns incomplete", []string{"--apns-key-file", "key.p8"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Parse(tt.args); err == nil {
				t.Fatalf("Parse(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestMediaServerAddr(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
	}{
		{"10.0.0.5:5080", "10.0.0.5", 5080},
		{"asterisk.internal", "asterisk.internal", 5060},
	}
	for _, tt := range tests {
		cfg := &Config{MediaServer: tt.in}
		host, port, err := cfg.MediaServerAddr()
		if err != nil {
			t.Fatalf("MediaServerAddr(%q): %v", tt.in, err)
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("MediaServerAddr(%q) = %s:%d, want %s:%d", tt.in, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestMediaFormat(t *testing.T) {
	cfg := &Config{AudioFormat: "slin16"}
	f, err := cfg.MediaFormat()
	if err != nil {
		t.Fatalf("MediaFormat: %v", err)
	}
	if f != media.FormatSLin16 {
		t.Errorf("MediaFormat() = %+v, want slin16", f)
	}
}

func TestLoadsPolicyAndCategoryFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.json")
	os.WriteFile(policyPath, []byte(`{"max_attempts":5,"backoff":{"kind":"fixed","base_ms":120000},"retryable_outcomes":["no_answer"]}`), 0o600)
	catPath := filepath.Join(dir, "categories.json")
	os.WriteFile(catPath, []byte(`[{"name":"fall","threshold":0.5,"phrases":[{"text":"i fell","weight":0.9}]}]`), 0o600)

	cfg, err := Parse([]string{"--retry-policy", policyPath, "--emergency-categories", catPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RetryPolicy.MaxAttempts != 5 {
		t.Errorf("RetryPolicy.MaxAttempts = %d, want 5", cfg.RetryPolicy.MaxAttempts)
	}
	if len(cfg.Categories) != 1 || cfg.Categories[0].Name != "fall" {
		t.Errorf("Categories = %+v, want only fall", cfg.Categories)
	}
}

func TestMalformedFilesFailStartup(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.json")
	os.WriteFile(policyPath, []byte(`{"max_attempts":3,"surprise":true}`), 0o600)
	if _, err := Parse([]string{"--retry-policy", policyPath}); err == nil {
		t.Error("expected error for policy with unknown field")
	}

	catPath := filepath.Join(dir, "categories.json")
	os.WriteFile(catPath, []byte(`[]`), 0o600)
	if _, err := Parse([]string{"--emergency-categories", catPath}); err == nil {
		t.Error("expected error for empty category list")
	}

	if _, err := Parse([]string{"--retry-policy", filepath.Join(dir, "missing.json")}); err == nil {
		t.Error("expected error for missing policy file")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
