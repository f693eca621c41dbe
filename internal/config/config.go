package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bianca-health/wellcall/internal/emergency"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/retry"
)

// Config holds all runtime configuration for the wellcall server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string // "text" or "json"

	// Call control (ARI).
	ARIURL            string
	ARIApp            string
	ARIUser           string
	ARIPassword       string
	ARICommandTimeout time.Duration
	DialTemplate      string // e.g. "PJSIP/%s@carrier"
	CallerID          string

	// Media server liveness probe.
	MediaServer   string // host:port of the media server's SIP listener
	SIPTransport  string
	SIPUser       string
	SIPPassword   string
	ProbeInterval time.Duration

	// AI speech stream.
	AIURL          string
	AIAPIKey       string
	AIVoice        string
	AILanguage     string
	AIInstructions string

	// RTP media transport.
	RTPBindIP   string
	RTPPortMin  int
	RTPPortMax  int
	MediaHost   string // address the media server sends RTP to; defaults to RTPBindIP
	AudioFormat string // "ulaw" or "slin16"

	// Call timers.
	RingTimeout      time.Duration
	AIConnectTimeout time.Duration
	AIResumeTimeout  time.Duration
	MaxCallDuration  time.Duration
	TeardownGrace    time.Duration
	FallbackPrompt   string // media URI, e.g. "sound:wellcall-fallback"; empty disables
	FallbackTimeout  time.Duration

	OrderingBufferCap int

	// Emergency detection and alerting.
	CategoriesFile string
	DedupWindow    time.Duration

	// Retry policy.
	RetryPolicyFile   string
	PolicyDatabaseURL string
	PolicyCacheTTL    time.Duration
	RetryScanInterval time.Duration
	DialsPerMinute    int

	// Caregiver push.
	FCMCredentials string
	APNsKeyFile    string
	APNsKeyID      string
	APNsTeamID     string
	APNsTopic      string
	APNsSandbox    bool

	// Loaded from CategoriesFile / RetryPolicyFile, or built in.
	Categories  []emergency.Category
	RetryPolicy retry.Policy
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultARIURL        = "http://127.0.0.1:8088/ari"
	defaultARIApp        = "wellcall"
	defaultDialTemplate  = "PJSIP/%s@carrier"
	defaultMediaServer   = "127.0.0.1:5060"
	defaultAIURL         = "ws://127.0.0.1:9000/v1/stream"
	defaultAIVoice       = "warm"
	defaultAILanguage    = "en-US"
	defaultRTPBindIP     = "127.0.0.1"
	defaultRTPPortMin    = 20000
	defaultRTPPortMax    = 20999
	defaultAudioFormat   = "ulaw"
	defaultOrderingCap   = 64
	defaultDialsPerMin   = 60
	defaultDedupWindow   = 6 * time.Hour
	defaultProbeInterval = 30 * time.Second
)

// envPrefix is the prefix for all wellcall environment variables.
const envPrefix = "WELLCALL_"

// Load parses configuration from os.Args and environment variables.
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse parses configuration from args and environment variables, then
// loads the category and retry policy files.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wellcall", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the local database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.ARIURL, "ari-url", defaultARIURL, "ARI REST root URL")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "ARI application name")
	fs.StringVar(&cfg.ARIUser, "ari-user", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.DurationVar(&cfg.ARICommandTimeout, "ari-command-timeout", 5*time.Second, "timeout for each ARI REST command")
	fs.StringVar(&cfg.DialTemplate, "dial-template", defaultDialTemplate, "dial string template; %s is replaced by the phone number")
	fs.StringVar(&cfg.CallerID, "caller-id", "", "caller id presented on outbound calls")

	fs.StringVar(&cfg.MediaServer, "media-server", defaultMediaServer, "media server SIP host:port probed before each dial")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", "udp", "transport for the media server probe (udp, tcp)")
	fs.StringVar(&cfg.SIPUser, "sip-user", "", "digest username for the media server probe")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "digest password for the media server probe")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", defaultProbeInterval, "background media server probe interval")

	fs.StringVar(&cfg.AIURL, "ai-url", defaultAIURL, "AI speech stream websocket URL")
	fs.StringVar(&cfg.AIAPIKey, "ai-api-key", "", "AI speech stream API key")
	fs.StringVar(&cfg.AIVoice, "ai-voice", defaultAIVoice, "AI voice name")
	fs.StringVar(&cfg.AILanguage, "ai-language", defaultAILanguage, "conversation language (BCP 47)")
	fs.StringVar(&cfg.AIInstructions, "ai-instructions", "", "instructions sent to the AI at session start")

	fs.StringVar(&cfg.RTPBindIP, "rtp-bind-ip", defaultRTPBindIP, "local IP for RTP endpoints")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP endpoints")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP endpoints")
	fs.StringVar(&cfg.MediaHost, "media-host", "", "address the media server sends RTP to (defaults to rtp-bind-ip)")
	fs.StringVar(&cfg.AudioFormat, "audio-format", defaultAudioFormat, "RTP audio format (ulaw, slin16)")

	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", 45*time.Second, "time to wait for an answer")
	fs.DurationVar(&cfg.AIConnectTimeout, "ai-connect-timeout", 10*time.Second, "time to wait for the AI session to start")
	fs.DurationVar(&cfg.AIResumeTimeout, "ai-resume-timeout", 5*time.Second, "time allowed to resume a dropped AI session")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", 20*time.Minute, "maximum conversation length")
	fs.DurationVar(&cfg.TeardownGrace, "teardown-grace", 5*time.Second, "time allowed for teardown commands")
	fs.StringVar(&cfg.FallbackPrompt, "fallback-prompt", "", "media played when the AI stream is lost (empty disables)")
	fs.DurationVar(&cfg.FallbackTimeout, "fallback-timeout", 30*time.Second, "maximum time to wait for the fallback prompt")
	fs.IntVar(&cfg.OrderingBufferCap, "ordering-buffer-cap", defaultOrderingCap, "maximum transcript fragments held for reordering")

	fs.StringVar(&cfg.CategoriesFile, "emergency-categories", "", "JSON file with emergency categories (built-in taxonomy if empty)")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", defaultDedupWindow, "alert relevance window per patient and category")

	fs.StringVar(&cfg.RetryPolicyFile, "retry-policy", "", "JSON file with the default retry policy (built-in policy if empty)")
	fs.StringVar(&cfg.PolicyDatabaseURL, "policy-database-url", "", "PostgreSQL URL for organization retry policies (optional)")
	fs.DurationVar(&cfg.PolicyCacheTTL, "policy-cache-ttl", 5*time.Minute, "how long organization retry policies are cached")
	fs.DurationVar(&cfg.RetryScanInterval, "retry-scan-interval", 15*time.Second, "how often due retries are dispatched")
	fs.IntVar(&cfg.DialsPerMinute, "dials-per-minute", defaultDialsPerMin, "dial requests allowed per organization per minute")

	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "Firebase service account JSON for Android pushes")
	fs.StringVar(&cfg.APNsKeyFile, "apns-key-file", "", "APNs .p8 signing key for iOS pushes")
	fs.StringVar(&cfg.APNsKeyID, "apns-key-id", "", "APNs key id")
	fs.StringVar(&cfg.APNsTeamID, "apns-team-id", "", "APNs team id")
	fs.StringVar(&cfg.APNsTopic, "apns-topic", "", "APNs topic (caregiver app bundle id)")
	fs.BoolVar(&cfg.APNsSandbox, "apns-sandbox", false, "use the APNs development environment")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.loadFiles(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnvName returns the environment variable consulted for a flag, e.g.
// "ring-timeout" -> "WELLCALL_RING_TIMEOUT".
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, preserving CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("invalid value %q for %s: %w", val, EnvName(f.Name), serr)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if err := validateURL("ari-url", c.ARIURL, "http", "https"); err != nil {
		return err
	}
	if c.ARIApp == "" {
		return fmt.Errorf("ari-app is required")
	}
	if strings.Count(c.DialTemplate, "%s") != 1 {
		return fmt.Errorf("dial-template must contain exactly one %%s, got %q", c.DialTemplate)
	}
	if err := validateURL("ai-url", c.AIURL, "ws", "wss"); err != nil {
		return err
	}

	if _, _, err := c.MediaServerAddr(); err != nil {
		return err
	}
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}

	if net.ParseIP(c.RTPBindIP) == nil {
		return fmt.Errorf("rtp-bind-ip must be an IP address, got %q", c.RTPBindIP)
	}
	if c.MediaHost == "" {
		c.MediaHost = c.RTPBindIP
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min and 65535, got %d", c.RTPPortMax)
	}
	if _, err := c.MediaFormat(); err != nil {
		return err
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"ari-command-timeout", c.ARICommandTimeout},
		{"probe-interval", c.ProbeInterval},
		{"ring-timeout", c.RingTimeout},
		{"ai-connect-timeout", c.AIConnectTimeout},
		{"ai-resume-timeout", c.AIResumeTimeout},
		{"max-call-duration", c.MaxCallDuration},
		{"teardown-grace", c.TeardownGrace},
		{"fallback-timeout", c.FallbackTimeout},
		{"dedup-window", c.DedupWindow},
		{"retry-scan-interval", c.RetryScanInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.PolicyCacheTTL < 0 {
		return fmt.Errorf("policy-cache-ttl must not be negative, got %s", c.PolicyCacheTTL)
	}
	if c.OrderingBufferCap < 1 {
		return fmt.Errorf("ordering-buffer-cap must be at least 1, got %d", c.OrderingBufferCap)
	}
	if c.DialsPerMinute < 1 {
		return fmt.Errorf("dials-per-minute must be at least 1, got %d", c.DialsPerMinute)
	}

	if c.APNsKeyFile != "" && (c.APNsKeyID == "" || c.APNsTeamID == "" || c.APNsTopic == "") {
		return fmt.Errorf("apns-key-file requires apns-key-id, apns-team-id and apns-topic")
	}

	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", name, strings.Join(schemes, " or "), raw)
}

// loadFiles decodes the category and retry policy files. A malformed file
// fails startup.
func (c *Config) loadFiles() error {
	if c.CategoriesFile == "" {
		c.Categories = emergency.DefaultCategories()
	} else {
		cats, err := emergency.LoadCategories(c.CategoriesFile)
		if err != nil {
			return fmt.Errorf("loading emergency categories: %w", err)
		}
		c.Categories = cats
	}

	if c.RetryPolicyFile == "" {
		c.RetryPolicy = retry.DefaultPolicy()
		return nil
	}
	data, err := os.ReadFile(c.RetryPolicyFile)
	if err != nil {
		return fmt.Errorf("reading retry policy file: %w", err)
	}
	p, err := retry.ParsePolicy(data)
	if err != nil {
		return fmt.Errorf("loading retry policy: %w", err)
	}
	c.RetryPolicy = p
	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// MediaServerAddr splits MediaServer into host and port, defaulting the
// port to 5060.
func (c *Config) MediaServerAddr() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.MediaServer)
	if err != nil {
		if c.MediaServer == "" || strings.Contains(c.MediaServer, ":") {
			return "", 0, fmt.Errorf("media-server must be host or host:port, got %q", c.MediaServer)
		}
		return c.MediaServer, 5060, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("media-server port must be between 1 and 65535, got %q", portStr)
	}
	return host, port, nil
}

// MediaFormat returns the configured RTP audio format.
func (c *Config) MediaFormat() (media.Format, error) {
	switch c.AudioFormat {
	case media.FormatULaw.Name:
		return media.FormatULaw, nil
	case media.FormatSLin16.Name:
		return media.FormatSLin16, nil
	default:
		return media.Format{}, fmt.Errorf("audio-format must be ulaw or slin16, got %q", c.AudioFormat)
	}
}

// Hostname returns the name used in the probe's SIP User-Agent.
func (c *Config) Hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
