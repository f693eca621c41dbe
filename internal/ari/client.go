// Package ari is the call-control client for the media server. Commands go
// over the REST interface and lifecycle events arrive on a websocket.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrStaleChannel is returned when a command targets a channel or bridge
// the media server no longer knows about.
var ErrStaleChannel = errors.New("stale channel")

// ErrCommandFailed is returned when the media server rejects a command.
var ErrCommandFailed = errors.New("call-control command failed")

const defaultCommandTimeout = 5 * time.Second

// Config holds the call-control connection settings.
type Config struct {
	// BaseURL is the REST root, e.g. http://127.0.0.1:8088/ari.
	BaseURL  string
	App      string
	Username string
	Password string
	// CommandTimeout bounds each REST command.
	CommandTimeout time.Duration
}

// Channel is the subset of the media server's channel object the core uses.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Bridge is the subset of the media server's bridge object the core uses.
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Channels []string `json:"channels"`
}

// OriginateRequest describes an outbound dial.
type OriginateRequest struct {
	ChannelID string
	// Endpoint is the dial string, e.g. PJSIP/+15551234567@carrier.
	Endpoint  string
	CallerID  string
	Timeout   time.Duration
	Variables map[string]string
}

// ExternalMediaRequest asks the media server to stream a channel's audio as
// RTP to an address we listen on.
type ExternalMediaRequest struct {
	ChannelID string
	// Host is the host:port of our RTP endpoint.
	Host   string
	Format string
}

// Client issues commands to the media server.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a call-control client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.CommandTimeout},
		logger: logger.With("subsystem", "ari"),
	}
}

// App returns the application name events are delivered to.
func (c *Client) App() string {
	return c.cfg.App
}

// Originate dials an endpoint into the application.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (Channel, error) {
	q := url.Values{}
	q.Set("endpoint", req.Endpoint)
	q.Set("app", c.cfg.App)
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(req.Timeout/time.Second)))
	}

	var body any
	if len(req.Variables) > 0 {
		body = map[string]any{"variables": req.Variables}
	}

	var ch Channel
	path := "/channels/" + url.PathEscape(req.ChannelID)
	if err := c.do(ctx, http.MethodPost, path, q, body, &ch); err != nil {
		return Channel{}, fmt.Errorf("originating %s: %w", req.ChannelID, err)
	}
	return ch, nil
}

// Answer answers a ringing inbound channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil); err != nil {
		return fmt.Errorf("answering %s: %w", channelID, err)
	}
	return nil
}

// Hangup hangs up a channel. A stale channel is reported as ErrStaleChannel
// so callers can treat it as already gone.
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	if err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), q, nil, nil); err != nil {
		return fmt.Errorf("hanging up %s: %w", channelID, err)
	}
	return nil
}

// CreateBridge creates a mixing bridge with the given id.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) (Bridge, error) {
	q := url.Values{}
	q.Set("type", "mixing")
	q.Set("bridgeId", bridgeID)

	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", q, nil, &b); err != nil {
		return Bridge{}, fmt.Errorf("creating bridge %s: %w", bridgeID, err)
	}
	return b, nil
}

// AddChannel adds channels to a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID string, channelIDs ...string) error {
	q := url.Values{}
	q.Set("channel", strings.Join(channelIDs, ","))
	if err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil); err != nil {
		return fmt.Errorf("adding %v to bridge %s: %w", channelIDs, bridgeID, err)
	}
	return nil
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	if err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil); err != nil {
		return fmt.Errorf("destroying bridge %s: %w", bridgeID, err)
	}
	return nil
}

// ExternalMedia creates a channel that exchanges RTP with req.Host.
func (c *Client) ExternalMedia(ctx context.Context, req ExternalMediaRequest) (Channel, error) {
	q := url.Values{}
	q.Set("app", c.cfg.App)
	q.Set("channelId", req.ChannelID)
	q.Set("external_host", req.Host)
	q.Set("format", req.Format)
	q.Set("encapsulation", "rtp")
	q.Set("transport", "udp")
	q.Set("direction", "both")

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, nil, &ch); err != nil {
		return Channel{}, fmt.Errorf("creating external media %s: %w", req.ChannelID, err)
	}
	return ch, nil
}

// Play starts a playback of media (e.g. sound:wellcall-fallback) on a channel.
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) error {
	q := url.Values{}
	q.Set("media", media)
	if playbackID != "" {
		q.Set("playbackId", playbackID)
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, nil, nil); err != nil {
		return fmt.Errorf("playing %s on %s: %w", media, channelID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return ErrStaleChannel
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrCommandFailed, method, path, resp.StatusCode, msg)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}
