package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ErrMediaServerUnavailable is returned when the media server does not
// answer an OPTIONS ping.
var ErrMediaServerUnavailable = errors.New("media server unavailable")

const (
	// defaultProbeTimeout bounds one OPTIONS round trip.
	defaultProbeTimeout = 3 * time.Second
	// defaultProbeFreshness is how long a successful ping is trusted.
	defaultProbeFreshness = 15 * time.Second
)

// ProbeConfig describes the media server to probe.
type ProbeConfig struct {
	Host      string
	Port      int
	Transport string // "udp" | "tcp"
	Username  string
	Password  string
	// Freshness is how long a successful result satisfies Check.
	Freshness time.Duration
	Timeout   time.Duration
}

// ProbeStatus is the last known media server health.
type ProbeStatus struct {
	Healthy   bool
	LastError string
	CheckedAt time.Time
	Latency   time.Duration
}

// Probe checks media server liveness with SIP OPTIONS before calls are
// dialed, answering digest challenges when credentials are configured.
type Probe struct {
	cfg    ProbeConfig
	ua     *sipgo.UserAgent
	client *sipgo.Client
	logger *slog.Logger

	ping func(ctx context.Context) error
	now  func() time.Time

	mu     sync.RWMutex
	status ProbeStatus
}

// NewProbe creates a probe with its own SIP user agent.
func NewProbe(cfg ProbeConfig, hostname string, logger *slog.Logger) (*Probe, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("media server host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = defaultProbeFreshness
	}

	l := logger.With("subsystem", "sip-probe")
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("wellcall"),
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	p := &Probe{
		cfg:    cfg,
		ua:     ua,
		client: client,
		logger: l,
		now:    time.Now,
	}
	p.ping = p.sendOptions
	return p, nil
}

// Close releases the SIP client and user agent.
func (p *Probe) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.ua != nil {
		return p.ua.Close()
	}
	return nil
}

// Status returns the last probe result.
func (p *Probe) Status() ProbeStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Check returns nil if the media server answered recently, pinging it
// otherwise. Failures wrap ErrMediaServerUnavailable.
func (p *Probe) Check(ctx context.Context) error {
	st := p.Status()
	if st.Healthy && p.now().Sub(st.CheckedAt) < p.cfg.Freshness {
		return nil
	}
	return p.Ping(ctx)
}

// Ping sends one OPTIONS request and records the result.
func (p *Probe) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.now()
	err := p.ping(pingCtx)
	st := ProbeStatus{Healthy: err == nil, CheckedAt: p.now()}
	st.Latency = st.CheckedAt.Sub(start)
	if err != nil {
		st.LastError = err.Error()
	}

	p.mu.Lock()
	prev := p.status
	p.status = st
	p.mu.Unlock()

	if err != nil {
		if prev.Healthy || prev.CheckedAt.IsZero() {
			p.logger.Warn("media server probe failed", "host", p.cfg.Host, "error", err)
		}
		return fmt.Errorf("%w: %v", ErrMediaServerUnavailable, err)
	}
	if !prev.Healthy {
		p.logger.Info("media server reachable", "host", p.cfg.Host, "latency", st.Latency.String())
	}
	return nil
}

// Run pings on every interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Ping(ctx) //nolint:errcheck
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Probe) recipient() string {
	return fmt.Sprintf("sip:%s:%d", p.cfg.Host, p.cfg.Port)
}

// sendOptions sends OPTIONS, retrying once with digest credentials on a
// 401 or 407 challenge.
func (p *Probe) sendOptions(ctx context.Context) error {
	recipientStr := p.recipient()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(p.cfg.Transport))

	tx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if (res.StatusCode == 401 || res.StatusCode == 407) && p.cfg.Username != "" {
		res, err = p.answerChallenge(ctx, req, res, recipientStr)
		if err != nil {
			return err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (p *Probe) answerChallenge(ctx context.Context, req *sip.Request, res *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: p.cfg.Username,
		Password: p.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := p.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated options: %w", err)
	}
	out, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated options response: %w", err)
	}
	return out, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
