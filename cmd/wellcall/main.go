package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/api"
	"github.com/bianca-health/wellcall/internal/ari"
	"github.com/bianca-health/wellcall/internal/call"
	"github.com/bianca-health/wellcall/internal/config"
	"github.com/bianca-health/wellcall/internal/database"
	"github.com/bianca-health/wellcall/internal/database/pgstore"
	"github.com/bianca-health/wellcall/internal/emergency"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/metrics"
	"github.com/bianca-health/wellcall/internal/notify"
	"github.com/bianca-health/wellcall/internal/retry"
	"github.com/bianca-health/wellcall/internal/sip"
	"github.com/bianca-health/wellcall/internal/speech"
)

const (
	retryBatchSize  = 50
	shutdownTimeout = 30 * time.Second
	// staleSlack covers persistence and retry bookkeeping after teardown.
	staleSlack = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("wellcall exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("wellcall stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	logger.Info("starting wellcall",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"ari_url", cfg.ARIURL,
		"media_server", cfg.MediaServer,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	db, err := database.Open(appCtx, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	calls := database.NewCallRepository(db)
	alertRepo := database.NewAlertRepository(db)
	retryStates := database.NewRetryStateRepository(db)
	policies := database.NewRetryPolicyRepository(db)
	devices := database.NewCaregiverDeviceRepository(db)

	// Organization policies come from PostgreSQL when configured, with the
	// local table as a fallback.
	var source retry.PolicySource = policies
	if cfg.PolicyDatabaseURL != "" {
		pg, err := pgstore.New(appCtx, cfg.PolicyDatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("opening policy database: %w", err)
		}
		defer pg.Close()
		source = policySources{pg, policies}
	}
	policyCache := retry.NewPolicyCache(source, cfg.RetryPolicy, cfg.PolicyCacheTTL, logger)
	retryCtrl := retry.NewController(policyCache, retryStates, logger)

	detector, err := emergency.NewDetector(cfg.Categories)
	if err != nil {
		return fmt.Errorf("building emergency detector: %w", err)
	}
	dedup := alerts.NewDeduplicator(cfg.DedupWindow, alertRepo, logger)

	// Media transport.
	format, err := cfg.MediaFormat()
	if err != nil {
		return err
	}
	pool, err := media.NewPortPool(net.ParseIP(cfg.RTPBindIP), cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating rtp port pool: %w", err)
	}
	mediaMgr := media.NewManager(pool, format, logger)
	defer mediaMgr.CloseAll()

	// Call control.
	ariCfg := ari.Config{
		BaseURL:        cfg.ARIURL,
		App:            cfg.ARIApp,
		Username:       cfg.ARIUser,
		Password:       cfg.ARIPassword,
		CommandTimeout: cfg.ARICommandTimeout,
	}
	ariClient := ari.NewClient(ariCfg, logger)
	events := ari.NewEventStream(ariCfg, logger)
	go func() {
		if err := events.Run(appCtx); err != nil {
			logger.Error("event stream stopped", "error", err)
		}
	}()

	// Media server liveness.
	host, port, err := cfg.MediaServerAddr()
	if err != nil {
		return err
	}
	probe, err := sip.NewProbe(sip.ProbeConfig{
		Host:      host,
		Port:      port,
		Transport: cfg.SIPTransport,
		Username:  cfg.SIPUser,
		Password:  cfg.SIPPassword,
		Freshness: 2 * cfg.ProbeInterval,
	}, cfg.Hostname(), logger)
	if err != nil {
		return fmt.Errorf("creating media server probe: %w", err)
	}
	defer probe.Close()
	go probe.Run(appCtx, cfg.ProbeInterval)

	speechClient := speech.NewClient(speech.Config{
		URL:            cfg.AIURL,
		APIKey:         cfg.AIAPIKey,
		ConnectTimeout: cfg.AIConnectTimeout,
		ResumeTimeout:  cfg.AIResumeTimeout,
	}, logger)

	notifier, err := newNotifier(appCtx, cfg, devices, logger)
	if err != nil {
		return err
	}

	mgr := call.NewManager(call.Config{
		Timers: call.Timers{
			Ring:          cfg.RingTimeout,
			AIConnect:     cfg.AIConnectTimeout,
			AIResume:      cfg.AIResumeTimeout,
			MaxDuration:   cfg.MaxCallDuration,
			TeardownGrace: cfg.TeardownGrace,
			Fallback:      cfg.FallbackTimeout,
		},
		DialTemplate: cfg.DialTemplate,
		CallerID:     cfg.CallerID,
		MediaHost:    cfg.MediaHost,
		Session: speech.SessionConfig{
			Voice:         cfg.AIVoice,
			Language:      cfg.AILanguage,
			Instructions:  cfg.AIInstructions,
			TurnDetection: speech.TurnDetection{Type: "server_vad"},
		},
		FallbackMedia:     cfg.FallbackPrompt,
		OrderingBufferCap: cfg.OrderingBufferCap,
	}, call.Deps{
		Control: ariClient,
		Events:  call.EventsFrom(events),
		Media:   mediaMgr,
		Speech:  call.SpeechFrom(speechClient),
		Probe:   probe,
		Scanner: detector,
		Alerts:  dedup,
	}, retryCtrl, calls, notifier, logger)

	// An attempt still in flight after the longest possible call plus its
	// teardown was lost by this process.
	retryCtrl.SetStaleAfter(cfg.RingTimeout + cfg.AIConnectTimeout + cfg.MaxCallDuration +
		cfg.FallbackTimeout + 3*cfg.TeardownGrace + staleSlack)
	n, err := mgr.RecoverInterrupted(appCtx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("settled attempts interrupted by restart", "count", n)
	}
	retryCtrl.StartDispatcher(appCtx, cfg.RetryScanInterval, retryBatchSize, mgr.Redial)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(mgr, mediaMgr, events, probe, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(api.Config{
		TLSEnabled:     cfg.TLSEnabled(),
		DialsPerMinute: cfg.DialsPerMinute,
	}, api.Deps{
		Calls:       mgr,
		Records:     calls,
		Alerts:      alertRepo,
		Devices:     devices,
		Policies:    policies,
		PolicyCache: policyCache,
		DB:          db,
		Probe:       probe,
		Events:      events,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		logger.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	// Calls are torn down while the event stream and probe are still up.
	if err := mgr.Shutdown(ctx); err != nil {
		logger.Error("call manager shutdown error", "error", err)
	}
	appCancel()

	return serveErr
}

// newNotifier builds the caregiver notifier from the configured push
// providers. It returns nil when none is configured.
func newNotifier(ctx context.Context, cfg *config.Config, devices notify.DeviceStore, logger *slog.Logger) (call.Notifier, error) {
	senders := make(map[string]notify.Sender)
	if cfg.FCMCredentials != "" {
		fcm, err := notify.NewFCMSender(ctx, cfg.FCMCredentials, logger)
		if err != nil {
			return nil, fmt.Errorf("creating fcm sender: %w", err)
		}
		senders[notify.PlatformAndroid] = fcm
	}
	if cfg.APNsKeyFile != "" {
		apns, err := notify.NewAPNsSender(notify.APNsConfig{
			KeyFile: cfg.APNsKeyFile,
			KeyID:   cfg.APNsKeyID,
			TeamID:  cfg.APNsTeamID,
			Topic:   cfg.APNsTopic,
			Sandbox: cfg.APNsSandbox,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating apns sender: %w", err)
		}
		senders[notify.PlatformIOS] = apns
	}
	if len(senders) == 0 {
		logger.Warn("no push provider configured, caregiver alerts will only be stored")
		return nil, nil
	}

	multi := notify.NewMultiSender(senders)
	logger.Info("caregiver notifications enabled", "platforms", multi.Platforms())
	return notify.NewCaregiverNotifier(devices, multi, logger), nil
}

// policySources consults each source in order until one has a policy.
type policySources []retry.PolicySource

func (s policySources) RetryPolicy(ctx context.Context, organizationID string) ([]byte, error) {
	for _, src := range s {
		data, err := src.RetryPolicy(ctx, organizationID)
		if errors.Is(err, retry.ErrPolicyNotFound) {
			continue
		}
		return data, err
	}
	return nil, retry.ErrPolicyNotFound
}
