package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bianca-health/wellcall/internal/api/middleware"
	"github.com/bianca-health/wellcall/internal/call"
	"github.com/bianca-health/wellcall/internal/database"
	"github.com/bianca-health/wellcall/internal/retry"
	"github.com/bianca-health/wellcall/internal/sip"
)

// CallService starts dial attempts and reports the ones in flight.
type CallService interface {
	Dial(ctx context.Context, req retry.Request) (int, error)
	Status(callID string) (call.Status, bool)
	Active() []call.Status
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// ProbeStatusProvider exposes the last media server probe.
type ProbeStatusProvider interface {
	Status() sip.ProbeStatus
}

// EventStreamStatus exposes whether the call-control event stream is up.
type EventStreamStatus interface {
	Connected() bool
}

// PolicyInvalidator drops a cached retry policy after it changes.
type PolicyInvalidator interface {
	Invalidate(organizationID string)
}

// Config holds HTTP-facing settings.
type Config struct {
	TLSEnabled     bool
	DialsPerMinute int
}

// Deps are the collaborators the handlers read from. Probe, Events,
// PolicyCache and Metrics may be nil.
type Deps struct {
	Calls       CallService
	Records     database.CallRepository
	Alerts      database.AlertRepository
	Devices     database.CaregiverDeviceRepository
	Policies    database.RetryPolicyRepository
	PolicyCache PolicyInvalidator
	DB          HealthChecker
	Probe       ProbeStatusProvider
	Events      EventStreamStatus
	Metrics     http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	startTime time.Time

	ipLimiter   *middleware.KeyedRateLimiter
	dialLimiter *middleware.KeyedRateLimiter

	now func() time.Time
}

// NewServer creates the HTTP handler with all routes mounted. Call Close to
// stop the rate limiters' cleanup goroutines.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With("subsystem", "api")
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		startTime:   time.Now(),
		ipLimiter:   middleware.NewKeyedRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		dialLimiter: middleware.NewKeyedRateLimiter(middleware.DialRateLimitConfig(cfg.DialsPerMinute), logger),
		now:         time.Now,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.ipLimiter.Stop()
	s.dialLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.ipLimiter))

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListActiveCalls)
			r.Post("/", s.handleDial)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Get("/attempts", s.handleListAttempts)
				r.Get("/transcript", s.handleGetTranscript)
			})
		})

		r.Route("/patients/{id}", func(r chi.Router) {
			r.Get("/alerts", s.handleListAlerts)
			r.Get("/devices", s.handleListDevices)
			r.Post("/devices", s.handleRegisterDevice)
		})
		r.Delete("/devices/{token}", s.handleDeleteDevice)

		r.Route("/organizations/{id}/retry-policy", func(r chi.Router) {
			r.Get("/", s.handleGetRetryPolicy)
			r.Put("/", s.handlePutRetryPolicy)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
