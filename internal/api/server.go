package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/voicerelay/internal/api/middleware"
	"github.com/flowpbx/voicerelay/internal/call"
	"github.com/flowpbx/voicerelay/internal/config"
	"github.com/flowpbx/voicerelay/internal/relay"
	"github.com/flowpbx/voicerelay/internal/twilio"
)

// CallService is the call lifecycle the HTTP layer drives.
type CallService interface {
	InitiateCall(ctx context.Context, toNumber, projectID, host string) (call.Initiated, error)
	WelcomeTwiML(host, sessionID string) ([]byte, error)
	AcceptInbound(callSID, from, host string) ([]byte, error)
	OnStatusCallback(ctx context.Context, cb twilio.StatusCallback) bool
}

// MediaRelay bridges an accepted media stream to the AI.
type MediaRelay interface {
	Serve(ctx context.Context, sessionID string, telephony relay.Conn) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	calls    CallService
	relays   MediaRelay
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	callLimiter *middleware.IPRateLimiter
	startTime   time.Time
}

// NewServer creates the HTTP handler with all routes mounted. gatherer may
// be nil, in which case /metrics is not served.
func NewServer(cfg *config.Config, calls CallService, relays MediaRelay, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		calls:    calls,
		relays:   relays,
		gatherer: gatherer,
		logger:   logger.With("subsystem", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio connects without an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		callLimiter: middleware.NewIPRateLimiter(middleware.CallRateLimitConfig(cfg.MakeCallRate, cfg.MakeCallBurst)),
		startTime:   time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	s.callLimiter.Stop()
}

// routes configures all middleware and mounts all routes.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(!s.cfg.IsLocal()))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Control API used by the CRM to start outbound calls.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.callLimiter))
		if s.cfg.ControlJWTSecret != "" {
			r.Use(middleware.RequireBearer([]byte(s.cfg.ControlJWTSecret)))
		}
		r.Get("/makecall", s.handleMakeCall)
		r.Post("/makecall", s.handleMakeCall)
	})

	// Twilio callbacks.
	r.Group(func(r chi.Router) {
		if !s.cfg.IsLocal() {
			r.Use(middleware.RequireTwilioSignature(s.cfg.TwilioAuthToken, s.publicURL))
		}
		r.Post("/call-status", s.handleCallStatus)
		r.Get("/twiml", s.handleTwiML)
		r.Post("/twiml", s.handleTwiML)
		r.Get("/incoming-call", s.handleIncomingCall)
		r.Post("/incoming-call", s.handleIncomingCall)
	})

	r.Get("/media-stream/{session_id}", s.handleMediaStream)
}

// publicHost returns the host Twilio uses to reach this service.
func (s *Server) publicHost(r *http.Request) string {
	if s.cfg.PublicHost != "" {
		return s.cfg.PublicHost
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// publicURL reconstructs the URL Twilio requested, as it signs it.
func (s *Server) publicURL(r *http.Request) string {
	return "https://" + s.publicHost(r) + r.URL.RequestURI()
}
