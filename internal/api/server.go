// Package api exposes the key service over JSON/HTTP
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systmms/dskeys/internal/audit"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/metrics"
	"github.com/systmms/dskeys/internal/reconcile"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/service"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// KeyService is the façade the handlers call
type KeyService interface {
	RegisterKey(ctx context.Context, ownerID string, provider credential.ProviderType, plaintext *secure.Secret) (service.KeyView, error)
	RotateKey(ctx context.Context, keyID string, plaintext *secure.Secret) (service.KeyView, error)
	DeleteKey(ctx context.Context, keyID string) error
	GetStatus(ctx context.Context, keyID string) (service.KeyView, error)
	ListStatuses(ctx context.Context, ownerID string) ([]service.KeyView, error)
	ReconcileNow(ctx context.Context, ownerID string) (reconcile.Summary, error)
	TriggerAudit(ctx context.Context) (audit.Report, error)
	ListFindings(ctx context.Context, filter storage.FindingFilter) ([]credential.AuditFinding, error)
	ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]credential.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, actor string) (credential.Alert, error)
	SubscribeAlerts(buffer int) (<-chan credential.Alert, func())
}

// Config holds HTTP server settings
type Config struct {
	// Listen is the address to bind.
	// Default: 127.0.0.1:8420
	Listen string

	// MetricsPath serves Prometheus metrics. Empty disables it.
	// Default: /metrics
	MetricsPath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:8420",
		MetricsPath:  "/metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP API server
type Server struct {
	svc     KeyService
	cfg     Config
	logger  *logging.Logger
	health  func(ctx context.Context) error
	router  *mux.Router
	handler http.Handler
	server  *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l.Named("api") }
}

// WithHealthCheck sets the dependency check behind /healthz
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// New creates the server and its routes
func New(svc KeyService, cfg Config, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = mux.NewRouter()
	s.registerRoutes()
	s.handler = securityHeadersMiddleware(bodySizeMiddleware(s.router))
	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.MetricsPath != "" {
		metrics.InitMetrics()
		s.router.Handle(s.cfg.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.actorMiddleware)

	v1.HandleFunc("/owners/{owner}/keys", s.handleRegisterKey).Methods(http.MethodPost)
	v1.HandleFunc("/owners/{owner}/statuses", s.handleListStatuses).Methods(http.MethodGet)
	v1.HandleFunc("/owners/{owner}/reconcile", s.handleReconcile).Methods(http.MethodPost)
	v1.HandleFunc("/keys/{id}", s.handleRotateKey).Methods(http.MethodPut)
	v1.HandleFunc("/keys/{id}", s.handleDeleteKey).Methods(http.MethodDelete)
	v1.HandleFunc("/keys/{id}/status", s.handleGetStatus).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleTriggerAudit).Methods(http.MethodPost)
	v1.HandleFunc("/findings", s.handleListFindings).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/stream", s.handleStreamAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/ack", s.handleAcknowledgeAlert).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// Handler returns the full middleware chain, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening and returns the bound listener
func (s *Server) Start() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped: %v", err)
		}
	}()
	s.logger.Info("Listening on %s", ln.Addr())
	return ln, nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
