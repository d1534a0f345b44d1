// Package api is the HTTP surface: web auth endpoints, reverse-proxy
// rule CRUD, import/export, and the status/metrics endpoints. Handlers
// translate the service-layer error taxonomy into HTTP statuses; nothing
// below this package knows about status codes.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/synoproxy/synoproxy/internal/config"
	"github.com/synoproxy/synoproxy/internal/logging"
	"github.com/synoproxy/synoproxy/internal/metrics"
	"github.com/synoproxy/synoproxy/internal/ratelimit"
	"github.com/synoproxy/synoproxy/internal/rules"
	"github.com/synoproxy/synoproxy/internal/syno"
	"github.com/synoproxy/synoproxy/internal/webauth"
)

// ServerConfig holds HTTP server security configuration.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration // Body read limit
	WriteTimeout      time.Duration // Response timeout
	IdleTimeout       time.Duration // Keep-alive timeout
	MaxHeaderBytes    int           // Header size limit
	MaxBodyBytes      int64         // Request body size limit
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,  // 64KB header limit
		MaxBodyBytes:      10 << 20, // 10MB body limit
	}
}

// Server handles API requests.
type Server struct {
	cfg        *config.Config
	logger     *logging.Logger
	web        *webauth.Store
	nas        *syno.SessionManager
	ruleClient *syno.RuleClient
	bulk       *rules.Service
	limiter    *ratelimit.Tracker
	csrf       *CSRFManager
	metrics    *metrics.Registry

	mux *http.ServeMux
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Config      *config.Config
	Logger      *logging.Logger
	WebAuth     *webauth.Store
	NasSessions *syno.SessionManager
	RuleClient  *syno.RuleClient
	BulkService *rules.Service
	RateLimiter *ratelimit.Tracker
}

// NewServer creates a new API server with the provided options.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	s := &Server{
		cfg:        opts.Config,
		logger:     logger.Component("api"),
		web:        opts.WebAuth,
		nas:        opts.NasSessions,
		ruleClient: opts.RuleClient,
		bulk:       opts.BulkService,
		limiter:    opts.RateLimiter,
		csrf:       NewCSRFManager(),
		metrics:    metrics.Get(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()

	// Web auth
	mux.HandleFunc("GET /api/auth/setup", s.handleSetupStatus)
	mux.HandleFunc("POST /api/auth/setup", s.handleSetup)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/me", s.handleMe)
	mux.HandleFunc("POST /api/auth/change-password", s.requireSession(s.handleChangePassword))

	// NAS session
	mux.HandleFunc("POST /api/auth/first-login", s.requireSession(s.handleFirstLogin))

	// Rules
	mux.HandleFunc("GET /api/rules", s.requireSession(s.handleListRules))
	mux.HandleFunc("POST /api/rules", s.requireSession(s.handleCreateRule))
	mux.HandleFunc("GET /api/rules/export", s.requireSession(s.handleExport))
	mux.HandleFunc("POST /api/rules/import", s.requireSession(s.handleImport))
	mux.HandleFunc("POST /api/rules/validate", s.requireSession(s.handleValidate))
	mux.HandleFunc("POST /api/rules/bulk-delete", s.requireSession(s.handleBulkDelete))
	mux.HandleFunc("GET /api/rules/{id}", s.requireSession(s.handleGetRule))
	mux.HandleFunc("PUT /api/rules/{id}", s.requireSession(s.handleUpdateRule))
	mux.HandleFunc("DELETE /api/rules/{id}", s.requireSession(s.handleDeleteRule))

	// Operational
	mux.HandleFunc("GET /api/status", s.requireSession(s.handleStatus))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.mux = mux
}

// Handler returns the fully wrapped handler chain:
// access log -> security headers -> CORS -> CSRF -> routes.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	})

	var h http.Handler = s.mux
	h = CSRFMiddleware(s.csrf)(h)
	h = c.Handler(h)
	h = SecurityHeaders(h)
	h = s.accessLogger(h)
	return h
}

// HTTPServer builds the hardened http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	sc := DefaultServerConfig()
	return &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           http.MaxBytesHandler(s.Handler(), sc.MaxBodyBytes),
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		MaxHeaderBytes:    sc.MaxHeaderBytes,
	}
}

// writeUpstreamError maps the service-layer error taxonomy to HTTP.
// Raw internals never reach the client; the NAS vendor code/message is
// the one deliberate exception, since the UI surfaces it to the admin.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *syno.APIError
	switch {
	case errors.Is(err, syno.ErrAuthRequired):
		WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":                "NAS authentication required",
			"requires_first_login": true,
		})
	case errors.Is(err, syno.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound)
	case errors.Is(err, syno.ErrUpstreamUnavailable):
		WriteError(w, http.StatusBadGateway, "NAS is unreachable")
	case errors.As(err, &apiErr):
		WriteError(w, http.StatusBadGateway, "NAS rejected the request", apiErr.Error())
	default:
		s.logger.Error("Unhandled upstream error", "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal error")
	}
}
