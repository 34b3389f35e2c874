// Package httpapi exposes a hwlicense.Manager over HTTP/JSON.
//
// Routes:
//
//	POST /api/license/register
//	POST /api/license/validate
//	POST /api/license/generate-voucher
//	GET  /api/license/voucher/{code}
//	POST /api/license/deactivate-voucher
//	GET  /healthz
//
// Errors are rendered as {"error": {"code": "...", "message": "..."}} using
// the codes of the hwlicense package. Admin routes carry no authentication;
// deploy them behind a trusted network or proxy.
package httpapi

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CloudNativeWorks/cnw-hwid-license/hwlicense"
)

const maxBodyBytes = 64 << 10

// Server routes HTTP requests to a Manager.
type Server struct {
	manager  *hwlicense.Manager
	logger   zerolog.Logger
	retry    hwlicense.RetryPolicy
	validate *validator.Validate

	limiter        *clientLimiter
	metrics        *httpMetrics
	metricsPath    string
	metricsHandler http.Handler
	ready          func(*http.Request) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRetryPolicy sets how transient storage failures are retried.
// Default: hwlicense.DefaultRetryPolicy.
func WithRetryPolicy(p hwlicense.RetryPolicy) Option {
	return func(s *Server) {
		s.retry = p
	}
}

// WithRateLimit limits each client address to rps requests per second with
// the given burst. Non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = newClientLimiter(rps, burst)
	}
}

// WithMetrics records request counts and latencies in reg and serves
// handler (usually promhttp) at path.
func WithMetrics(reg prometheus.Registerer, path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = newHTTPMetrics(reg)
		s.metricsPath = path
		s.metricsHandler = handler
	}
}

// WithReadiness makes /healthz report 503 while check fails.
func WithReadiness(check func(*http.Request) error) Option {
	return func(s *Server) {
		s.ready = check
	}
}

// New creates a Server for m.
func New(m *hwlicense.Manager, opts ...Option) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		manager:  m,
		logger:   zerolog.Nop(),
		retry:    hwlicense.DefaultRetryPolicy,
		validate: v,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.middleware)
	}

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metricsHandler)
	}

	r.Route("/api/license", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware(s.logger))
		}
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(middleware.RequestSize(maxBodyBytes))

		r.Post("/register", s.handleRegister)
		r.Post("/validate", s.handleValidate)
		r.Post("/generate-voucher", s.handleGenerateVoucher)
		r.Get("/voucher/{code}", s.handleVoucher)
		r.Post("/deactivate-voucher", s.handleDeactivateVoucher)
	})
	return r
}
