package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"webprotect/pkg/bus"
	"webprotect/pkg/metrics"
	"webprotect/services/ledger"
	"webprotect/services/protect"
)

const (
	defaultMaxBody   = 64 << 20
	protectTimeout   = 10 * time.Minute
	requestTimeout   = 30 * time.Second
	defaultRateLimit = 120
)

// RunLister lists recorded protection runs. *ledger.Store implements it.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]ledger.Run, error)
}

// Options wires the dependencies of the HTTP API. Protector is required.
type Options struct {
	Protector *protect.Protector
	Runs      RunLister
	Recorder  ledger.Writer
	Events    bus.Publisher
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
	// Middleware wraps the whole router, typically tracing.
	Middleware     func(http.Handler) http.Handler
	TempDir        string
	Host           string
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP.
	RateLimit int
	MaxBody   int64
}

// Server exposes protection passes and tool state over HTTP.
type Server struct {
	opts Options
}

// New validates opts and applies defaults.
func New(opts Options) (*Server, error) {
	if opts.Protector == nil {
		return nil, errors.New("protector is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	return &Server{opts: opts}, nil
}

// Routes constructs the chi router containing all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := s.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method("GET", "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
		r.With(middleware.Timeout(protectTimeout)).Post("/protect", s.handleProtect)
		r.With(middleware.Timeout(requestTimeout)).Get("/runs", s.handleRuns)
		r.With(middleware.Timeout(requestTimeout)).Get("/tool", s.handleTool)
	})

	if s.opts.Middleware != nil {
		return s.opts.Middleware(r)
	}
	return r
}
