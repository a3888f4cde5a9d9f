package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/middleware"
	"github.com/JakeFAU/link-tracker/internal/scheduler"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

const (
	readyTimeout   = 2 * time.Second
	storeTimeout   = 5 * time.Second
	defaultTimeout = 30 * time.Second
)

// Triggers is the scheduler surface the HTTP layer drives.
type Triggers interface {
	StartBatch(ctx context.Context, timing tracker.Timing) (scheduler.Summary, error)
	StartSingleLinkBatch(ctx context.Context, timing tracker.Timing, hash string) (scheduler.Summary, error)
	RescrapeStale(ctx context.Context, timing tracker.Timing) (scheduler.Summary, error)
	Status(runID string) (scheduler.State, bool)
	Progress(runID string) (succeeded, failed, expected int, ok bool)
}

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

// Config holds HTTP-facing settings.
type Config struct {
	HashLength     int
	PresignTTL     time.Duration
	RequestTimeout time.Duration
	APIKey         string
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Triggers Triggers
	Runs     tracker.RunStore
	Captures tracker.CaptureStore
	Blobs    tracker.BlobStore
	Hasher   tracker.Hasher
	Checks   map[string]Check
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/tracker", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKey(cfg.APIKey))
			r.Post("/start", s.startBatch)
			r.Post("/start/single", s.startSingle)
			r.Post("/rescrape", s.rescrape)
			r.Post("/hash", s.hashLink)
			r.Post("/presign", s.presignKeys)
		})
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/captures/{hash}", s.getCaptures)
		r.Get("/objects", s.listObjects)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failing := map[string]string{}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := s.deps.Checks[name](ctx)
		cancel()
		if err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	middleware.WriteJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	middleware.WriteError(w, status, msg)
}
