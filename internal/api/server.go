// Package api exposes the HTTP interface for the trawler service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/config"
	"github.com/trawlerhq/trawler/internal/metrics"
	"github.com/trawlerhq/trawler/internal/trawler"
)

// ScrapeService performs synchronous scrapes.
type ScrapeService interface {
	ScrapeSingle(ctx context.Context, url string, opts trawler.ScrapeOptions, sessionID string) *trawler.Result
	ScrapeBatch(ctx context.Context, urls []string, opts trawler.ScrapeOptions, maxConcurrent int64) ([]*trawler.Result, error)
}

// JobService manages asynchronous jobs.
type JobService interface {
	Submit(ctx context.Context, jobType trawler.JobType, payload json.RawMessage, priority, maxRetries int) (*trawler.Job, error)
	GetJob(ctx context.Context, id string) (*trawler.Job, error)
	ListJobs(ctx context.Context, filter trawler.JobFilter) ([]*trawler.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	CleanupTerminated(ctx context.Context, retention time.Duration) (int64, error)
	Stats(ctx context.Context) (map[trawler.JobStatus]int64, error)
}

// CrawlService manages direct crawls.
type CrawlService interface {
	StartCrawl(ctx context.Context, startURL string, rules trawler.CrawlRules, opts trawler.ScrapeOptions) (string, error)
	GetStatus(id string) (*trawler.CrawlState, bool)
	Results(id string) []*trawler.Result
	CancelCrawl(id string) bool
	List() []*trawler.CrawlState
}

// SessionService manages browser sessions.
type SessionService interface {
	Create(ctx context.Context, cfg trawler.SessionConfig, id string) (string, error)
	Get(ctx context.Context, id string) (*trawler.Session, error)
	UpdateState(ctx context.Context, id string, state map[string]any) error
	Close(ctx context.Context, id string) (bool, error)
	List() []*trawler.Session
	CleanupExpired(ctx context.Context) (int64, error)
}

// CacheService exposes cache maintenance.
type CacheService interface {
	CleanupExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (trawler.CacheStats, error)
}

// Server wires HTTP handlers to the orchestration services.
type Server struct {
	router   chi.Router
	scraper  ScrapeService
	jobs     JobService
	crawls   CrawlService
	sessions SessionService
	cache    CacheService
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	scraper ScrapeService,
	jobs JobService,
	crawls CrawlService,
	sessions SessionService,
	cache CacheService,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		scraper:  scraper,
		jobs:     jobs,
		crawls:   crawls,
		sessions: sessions,
		cache:    cache,
		logger:   logger,
		cfg:      cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		r.Post("/scrape", s.scrapeSingle)
		r.Post("/scrape/batch", s.scrapeBatch)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.cancelJob)
			})
		})

		r.Route("/crawl", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.listCrawls)
			r.Route("/{crawl_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Delete("/", s.cancelCrawl)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Patch("/state", s.updateSessionState)
				r.Delete("/", s.closeSession)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/cleanup/jobs", s.cleanupJobs)
			r.Post("/cleanup/cache", s.cleanupCache)
			r.Post("/cleanup/sessions", s.cleanupSessions)
			r.Get("/stats", s.stats)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.jobs.Stats(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusForKind maps failure kinds to HTTP statuses.
func statusForKind(kind trawler.Kind) int {
	switch kind {
	case trawler.KindValidation:
		return http.StatusBadRequest
	case trawler.KindConfiguration, trawler.KindExtraction:
		return http.StatusUnprocessableEntity
	case trawler.KindTimeout:
		return http.StatusGatewayTimeout
	case trawler.KindNetwork:
		return http.StatusBadGateway
	case trawler.KindRateLimit:
		return http.StatusTooManyRequests
	case trawler.KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeKindError(w http.ResponseWriter, err error) {
	s.writeError(w, statusForKind(trawler.KindOf(err)), err.Error())
}
