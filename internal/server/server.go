// Package server provides the operator HTTP API: batch job control, session
// state, adapter listing and the live telemetry stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonathan/openorbit/internal/adapters"
	"github.com/jonathan/openorbit/internal/batch"
	"github.com/jonathan/openorbit/internal/config"
	"github.com/jonathan/openorbit/internal/live"
	"github.com/jonathan/openorbit/internal/server/middleware"
	"github.com/jonathan/openorbit/internal/server/ratelimit"
	"github.com/jonathan/openorbit/internal/session"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 30 * time.Second

// JobFactory builds the enrichment job for a pipeline name.
type JobFactory func(pipeline string) (batch.Job, error)

// Deps are the components the API serves. Runner, Tracker, Adapters and Hub
// are required. A nil EnrichJob disables POST /jobs/enrich and a nil JWT
// disables authentication.
type Deps struct {
	Runner    *batch.Runner
	Tracker   *session.Tracker
	Adapters  *adapters.Registry
	Hub       *live.Hub
	EnrichJob JobFactory
	JWT       *config.JWTConfig
	RateLimit *ratelimit.Config
	Logger    *slog.Logger

	CORSOrigin string
	StaleAfter time.Duration
	RenderTick time.Duration
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	runner      *batch.Runner
	tracker     *session.Tracker
	adapters    *adapters.Registry
	hub         *live.Hub
	enrichJob   JobFactory
	jwtService  *JWTService
	rateLimiter *ratelimit.Limiter
	corsOrigin  string
	staleAfter  time.Duration
	renderTick  time.Duration

	// jobCtx outlives requests; background runs are cancelled with it on
	// shutdown and finalize as failed.
	jobCtx    context.Context
	cancelJob context.CancelFunc
	jobs      sync.WaitGroup
	// jobsMu orders jobs.Add against shutdown's jobs.Wait.
	jobsMu     sync.Mutex
	jobsClosed bool

	// streamsDone is closed when shutdown begins so open live streams return.
	streamsDone chan struct{}
}

// New creates a new server instance listening on port once Run is called.
func New(port int, deps Deps) (*Server, error) {
	if deps.Runner == nil || deps.Tracker == nil || deps.Adapters == nil || deps.Hub == nil {
		return nil, errors.New("server requires runner, tracker, adapters and hub")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := deps.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:      logger,
		runner:      deps.Runner,
		tracker:     deps.Tracker,
		adapters:    deps.Adapters,
		hub:         deps.Hub,
		enrichJob:   deps.EnrichJob,
		rateLimiter: ratelimit.NewLimiter(deps.RateLimit),
		corsOrigin:  corsOrigin,
		staleAfter:  deps.StaleAfter,
		renderTick:  deps.RenderTick,
		jobCtx:      jobCtx,
		cancelJob:   cancel,
		streamsDone: make(chan struct{}),
	}
	if deps.JWT != nil {
		s.jwtService = NewJWTService(deps.JWT)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /jobs/enrich", s.handleEnrich)
	mux.HandleFunc("GET /jobs/runs", s.handleListRuns)
	mux.HandleFunc("GET /jobs/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /jobs/{kind}/status", s.handleJobStatus)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{platform}", s.handleGetSession)

	mux.HandleFunc("GET /adapters", s.handleListAdapters)

	mux.HandleFunc("GET /live/platforms", s.handleLivePlatforms)
	mux.HandleFunc("GET /live/stream", s.handleLiveStream)

	var handler http.Handler = mux
	if s.jwtService != nil {
		handler = s.withAuth(handler)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.withRateLimit(s.withLogging(s.withCORS(handler))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(func() { close(s.streamsDone) })

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully and waits for
// background runs to finalize.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			s.shutdownJobs()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.shutdownJobs()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// startJob runs fn in the background under the job context. It returns
// ErrShuttingDown once shutdown has begun.
func (s *Server) startJob(fn func(ctx context.Context)) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if s.jobsClosed {
		return ErrShuttingDown
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		fn(s.jobCtx)
	}()
	return nil
}

func (s *Server) shutdownJobs() {
	s.jobsMu.Lock()
	s.jobsClosed = true
	s.jobsMu.Unlock()

	s.cancelJob()
	s.jobs.Wait()
	s.rateLimiter.Stop()
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)
		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

// withAuth requires a bearer token on everything except the health check.
func (s *Server) withAuth(next http.Handler) http.Handler {
	protected := middleware.AuthMiddleware(s.jwtService.AsTokenValidator())(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush forwards to the underlying writer so SSE works through the logger.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": s.runner.Active(),
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// extractClientID extracts the client identifier from the request.
// It uses the IP address from RemoteAddr; forwarded headers are not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.logger.Warn("rate limit exceeded",
		"limit", info.Limit,
		"remaining", info.Remaining,
		"reset_at", info.ResetTime.Format(time.RFC3339))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
