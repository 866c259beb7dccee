// Package api is the HTTP REST surface over the Pipeline Orchestrator (spec
// §6 EXTERNAL INTERFACES). It never embeds pipeline logic itself — every
// handler is a thin translation from an HTTP verb/path to an orchestrator or
// storage call plus a status code.
package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/eventstream"
	"github.com/apex-build/buildforge/internal/orchestrator"
	"github.com/apex-build/buildforge/internal/storage"
)

// Server holds the collaborators every handler needs.
type Server struct {
	orch  *orchestrator.Orchestrator
	store *storage.Store
	ws    *eventstream.Handler
	log   corelib.Logger
	mux   *http.ServeMux

	// buildSlots bounds in-flight background build goroutines to
	// MAX_CONCURRENT_BUILDS (spec §5 "Parallel: multiple builds execute
	// concurrently on distinct execution contexts"); a full pool returns 503
	// rather than queueing unboundedly in this process's memory.
	buildSlots chan struct{}
}

// New builds the API surface and registers every route from spec §6.
// ws may be nil, in which case /ws/builds/{id} responds 404 (no Event
// Stream Fabric wired, e.g. in tests that only exercise the REST surface).
func New(orch *orchestrator.Orchestrator, store *storage.Store, ws *eventstream.Handler, maxConcurrentBuilds int, log corelib.ComponentLogger) *Server {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	if maxConcurrentBuilds < 1 {
		maxConcurrentBuilds = 4
	}
	s := &Server{
		orch:       orch,
		store:      store,
		ws:         ws,
		log:        log.WithComponent("api"),
		mux:        http.NewServeMux(),
		buildSlots: make(chan struct{}, maxConcurrentBuilds),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /pipelines", s.handleCreatePipeline)
	s.mux.HandleFunc("GET /pipelines", s.handleListPipelines)
	s.mux.HandleFunc("GET /pipelines/{id}", s.handleGetPipeline)
	s.mux.HandleFunc("POST /pipelines/{id}/cancel", s.handleCancelPipeline)
	s.mux.HandleFunc("POST /pipelines/{id}/retry", s.handleRetryPipeline)
	s.mux.HandleFunc("POST /pipelines/{id}/stages/{stageId}/retry", s.handleRetryStage)
	s.mux.HandleFunc("DELETE /pipelines/{id}", s.handleDeletePipeline)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /ws/builds/{id}", s.handleWebSocket)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.NotFound(w, r)
		return
	}
	s.ws.ServeHTTP(w, r, r.PathValue("id"))
}

// tryAcquireBuildSlot attempts to reserve one of MAX_CONCURRENT_BUILDS
// background execution slots without blocking the HTTP handler.
func (s *Server) tryAcquireBuildSlot() bool {
	select {
	case s.buildSlots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseBuildSlot() { <-s.buildSlots }

// Handler returns the fully wrapped http.Handler (recovery then logging,
// innermost to outermost), grounded on core/agent.go's middleware ordering.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = RecoveryMiddleware(s.log)(h)
	h = LoggingMiddleware(s.log)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// RecoveryMiddleware recovers from a handler panic and returns 500 instead of
// crashing the process, grounded on core/agent.go's RecoveryMiddleware.
func RecoveryMiddleware(log corelib.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("http handler panic recovered", map[string]interface{}{
						"panic": rec, "path": r.URL.Path, "method": r.Method,
						"stack": string(debug.Stack()),
					})
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs one line per request with status and latency,
// grounded on core/agent.go's LoggingMiddleware.
func LoggingMiddleware(log corelib.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.InfoContext(r.Context(), "http request", map[string]interface{}{
				"method": r.Method, "path": r.URL.Path, "status": sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// detachedContext builds a context independent of the request's own
// (cancelled the instant the HTTP response is written), used for
// fire-and-forget build execution kicked off by a handler.
func detachedContext() context.Context {
	return context.Background()
}
