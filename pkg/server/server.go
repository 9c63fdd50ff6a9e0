// Package server binds the HTTP surface: authentication, market data,
// user files, and the analysis endpoints.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/auth"
	"github.com/akfin/datagate/pkg/cache"
	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/dispatch"
	"github.com/akfin/datagate/pkg/files"
	"github.com/akfin/datagate/pkg/observability"
)

// Server holds the request-handling dependencies. All of them are
// constructed once at startup and read-only afterwards.
type Server struct {
	creds       *auth.CredentialStore
	tokens      *auth.TokenService
	catalog     *catalog.Registry
	cache       *cache.Cache
	files       *files.Store
	dispatcher  *dispatch.Dispatcher
	obs         *observability.Provider
	limiter     *api.GlobalRateLimiter
	corsOrigins []string
	log         *slog.Logger

	maxUploadBytes int64

	// replay collapses concurrent duplicates of the same request_id on
	// the data endpoint. Best effort and in-flight only.
	replay singleflight.Group
}

// Options carries the server dependencies.
type Options struct {
	Credentials    *auth.CredentialStore
	Tokens         *auth.TokenService
	Catalog        *catalog.Registry
	Cache          *cache.Cache
	Files          *files.Store
	Dispatcher     *dispatch.Dispatcher
	Observability  *observability.Provider
	RateLimiter    *api.GlobalRateLimiter
	CORSOrigins    []string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// New assembles the server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = files.MaxFileBytes
	}
	return &Server{
		creds:          opts.Credentials,
		tokens:         opts.Tokens,
		catalog:        opts.Catalog,
		cache:          opts.Cache,
		files:          opts.Files,
		dispatcher:     opts.Dispatcher,
		obs:            opts.Observability,
		limiter:        opts.RateLimiter,
		corsOrigins:    opts.CORSOrigins,
		log:            opts.Logger.With("component", "server"),
		maxUploadBytes: opts.MaxUploadBytes,
	}
}

// RegisterRoutes attaches all endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/token", s.handleToken)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/users/me", s.handleMe)

	mux.HandleFunc("GET /api/interfaces", s.handleRawCatalog)
	mux.HandleFunc("GET /api/mcp-data/interfaces", s.handleListInterfaces)
	mux.HandleFunc("POST /api/mcp-data", s.handleMCPData)

	mux.HandleFunc("POST /api/data/upload", s.handleUpload)
	mux.HandleFunc("GET /api/data/files", s.handleListFiles)
	mux.HandleFunc("DELETE /api/data/files/{filename}", s.handleDeleteFile)
	mux.HandleFunc("POST /api/data/explore/{filename}", s.handleExploreFile)

	mux.HandleFunc("POST /api/llm/chat", s.handleChat)
	mux.HandleFunc("POST /api/llm/analyze", s.handleAnalyze)
}

// Handler returns the full middleware chain: CORS, request id, rate
// limit, telemetry, then auth in front of the routed mux. CORS sits
// outermost so preflights and rate-limited responses still carry the
// browser headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	h = auth.NewMiddleware(s.tokens)(h)
	h = s.telemetryMiddleware(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = api.RequestIDMiddleware(h)
	h = api.CORSMiddleware(s.corsOrigins)(h)
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) telemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		if s.obs != nil {
			s.obs.RecordRequest(r.Context())
			s.obs.RecordDuration(r.Context(), elapsed)
			if rec.status >= http.StatusInternalServerError {
				s.obs.RecordError(r.Context(), fmt.Errorf("http %d", rec.status))
			}
		}
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", api.GetRequestID(r.Context()),
		)
	})
}
