package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/treexport/internal/archive"
	"github.com/JakeFAU/treexport/internal/config"
	"github.com/JakeFAU/treexport/internal/exporter"
	"github.com/JakeFAU/treexport/internal/metrics"
	"github.com/JakeFAU/treexport/internal/progress"
	"github.com/JakeFAU/treexport/internal/remote"
)

// Exporter runs the two export kinds.
type Exporter interface {
	ExportTable(ctx context.Context, req exporter.Request) (exporter.Table, error)
	ExportBundle(ctx context.Context, req exporter.Request, w exporter.ResponseStarter) (archive.Stats, error)
}

// Upstream is the subset of the remote client used by the pass-through
// routes.
type Upstream interface {
	Token(ctx context.Context, grant remote.PasswordGrant) (*oauth2.Token, error)
	FetchNodeRaw(ctx context.Context, credential, path string) (json.RawMessage, error)
	FetchContent(ctx context.Context, credential, path string) (io.ReadCloser, error)
}

// Deps carries the collaborators behind the routes.
type Deps struct {
	Exporter    Exporter
	Upstream    Upstream
	Broadcaster *progress.Broadcaster
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the exporter, the remote store, and the
// progress feed.
type Server struct {
	router      chi.Router
	exporter    Exporter
	upstream    Upstream
	broadcaster *progress.Broadcaster
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		exporter:    deps.Exporter,
		upstream:    deps.Upstream,
		broadcaster: deps.Broadcaster,
		cfg:         cfg,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID", partialHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		// Short calls get a deadline; exports and feeds run as long as the
		// client stays connected.
		r.Group(func(r chi.Router) {
			if d := cfg.RequestTimeout(); d > 0 {
				r.Use(middleware.Timeout(d))
			}
			r.Post("/api/token", s.token)
			r.Post("/api/files", s.files)
		})

		r.Get("/api/filedown", s.fileDownload)
		r.Post("/api/download", s.tableDownload)
		r.Get("/api/folder-download", s.folderDownload)
		r.Get("/ws", s.websocketFeed)
		r.Get("/api/progress/events", s.eventStream)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.exporter == nil || s.upstream == nil || s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"observers": s.broadcaster.Count(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// recoverMiddleware turns handler panics into a 500. http.ErrAbortHandler is
// re-raised so the server drops the connection without a clean end of body.
func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
