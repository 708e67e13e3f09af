package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/schema"
)

const (
	requestTimeout  = 60 * time.Second
	maxRequestBytes = 1 << 20
)

// Hub registers realtime listeners.
type Hub interface {
	Subscribe(l events.Listener) (unsubscribe func())
}

// Server wires HTTP handlers and the websocket channel to the command set.
type Server struct {
	router   chi.Router
	commands *Commands
	hub      Hub
	ready    func(context.Context) error
	logger   *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness sets the probe used by /readyz.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(commands *Commands, hub Hub, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		commands: commands,
		hub:      hub,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	wsPath := cfg.Server.WSPath
	if wsPath == "" {
		wsPath = "/bot"
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get(wsPath, s.serveSocket)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Route("/crawler", func(r chi.Router) {
				r.Get("/status", s.status)
				r.Post("/start", s.startCrawl)
				r.Post("/stop", s.stopCrawl)
				r.Post("/update-links", s.updateLinks)
			})
			r.Route("/imports", func(r chi.Router) {
				r.Post("/start", s.startImports)
				r.Post("/stop", s.stopImports)
			})
			r.Get("/schemas/{host}", s.getSchema)
			r.Put("/schemas/{host}", s.putSchema)
		})
	})

	s.router = r
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.commands.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	started, err := s.commands.StartCrawl(r.Context())
	writeStart(w, s.logger, started, err)
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	s.commands.StopCrawl()
	writeJSON(w, http.StatusOK, events.Status{IsRunning: false})
}

func (s *Server) startImports(w http.ResponseWriter, r *http.Request) {
	started, err := s.commands.StartImports(r.Context())
	writeStart(w, s.logger, started, err)
}

func (s *Server) stopImports(w http.ResponseWriter, _ *http.Request) {
	s.commands.StopImports()
	writeJSON(w, http.StatusOK, events.Status{IsRunning: false})
}

type updateLinksRequest struct {
	Links *string `json:"links"`
}

func (s *Server) updateLinks(w http.ResponseWriter, r *http.Request) {
	var req updateLinksRequest
	if err := decodeJSON(r, &req); err != nil || req.Links == nil {
		writeError(w, http.StatusBadRequest, "Invalid links provided")
		return
	}
	if _, err := s.commands.UpdateLinks(r.Context(), *req.Links); err != nil {
		if errors.Is(err, ErrNoValidLinks) {
			writeError(w, http.StatusBadRequest, "Invalid links provided")
			return
		}
		s.logger.Error("update links failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update links")
		return
	}
	writeJSON(w, http.StatusOK, "success")
}

func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	raw, err := s.commands.Schema(chi.URLParam(r, "host"))
	if err != nil {
		writeSchemaError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("write schema failed", zap.Error(err))
	}
}

func (s *Server) putSchema(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.commands.SaveSchema(chi.URLParam(r, "host"), body); err != nil {
		writeSchemaError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func writeStart(w http.ResponseWriter, logger *zap.Logger, started bool, err error) {
	switch {
	case err != nil:
		logger.Error("start failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start")
	case started:
		writeJSON(w, http.StatusAccepted, events.Status{IsRunning: true})
	default:
		writeJSON(w, http.StatusOK, events.Status{IsRunning: true})
	}
}

func writeSchemaError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "schema not found")
	case errors.Is(err, schema.ErrInvalidHost), errors.Is(err, schema.ErrInvalidSchema):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("schema operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "schema operation failed")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

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
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
