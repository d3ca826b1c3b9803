// Package api exposes the question answering service over REST: querying,
// document management, feedback, health and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/OMGAmici/haystack/pkg/metrics"
	"github.com/OMGAmici/haystack/pkg/pipeline"
	"github.com/OMGAmici/haystack/pkg/store"
)

// Server wires the HTTP surface of the service.
type Server struct {
	queryPipeline    *pipeline.QueryPipeline
	indexingPipeline *pipeline.IndexingPipeline
	docStore         store.DocumentStore
	metrics          *metrics.Metrics
	logger           *slog.Logger

	defaultTopK    int
	requestTimeout time.Duration
	ready          atomic.Bool

	httpServer *http.Server
}

// ServerConfig carries the knobs the server needs from the main config.
type ServerConfig struct {
	Port           int
	DefaultTopK    int
	RequestTimeout time.Duration
}

// NewServer builds the server and its router.
func NewServer(cfg ServerConfig, qp *pipeline.QueryPipeline, ip *pipeline.IndexingPipeline, docStore store.DocumentStore, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if qp == nil || ip == nil || docStore == nil {
		return nil, fmt.Errorf("api: pipelines and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}

	s := &Server{
		queryPipeline:    qp,
		indexingPipeline: ip,
		docStore:         docStore,
		metrics:          m,
		logger:           logger.With("component", "api"),
		defaultTopK:      cfg.DefaultTopK,
		requestTimeout:   cfg.RequestTimeout,
	}

	router := mux.NewRouter()
	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)

	router.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	router.HandleFunc("/documents", s.handleWriteDocuments).Methods(http.MethodPost)
	router.HandleFunc("/documents", s.handleDeleteDocuments).Methods(http.MethodDelete)
	router.HandleFunc("/documents/search", s.handleSearchDocuments).Methods(http.MethodPost)
	router.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	router.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// SetReady flips the readiness gate once startup checks pass.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// ListenAndServe blocks serving HTTP until the listener fails or Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpServer.Shutdown(ctx)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for access logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		took := time.Since(start)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, fmt.Sprintf("%d", rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
		}
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"took", took, "request_id", r.Context().Value(requestIDKey))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
