// Package server provides the HTTP API for Shiori.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/shiori/internal/chat"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/knowledge"
	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// KnowledgeService is the document and search surface the API serves.
type KnowledgeService interface {
	Upload(ctx context.Context, filename string, data []byte) (*knowledge.UploadResult, error)
	List(ctx context.Context, offset, limit int) ([]*models.Document, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
	Reprocess(ctx context.Context, id string) (*models.Document, error)
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
	Stats(ctx context.Context) (*models.Statistics, error)
	Clear(ctx context.Context) error
}

// ChatService answers chat turns and manages sessions.
type ChatService interface {
	Send(ctx context.Context, req chat.Request) (*chat.Response, error)
	SendStream(ctx context.Context, req chat.Request, onDelta func(string) error) (*chat.Response, error)
	CreateSession(ctx context.Context, title string) (*models.Session, error)
	ListSessions(ctx context.Context, offset, limit int) ([]*models.Session, error)
	Messages(ctx context.Context, sessionID string) ([]*models.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// WatchService lists and changes the inbox directories at runtime.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Health is the static configuration reported by GET /health.
type Health struct {
	Version           string `json:"version,omitempty"`
	IndexType         string `json:"index_type"`
	Dimensions        int    `json:"dimensions"`
	EmbeddingModel    string `json:"embedding_model"`
	GeneratorProvider string `json:"generator_provider"`
	GeneratorModel    string `json:"generator_model"`
}

// Server is the HTTP server for the Shiori API.
type Server struct {
	knowledge KnowledgeService
	chat      ChatService
	config    *config.ServerConfig
	upload    config.UploadConfig
	health    Health
	logger    *zap.Logger

	metrics  *metrics.Collector
	gatherer prometheus.Gatherer

	watch         WatchService
	configPath    string
	watchConfig   *config.Config
	watchConfigMu sync.Mutex

	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHealth sets the configuration reported by the health endpoint.
func WithHealth(h Health) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records request metrics with c and serves g on /metrics.
// A nil gatherer serves the default registry.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// WithWatch enables the watch directory endpoints. When configPath is set, directory
// changes are persisted to it through cfg.
func WithWatch(w WatchService, configPath string, cfg *config.Config) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
		s.watchConfig = cfg
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(kb KnowledgeService, chats ChatService, cfg *config.ServerConfig, upload config.UploadConfig, opts ...Option) *Server {
	s := &Server{
		knowledge: kb,
		chat:      chats,
		config:    cfg,
		upload:    upload,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		g := s.gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Websocket chat streams outlive a single request timeout; each turn gets its own.
		r.Get("/chat/ws/{id}", s.handleChatStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))
			r.Use(middleware.Compress(5))

			r.Get("/health", s.handleHealth)

			r.Post("/documents/upload", s.handleUpload)
			r.Get("/documents", s.handleListDocuments)
			r.Get("/documents/{id}", s.handleGetDocument)
			r.Delete("/documents/{id}", s.handleDeleteDocument)
			r.Post("/documents/{id}/reprocess", s.handleReprocessDocument)

			r.Post("/knowledge-base/search", s.handleSearch)
			r.Get("/knowledge-base/statistics", s.handleStatistics)
			r.Delete("/knowledge-base/clear", s.handleClear)

			r.Post("/chat/message", s.handleChatMessage)
			r.Post("/chat/sessions", s.handleCreateSession)
			r.Get("/chat/sessions", s.handleListSessions)
			r.Get("/chat/sessions/{id}/messages", s.handleSessionMessages)
			r.Delete("/chat/sessions/{id}", s.handleDeleteSession)

			r.Get("/watch/directories", s.handleWatchDirectoriesList)
			r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
			r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
		})
	})
	return r
}

func (s *Server) requestTimeout() time.Duration {
	if s.config != nil && s.config.RequestTimeout > 0 {
		return time.Duration(s.config.RequestTimeout) * time.Second
	}
	return 120 * time.Second
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
