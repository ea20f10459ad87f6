// Package metrics exposes Prometheus collectors for the HTTP API, ingestion and chat.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/indexer"
)

// Collector holds every metric of the process.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	documentTransitions *prometheus.CounterVec
	documentsDeleted    prometheus.Counter
	fragmentsIndexed    prometheus.Counter

	chatTurns        *prometheus.CounterVec
	chatTurnDuration prometheus.Histogram

	logger *zap.Logger
}

// NewCollector registers the collectors with reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	return &Collector{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		documentTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_transitions_total",
			Help:      "Document ingestion status transitions by target status",
		}, []string{"status"}),
		documentsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_deleted_total",
			Help:      "Documents removed from the knowledge base",
		}),
		fragmentsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_indexed_total",
			Help:      "Fragments written by completed ingestions",
		}),
		chatTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome",
		}, []string{"status"}),
		chatTurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_turn_duration_seconds",
			Help:      "Time to answer one chat turn",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// DocumentChanged counts ingestion transitions and deletions.
func (c *Collector) DocumentChanged(e indexer.Event) {
	if e.Deleted {
		c.documentsDeleted.Inc()
		return
	}
	if e.DocumentID == "" {
		// Knowledge-base clear.
		return
	}
	c.documentTransitions.WithLabelValues(string(e.To)).Inc()
	if e.Fragments > 0 {
		c.fragmentsIndexed.Add(float64(e.Fragments))
	}
}

// RecordChatTurn records the outcome and latency of one chat turn.
func (c *Collector) RecordChatTurn(err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.chatTurns.WithLabelValues(status).Inc()
	c.chatTurnDuration.Observe(elapsed.Seconds())
}

// Middleware records request counts and latency labelled by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
