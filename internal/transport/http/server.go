// Package http provides the inspection API for BatchQ.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /items?status=pending,timeout
//	POST   /items
//	GET    /summary
//	POST   /send
//	GET    /metrics
//	GET    /ws
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/batchq/internal/broker"
	"github.com/snehjoshi/batchq/internal/config"
	"github.com/snehjoshi/batchq/internal/metrics"
	transportws "github.com/snehjoshi/batchq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with BatchQ route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker. reg and hub may be nil, in which case
// /metrics and /ws are not mounted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cfg *config.Config, reg *metrics.Registry, hub *transportws.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{broker: b, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /items", h.listItems)
	mux.HandleFunc("POST /items", h.appendItem)
	mux.HandleFunc("GET /summary", h.summary)
	mux.HandleFunc("POST /send", h.send)

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Progress feed
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	// Build middleware chain: logging → body limit → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		LoggingMiddleware(logger, reg),
		MaxBodyMiddleware(int64(cfg.Inspect.MaxBodyKB)<<10),
		AuthMiddleware(cfg.Inspect.APIKey),
		RateLimitMiddleware(float64(cfg.Inspect.RateLimit), cfg.Inspect.Burst),
	)

	return &Server{
		inner: &http.Server{
			Addr:        cfg.Inspect.Addr,
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// POST /send holds the connection for a whole round.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on inspect.addr, or on addr when it is
// not empty. It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	if addr != "" {
		s.inner.Addr = addr
	}
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
