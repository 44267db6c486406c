// Package workerserver exposes the migration worker over HTTP: health,
// migrate, test-connection and metrics.
package workerserver

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/metrics"
	"github.com/jfoltran/datamover/internal/pipeline"
)

// Server handles worker HTTP traffic. Each /migrate request runs one
// full migration synchronously in its own request goroutine; there is
// no shared migration state between requests.
type Server struct {
	engine *pipeline.Engine
	logger zerolog.Logger
	srv    *http.Server
}

func New(engine *pipeline.Engine, logger zerolog.Logger) *Server {
	return &Server{
		engine: engine,
		logger: logger.With().Str("component", "worker-server").Logger(),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /migrate", s.migrate)
	mux.HandleFunc("POST /test-connection", s.testConnection)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	s.srv = &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: s.routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting worker server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}
