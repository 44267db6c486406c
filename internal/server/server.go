// Package server exposes the orchestrator's REST API: operation CRUD and
// lifecycle actions, the endpoint registry, a websocket feed of operation
// status changes, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/metrics"
	"github.com/jfoltran/datamover/internal/opstore"
)

// Store is the persistence surface the API reads and writes.
type Store interface {
	Create(ctx context.Context, op opstore.Operation) error
	List(ctx context.Context) ([]opstore.Operation, error)
	Get(ctx context.Context, id string) (opstore.Operation, bool, error)
	Summarize(ctx context.Context, ownerID string, recent int) (opstore.Summary, error)
	ListEndpoints(ctx context.Context) ([]opstore.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (opstore.Endpoint, bool, error)
	UpsertEndpoint(ctx context.Context, e opstore.Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
}

// Control is the orchestrator surface behind execute, retry and delete.
type Control interface {
	Execute(ctx context.Context, id string, force bool) error
	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

type Server struct {
	store   Store
	control Control
	hub     *Hub
	logger  zerolog.Logger
	srv     *http.Server
}

func New(store Store, control Control, logger zerolog.Logger) *Server {
	return &Server{
		store:   store,
		control: control,
		hub:     newHub(store, logger),
		logger:  logger.With().Str("component", "http-server").Logger(),
	}
}

func (s *Server) routes() *http.ServeMux {
	oh := &operationHandlers{store: s.store, control: s.control}
	rh := &registryHandlers{store: s.store}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("POST /api/v1/operations", oh.create)
	mux.HandleFunc("GET /api/v1/operations", oh.list)
	mux.HandleFunc("GET /api/v1/operations/summary", oh.summary)
	mux.HandleFunc("GET /api/v1/operations/{id}", oh.get)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", oh.remove)
	mux.HandleFunc("POST /api/v1/operations/{id}/execute", oh.execute)
	mux.HandleFunc("POST /api/v1/operations/{id}/retry", oh.retry)
	mux.HandleFunc("GET /api/v1/operations/{id}/status", oh.status)
	mux.HandleFunc("GET /api/v1/operations/{id}/events", s.hub.handleWS)

	mux.HandleFunc("GET /api/v1/registry", rh.list)
	mux.HandleFunc("POST /api/v1/registry", rh.create)
	mux.HandleFunc("DELETE /api/v1/registry/{id}", rh.remove)

	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving on host:port. It blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	s.srv = &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: s.routes(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting orchestrator API")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
