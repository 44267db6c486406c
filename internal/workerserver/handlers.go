package workerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/internal/pipeline"
)

// connectTestTimeout bounds /test-connection probes so a dead endpoint
// cannot hold the request open.
const connectTestTimeout = 30 * time.Second

type healthResponse struct {
	Status       string   `json:"status"`
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`
}

type migrateRequest struct {
	SourceType    string         `json:"source_type"`
	DestType      string         `json:"dest_type"`
	Source        adapter.Config `json:"source"`
	Destination   adapter.Config `json:"destination"`
	OperationType string         `json:"operation_type"`
	LastSyncTime  *time.Time     `json:"last_sync_time,omitempty"`
}

type testConnectionRequest struct {
	Type        string         `json:"type"`
	AdapterType string         `json:"adapter_type"`
	Config      adapter.Config `json:"config"`
}

type testConnectionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		Sources:      adapter.SourceKeys(),
		Destinations: adapter.DestinationKeys(),
	})
}

// migrate runs one migration synchronously and answers 200 or 500 by
// aggregated outcome, always with the full result in the body.
func (s *Server) migrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	job, errMsg := req.toJob()
	if errMsg != "" {
		s.badRequest(w, errMsg)
		return
	}

	s.logger.Info().
		Str("source", job.SourceKey).
		Str("destination", job.DestKey).
		Str("operation", string(job.Operation)).
		Msg("migration requested")

	result, err := s.engine.Run(r.Context(), job)
	if err != nil {
		s.logger.Error().Err(err).Msg("migration aborted")
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, result)
}

// toJob validates the request the way the API contract demands and
// returns a human-readable message for the 400 body when it fails.
func (r migrateRequest) toJob() (pipeline.Job, string) {
	if r.SourceType == "" || r.DestType == "" {
		return pipeline.Job{}, "source_type and dest_type are required"
	}
	if r.Source == nil || r.Destination == nil {
		return pipeline.Job{}, "source and destination configs are required"
	}
	if r.SourceType == r.DestType {
		return pipeline.Job{}, fmt.Sprintf("source_type and dest_type must differ, both are %q", r.SourceType)
	}
	op, err := pipeline.ParseOperationType(r.OperationType)
	if err != nil {
		return pipeline.Job{}, err.Error()
	}
	job := pipeline.Job{
		SourceKey: r.SourceType,
		SourceCfg: r.Source,
		DestKey:   r.DestType,
		DestCfg:   r.Destination,
		Operation: op,
	}
	if op == pipeline.OperationIncremental {
		if r.LastSyncTime == nil || r.LastSyncTime.IsZero() {
			return pipeline.Job{}, "last_sync_time is required for incremental operations"
		}
		job.Since = *r.LastSyncTime
	}
	return job, ""
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTestTimeout)
	defer cancel()

	var connectErr error
	switch req.Type {
	case "source":
		src, ok := adapter.NewSource(req.AdapterType)
		if !ok {
			s.badRequest(w, fmt.Sprintf("unknown source adapter_type %q", req.AdapterType))
			return
		}
		if connectErr = src.Connect(ctx, req.Config); connectErr == nil {
			src.Close()
		}
	case "destination":
		dst, ok := adapter.NewDestination(req.AdapterType)
		if !ok {
			s.badRequest(w, fmt.Sprintf("unknown destination adapter_type %q", req.AdapterType))
			return
		}
		if connectErr = dst.Connect(ctx, req.Config, ""); connectErr == nil {
			dst.Close()
		}
	default:
		s.badRequest(w, fmt.Sprintf("type must be \"source\" or \"destination\", got %q", req.Type))
		return
	}

	resp := testConnectionResponse{Success: connectErr == nil}
	if connectErr != nil {
		resp.Error = connectErr.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}
