package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jfoltran/datamover/internal/opstore"
	"github.com/jfoltran/datamover/internal/orchestrator"
)

type operationHandlers struct {
	store   Store
	control Control
}

func (oh *operationHandlers) list(w http.ResponseWriter, r *http.Request) {
	ops, err := oh.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ops)
}

func (oh *operationHandlers) get(w http.ResponseWriter, r *http.Request) {
	op, ok, err := oh.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, op)
}

type createOperationRequest struct {
	OwnerID          string         `json:"owner_id"`
	SourceRegistryID string         `json:"source_registry_id"`
	ScheduledAt      *time.Time     `json:"scheduled_at"`
	Config           opstore.Config `json:"config"`
}

func (oh *operationHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	// A registry reference fills in whatever the inline config leaves out.
	if req.SourceRegistryID != "" {
		ep, ok, err := oh.store.GetEndpoint(r.Context(), req.SourceRegistryID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "unknown registry endpoint "+strconv.Quote(req.SourceRegistryID), http.StatusBadRequest)
			return
		}
		if ep.Kind != "source" {
			http.Error(w, "registry endpoint "+strconv.Quote(ep.Name)+" is not a source", http.StatusBadRequest)
			return
		}
		if req.Config.SourceType == "" {
			req.Config.SourceType = ep.AdapterType
		}
		if req.Config.Source == nil {
			req.Config.Source = ep.Config
		}
	}

	if err := opstore.ValidateConfig(req.Config); err != nil {
		http.Error(w, "validation: "+err.Error(), http.StatusBadRequest)
		return
	}

	op := opstore.Operation{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		SourceRegistryID: req.SourceRegistryID,
		OperationType:    req.Config.OperationType,
		Config:           req.Config,
		LastSyncTime:     req.Config.LastSyncTime,
	}
	if req.ScheduledAt != nil {
		op.ScheduledAt = *req.ScheduledAt
	}

	if err := oh.store.Create(r.Context(), op); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	got, _, _ := oh.store.Get(r.Context(), op.ID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, got)
}

func (oh *operationHandlers) remove(w http.ResponseWriter, r *http.Request) {
	err := oh.control.Remove(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, opstore.ErrNotFound):
		http.Error(w, "operation not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (oh *operationHandlers) execute(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	err := oh.control.Execute(r.Context(), r.PathValue("id"), force)
	if !oh.respondLifecycle(w, err) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"ok": true, "message": "operation dispatched"})
}

func (oh *operationHandlers) retry(w http.ResponseWriter, r *http.Request) {
	err := oh.control.Retry(r.Context(), r.PathValue("id"))
	if !oh.respondLifecycle(w, err) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"ok": true, "message": "retry dispatched"})
}

// respondLifecycle maps lifecycle errors to status codes. It returns true
// when the caller should write the success response.
func (oh *operationHandlers) respondLifecycle(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, opstore.ErrNotFound):
		http.Error(w, "operation not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return false
}

func (oh *operationHandlers) status(w http.ResponseWriter, r *http.Request) {
	op, ok, err := oh.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, statusDoc(op))
}

func (oh *operationHandlers) summary(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	recent := 10
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "recent must be a non-negative integer", http.StatusBadRequest)
			return
		}
		recent = n
	}

	sum, err := oh.store.Summarize(r.Context(), ownerID, recent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sum)
}

// operationStatus is the compact lifecycle document served by the status
// endpoint and pushed over the events websocket.
type operationStatus struct {
	ID              string          `json:"id"`
	Status          opstore.Status  `json:"status"`
	IsCompleted     bool            `json:"is_completed"`
	IsSuccess       bool            `json:"is_success"`
	DurationSeconds float64         `json:"duration_seconds"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

func statusDoc(op opstore.Operation) operationStatus {
	doc := operationStatus{
		ID:           op.ID,
		Status:       op.Status,
		IsCompleted:  opstore.IsTerminal(op.Status),
		IsSuccess:    op.Status == opstore.StatusCompleted,
		StartedAt:    op.StartedAt,
		CompletedAt:  op.CompletedAt,
		ErrorMessage: op.ErrorMessage,
		Result:       op.Result,
	}
	switch {
	case op.StartedAt == nil:
	case op.CompletedAt != nil:
		doc.DurationSeconds = op.CompletedAt.Sub(*op.StartedAt).Seconds()
	default:
		doc.DurationSeconds = time.Since(*op.StartedAt).Seconds()
	}
	return doc
}
