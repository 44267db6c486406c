package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/opstore"
	"github.com/jfoltran/datamover/internal/orchestrator"
)

type fakeStore struct {
	mu        sync.Mutex
	ops       map[string]opstore.Operation
	endpoints map[string]opstore.Endpoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:       make(map[string]opstore.Operation),
		endpoints: make(map[string]opstore.Endpoint),
	}
}

func (f *fakeStore) put(op opstore.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op.ID] = op
}

func (f *fakeStore) Create(ctx context.Context, op opstore.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op.Status = opstore.StatusPending
	if op.ScheduledAt.IsZero() {
		op.ScheduledAt = time.Now().UTC()
	}
	if op.OperationType == "" {
		op.OperationType = opstore.TypeFull
	}
	op.CreatedAt = time.Now().UTC()
	op.UpdatedAt = op.CreatedAt
	f.ops[op.ID] = op
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]opstore.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]opstore.Operation, 0, len(f.ops))
	for _, op := range f.ops {
		list = append(list, op)
	}
	return list, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (opstore.Operation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	return op, ok, nil
}

func (f *fakeStore) Summarize(ctx context.Context, ownerID string, recent int) (opstore.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := opstore.Summary{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
		Recent:   []opstore.Operation{},
	}
	for _, op := range f.ops {
		if ownerID != "" && op.OwnerID != ownerID {
			continue
		}
		sum.Total++
		sum.ByStatus[string(op.Status)]++
		sum.ByType[string(op.OperationType)]++
		if len(sum.Recent) < recent {
			sum.Recent = append(sum.Recent, op)
		}
	}
	return sum, nil
}

func (f *fakeStore) ListEndpoints(ctx context.Context) ([]opstore.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]opstore.Endpoint, 0, len(f.endpoints))
	for _, e := range f.endpoints {
		list = append(list, e)
	}
	return list, nil
}

func (f *fakeStore) GetEndpoint(ctx context.Context, id string) (opstore.Endpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.endpoints[id]
	return e, ok, nil
}

func (f *fakeStore) UpsertEndpoint(ctx context.Context, e opstore.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[e.ID] = e
	return nil
}

func (f *fakeStore) DeleteEndpoint(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %q: %w", id, opstore.ErrNotFound)
	}
	delete(f.endpoints, id)
	return nil
}

type fakeControl struct {
	mu         sync.Mutex
	calls      []string
	executeErr error
	retryErr   error
	removeErr  error
}

func (f *fakeControl) Execute(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("execute:%s:force=%t", id, force))
	return f.executeErr
}

func (f *fakeControl) Retry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "retry:"+id)
	return f.retryErr
}

func (f *fakeControl) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove:"+id)
	return f.removeErr
}

func (f *fakeControl) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func newTestMux(t *testing.T) (*fakeStore, *fakeControl, *http.ServeMux) {
	t.Helper()
	store := newFakeStore()
	control := &fakeControl{}
	s := New(store, control, zerolog.Nop())
	return store, control, s.routes()
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func validCreateBody() map[string]any {
	return map[string]any{
		"owner_id": "alice",
		"config": map[string]any{
			"source_type": "postgresql",
			"dest_type":   "clickhouse",
			"source":      map[string]any{"host": "src.internal"},
			"destination": map[string]any{"host": "ch.internal"},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, mux := newTestMux(t)

	rec := doJSON(t, mux, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if cors := rec.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("CORS header = %q, want *", cors)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %q, want healthy status", rec.Body.String())
	}
}

func TestCreateOperation(t *testing.T) {
	store, _, mux := newTestMux(t)

	rec := doJSON(t, mux, "POST", "/api/v1/operations", validCreateBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var op opstore.Operation
	if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if op.ID == "" {
		t.Error("response has empty id")
	}
	if op.Status != opstore.StatusPending {
		t.Errorf("status = %q, want pending", op.Status)
	}
	if op.OperationType != opstore.TypeFull {
		t.Errorf("operation_type = %q, want full", op.OperationType)
	}
	if op.OwnerID != "alice" {
		t.Errorf("owner_id = %q, want alice", op.OwnerID)
	}

	if _, ok, _ := store.Get(context.Background(), op.ID); !ok {
		t.Error("operation was not persisted")
	}
}

func TestCreateOperationScheduled(t *testing.T) {
	_, _, mux := newTestMux(t)

	when := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	body := validCreateBody()
	body["scheduled_at"] = when.Format(time.RFC3339)

	rec := doJSON(t, mux, "POST", "/api/v1/operations", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var op opstore.Operation
	if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !op.ScheduledAt.Equal(when) {
		t.Errorf("scheduled_at = %v, want %v", op.ScheduledAt, when)
	}
}

func TestCreateOperationFromRegistry(t *testing.T) {
	store, _, mux := newTestMux(t)
	store.endpoints["ep-1"] = opstore.Endpoint{
		ID:          "ep-1",
		Name:        "crm-prod",
		Kind:        "source",
		AdapterType: "zoho",
		Config:      map[string]any{"client_id": "abc", "dc": "eu"},
	}

	body := map[string]any{
		"source_registry_id": "ep-1",
		"config": map[string]any{
			"dest_type":   "clickhouse",
			"destination": map[string]any{"host": "ch.internal"},
		},
	}

	rec := doJSON(t, mux, "POST", "/api/v1/operations", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var op opstore.Operation
	if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if op.Config.SourceType != "zoho" {
		t.Errorf("source_type = %q, want zoho from registry", op.Config.SourceType)
	}
	if op.Config.Source["client_id"] != "abc" {
		t.Errorf("source config = %v, want registry config", op.Config.Source)
	}
	if op.SourceRegistryID != "ep-1" {
		t.Errorf("source_registry_id = %q, want ep-1", op.SourceRegistryID)
	}
}

func TestCreateOperationRegistryErrors(t *testing.T) {
	store, _, mux := newTestMux(t)
	store.endpoints["ep-dst"] = opstore.Endpoint{
		ID:          "ep-dst",
		Name:        "warehouse",
		Kind:        "destination",
		AdapterType: "clickhouse",
		Config:      map[string]any{"host": "ch.internal"},
	}

	t.Run("unknown endpoint", func(t *testing.T) {
		body := validCreateBody()
		body["source_registry_id"] = "nope"
		rec := doJSON(t, mux, "POST", "/api/v1/operations", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "unknown registry endpoint") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("endpoint is not a source", func(t *testing.T) {
		body := validCreateBody()
		body["source_registry_id"] = "ep-dst"
		rec := doJSON(t, mux, "POST", "/api/v1/operations", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "not a source") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})
}

func TestCreateOperationValidation(t *testing.T) {
	_, _, mux := newTestMux(t)

	t.Run("same source and destination type", func(t *testing.T) {
		body := validCreateBody()
		body["config"].(map[string]any)["dest_type"] = "postgresql"
		rec := doJSON(t, mux, "POST", "/api/v1/operations", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "must differ") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("missing config", func(t *testing.T) {
		rec := doJSON(t, mux, "POST", "/api/v1/operations", map[string]any{"owner_id": "alice"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/operations", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestListOperations(t *testing.T) {
	store, _, mux := newTestMux(t)
	store.put(opstore.Operation{ID: "op-1", Status: opstore.StatusPending})
	store.put(opstore.Operation{ID: "op-2", Status: opstore.StatusCompleted})

	rec := doJSON(t, mux, "GET", "/api/v1/operations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var ops []opstore.Operation
	if err := json.Unmarshal(rec.Body.Bytes(), &ops); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("got %d operations, want 2", len(ops))
	}
}

func TestGetOperation(t *testing.T) {
	store, _, mux := newTestMux(t)
	store.put(opstore.Operation{ID: "op-1", Status: opstore.StatusFailed, ErrorMessage: "boom"})

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/op-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var op opstore.Operation
		if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if op.ErrorMessage != "boom" {
			t.Errorf("error_message = %q, want boom", op.ErrorMessage)
		}
	})

	t.Run("missing", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/ghost", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestExecuteOperation(t *testing.T) {
	_, control, mux := newTestMux(t)

	rec := doJSON(t, mux, "POST", "/api/v1/operations/op-1/execute", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if got := control.last(); got != "execute:op-1:force=false" {
		t.Errorf("control call = %q", got)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["ok"] != true {
		t.Errorf("ok = %v, want true", resp["ok"])
	}
}

func TestExecuteOperationForce(t *testing.T) {
	_, control, mux := newTestMux(t)

	rec := doJSON(t, mux, "POST", "/api/v1/operations/op-1/execute?force=true", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := control.last(); got != "execute:op-1:force=true" {
		t.Errorf("control call = %q", got)
	}
}

func TestExecuteOperationErrors(t *testing.T) {
	t.Run("conflict", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		control.executeErr = fmt.Errorf("%w: operation is already running", orchestrator.ErrConflict)
		rec := doJSON(t, mux, "POST", "/api/v1/operations/op-1/execute", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "already running") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		control.executeErr = fmt.Errorf("operation %q: %w", "op-1", opstore.ErrNotFound)
		rec := doJSON(t, mux, "POST", "/api/v1/operations/op-1/execute", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("internal error", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		control.executeErr = errors.New("pool exhausted")
		rec := doJSON(t, mux, "POST", "/api/v1/operations/op-1/execute", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	})
}

func TestRetryOperation(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		rec := doJSON(t, mux, "POST", "/api/v1/operations/op-9/retry", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		if got := control.last(); got != "retry:op-9" {
			t.Errorf("control call = %q", got)
		}
	})

	t.Run("conflict for non-terminal", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		control.retryErr = fmt.Errorf("%w: only failed or completed operations can be retried", orchestrator.ErrConflict)
		rec := doJSON(t, mux, "POST", "/api/v1/operations/op-9/retry", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})
}

func TestDeleteOperation(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		rec := doJSON(t, mux, "DELETE", "/api/v1/operations/op-1", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if got := control.last(); got != "remove:op-1" {
			t.Errorf("control call = %q", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, control, mux := newTestMux(t)
		control.removeErr = fmt.Errorf("operation %q: %w", "op-1", opstore.ErrNotFound)
		rec := doJSON(t, mux, "DELETE", "/api/v1/operations/op-1", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	store, _, mux := newTestMux(t)

	started := time.Now().UTC().Add(-90 * time.Second)
	done := started.Add(90 * time.Second)
	store.put(opstore.Operation{
		ID:          "op-done",
		Status:      opstore.StatusCompleted,
		StartedAt:   &started,
		CompletedAt: &done,
		Result:      json.RawMessage(`{"total_records":12}`),
	})
	store.put(opstore.Operation{
		ID:        "op-run",
		Status:    opstore.StatusRunning,
		StartedAt: &started,
	})

	t.Run("completed", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/op-done/status", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var doc operationStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if !doc.IsCompleted || !doc.IsSuccess {
			t.Errorf("is_completed=%t is_success=%t, want both true", doc.IsCompleted, doc.IsSuccess)
		}
		if doc.DurationSeconds != 90 {
			t.Errorf("duration_seconds = %v, want 90", doc.DurationSeconds)
		}
		if !strings.Contains(string(doc.Result), "total_records") {
			t.Errorf("result = %s, want worker result carried through", doc.Result)
		}
	})

	t.Run("running", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/op-run/status", nil)
		var doc operationStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if doc.IsCompleted || doc.IsSuccess {
			t.Errorf("is_completed=%t is_success=%t, want both false", doc.IsCompleted, doc.IsSuccess)
		}
		if doc.DurationSeconds <= 0 {
			t.Errorf("duration_seconds = %v, want > 0 while running", doc.DurationSeconds)
		}
	})

	t.Run("missing", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/ghost/status", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestStatusDocDuration(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		doc := statusDoc(opstore.Operation{ID: "a", Status: opstore.StatusPending})
		if doc.DurationSeconds != 0 {
			t.Errorf("duration = %v, want 0", doc.DurationSeconds)
		}
	})

	t.Run("cancelled before start keeps zero duration", func(t *testing.T) {
		doc := statusDoc(opstore.Operation{ID: "b", Status: opstore.StatusCancelled})
		if !doc.IsCompleted {
			t.Error("cancelled should be completed")
		}
		if doc.IsSuccess {
			t.Error("cancelled should not be success")
		}
		if doc.DurationSeconds != 0 {
			t.Errorf("duration = %v, want 0", doc.DurationSeconds)
		}
	})

	t.Run("failed run keeps wall clock", func(t *testing.T) {
		started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		done := started.Add(42 * time.Second)
		doc := statusDoc(opstore.Operation{
			ID:          "c",
			Status:      opstore.StatusFailed,
			StartedAt:   &started,
			CompletedAt: &done,
		})
		if doc.DurationSeconds != 42 {
			t.Errorf("duration = %v, want 42", doc.DurationSeconds)
		}
		if doc.IsSuccess {
			t.Error("failed should not be success")
		}
	})
}

func TestSummaryEndpoint(t *testing.T) {
	store, _, mux := newTestMux(t)
	store.put(opstore.Operation{ID: "op-1", OwnerID: "alice", Status: opstore.StatusCompleted, OperationType: opstore.TypeFull})
	store.put(opstore.Operation{ID: "op-2", OwnerID: "alice", Status: opstore.StatusFailed, OperationType: opstore.TypeIncremental})
	store.put(opstore.Operation{ID: "op-3", OwnerID: "bob", Status: opstore.StatusCompleted, OperationType: opstore.TypeFull})

	t.Run("all owners", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/summary", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var sum opstore.Summary
		if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if sum.Total != 3 {
			t.Errorf("total = %d, want 3", sum.Total)
		}
		if sum.ByStatus["completed"] != 2 {
			t.Errorf("completed = %d, want 2", sum.ByStatus["completed"])
		}
		if sum.ByType["incremental"] != 1 {
			t.Errorf("incremental = %d, want 1", sum.ByType["incremental"])
		}
	})

	t.Run("owner filter", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/summary?owner_id=bob", nil)
		var sum opstore.Summary
		if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if sum.Total != 1 {
			t.Errorf("total = %d, want 1 for bob", sum.Total)
		}
	})

	t.Run("bad recent", func(t *testing.T) {
		rec := doJSON(t, mux, "GET", "/api/v1/operations/summary?recent=-1", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}
