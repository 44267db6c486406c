package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/jfoltran/datamover/internal/opstore"
)

func TestRegistryCreate(t *testing.T) {
	store, _, mux := newTestMux(t)

	body := map[string]any{
		"name":         "crm-prod",
		"kind":         "source",
		"adapter_type": "zoho",
		"config":       map[string]any{"client_id": "abc"},
	}

	rec := doJSON(t, mux, "POST", "/api/v1/registry", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var e opstore.Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if e.ID == "" {
		t.Error("response has empty id")
	}
	if e.Name != "crm-prod" {
		t.Errorf("name = %q, want crm-prod", e.Name)
	}
	if len(store.endpoints) != 1 {
		t.Errorf("store has %d endpoints, want 1", len(store.endpoints))
	}
}

func TestRegistryCreateValidation(t *testing.T) {
	_, _, mux := newTestMux(t)

	t.Run("bad kind", func(t *testing.T) {
		body := map[string]any{
			"name":         "broken",
			"kind":         "sink",
			"adapter_type": "zoho",
			"config":       map[string]any{},
		}
		rec := doJSON(t, mux, "POST", "/api/v1/registry", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "kind must be source or destination") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("missing name", func(t *testing.T) {
		body := map[string]any{
			"kind":         "source",
			"adapter_type": "zoho",
			"config":       map[string]any{"a": 1},
		}
		rec := doJSON(t, mux, "POST", "/api/v1/registry", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestRegistryList(t *testing.T) {
	store, _, mux := newTestMux(t)
	store.endpoints["ep-1"] = opstore.Endpoint{ID: "ep-1", Name: "a", Kind: "source", AdapterType: "mysql", Config: map[string]any{}}
	store.endpoints["ep-2"] = opstore.Endpoint{ID: "ep-2", Name: "b", Kind: "destination", AdapterType: "clickhouse", Config: map[string]any{}}

	rec := doJSON(t, mux, "GET", "/api/v1/registry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var list []opstore.Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d endpoints, want 2", len(list))
	}
}

func TestRegistryDelete(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		store, _, mux := newTestMux(t)
		store.endpoints["ep-1"] = opstore.Endpoint{ID: "ep-1", Name: "a", Kind: "source", AdapterType: "mysql", Config: map[string]any{}}

		rec := doJSON(t, mux, "DELETE", "/api/v1/registry/ep-1", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if len(store.endpoints) != 0 {
			t.Error("endpoint not removed from store")
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, _, mux := newTestMux(t)
		rec := doJSON(t, mux, "DELETE", "/api/v1/registry/ghost", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}
