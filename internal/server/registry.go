package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/jfoltran/datamover/internal/opstore"
)

type registryHandlers struct {
	store Store
}

func (rh *registryHandlers) list(w http.ResponseWriter, r *http.Request) {
	endpoints, err := rh.store.ListEndpoints(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, endpoints)
}

func (rh *registryHandlers) create(w http.ResponseWriter, r *http.Request) {
	var e opstore.Endpoint
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := opstore.ValidateEndpoint(e); err != nil {
		http.Error(w, "validation: "+err.Error(), http.StatusBadRequest)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if err := rh.store.UpsertEndpoint(r.Context(), e); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	got, _, _ := rh.store.GetEndpoint(r.Context(), e.ID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, got)
}

func (rh *registryHandlers) remove(w http.ResponseWriter, r *http.Request) {
	err := rh.store.DeleteEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, opstore.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
