package handlers

import (
	"net/http"

	"github.com/aima-platform/gpu-orchestrator/internal/store"
)

// InstanceHandler serves read-only instance inspection routes. Instance
// creation and lifecycle transitions are driven by the Provisioner, not the
// API surface (spec §4.4) — operators observe, they don't puppet instances
// directly.
type InstanceHandler struct {
	BaseHandler
	store store.Store
}

// NewInstanceHandler builds an InstanceHandler.
func NewInstanceHandler(s store.Store) *InstanceHandler {
	return &InstanceHandler{store: s}
}

// ListInstances handles GET /api/v1/instances.
func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	filters := map[string]interface{}{}
	if status := r.URL.Query().Get("status"); status != "" {
		filters["status"] = status
	}
	if provider := r.URL.Query().Get("provider_tag"); provider != "" {
		filters["provider_tag"] = provider
	}

	instances, err := h.store.ListInstances(r.Context(), filters)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, instances)
}

// GetInstance handles GET /api/v1/instances/{instance_id}.
func (h *InstanceHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := h.getID(r, "instance_id")
	instance, err := h.store.GetInstanceByID(r.Context(), instanceID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, instance)
}

// ListAssignments handles GET /api/v1/instances/{instance_id}/assignments.
func (h *InstanceHandler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	instanceID := h.getID(r, "instance_id")
	assignments, err := h.store.ListAssignmentsByInstance(r.Context(), instanceID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, assignments)
}

// ListCostLedger handles GET /api/v1/instances/{instance_id}/cost.
func (h *InstanceHandler) ListCostLedger(w http.ResponseWriter, r *http.Request) {
	instanceID := h.getID(r, "instance_id")
	entries, err := h.store.ListCostLedger(r.Context(), instanceID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, entries)
}
