package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metalgrid/conductor/internal/conductor"
)

// CreateNode handles POST /api/nodes
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req conductor.CreateNodeRequest
	if err := h.decodeBody(r, &req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	node, err := h.service.CreateNode(r.Context(), req, requestVersion(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, node)
}

// ListNodes handles GET /api/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.service.ListNodes(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// GetNode handles GET /api/nodes/{ident}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.service.GetNode(r.Context(), chi.URLParam(r, "ident"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// UpdateNode handles PATCH /api/nodes/{ident}
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	var patch conductor.NodePatch
	if err := h.decodeBody(r, &patch); err != nil {
		h.respondServiceError(w, err)
		return
	}

	node, err := h.service.UpdateNode(r.Context(), chi.URLParam(r, "ident"), patch, requestVersion(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// DeleteNode handles DELETE /api/nodes/{ident}
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteNode(r.Context(), chi.URLParam(r, "ident")); err != nil {
		h.respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// NodeStates handles GET /api/nodes/{ident}/states
func (h *Handler) NodeStates(w http.ResponseWriter, r *http.Request) {
	states, err := h.service.NodeStates(r.Context(), chi.URLParam(r, "ident"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, states)
}

// targetRequest is the body of a state change request.
type targetRequest struct {
	Target string `json:"target"`
}

// ChangeProvisionState handles PUT /api/nodes/{ident}/states/provision.
// The transition is validated synchronously; the work itself runs in
// the background, so success is an acceptance, not a completion. The
// target "resume" is the completion callback for nodes parked in a
// wait state: the out-of-band agent reports its delegated work done
// and the operation continues from the recorded step.
func (h *Handler) ChangeProvisionState(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := h.decodeBody(r, &req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	if req.Target == "resume" {
		if err := h.service.Resume(r.Context(), chi.URLParam(r, "ident")); err != nil {
			h.respondServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.service.ChangeProvisionState(r.Context(), chi.URLParam(r, "ident"), req.Target); err != nil {
		h.respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ChangePowerState handles PUT /api/nodes/{ident}/states/power
func (h *Handler) ChangePowerState(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := h.decodeBody(r, &req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	if err := h.service.ChangeNodePowerState(r.Context(), chi.URLParam(r, "ident"), req.Target); err != nil {
		h.respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ValidateNode handles GET /api/nodes/{ident}/validate
func (h *Handler) ValidateNode(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.service.ValidateNode(r.Context(), chi.URLParam(r, "ident"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, outcome)
}

// NodeVendorPassthru handles all verbs on
// /api/nodes/{ident}/vendor_passthru?method=<name>
func (h *Handler) NodeVendorPassthru(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("method")

	var params map[string]any
	if err := h.decodeBody(r, &params); err != nil {
		h.respondServiceError(w, err)
		return
	}

	result, err := h.service.NodeVendorPassthru(r.Context(), chi.URLParam(r, "ident"), method, r.Method, params)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	if result.Async {
		h.respondJSON(w, http.StatusAccepted, result)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}
