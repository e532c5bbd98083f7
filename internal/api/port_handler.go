package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// createPortRequest is the body of a port creation request.
type createPortRequest struct {
	Address string `json:"address"`
}

// CreatePort handles POST /api/nodes/{ident}/ports
func (h *Handler) CreatePort(w http.ResponseWriter, r *http.Request) {
	var req createPortRequest
	if err := h.decodeBody(r, &req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	port, err := h.service.CreatePort(r.Context(), chi.URLParam(r, "ident"), req.Address)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, port)
}

// ListPorts handles GET /api/nodes/{ident}/ports
func (h *Handler) ListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := h.service.ListPorts(r.Context(), chi.URLParam(r, "ident"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"ports": ports})
}
