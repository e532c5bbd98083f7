package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListDrivers handles GET /api/drivers
func (h *Handler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"drivers": h.service.ListDrivers(r.Context()),
	})
}

// DriverProperties handles GET /api/drivers/{name}/properties
func (h *Handler) DriverProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.service.DriverProperties(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, props)
}

// DriverVendorMethods handles GET /api/drivers/{name}/vendor_passthru/methods
func (h *Handler) DriverVendorMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.service.DriverVendorMethods(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, methods)
}

// DriverVendorPassthru handles all verbs on
// /api/drivers/{name}/vendor_passthru?method=<name>
func (h *Handler) DriverVendorPassthru(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("method")

	var params map[string]any
	if err := h.decodeBody(r, &params); err != nil {
		h.respondServiceError(w, err)
		return
	}

	result, err := h.service.DriverVendorPassthru(r.Context(), chi.URLParam(r, "name"), method, r.Method, params)
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
