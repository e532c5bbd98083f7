package api

import (
	"net/http"
)

// rootResponse describes the service and its version range.
type rootResponse struct {
	Name           string `json:"name"`
	DefaultVersion string `json:"default_version"`
	MinVersion     string `json:"min_version"`
	MaxVersion     string `json:"max_version"`
}

// Root handles GET / with a version discovery document
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, rootResponse{
		Name:           "conductor",
		DefaultVersion: h.cfg.DefaultVersion,
		MinVersion:     h.cfg.MinVersion,
		MaxVersion:     h.cfg.MaxVersion,
	})
}
