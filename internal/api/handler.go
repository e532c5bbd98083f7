package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-semver/semver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metalgrid/conductor/internal/conductor"
	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/model"
)

// versionHeader carries the negotiated protocol version on both
// requests and responses.
const versionHeader = "X-API-Version"

type contextKey string

const versionContextKey contextKey = "api-version"

// Handler holds the HTTP handlers and dependencies
type Handler struct {
	service  conductor.Service
	cfg      *config.APIConfig
	logger   *slog.Logger
	basePath string
}

// NewHandler creates a new HTTP handler
func NewHandler(service conductor.Service, cfg *config.APIConfig, basePath string, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		cfg:      cfg,
		logger:   logger,
		basePath: basePath,
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(h.versionMiddleware)

	// Create routes handler
	routesHandler := h.createRoutes()

	// If base path is configured, mount routes on that path
	if h.basePath != "" {
		r.Mount(h.basePath, routesHandler)
	} else {
		r.Mount("/", routesHandler)
	}

	return r
}

// createRoutes creates the API routes
func (h *Handler) createRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.Root)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Root)

		// Node routes
		r.Get("/nodes", h.ListNodes)
		r.Post("/nodes", h.CreateNode)
		r.Get("/nodes/{ident}", h.GetNode)
		r.Patch("/nodes/{ident}", h.UpdateNode)
		r.Delete("/nodes/{ident}", h.DeleteNode)
		r.Get("/nodes/{ident}/states", h.NodeStates)
		r.Put("/nodes/{ident}/states/provision", h.ChangeProvisionState)
		r.Put("/nodes/{ident}/states/power", h.ChangePowerState)
		r.Get("/nodes/{ident}/validate", h.ValidateNode)
		r.HandleFunc("/nodes/{ident}/vendor_passthru", h.NodeVendorPassthru)

		// Port routes
		r.Get("/nodes/{ident}/ports", h.ListPorts)
		r.Post("/nodes/{ident}/ports", h.CreatePort)

		// Driver routes
		r.Get("/drivers", h.ListDrivers)
		r.Get("/drivers/{name}/properties", h.DriverProperties)
		r.Get("/drivers/{name}/vendor_passthru/methods", h.DriverVendorMethods)
		r.HandleFunc("/drivers/{name}/vendor_passthru", h.DriverVendorPassthru)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
		)
		next.ServeHTTP(w, r)
	})
}

// versionMiddleware negotiates the protocol version. Requests without
// the header run at the default version; requests outside the
// supported range are rejected. The negotiated version is echoed back
// on every response.
func (h *Handler) versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := r.Header.Get(versionHeader)
		if requested == "" {
			requested = h.cfg.DefaultVersion
		}

		version, err := semver.NewVersion(requested)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s header %q", versionHeader, requested))
			return
		}

		minVersion := semver.New(h.cfg.MinVersion)
		maxVersion := semver.New(h.cfg.MaxVersion)
		if version.LessThan(*minVersion) || maxVersion.LessThan(*version) {
			w.Header().Set(versionHeader, h.cfg.MaxVersion)
			h.respondError(w, http.StatusNotAcceptable, fmt.Sprintf(
				"version %s is not supported, the range is %s to %s",
				version, h.cfg.MinVersion, h.cfg.MaxVersion))
			return
		}

		w.Header().Set(versionHeader, version.String())

		ctx := context.WithValue(r.Context(), versionContextKey, version)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestVersion returns the version negotiated by the middleware.
func requestVersion(r *http.Request) *semver.Version {
	if v, ok := r.Context().Value(versionContextKey).(*semver.Version); ok {
		return v
	}
	return nil
}

// errorResponse represents an error response
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			slog.String("error", err.Error()),
		)
	}
}

// respondError writes an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorResponse{Error: message})
}

// respondServiceError maps service-level errors to HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *model.ValidationError
		notFoundErr   *model.NotFoundError
		lockedErr     *model.NodeLockedError
		stateErr      *model.InvalidStateError
		methodErr     *model.MethodNotAllowedError
	)

	switch {
	case errors.As(err, &validationErr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &lockedErr):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &stateErr):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &methodErr):
		h.respondError(w, http.StatusMethodNotAllowed, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON request body into dst. An empty body is
// not an error; dst is left untouched.
func (h *Handler) decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &model.ValidationError{Reason: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}
