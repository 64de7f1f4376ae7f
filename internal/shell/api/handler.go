// Package api provides HTTP handlers for the stackpilot API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/stackpilot/internal/core/auth"
	"github.com/artpar/stackpilot/internal/core/deployment"
	"github.com/artpar/stackpilot/internal/core/domain"
	apimiddleware "github.com/artpar/stackpilot/internal/shell/api/middleware"
	"github.com/artpar/stackpilot/internal/shell/catalog"
	"github.com/artpar/stackpilot/internal/shell/deploy"
	"github.com/artpar/stackpilot/internal/shell/progress"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the dependencies of the API handler.
type Config struct {
	Products *deploy.ProductService
	Stacks   *deploy.StackService
	Health   *deploy.HealthService
	Catalog  *catalog.Catalog
	Progress *progress.Hub

	// Checks are run by /ready, keyed by name (e.g. "database", "docker").
	Checks map[string]Pinger

	Auth   apimiddleware.AuthConfig
	Logger *slog.Logger
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	products *deploy.ProductService
	stacks   *deploy.StackService
	health   *deploy.HealthService
	catalog  *catalog.Catalog
	progress *progress.Hub
	checks   map[string]Pinger
	auth     *apimiddleware.AuthMiddleware
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	return &Handler{
		products: cfg.Products,
		stacks:   cfg.Stacks,
		health:   cfg.Health,
		catalog:  cfg.Catalog,
		progress: cfg.Progress,
		checks:   cfg.Checks,
		auth:     apimiddleware.NewAuthMiddleware(cfg.Auth),
		logger:   cfg.Logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Handle("/metrics", promhttp.Handler())

	// Progress stream; the websocket upgrade writes its own headers
	r.Get("/ws/progress/{session}", h.handleProgress)

	r.Group(func(r chi.Router) {
		r.Use(h.jsonContentType)

		// Health endpoints
		r.Get("/health", h.handleHealth)
		r.Get("/ready", h.handleReady)

		// API v1 routes
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(h.auth.Handler)

			r.Get("/catalog", h.handleListCatalog)

			r.Route("/products", func(r chi.Router) {
				r.Post("/", h.handleDeployProduct)
				r.Get("/", h.handleListProducts)
				r.Get("/{id}", h.handleGetProduct)
				r.Delete("/{id}", h.handleRemoveProduct)
				r.Post("/{id}/upgrade", h.handleUpgradeProduct)
				r.Post("/{id}/rollback", h.handleRollbackProduct)
			})

			r.Route("/deployments", func(r chi.Router) {
				r.Get("/{id}", h.handleGetDeployment)
				r.Post("/{id}/maintenance", h.handleEnterMaintenance)
				r.Delete("/{id}/maintenance", h.handleExitMaintenance)
				r.Post("/{id}/health", h.handleCaptureHealth)
				r.Get("/{id}/health", h.handleLatestHealth)
				r.Get("/{id}/health/history", h.handleHealthHistory)
			})
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Time: time.Now().UTC()})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	ready := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Catalog Handlers
// =============================================================================

func (h *Handler) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	products := h.catalog.List()
	resp := make([]CatalogProductResponse, 0, len(products))
	for _, p := range products {
		item := CatalogProductResponse{
			ID:      p.ID,
			Name:    p.Name,
			Version: p.Version,
			Group:   p.Group,
			Stacks:  make([]string, 0, len(p.Stacks)),
		}
		for _, st := range p.Stacks {
			item.Stacks = append(item.Stacks, st.Name)
		}
		resp = append(resp, item)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Product Handlers
// =============================================================================

func (h *Handler) handleDeployProduct(w http.ResponseWriter, r *http.Request) {
	var req deploy.DeployProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = actor(r)

	result, err := h.products.Deploy(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, redactResult(result))
}

func (h *Handler) handleUpgradeProduct(w http.ResponseWriter, r *http.Request) {
	var req deploy.UpgradeProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ProductDeploymentID = chi.URLParam(r, "id")
	req.UserID = actor(r)

	result, err := h.products.Upgrade(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redactResult(result))
}

func (h *Handler) handleRollbackProduct(w http.ResponseWriter, r *http.Request) {
	var req deploy.RollbackProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ProductDeploymentID = chi.URLParam(r, "id")
	req.UserID = actor(r)

	result, err := h.products.Rollback(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redactResult(result))
}

func (h *Handler) handleRemoveProduct(w http.ResponseWriter, r *http.Request) {
	req := deploy.RemoveProductRequest{
		ProductDeploymentID: chi.URLParam(r, "id"),
		UserID:              actor(r),
		SessionID:           r.URL.Query().Get("session_id"),
	}

	result, err := h.products.Remove(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redactResult(result))
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	pd, err := h.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redactProduct(pd))
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProductFilter{
		EnvironmentID:  q.Get("environment_id"),
		ProductGroupID: q.Get("product_group_id"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, domain.ProductStatus(strings.TrimSpace(s)))
		}
	}

	opts := store.DefaultListOptions()
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = offset
	}
	opts = opts.Normalize()

	products, err := h.products.List(r.Context(), filter, opts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := ListProductsResponse{
		Products: make([]domain.ProductDeployment, 0, len(products)),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	for i := range products {
		resp.Products = append(resp.Products, *redactProduct(&products[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.stacks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentResponse(d))
}

func (h *Handler) handleEnterMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.stacks.EnterMaintenance(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info("maintenance entered", "deployment_id", d.ID, "actor", actor(r))
	h.writeJSON(w, http.StatusOK, deploymentResponse(d))
}

func (h *Handler) handleExitMaintenance(w http.ResponseWriter, r *http.Request) {
	d, err := h.stacks.ExitMaintenance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info("maintenance exited", "deployment_id", d.ID, "actor", actor(r))
	h.writeJSON(w, http.StatusOK, deploymentResponse(d))
}

func (h *Handler) handleCaptureHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.health.Capture(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleLatestHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.health.Latest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	snaps, err := h.health.History(r.Context(), id, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if snaps == nil {
		snaps = []domain.HealthSnapshot{}
	}
	h.writeJSON(w, http.StatusOK, HealthHistoryResponse{DeploymentID: id, Snapshots: snaps})
}

// =============================================================================
// Progress Handler
// =============================================================================

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	h.progress.ServeSession(w, r, chi.URLParam(r, "session"))
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeDomainError maps service errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		h.writeError(w, status, "internal error", code)
		return
	}
	h.writeError(w, status, err.Error(), code)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, deploy.ErrValidation),
		errors.Is(err, deploy.ErrStackNotInCatalog),
		errors.Is(err, catalog.ErrInvalidProduct),
		errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrNoStacks),
		errors.Is(err, domain.ErrDuplicateStack):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, domain.ErrStackNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrActiveDeploymentExists),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDeploymentRemoved),
		errors.Is(err, domain.ErrProductRemoved),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrAlreadyInMaintenance),
		errors.Is(err, domain.ErrNotInMaintenance),
		errors.Is(err, domain.ErrNoRollbackAvailable):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func actor(r *http.Request) string {
	return auth.FromContext(r.Context()).Actor()
}

func deploymentResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		Deployment: d,
		Variables:  deployment.RedactVariables(d.Variables),
	}
}

// redactProduct returns a copy with sensitive variable values masked.
func redactProduct(pd *domain.ProductDeployment) *domain.ProductDeployment {
	if pd == nil {
		return nil
	}
	cp := *pd
	cp.SharedVariables = deployment.RedactVariables(pd.SharedVariables)
	cp.Stacks = make([]domain.ProductStack, len(pd.Stacks))
	for i, st := range pd.Stacks {
		st.Variables = deployment.RedactVariables(st.Variables)
		cp.Stacks[i] = st
	}
	if pd.PendingUpgrade != nil {
		snap := *pd.PendingUpgrade
		snap.SharedVariables = deployment.RedactVariables(snap.SharedVariables)
		snap.Stacks = make([]domain.ProductStack, len(pd.PendingUpgrade.Stacks))
		for i, st := range pd.PendingUpgrade.Stacks {
			st.Variables = deployment.RedactVariables(st.Variables)
			snap.Stacks[i] = st
		}
		cp.PendingUpgrade = &snap
	}
	return &cp
}

func redactResult(r *deploy.ProductOperationResult) *deploy.ProductOperationResult {
	cp := *r
	cp.Product = redactProduct(r.Product)
	return &cp
}
