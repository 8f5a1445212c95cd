package iam

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vantage-saas/vantage-iam/internal/platform/httpx"
)

// FeatureUserLevels guards the tenant-admin surface of this service itself:
// managing levels and their permission matrices requires this feature.
const FeatureUserLevels = "iam.user-levels"

// Handler exposes the engine over JSON HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	store     Store
	gate      *Gate
	assembler *Assembler
	guard     Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, store Store, gate *Gate, assembler *Assembler, guard Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		store:     store,
		gate:      gate,
		assembler: assembler,
		guard:     guard,
		validator: validator.New(),
	}
}

// MountRoutes registers the IAM routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.authorize)
	r.Post("/navigation", h.assembleNavigation)

	// Platform-managed global entities.
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireSuperAdmin())
		r.Get("/views", h.listViews)
		r.Post("/views", h.createView)
		r.Put("/views/{viewID}", h.updateView)
		r.Delete("/views/{viewID}", h.deleteView)

		r.Get("/modules", h.listModules)
		r.Post("/modules", h.createModule)
		r.Put("/modules/{moduleID}", h.updateModule)
		r.Delete("/modules/{moduleID}", h.deleteModule)
		r.Put("/modules/{moduleID}/views", h.setModuleViews)
		r.Put("/modules/{moduleID}/features", h.setModuleFeatures)

		r.Get("/features", h.listFeatures)
		r.Post("/features", h.createFeature)
		r.Put("/features/{featureID}", h.updateFeature)
		r.Delete("/features/{featureID}", h.deleteFeature)
		r.Put("/features/{featureID}/views", h.setFeatureViews)
	})

	// Tenant-admin surface. The subrouter matters: {tenantID} is matched by
	// the parent before the guards run, so the gate sees the URL tenant and
	// rejects cross-tenant access up front.
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.With(h.guard.RequireSuperAdmin()).Put("/modules", h.setTenantModules)

		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireFeature(FeatureUserLevels, ActionRead, ""))
			r.Get("/levels", h.listLevels)
			r.Get("/levels/{levelID}/view-permissions", h.listViewPermissions)
			r.Get("/levels/{levelID}/feature-permissions", h.listFeaturePermissions)
			r.Get("/users/{userID}/levels", h.listUserLevels)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireFeature(FeatureUserLevels, ActionUpdate, ScopeCompany))
			r.Post("/levels", h.createLevel)
			r.Put("/levels/{levelID}", h.updateLevel)
			r.Delete("/levels/{levelID}", h.deleteLevel)
			r.Put("/levels/{levelID}/view-permissions", h.replaceViewPermissions)
			r.Put("/levels/{levelID}/feature-permissions", h.replaceFeaturePermissions)
			r.Put("/users/{userID}/levels", h.replaceUserLevels)
		})
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrImmutable):
		httpx.Problem(w, http.StatusConflict, "Immutable", err.Error())
	case errors.Is(err, ErrMissingTenant):
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", err.Error())
	case errors.Is(err, ErrCrossTenant), errors.Is(err, ErrInsufficientScope):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.Error("iam request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	return h.validator.Struct(target)
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok || id.UserID == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return Identity{}, false
	}
	return id, true
}

type authorizeRequest struct {
	TenantID  string `json:"tenant_id"`
	ViewID    string `json:"view_id"`
	FeatureID string `json:"feature_id"`
	Action    string `json:"action"`
	MinScope  string `json:"min_scope"`
}

type decisionResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.gate.Authorize(r.Context(), id, req.TenantID, Requirement{
		ViewID:    req.ViewID,
		FeatureID: req.FeatureID,
		Action:    Action(req.Action),
		MinScope:  Scope(req.MinScope),
	})
	if err != nil {
		if decision.Reason == ReasonStoreError {
			h.respondError(w, err)
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, decisionResponse{
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
		Scope:   string(decision.Scope),
	})
}

type navigationRequest struct {
	TenantID string     `json:"tenant_id"`
	Items    []MenuItem `json:"items"`
}

func (h *Handler) assembleNavigation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req navigationRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = id.TenantID
	}
	if tenantID == "" {
		h.respondError(w, ErrMissingTenant)
		return
	}
	if id.TenantID != "" && id.TenantID != tenantID {
		h.respondError(w, ErrCrossTenant)
		return
	}
	menu, err := h.assembler.Assemble(r.Context(), id.UserID, tenantID, req.Items)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, menu)
}

type viewRequest struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url"`
}

func (h *Handler) listViews(w http.ResponseWriter, r *http.Request) {
	views, err := h.store.ListViews(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) createView(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req viewRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	v, err := h.service.CreateView(r.Context(), id, req.Name, req.URL)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) updateView(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req viewRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	v, err := h.service.UpdateView(r.Context(), id, View{ID: chi.URLParam(r, "viewID"), Name: req.Name, URL: req.URL})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) deleteView(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteView(r.Context(), id, chi.URLParam(r, "viewID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moduleRequest struct {
	Name        string `json:"name" validate:"required"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.store.ListModules(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, modules)
}

func (h *Handler) createModule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req moduleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	m, err := h.service.CreateModule(r.Context(), id, req.Name, req.Code, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) updateModule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req moduleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	m, err := h.service.UpdateModule(r.Context(), id, Module{
		ID:          chi.URLParam(r, "moduleID"),
		Name:        req.Name,
		Code:        req.Code,
		Description: req.Description,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) deleteModule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteModule(r.Context(), id, chi.URLParam(r, "moduleID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) setModuleViews(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetModuleViews(r.Context(), id, chi.URLParam(r, "moduleID"), req.IDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setModuleFeatures(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetModuleFeatures(r.Context(), id, chi.URLParam(r, "moduleID"), req.IDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type featureRequest struct {
	Name        string `json:"name" validate:"required"`
	Key         string `json:"key"`
	Description string `json:"description"`
}

func (h *Handler) listFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := h.store.ListFeatures(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, features)
}

func (h *Handler) createFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req featureRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	f, err := h.service.CreateFeature(r.Context(), id, req.Name, req.Key, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, f)
}

func (h *Handler) updateFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req featureRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	f, err := h.service.UpdateFeature(r.Context(), id, Feature{
		ID:          chi.URLParam(r, "featureID"),
		Name:        req.Name,
		Key:         req.Key,
		Description: req.Description,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, f)
}

func (h *Handler) deleteFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteFeature(r.Context(), id, chi.URLParam(r, "featureID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setFeatureViews(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetFeatureViews(r.Context(), id, chi.URLParam(r, "featureID"), req.IDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setTenantModules(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetTenantModules(r.Context(), id, chi.URLParam(r, "tenantID"), req.IDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type levelRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) listLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.store.ListUserLevels(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levels)
}

func (h *Handler) createLevel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req levelRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	l, err := h.service.CreateUserLevel(r.Context(), id, chi.URLParam(r, "tenantID"), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, l)
}

func (h *Handler) updateLevel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req levelRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	l, err := h.service.UpdateUserLevel(r.Context(), id, chi.URLParam(r, "tenantID"), chi.URLParam(r, "levelID"), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) deleteLevel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteUserLevel(r.Context(), id, chi.URLParam(r, "tenantID"), chi.URLParam(r, "levelID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type viewPermissionRow struct {
	ViewID string `json:"view_id" validate:"required"`
	State  string `json:"state" validate:"required,oneof=allow deny inherit"`
	// Omitted means modifiable: non-modifiable rows are deliberate safety
	// rails, never the default for an ordinary matrix write.
	Modifiable *bool `json:"modifiable"`
}

type viewPermissionsRequest struct {
	Rows []viewPermissionRow `json:"rows" validate:"dive"`
}

func modifiableOrDefault(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

func (h *Handler) listViewPermissions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ViewPermissions(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "levelID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) replaceViewPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req viewPermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	levelID := chi.URLParam(r, "levelID")
	rows := make([]ViewPermission, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, ViewPermission{
			TenantID:    tenantID,
			UserLevelID: levelID,
			ViewID:      row.ViewID,
			State:       PermissionState(row.State),
			Modifiable:  modifiableOrDefault(row.Modifiable),
		})
	}
	if err := h.service.ReplaceViewPermissions(r.Context(), id, tenantID, levelID, rows); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type featurePermissionRow struct {
	FeatureID  string `json:"feature_id" validate:"required"`
	Action     string `json:"action" validate:"required"`
	Value      bool   `json:"value"`
	Scope      string `json:"scope" validate:"required,oneof=own company team any"`
	Modifiable *bool  `json:"modifiable"`
}

type featurePermissionsRequest struct {
	Rows []featurePermissionRow `json:"rows" validate:"dive"`
}

func (h *Handler) listFeaturePermissions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.FeaturePermissions(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "levelID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) replaceFeaturePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req featurePermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	levelID := chi.URLParam(r, "levelID")
	rows := make([]FeaturePermission, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, FeaturePermission{
			TenantID:    tenantID,
			UserLevelID: levelID,
			FeatureID:   row.FeatureID,
			Action:      Action(row.Action),
			Value:       row.Value,
			Scope:       Scope(row.Scope),
			Modifiable:  modifiableOrDefault(row.Modifiable),
		})
	}
	if err := h.service.ReplaceFeaturePermissions(r.Context(), id, tenantID, levelID, rows); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserLevels(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.UserLevelIDs(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"level_ids": ids})
}

func (h *Handler) replaceUserLevels(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ReplaceUserLevels(r.Context(), id, chi.URLParam(r, "tenantID"), chi.URLParam(r, "userID"), req.IDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
