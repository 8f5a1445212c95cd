package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Invalidator drops cached effective permissions. Satisfied by DecisionCache.
type Invalidator interface {
	InvalidateUser(ctx context.Context, tenantID, userID string) error
	InvalidateUsers(ctx context.Context, tenantID string, userIDs []string) error
	InvalidateTenant(ctx context.Context, tenantID string) error
	InvalidateAll(ctx context.Context) error
}

// Service orchestrates mutations of the permission model. Every mutation
// emits one audit record and invalidates affected cached decisions before
// returning, so a read immediately after a mutation is never served
// stale-post-mutation data. Audit failures are logged and swallowed;
// they never fail the mutation.
type Service struct {
	store  Store
	cache  Invalidator
	audit  Emitter
	logger *slog.Logger
}

// NewService constructs the mutation service.
func NewService(store Store, cache Invalidator, audit Emitter, logger *slog.Logger) *Service {
	if audit == nil {
		audit = NopEmitter{}
	}
	return &Service{store: store, cache: cache, audit: audit, logger: logger}
}

// CreateView inserts a new global view.
func (s *Service) CreateView(ctx context.Context, actor Identity, name, url string) (View, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return View{}, errors.New("iam: view name required")
	}
	v := View{ID: uuid.NewString(), Name: name, URL: strings.TrimSpace(url)}
	if err := s.store.CreateView(ctx, v); err != nil {
		return View{}, err
	}
	s.emit(ctx, actor, "", "view.create", "view", v.ID, map[string]any{"name": v.Name})
	return v, nil
}

// UpdateView updates an existing view.
func (s *Service) UpdateView(ctx context.Context, actor Identity, v View) (View, error) {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return View{}, errors.New("iam: view name required")
	}
	if err := s.store.UpdateView(ctx, v); err != nil {
		return View{}, err
	}
	s.emit(ctx, actor, "", "view.update", "view", v.ID, map[string]any{"name": v.Name})
	return v, s.invalidateAll(ctx)
}

// DeleteView removes a view; relation rows cascade in the store.
func (s *Service) DeleteView(ctx context.Context, actor Identity, id string) error {
	if err := s.store.DeleteView(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, actor, "", "view.delete", "view", id, nil)
	return s.invalidateAll(ctx)
}

// CreateModule inserts a new global module.
func (s *Service) CreateModule(ctx context.Context, actor Identity, name, code, description string) (Module, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Module{}, errors.New("iam: module name required")
	}
	m := Module{ID: uuid.NewString(), Name: name, Code: strings.TrimSpace(code), Description: strings.TrimSpace(description)}
	if err := s.store.CreateModule(ctx, m); err != nil {
		return Module{}, err
	}
	s.emit(ctx, actor, "", "module.create", "module", m.ID, map[string]any{"name": m.Name, "code": m.Code})
	return m, nil
}

// UpdateModule updates an existing module.
func (s *Service) UpdateModule(ctx context.Context, actor Identity, m Module) (Module, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return Module{}, errors.New("iam: module name required")
	}
	if err := s.store.UpdateModule(ctx, m); err != nil {
		return Module{}, err
	}
	s.emit(ctx, actor, "", "module.update", "module", m.ID, map[string]any{"name": m.Name})
	return m, s.invalidateAll(ctx)
}

// DeleteModule removes a module; relation and entitlement rows cascade.
func (s *Service) DeleteModule(ctx context.Context, actor Identity, id string) error {
	if err := s.store.DeleteModule(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, actor, "", "module.delete", "module", id, nil)
	return s.invalidateAll(ctx)
}

// CreateFeature inserts a new global feature.
func (s *Service) CreateFeature(ctx context.Context, actor Identity, name, key, description string) (Feature, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Feature{}, errors.New("iam: feature name required")
	}
	f := Feature{ID: uuid.NewString(), Name: name, Key: strings.TrimSpace(key), Description: strings.TrimSpace(description)}
	if err := s.store.CreateFeature(ctx, f); err != nil {
		return Feature{}, err
	}
	s.emit(ctx, actor, "", "feature.create", "feature", f.ID, map[string]any{"name": f.Name, "key": f.Key})
	return f, nil
}

// UpdateFeature updates an existing feature.
func (s *Service) UpdateFeature(ctx context.Context, actor Identity, f Feature) (Feature, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return Feature{}, errors.New("iam: feature name required")
	}
	if err := s.store.UpdateFeature(ctx, f); err != nil {
		return Feature{}, err
	}
	s.emit(ctx, actor, "", "feature.update", "feature", f.ID, map[string]any{"name": f.Name})
	return f, s.invalidateAll(ctx)
}

// DeleteFeature removes a feature; relation and permission rows cascade.
func (s *Service) DeleteFeature(ctx context.Context, actor Identity, id string) error {
	if err := s.store.DeleteFeature(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, actor, "", "feature.delete", "feature", id, nil)
	return s.invalidateAll(ctx)
}

// SetModuleViews replaces the views bundled by a module.
func (s *Service) SetModuleViews(ctx context.Context, actor Identity, moduleID string, viewIDs []string) error {
	if err := s.store.SetModuleViews(ctx, moduleID, viewIDs); err != nil {
		return err
	}
	s.emit(ctx, actor, "", "module.views.replace", "module", moduleID, map[string]any{"view_ids": viewIDs})
	return s.invalidateAll(ctx)
}

// SetModuleFeatures replaces the features bundled by a module.
func (s *Service) SetModuleFeatures(ctx context.Context, actor Identity, moduleID string, featureIDs []string) error {
	if err := s.store.SetModuleFeatures(ctx, moduleID, featureIDs); err != nil {
		return err
	}
	s.emit(ctx, actor, "", "module.features.replace", "module", moduleID, map[string]any{"feature_ids": featureIDs})
	return s.invalidateAll(ctx)
}

// SetFeatureViews replaces the views a feature is surfaced on.
func (s *Service) SetFeatureViews(ctx context.Context, actor Identity, featureID string, viewIDs []string) error {
	if err := s.store.SetFeatureViews(ctx, featureID, viewIDs); err != nil {
		return err
	}
	s.emit(ctx, actor, "", "feature.views.replace", "feature", featureID, map[string]any{"view_ids": viewIDs})
	return s.invalidateAll(ctx)
}

// SetTenantModules replaces a tenant's module entitlements.
func (s *Service) SetTenantModules(ctx context.Context, actor Identity, tenantID string, moduleIDs []string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	if err := s.store.SetTenantModules(ctx, tenantID, moduleIDs); err != nil {
		return err
	}
	s.emit(ctx, actor, tenantID, "tenant.modules.replace", "tenant", tenantID, map[string]any{"module_ids": moduleIDs})
	return s.invalidateTenant(ctx, tenantID)
}

// CreateUserLevel inserts a tenant-scoped level.
func (s *Service) CreateUserLevel(ctx context.Context, actor Identity, tenantID, name, description string) (UserLevel, error) {
	if tenantID == "" {
		return UserLevel{}, ErrMissingTenant
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return UserLevel{}, errors.New("iam: level name required")
	}
	now := time.Now().UTC()
	l := UserLevel{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateUserLevel(ctx, l); err != nil {
		return UserLevel{}, err
	}
	s.emit(ctx, actor, tenantID, "user_level.create", "user_level", l.ID, map[string]any{"name": l.Name})
	return l, nil
}

// UpdateUserLevel renames or redescribes a level. Does not touch permission
// rows, so no cache invalidation is needed.
func (s *Service) UpdateUserLevel(ctx context.Context, actor Identity, tenantID, id, name, description string) (UserLevel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return UserLevel{}, errors.New("iam: level name required")
	}
	l, err := s.store.GetUserLevel(ctx, tenantID, id)
	if err != nil {
		return UserLevel{}, err
	}
	l.Name = name
	l.Description = strings.TrimSpace(description)
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateUserLevel(ctx, l); err != nil {
		return UserLevel{}, err
	}
	s.emit(ctx, actor, tenantID, "user_level.update", "user_level", l.ID, map[string]any{"name": l.Name})
	return l, nil
}

// DeleteUserLevel removes a level; its permission rows and assignments
// cascade, and every holder's cached decisions are dropped.
func (s *Service) DeleteUserLevel(ctx context.Context, actor Identity, tenantID, id string) error {
	holders, err := s.store.UsersForLevel(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUserLevel(ctx, tenantID, id); err != nil {
		return err
	}
	s.emit(ctx, actor, tenantID, "user_level.delete", "user_level", id, nil)
	return s.invalidateHolders(ctx, tenantID, holders)
}

// ReplaceUserLevels swaps a user's level assignments wholesale.
func (s *Service) ReplaceUserLevels(ctx context.Context, actor Identity, tenantID, userID string, levelIDs []string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	if err := s.store.ReplaceUserLevels(ctx, tenantID, userID, levelIDs); err != nil {
		return err
	}
	s.emit(ctx, actor, tenantID, "user.levels.replace", "user", userID, map[string]any{"level_ids": levelIDs})
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateUser(ctx, tenantID, userID); err != nil {
		return s.invalidateTenant(ctx, tenantID)
	}
	return nil
}

// ReplaceViewPermissions swaps a level's view permission matrix wholesale.
// Rows carrying modifiable=false may not be altered or removed.
func (s *Service) ReplaceViewPermissions(ctx context.Context, actor Identity, tenantID, levelID string, rows []ViewPermission) error {
	for _, row := range rows {
		if !row.State.Valid() {
			return fmt.Errorf("iam: unknown permission state %q", row.State)
		}
	}
	existing, err := s.store.ViewPermissions(ctx, tenantID, levelID)
	if err != nil {
		return err
	}
	next := make(map[string]ViewPermission, len(rows))
	for _, row := range rows {
		next[row.ViewID] = row
	}
	for _, old := range existing {
		if old.Modifiable {
			continue
		}
		repl, ok := next[old.ViewID]
		if !ok || repl.State != old.State || repl.Modifiable {
			return fmt.Errorf("view permission %s: %w", old.ViewID, ErrImmutable)
		}
	}
	if err := s.store.ReplaceViewPermissions(ctx, tenantID, levelID, rows); err != nil {
		return err
	}
	s.emit(ctx, actor, tenantID, "user_level.view_permissions.replace", "user_level", levelID, map[string]any{"rows": len(rows)})
	return s.invalidateLevel(ctx, tenantID, levelID)
}

// ReplaceFeaturePermissions swaps a level's feature permission matrix wholesale.
func (s *Service) ReplaceFeaturePermissions(ctx context.Context, actor Identity, tenantID, levelID string, rows []FeaturePermission) error {
	for _, row := range rows {
		if err := row.Action.Validate(); err != nil {
			return err
		}
		if !row.Scope.Valid() {
			return fmt.Errorf("iam: unknown scope %q", row.Scope)
		}
	}
	existing, err := s.store.FeaturePermissions(ctx, tenantID, levelID)
	if err != nil {
		return err
	}
	next := make(map[string]FeaturePermission, len(rows))
	for _, row := range rows {
		next[featPermKey(row.FeatureID, row.Action)] = row
	}
	for _, old := range existing {
		if old.Modifiable {
			continue
		}
		repl, ok := next[featPermKey(old.FeatureID, old.Action)]
		if !ok || repl.Value != old.Value || repl.Scope != old.Scope || repl.Modifiable {
			return fmt.Errorf("feature permission %s/%s: %w", old.FeatureID, old.Action, ErrImmutable)
		}
	}
	if err := s.store.ReplaceFeaturePermissions(ctx, tenantID, levelID, rows); err != nil {
		return err
	}
	s.emit(ctx, actor, tenantID, "user_level.feature_permissions.replace", "user_level", levelID, map[string]any{"rows": len(rows)})
	return s.invalidateLevel(ctx, tenantID, levelID)
}

// invalidateLevel drops cached decisions for every holder of the level,
// falling back to the whole tenant partition when the holder set cannot be
// determined.
func (s *Service) invalidateLevel(ctx context.Context, tenantID, levelID string) error {
	if s.cache == nil {
		return nil
	}
	holders, err := s.store.UsersForLevel(ctx, tenantID, levelID)
	if err != nil {
		s.warn("resolve level holders", err)
		return s.invalidateTenant(ctx, tenantID)
	}
	return s.invalidateHolders(ctx, tenantID, holders)
}

func (s *Service) invalidateHolders(ctx context.Context, tenantID string, holders []string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateUsers(ctx, tenantID, holders); err != nil {
		s.warn("invalidate holders", err)
		return s.invalidateTenant(ctx, tenantID)
	}
	return nil
}

func (s *Service) invalidateTenant(ctx context.Context, tenantID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.InvalidateTenant(ctx, tenantID)
}

func (s *Service) invalidateAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.InvalidateAll(ctx)
}

func (s *Service) emit(ctx context.Context, actor Identity, tenantID, action, entityType, entityID string, changes map[string]any) {
	rec := AuditRecord{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actor.UserID,
		TenantID:   tenantID,
		Changes:    changes,
		At:         time.Now().UTC(),
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		s.warn("audit record", err)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
