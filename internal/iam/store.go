package iam

import "context"

// Store is the persistence port for the permission engine. Implementations
// must honor tenant scoping, cascade-delete of relation rows, and atomic
// wholesale-replace semantics for permission sets and level assignments:
// a reader must never observe a partially replaced set.
//
// No policy lives here. Referencing an absent entity fails with ErrNotFound;
// nothing is silently dropped.
type Store interface {
	// Views (global, platform-managed).
	CreateView(ctx context.Context, v View) error
	GetView(ctx context.Context, id string) (View, error)
	ListViews(ctx context.Context) ([]View, error)
	UpdateView(ctx context.Context, v View) error
	// DeleteView removes the view and every relation row referencing it.
	DeleteView(ctx context.Context, id string) error

	// Modules (global).
	CreateModule(ctx context.Context, m Module) error
	GetModule(ctx context.Context, id string) (Module, error)
	ListModules(ctx context.Context) ([]Module, error)
	UpdateModule(ctx context.Context, m Module) error
	DeleteModule(ctx context.Context, id string) error

	// Features (global).
	CreateFeature(ctx context.Context, f Feature) error
	GetFeature(ctx context.Context, id string) (Feature, error)
	ListFeatures(ctx context.Context) ([]Feature, error)
	UpdateFeature(ctx context.Context, f Feature) error
	DeleteFeature(ctx context.Context, id string) error

	// Relation tables (global many-to-many, replace-style writes).
	SetModuleViews(ctx context.Context, moduleID string, viewIDs []string) error
	SetModuleFeatures(ctx context.Context, moduleID string, featureIDs []string) error
	SetFeatureViews(ctx context.Context, featureID string, viewIDs []string) error
	// ModulesForView returns the modules containing the given view.
	ModulesForView(ctx context.Context, viewID string) ([]Module, error)

	// Tenant entitlements.
	SetTenantModules(ctx context.Context, tenantID string, moduleIDs []string) error
	// TenantModuleIDs returns the IDs of modules owned by the tenant.
	TenantModuleIDs(ctx context.Context, tenantID string) ([]string, error)

	// User levels (tenant-scoped; name unique per tenant).
	CreateUserLevel(ctx context.Context, l UserLevel) error
	GetUserLevel(ctx context.Context, tenantID, id string) (UserLevel, error)
	ListUserLevels(ctx context.Context, tenantID string) ([]UserLevel, error)
	UpdateUserLevel(ctx context.Context, l UserLevel) error
	// DeleteUserLevel removes the level, its permission rows and its assignments.
	DeleteUserLevel(ctx context.Context, tenantID, id string) error

	// User to level assignment, replaced wholesale per user.
	ReplaceUserLevels(ctx context.Context, tenantID, userID string, levelIDs []string) error
	UserLevelIDs(ctx context.Context, tenantID, userID string) ([]string, error)
	// UsersForLevel returns the users holding the level; feeds cache invalidation.
	UsersForLevel(ctx context.Context, tenantID, levelID string) ([]string, error)

	// Permission rows, replaced wholesale per level.
	ReplaceViewPermissions(ctx context.Context, tenantID, levelID string, rows []ViewPermission) error
	ViewPermissions(ctx context.Context, tenantID, levelID string) ([]ViewPermission, error)
	ReplaceFeaturePermissions(ctx context.Context, tenantID, levelID string, rows []FeaturePermission) error
	FeaturePermissions(ctx context.Context, tenantID, levelID string) ([]FeaturePermission, error)
}
