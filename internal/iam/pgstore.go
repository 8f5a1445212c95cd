package iam

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantage-saas/vantage-iam/internal/platform/db"
)

// PGStore is a PostgreSQL-backed Store. Wholesale replaces run a
// delete-then-insert sequence inside one transaction so a reader never
// observes a partially replaced set; cascade deletes lean on the foreign
// keys declared in the schema.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

// CreateView inserts a view.
func (s *PGStore) CreateView(ctx context.Context, v View) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO iam_views (id, name, url) VALUES ($1, $2, $3)`,
		v.ID, v.Name, v.URL)
	return mapPgError(err)
}

// GetView fetches a view by ID.
func (s *PGStore) GetView(ctx context.Context, id string) (View, error) {
	var v View
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, url FROM iam_views WHERE id = $1`, id).
		Scan(&v.ID, &v.Name, &v.URL)
	if err != nil {
		return View{}, mapPgError(err)
	}
	return v, nil
}

// ListViews returns all views ordered by name.
func (s *PGStore) ListViews(ctx context.Context) ([]View, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, url FROM iam_views ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []View
	for rows.Next() {
		var v View
		if err := rows.Scan(&v.ID, &v.Name, &v.URL); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateView replaces a view record.
func (s *PGStore) UpdateView(ctx context.Context, v View) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE iam_views SET name = $2, url = $3 WHERE id = $1`,
		v.ID, v.Name, v.URL)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteView removes the view; relation and permission rows cascade.
func (s *PGStore) DeleteView(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM iam_views WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateModule inserts a module.
func (s *PGStore) CreateModule(ctx context.Context, m Module) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO iam_modules (id, name, code, description) VALUES ($1, $2, $3, $4)`,
		m.ID, m.Name, m.Code, m.Description)
	return mapPgError(err)
}

// GetModule fetches a module by ID.
func (s *PGStore) GetModule(ctx context.Context, id string) (Module, error) {
	var m Module
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, code, description FROM iam_modules WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Code, &m.Description)
	if err != nil {
		return Module{}, mapPgError(err)
	}
	return m, nil
}

// ListModules returns all modules ordered by name.
func (s *PGStore) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, code, description FROM iam_modules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.ID, &m.Name, &m.Code, &m.Description); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateModule replaces a module record.
func (s *PGStore) UpdateModule(ctx context.Context, m Module) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE iam_modules SET name = $2, code = $3, description = $4 WHERE id = $1`,
		m.ID, m.Name, m.Code, m.Description)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteModule removes the module; relation and entitlement rows cascade.
func (s *PGStore) DeleteModule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM iam_modules WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFeature inserts a feature.
func (s *PGStore) CreateFeature(ctx context.Context, f Feature) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO iam_features (id, name, key, description) VALUES ($1, $2, $3, $4)`,
		f.ID, f.Name, f.Key, f.Description)
	return mapPgError(err)
}

// GetFeature fetches a feature by ID.
func (s *PGStore) GetFeature(ctx context.Context, id string) (Feature, error) {
	var f Feature
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, key, description FROM iam_features WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Key, &f.Description)
	if err != nil {
		return Feature{}, mapPgError(err)
	}
	return f, nil
}

// ListFeatures returns all features ordered by name.
func (s *PGStore) ListFeatures(ctx context.Context) ([]Feature, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, key, description FROM iam_features ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Feature
	for rows.Next() {
		var f Feature
		if err := rows.Scan(&f.ID, &f.Name, &f.Key, &f.Description); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFeature replaces a feature record.
func (s *PGStore) UpdateFeature(ctx context.Context, f Feature) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE iam_features SET name = $2, key = $3, description = $4 WHERE id = $1`,
		f.ID, f.Name, f.Key, f.Description)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFeature removes the feature; relation and permission rows cascade.
func (s *PGStore) DeleteFeature(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM iam_features WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) replaceLinks(ctx context.Context, deleteSQL, insertSQL, left string, rights []string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteSQL, left); err != nil {
			return mapPgError(err)
		}
		for _, right := range rights {
			if _, err := tx.Exec(ctx, insertSQL, left, right); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

// SetModuleViews replaces the Module<->View rows for a module.
func (s *PGStore) SetModuleViews(ctx context.Context, moduleID string, viewIDs []string) error {
	if _, err := s.GetModule(ctx, moduleID); err != nil {
		return err
	}
	return s.replaceLinks(ctx,
		`DELETE FROM iam_module_views WHERE module_id = $1`,
		`INSERT INTO iam_module_views (module_id, view_id) VALUES ($1, $2)`,
		moduleID, viewIDs)
}

// SetModuleFeatures replaces the Module<->Feature rows for a module.
func (s *PGStore) SetModuleFeatures(ctx context.Context, moduleID string, featureIDs []string) error {
	if _, err := s.GetModule(ctx, moduleID); err != nil {
		return err
	}
	return s.replaceLinks(ctx,
		`DELETE FROM iam_module_features WHERE module_id = $1`,
		`INSERT INTO iam_module_features (module_id, feature_id) VALUES ($1, $2)`,
		moduleID, featureIDs)
}

// SetFeatureViews replaces the Feature<->View rows for a feature.
func (s *PGStore) SetFeatureViews(ctx context.Context, featureID string, viewIDs []string) error {
	if _, err := s.GetFeature(ctx, featureID); err != nil {
		return err
	}
	return s.replaceLinks(ctx,
		`DELETE FROM iam_feature_views WHERE feature_id = $1`,
		`INSERT INTO iam_feature_views (feature_id, view_id) VALUES ($1, $2)`,
		featureID, viewIDs)
}

// ModulesForView returns the modules containing the view.
func (s *PGStore) ModulesForView(ctx context.Context, viewID string) ([]Module, error) {
	if _, err := s.GetView(ctx, viewID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.name, m.code, m.description
		 FROM iam_modules m
		 JOIN iam_module_views mv ON mv.module_id = m.id
		 WHERE mv.view_id = $1
		 ORDER BY m.name`, viewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.ID, &m.Name, &m.Code, &m.Description); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetTenantModules replaces the tenant's module entitlements.
func (s *PGStore) SetTenantModules(ctx context.Context, tenantID string, moduleIDs []string) error {
	return s.replaceLinks(ctx,
		`DELETE FROM iam_tenant_modules WHERE tenant_id = $1`,
		`INSERT INTO iam_tenant_modules (tenant_id, module_id) VALUES ($1, $2)`,
		tenantID, moduleIDs)
}

// TenantModuleIDs returns the module IDs owned by the tenant.
func (s *PGStore) TenantModuleIDs(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT module_id FROM iam_tenant_modules WHERE tenant_id = $1 ORDER BY module_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateUserLevel inserts a tenant-scoped level.
func (s *PGStore) CreateUserLevel(ctx context.Context, l UserLevel) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO iam_user_levels (id, tenant_id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.TenantID, l.Name, l.Description, l.CreatedAt, l.UpdatedAt)
	return mapPgError(err)
}

// GetUserLevel fetches a level within a tenant.
func (s *PGStore) GetUserLevel(ctx context.Context, tenantID, id string) (UserLevel, error) {
	var l UserLevel
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, description, created_at, updated_at
		 FROM iam_user_levels WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&l.ID, &l.TenantID, &l.Name, &l.Description, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return UserLevel{}, mapPgError(err)
	}
	return l, nil
}

// ListUserLevels returns a tenant's levels ordered by name.
func (s *PGStore) ListUserLevels(ctx context.Context, tenantID string) ([]UserLevel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, description, created_at, updated_at
		 FROM iam_user_levels WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserLevel
	for rows.Next() {
		var l UserLevel
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Name, &l.Description, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateUserLevel replaces a level record.
func (s *PGStore) UpdateUserLevel(ctx context.Context, l UserLevel) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE iam_user_levels SET name = $3, description = $4, updated_at = $5
		 WHERE tenant_id = $1 AND id = $2`,
		l.TenantID, l.ID, l.Name, l.Description, l.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUserLevel removes the level; permission rows and assignments cascade.
func (s *PGStore) DeleteUserLevel(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM iam_user_levels WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceUserLevels swaps the user's level assignments wholesale.
func (s *PGStore) ReplaceUserLevels(ctx context.Context, tenantID, userID string, levelIDs []string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM iam_user_level_assignments WHERE tenant_id = $1 AND user_id = $2`,
			tenantID, userID); err != nil {
			return mapPgError(err)
		}
		for _, levelID := range levelIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO iam_user_level_assignments (tenant_id, user_id, level_id) VALUES ($1, $2, $3)`,
				tenantID, userID, levelID); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

// UserLevelIDs returns the level IDs held by the user in the tenant.
func (s *PGStore) UserLevelIDs(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT level_id FROM iam_user_level_assignments
		 WHERE tenant_id = $1 AND user_id = $2 ORDER BY level_id`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UsersForLevel returns the user IDs holding the level.
func (s *PGStore) UsersForLevel(ctx context.Context, tenantID, levelID string) ([]string, error) {
	if _, err := s.GetUserLevel(ctx, tenantID, levelID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM iam_user_level_assignments
		 WHERE tenant_id = $1 AND level_id = $2 ORDER BY user_id`, tenantID, levelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReplaceViewPermissions swaps the level's view permission rows wholesale.
func (s *PGStore) ReplaceViewPermissions(ctx context.Context, tenantID, levelID string, rows []ViewPermission) error {
	if _, err := s.GetUserLevel(ctx, tenantID, levelID); err != nil {
		return err
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM iam_view_permissions WHERE tenant_id = $1 AND level_id = $2`,
			tenantID, levelID); err != nil {
			return mapPgError(err)
		}
		for _, row := range rows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO iam_view_permissions (tenant_id, level_id, view_id, state, modifiable)
				 VALUES ($1, $2, $3, $4, $5)`,
				tenantID, levelID, row.ViewID, string(row.State), row.Modifiable); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

// ViewPermissions returns the level's view permission rows.
func (s *PGStore) ViewPermissions(ctx context.Context, tenantID, levelID string) ([]ViewPermission, error) {
	if _, err := s.GetUserLevel(ctx, tenantID, levelID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, level_id, view_id, state, modifiable
		 FROM iam_view_permissions WHERE tenant_id = $1 AND level_id = $2 ORDER BY view_id`,
		tenantID, levelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ViewPermission
	for rows.Next() {
		var row ViewPermission
		var state string
		if err := rows.Scan(&row.TenantID, &row.UserLevelID, &row.ViewID, &state, &row.Modifiable); err != nil {
			return nil, err
		}
		row.State = PermissionState(state)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReplaceFeaturePermissions swaps the level's feature permission rows wholesale.
func (s *PGStore) ReplaceFeaturePermissions(ctx context.Context, tenantID, levelID string, rows []FeaturePermission) error {
	if _, err := s.GetUserLevel(ctx, tenantID, levelID); err != nil {
		return err
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM iam_feature_permissions WHERE tenant_id = $1 AND level_id = $2`,
			tenantID, levelID); err != nil {
			return mapPgError(err)
		}
		for _, row := range rows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO iam_feature_permissions (tenant_id, level_id, feature_id, action, value, scope, modifiable)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				tenantID, levelID, row.FeatureID, string(row.Action), row.Value, string(row.Scope), row.Modifiable); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

// FeaturePermissions returns the level's feature permission rows.
func (s *PGStore) FeaturePermissions(ctx context.Context, tenantID, levelID string) ([]FeaturePermission, error) {
	if _, err := s.GetUserLevel(ctx, tenantID, levelID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, level_id, feature_id, action, value, scope, modifiable
		 FROM iam_feature_permissions WHERE tenant_id = $1 AND level_id = $2
		 ORDER BY feature_id, action`,
		tenantID, levelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeaturePermission
	for rows.Next() {
		var row FeaturePermission
		var action, scope string
		if err := rows.Scan(&row.TenantID, &row.UserLevelID, &row.FeatureID, &action, &row.Value, &scope, &row.Modifiable); err != nil {
			return nil, err
		}
		row.Action = Action(action)
		row.Scope = Scope(scope)
		out = append(out, row)
	}
	return out, rows.Err()
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemStore)(nil)
)
