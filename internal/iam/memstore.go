package iam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store. Join tables are kept as explicit
// composite-key records indexed from both sides, so lookups never traverse
// object graphs. All writes hold the mutex for their full duration, which
// gives replace operations their atomicity.
type MemStore struct {
	mu sync.RWMutex

	views    map[string]View
	modules  map[string]Module
	features map[string]Feature

	moduleViews    map[string]map[string]struct{}
	viewModules    map[string]map[string]struct{}
	moduleFeatures map[string]map[string]struct{}
	featureModules map[string]map[string]struct{}
	featureViews   map[string]map[string]struct{}
	viewFeatures   map[string]map[string]struct{}
	tenantModules  map[string]map[string]struct{}

	levels     map[string]UserLevel
	levelNames map[string]string

	userLevels map[string]map[string]struct{}
	levelUsers map[string]map[string]struct{}

	viewPerms map[string]map[string]ViewPermission
	featPerms map[string]map[string]FeaturePermission
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		views:          make(map[string]View),
		modules:        make(map[string]Module),
		features:       make(map[string]Feature),
		moduleViews:    make(map[string]map[string]struct{}),
		viewModules:    make(map[string]map[string]struct{}),
		moduleFeatures: make(map[string]map[string]struct{}),
		featureModules: make(map[string]map[string]struct{}),
		featureViews:   make(map[string]map[string]struct{}),
		viewFeatures:   make(map[string]map[string]struct{}),
		tenantModules:  make(map[string]map[string]struct{}),
		levels:         make(map[string]UserLevel),
		levelNames:     make(map[string]string),
		userLevels:     make(map[string]map[string]struct{}),
		levelUsers:     make(map[string]map[string]struct{}),
		viewPerms:      make(map[string]map[string]ViewPermission),
		featPerms:      make(map[string]map[string]FeaturePermission),
	}
}

func levelKey(tenantID, levelID string) string  { return tenantID + "/" + levelID }
func userKey(tenantID, userID string) string    { return tenantID + "/" + userID }
func nameKey(tenantID, name string) string      { return tenantID + "/" + strings.ToLower(strings.TrimSpace(name)) }
func featPermKey(featureID string, a Action) string { return featureID + "\x00" + string(a) }

func addLink(index map[string]map[string]struct{}, left, right string) {
	set, ok := index[left]
	if !ok {
		set = make(map[string]struct{})
		index[left] = set
	}
	set[right] = struct{}{}
}

func dropLink(index map[string]map[string]struct{}, left, right string) {
	if set, ok := index[left]; ok {
		delete(set, right)
		if len(set) == 0 {
			delete(index, left)
		}
	}
}

// CreateView inserts a view.
func (s *MemStore) CreateView(ctx context.Context, v View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[v.ID]; ok {
		return fmt.Errorf("view %s: %w", v.ID, ErrDuplicate)
	}
	s.views[v.ID] = v
	return nil
}

// GetView fetches a view by ID.
func (s *MemStore) GetView(ctx context.Context, id string) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[id]
	if !ok {
		return View{}, fmt.Errorf("view %s: %w", id, ErrNotFound)
	}
	return v, nil
}

// ListViews returns all views ordered by name.
func (s *MemStore) ListViews(ctx context.Context) ([]View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]View, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateView replaces a view record.
func (s *MemStore) UpdateView(ctx context.Context, v View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[v.ID]; !ok {
		return fmt.Errorf("view %s: %w", v.ID, ErrNotFound)
	}
	s.views[v.ID] = v
	return nil
}

// DeleteView removes the view and cascades over every relation and
// permission row referencing it.
func (s *MemStore) DeleteView(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[id]; !ok {
		return fmt.Errorf("view %s: %w", id, ErrNotFound)
	}
	delete(s.views, id)
	for moduleID := range s.viewModules[id] {
		dropLink(s.moduleViews, moduleID, id)
	}
	delete(s.viewModules, id)
	for featureID := range s.viewFeatures[id] {
		dropLink(s.featureViews, featureID, id)
	}
	delete(s.viewFeatures, id)
	for _, rows := range s.viewPerms {
		delete(rows, id)
	}
	return nil
}

// CreateModule inserts a module.
func (s *MemStore) CreateModule(ctx context.Context, m Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[m.ID]; ok {
		return fmt.Errorf("module %s: %w", m.ID, ErrDuplicate)
	}
	s.modules[m.ID] = m
	return nil
}

// GetModule fetches a module by ID.
func (s *MemStore) GetModule(ctx context.Context, id string) (Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok {
		return Module{}, fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	return m, nil
}

// ListModules returns all modules ordered by name.
func (s *MemStore) ListModules(ctx context.Context) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateModule replaces a module record.
func (s *MemStore) UpdateModule(ctx context.Context, m Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[m.ID]; !ok {
		return fmt.Errorf("module %s: %w", m.ID, ErrNotFound)
	}
	s.modules[m.ID] = m
	return nil
}

// DeleteModule removes the module and its relation rows, including tenant
// entitlements pointing at it.
func (s *MemStore) DeleteModule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; !ok {
		return fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	delete(s.modules, id)
	for viewID := range s.moduleViews[id] {
		dropLink(s.viewModules, viewID, id)
	}
	delete(s.moduleViews, id)
	for featureID := range s.moduleFeatures[id] {
		dropLink(s.featureModules, featureID, id)
	}
	delete(s.moduleFeatures, id)
	for tenantID := range s.tenantModules {
		dropLink(s.tenantModules, tenantID, id)
	}
	return nil
}

// CreateFeature inserts a feature.
func (s *MemStore) CreateFeature(ctx context.Context, f Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[f.ID]; ok {
		return fmt.Errorf("feature %s: %w", f.ID, ErrDuplicate)
	}
	s.features[f.ID] = f
	return nil
}

// GetFeature fetches a feature by ID.
func (s *MemStore) GetFeature(ctx context.Context, id string) (Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[id]
	if !ok {
		return Feature{}, fmt.Errorf("feature %s: %w", id, ErrNotFound)
	}
	return f, nil
}

// ListFeatures returns all features ordered by name.
func (s *MemStore) ListFeatures(ctx context.Context) ([]Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Feature, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateFeature replaces a feature record.
func (s *MemStore) UpdateFeature(ctx context.Context, f Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[f.ID]; !ok {
		return fmt.Errorf("feature %s: %w", f.ID, ErrNotFound)
	}
	s.features[f.ID] = f
	return nil
}

// DeleteFeature removes the feature, its relation rows and its permission rows.
func (s *MemStore) DeleteFeature(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[id]; !ok {
		return fmt.Errorf("feature %s: %w", id, ErrNotFound)
	}
	delete(s.features, id)
	for viewID := range s.featureViews[id] {
		dropLink(s.viewFeatures, viewID, id)
	}
	delete(s.featureViews, id)
	for moduleID := range s.featureModules[id] {
		dropLink(s.moduleFeatures, moduleID, id)
	}
	delete(s.featureModules, id)
	for _, rows := range s.featPerms {
		for key, row := range rows {
			if row.FeatureID == id {
				delete(rows, key)
			}
		}
	}
	return nil
}

// SetModuleViews replaces the Module<->View rows for a module.
func (s *MemStore) SetModuleViews(ctx context.Context, moduleID string, viewIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[moduleID]; !ok {
		return fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	for _, id := range viewIDs {
		if _, ok := s.views[id]; !ok {
			return fmt.Errorf("view %s: %w", id, ErrNotFound)
		}
	}
	for viewID := range s.moduleViews[moduleID] {
		dropLink(s.viewModules, viewID, moduleID)
	}
	delete(s.moduleViews, moduleID)
	for _, id := range viewIDs {
		addLink(s.moduleViews, moduleID, id)
		addLink(s.viewModules, id, moduleID)
	}
	return nil
}

// SetModuleFeatures replaces the Module<->Feature rows for a module.
func (s *MemStore) SetModuleFeatures(ctx context.Context, moduleID string, featureIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[moduleID]; !ok {
		return fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	for _, id := range featureIDs {
		if _, ok := s.features[id]; !ok {
			return fmt.Errorf("feature %s: %w", id, ErrNotFound)
		}
	}
	for featureID := range s.moduleFeatures[moduleID] {
		dropLink(s.featureModules, featureID, moduleID)
	}
	delete(s.moduleFeatures, moduleID)
	for _, id := range featureIDs {
		addLink(s.moduleFeatures, moduleID, id)
		addLink(s.featureModules, id, moduleID)
	}
	return nil
}

// SetFeatureViews replaces the Feature<->View rows for a feature.
func (s *MemStore) SetFeatureViews(ctx context.Context, featureID string, viewIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[featureID]; !ok {
		return fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}
	for _, id := range viewIDs {
		if _, ok := s.views[id]; !ok {
			return fmt.Errorf("view %s: %w", id, ErrNotFound)
		}
	}
	for viewID := range s.featureViews[featureID] {
		dropLink(s.viewFeatures, viewID, featureID)
	}
	delete(s.featureViews, featureID)
	for _, id := range viewIDs {
		addLink(s.featureViews, featureID, id)
		addLink(s.viewFeatures, id, featureID)
	}
	return nil
}

// ModulesForView returns the modules containing the view, ordered by name.
func (s *MemStore) ModulesForView(ctx context.Context, viewID string) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.views[viewID]; !ok {
		return nil, fmt.Errorf("view %s: %w", viewID, ErrNotFound)
	}
	out := make([]Module, 0, len(s.viewModules[viewID]))
	for moduleID := range s.viewModules[viewID] {
		if m, ok := s.modules[moduleID]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetTenantModules replaces the tenant's module entitlements.
func (s *MemStore) SetTenantModules(ctx context.Context, tenantID string, moduleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range moduleIDs {
		if _, ok := s.modules[id]; !ok {
			return fmt.Errorf("module %s: %w", id, ErrNotFound)
		}
	}
	delete(s.tenantModules, tenantID)
	for _, id := range moduleIDs {
		addLink(s.tenantModules, tenantID, id)
	}
	return nil
}

// TenantModuleIDs returns the module IDs owned by the tenant.
func (s *MemStore) TenantModuleIDs(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenantModules[tenantID]))
	for id := range s.tenantModules[tenantID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// CreateUserLevel inserts a tenant-scoped level enforcing name uniqueness.
func (s *MemStore) CreateUserLevel(ctx context.Context, l UserLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := levelKey(l.TenantID, l.ID)
	if _, ok := s.levels[key]; ok {
		return fmt.Errorf("user level %s: %w", l.ID, ErrDuplicate)
	}
	nk := nameKey(l.TenantID, l.Name)
	if _, ok := s.levelNames[nk]; ok {
		return fmt.Errorf("user level name %q: %w", l.Name, ErrDuplicate)
	}
	s.levels[key] = l
	s.levelNames[nk] = l.ID
	return nil
}

// GetUserLevel fetches a level within a tenant.
func (s *MemStore) GetUserLevel(ctx context.Context, tenantID, id string) (UserLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.levels[levelKey(tenantID, id)]
	if !ok {
		return UserLevel{}, fmt.Errorf("user level %s: %w", id, ErrNotFound)
	}
	return l, nil
}

// ListUserLevels returns a tenant's levels ordered by name.
func (s *MemStore) ListUserLevels(ctx context.Context, tenantID string) ([]UserLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserLevel
	for _, l := range s.levels {
		if l.TenantID == tenantID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateUserLevel replaces a level record, keeping the name index consistent.
func (s *MemStore) UpdateUserLevel(ctx context.Context, l UserLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := levelKey(l.TenantID, l.ID)
	old, ok := s.levels[key]
	if !ok {
		return fmt.Errorf("user level %s: %w", l.ID, ErrNotFound)
	}
	newName := nameKey(l.TenantID, l.Name)
	oldName := nameKey(old.TenantID, old.Name)
	if newName != oldName {
		if _, taken := s.levelNames[newName]; taken {
			return fmt.Errorf("user level name %q: %w", l.Name, ErrDuplicate)
		}
		delete(s.levelNames, oldName)
		s.levelNames[newName] = l.ID
	}
	s.levels[key] = l
	return nil
}

// DeleteUserLevel removes the level, its permission rows and its assignments.
func (s *MemStore) DeleteUserLevel(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := levelKey(tenantID, id)
	l, ok := s.levels[key]
	if !ok {
		return fmt.Errorf("user level %s: %w", id, ErrNotFound)
	}
	delete(s.levels, key)
	delete(s.levelNames, nameKey(l.TenantID, l.Name))
	delete(s.viewPerms, key)
	delete(s.featPerms, key)
	for userID := range s.levelUsers[key] {
		dropLink(s.userLevels, userKey(tenantID, userID), id)
	}
	delete(s.levelUsers, key)
	return nil
}

// ReplaceUserLevels swaps the user's level assignments wholesale.
func (s *MemStore) ReplaceUserLevels(ctx context.Context, tenantID, userID string, levelIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range levelIDs {
		if _, ok := s.levels[levelKey(tenantID, id)]; !ok {
			return fmt.Errorf("user level %s: %w", id, ErrNotFound)
		}
	}
	uk := userKey(tenantID, userID)
	for id := range s.userLevels[uk] {
		dropLink(s.levelUsers, levelKey(tenantID, id), userID)
	}
	delete(s.userLevels, uk)
	for _, id := range levelIDs {
		addLink(s.userLevels, uk, id)
		addLink(s.levelUsers, levelKey(tenantID, id), userID)
	}
	return nil
}

// UserLevelIDs returns the level IDs held by the user in the tenant.
func (s *MemStore) UserLevelIDs(ctx context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.userLevels[userKey(tenantID, userID)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// UsersForLevel returns the user IDs holding the level.
func (s *MemStore) UsersForLevel(ctx context.Context, tenantID, levelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.levels[levelKey(tenantID, levelID)]; !ok {
		return nil, fmt.Errorf("user level %s: %w", levelID, ErrNotFound)
	}
	set := s.levelUsers[levelKey(tenantID, levelID)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ReplaceViewPermissions swaps the level's view permission rows wholesale.
func (s *MemStore) ReplaceViewPermissions(ctx context.Context, tenantID, levelID string, rows []ViewPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := levelKey(tenantID, levelID)
	if _, ok := s.levels[key]; !ok {
		return fmt.Errorf("user level %s: %w", levelID, ErrNotFound)
	}
	next := make(map[string]ViewPermission, len(rows))
	for _, row := range rows {
		if _, ok := s.views[row.ViewID]; !ok {
			return fmt.Errorf("view %s: %w", row.ViewID, ErrNotFound)
		}
		row.TenantID = tenantID
		row.UserLevelID = levelID
		next[row.ViewID] = row
	}
	s.viewPerms[key] = next
	return nil
}

// ViewPermissions returns the level's view permission rows.
func (s *MemStore) ViewPermissions(ctx context.Context, tenantID, levelID string) ([]ViewPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := levelKey(tenantID, levelID)
	if _, ok := s.levels[key]; !ok {
		return nil, fmt.Errorf("user level %s: %w", levelID, ErrNotFound)
	}
	rows := s.viewPerms[key]
	out := make([]ViewPermission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ViewID < out[j].ViewID })
	return out, nil
}

// ReplaceFeaturePermissions swaps the level's feature permission rows wholesale.
func (s *MemStore) ReplaceFeaturePermissions(ctx context.Context, tenantID, levelID string, rows []FeaturePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := levelKey(tenantID, levelID)
	if _, ok := s.levels[key]; !ok {
		return fmt.Errorf("user level %s: %w", levelID, ErrNotFound)
	}
	next := make(map[string]FeaturePermission, len(rows))
	for _, row := range rows {
		if _, ok := s.features[row.FeatureID]; !ok {
			return fmt.Errorf("feature %s: %w", row.FeatureID, ErrNotFound)
		}
		row.TenantID = tenantID
		row.UserLevelID = levelID
		next[featPermKey(row.FeatureID, row.Action)] = row
	}
	s.featPerms[key] = next
	return nil
}

// FeaturePermissions returns the level's feature permission rows.
func (s *MemStore) FeaturePermissions(ctx context.Context, tenantID, levelID string) ([]FeaturePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := levelKey(tenantID, levelID)
	if _, ok := s.levels[key]; !ok {
		return nil, fmt.Errorf("user level %s: %w", levelID, ErrNotFound)
	}
	rows := s.featPerms[key]
	out := make([]FeaturePermission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FeatureID != out[j].FeatureID {
			return out[i].FeatureID < out[j].FeatureID
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}
