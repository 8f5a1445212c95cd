package iam

import (
	"context"
	"errors"
	"testing"
)

func TestMemStoreLevelNameUniquePerTenant(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "Admin"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.CreateUserLevel(ctx, UserLevel{ID: "l2", TenantID: "t1", Name: " admin "})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Same name in another tenant is fine.
	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l3", TenantID: "t2", Name: "Admin"}); err != nil {
		t.Fatalf("create in other tenant: %v", err)
	}
}

func TestMemStoreRenameFreesOldName(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "Admin"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "Operator"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l2", TenantID: "t1", Name: "Admin"}); err != nil {
		t.Fatalf("reuse freed name: %v", err)
	}
}

func TestMemStoreDeleteViewCascades(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateView(ctx, View{ID: "v1", Name: "V"}); err != nil {
		t.Fatalf("create view: %v", err)
	}
	if err := store.CreateModule(ctx, Module{ID: "m1", Name: "M"}); err != nil {
		t.Fatalf("create module: %v", err)
	}
	if err := store.CreateFeature(ctx, Feature{ID: "f1", Name: "F"}); err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if err := store.SetModuleViews(ctx, "m1", []string{"v1"}); err != nil {
		t.Fatalf("link module: %v", err)
	}
	if err := store.SetFeatureViews(ctx, "f1", []string{"v1"}); err != nil {
		t.Fatalf("link feature: %v", err)
	}
	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "L"}); err != nil {
		t.Fatalf("create level: %v", err)
	}
	if err := store.ReplaceViewPermissions(ctx, "t1", "l1", []ViewPermission{{ViewID: "v1", State: StateAllow}}); err != nil {
		t.Fatalf("set permission: %v", err)
	}

	if err := store.DeleteView(ctx, "v1"); err != nil {
		t.Fatalf("delete view: %v", err)
	}

	rows, err := store.ViewPermissions(ctx, "t1", "l1")
	if err != nil {
		t.Fatalf("view permissions: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected permission rows to cascade, got %d", len(rows))
	}
}

func TestMemStoreDeleteModuleDropsEntitlements(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateModule(ctx, Module{ID: "m1", Name: "M"}); err != nil {
		t.Fatalf("create module: %v", err)
	}
	if err := store.SetTenantModules(ctx, "t1", []string{"m1"}); err != nil {
		t.Fatalf("entitle: %v", err)
	}
	if err := store.DeleteModule(ctx, "m1"); err != nil {
		t.Fatalf("delete module: %v", err)
	}
	ids, err := store.TenantModuleIDs(ctx, "t1")
	if err != nil {
		t.Fatalf("tenant modules: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected entitlements to cascade, got %v", ids)
	}
}

func TestMemStoreDeleteLevelDropsAssignments(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "L"}); err != nil {
		t.Fatalf("create level: %v", err)
	}
	if err := store.ReplaceUserLevels(ctx, "t1", "u1", []string{"l1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := store.DeleteUserLevel(ctx, "t1", "l1"); err != nil {
		t.Fatalf("delete level: %v", err)
	}
	ids, err := store.UserLevelIDs(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("user levels: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected assignments to cascade, got %v", ids)
	}
}

func TestMemStoreReplaceIsWholesale(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for _, id := range []string{"v1", "v2"} {
		if err := store.CreateView(ctx, View{ID: id, Name: id}); err != nil {
			t.Fatalf("create view: %v", err)
		}
	}
	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "L"}); err != nil {
		t.Fatalf("create level: %v", err)
	}
	if err := store.ReplaceViewPermissions(ctx, "t1", "l1", []ViewPermission{
		{ViewID: "v1", State: StateAllow},
		{ViewID: "v2", State: StateDeny},
	}); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if err := store.ReplaceViewPermissions(ctx, "t1", "l1", []ViewPermission{
		{ViewID: "v2", State: StateAllow},
	}); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	rows, err := store.ViewPermissions(ctx, "t1", "l1")
	if err != nil {
		t.Fatalf("view permissions: %v", err)
	}
	if len(rows) != 1 || rows[0].ViewID != "v2" || rows[0].State != StateAllow {
		t.Fatalf("expected wholesale replacement, got %+v", rows)
	}
	// Replace stamps tenant and level onto each row.
	if rows[0].TenantID != "t1" || rows[0].UserLevelID != "l1" {
		t.Fatalf("row not stamped with owner: %+v", rows[0])
	}
}

func TestMemStoreReplaceRejectsUnknownReferences(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "L"}); err != nil {
		t.Fatalf("create level: %v", err)
	}
	err := store.ReplaceViewPermissions(ctx, "t1", "l1", []ViewPermission{{ViewID: "ghost", State: StateAllow}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown view, got %v", err)
	}
	err = store.ReplaceUserLevels(ctx, "t1", "u1", []string{"ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown level, got %v", err)
	}
}

func TestMemStoreUsersForLevel(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "L"}); err != nil {
		t.Fatalf("create level: %v", err)
	}
	for _, user := range []string{"u2", "u1"} {
		if err := store.ReplaceUserLevels(ctx, "t1", user, []string{"l1"}); err != nil {
			t.Fatalf("assign %s: %v", user, err)
		}
	}
	users, err := store.UsersForLevel(ctx, "t1", "l1")
	if err != nil {
		t.Fatalf("users for level: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("unexpected holders: %v", users)
	}

	if _, err := store.UsersForLevel(ctx, "t1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreLevelsAreTenantScoped(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.CreateUserLevel(ctx, UserLevel{ID: "l1", TenantID: "t1", Name: "L"}); err != nil {
		t.Fatalf("create level: %v", err)
	}
	if _, err := store.GetUserLevel(ctx, "t2", "l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected level invisible across tenants, got %v", err)
	}
}
