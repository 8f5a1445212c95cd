package iam

import (
	"context"
	"fmt"
)

// Resolver computes effective permissions by merging a user's levels.
//
// The two merge rules are intentionally asymmetric. View access merges with
// deny > allow > inherit and defaults closed: an explicit deny from any one
// level always wins. Feature access ORs the granted values across levels
// and, when granted, takes the widest scope among the granting levels.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveView decides whether the user may access the view within the tenant.
func (r *Resolver) ResolveView(ctx context.Context, userID, tenantID, viewID string) (ViewDecision, error) {
	// Entitlement gate: a view reachable only through modules the tenant
	// does not own is unreachable regardless of role permissions.
	mods, err := r.store.ModulesForView(ctx, viewID)
	if err != nil {
		return ViewDecision{}, fmt.Errorf("iam: resolve view: %w", err)
	}
	if len(mods) > 0 {
		owned, err := r.store.TenantModuleIDs(ctx, tenantID)
		if err != nil {
			return ViewDecision{}, fmt.Errorf("iam: resolve view: %w", err)
		}
		ownedSet := make(map[string]struct{}, len(owned))
		for _, id := range owned {
			ownedSet[id] = struct{}{}
		}
		gated := true
		for _, m := range mods {
			if _, ok := ownedSet[m.ID]; ok {
				gated = false
				break
			}
		}
		if gated {
			return ViewDecision{Allowed: false, Reason: ReasonModuleNotOwned}, nil
		}
	}

	levelIDs, err := r.store.UserLevelIDs(ctx, tenantID, userID)
	if err != nil {
		return ViewDecision{}, fmt.Errorf("iam: resolve view: %w", err)
	}
	if len(levelIDs) == 0 {
		return ViewDecision{Allowed: false, Reason: ReasonNoLevels}, nil
	}

	anyAllow := false
	for _, levelID := range levelIDs {
		rows, err := r.store.ViewPermissions(ctx, tenantID, levelID)
		if err != nil {
			return ViewDecision{}, fmt.Errorf("iam: resolve view: %w", err)
		}
		state := StateInherit
		for _, row := range rows {
			if row.ViewID == viewID {
				state = row.State
				break
			}
		}
		switch state {
		case StateDeny:
			return ViewDecision{Allowed: false, Reason: ReasonDenied}, nil
		case StateAllow:
			anyAllow = true
		}
	}
	if anyAllow {
		return ViewDecision{Allowed: true}, nil
	}
	return ViewDecision{Allowed: false, Reason: ReasonNotGranted}, nil
}

// ResolveFeature decides whether the user may perform action on the feature
// within the tenant, and with which scope.
func (r *Resolver) ResolveFeature(ctx context.Context, userID, tenantID, featureID string, action Action) (FeatureDecision, error) {
	if err := action.Validate(); err != nil {
		return FeatureDecision{}, err
	}
	levelIDs, err := r.store.UserLevelIDs(ctx, tenantID, userID)
	if err != nil {
		return FeatureDecision{}, fmt.Errorf("iam: resolve feature: %w", err)
	}
	if len(levelIDs) == 0 {
		return FeatureDecision{Allowed: false}, nil
	}

	allowed := false
	var scope Scope
	for _, levelID := range levelIDs {
		rows, err := r.store.FeaturePermissions(ctx, tenantID, levelID)
		if err != nil {
			return FeatureDecision{}, fmt.Errorf("iam: resolve feature: %w", err)
		}
		for _, row := range rows {
			if row.FeatureID != featureID || row.Action != action {
				continue
			}
			// A stored false never forces an overall deny; grants OR together.
			if row.Value {
				if !allowed {
					allowed = true
					scope = row.Scope
				} else {
					scope = WiderOf(scope, row.Scope)
				}
			}
			break
		}
	}
	if !allowed {
		return FeatureDecision{Allowed: false}, nil
	}
	return FeatureDecision{Allowed: true, Scope: scope}, nil
}
