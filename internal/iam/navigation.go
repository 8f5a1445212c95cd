package iam

import (
	"context"
	"fmt"
)

// MenuItem is one node of a tenant's configured menu tree. An item may be
// tied to a view, to a feature (with candidate actions), or to neither
// (a pure navigational container).
type MenuItem struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	ViewID    string     `json:"view_id,omitempty"`
	FeatureID string     `json:"feature_id,omitempty"`
	Actions   []Action   `json:"actions,omitempty"`
	Landing   bool       `json:"landing,omitempty"`
	Children  []MenuItem `json:"children,omitempty"`
}

// Menu is the assembled, pruned navigation for one user. Entrypoint is the
// ID of the first surviving top-level item marked as a landing target, or
// empty when none survives.
type Menu struct {
	Items      []MenuItem `json:"items"`
	Entrypoint string     `json:"entrypoint,omitempty"`
}

// Assembler filters a configured menu tree through permission resolution.
type Assembler struct {
	source DecisionSource
}

// NewAssembler constructs an Assembler over the given decision source.
func NewAssembler(source DecisionSource) *Assembler {
	return &Assembler{source: source}
}

// Assemble prunes the tree to the branches the user may see.
func (a *Assembler) Assemble(ctx context.Context, userID, tenantID string, items []MenuItem) (Menu, error) {
	pruned, err := a.prune(ctx, userID, tenantID, items)
	if err != nil {
		return Menu{}, err
	}
	menu := Menu{Items: pruned}
	for _, item := range pruned {
		if item.Landing {
			menu.Entrypoint = item.ID
			break
		}
	}
	return menu, nil
}

func (a *Assembler) prune(ctx context.Context, userID, tenantID string, items []MenuItem) ([]MenuItem, error) {
	out := make([]MenuItem, 0, len(items))
	for _, item := range items {
		selfAllowed, associated, err := a.itemAllowed(ctx, userID, tenantID, item)
		if err != nil {
			return nil, err
		}
		if associated && !selfAllowed {
			continue
		}
		children, err := a.prune(ctx, userID, tenantID, item.Children)
		if err != nil {
			return nil, err
		}
		// A container that had children keeps its place only while at
		// least one child survives; an associated item stands on its own
		// grant even with every child pruned.
		if !associated && len(item.Children) > 0 && len(children) == 0 {
			continue
		}
		item.Children = children
		out = append(out, item)
	}
	return out, nil
}

// itemAllowed reports whether the item's own association resolves allowed,
// and whether the item has an association at all.
func (a *Assembler) itemAllowed(ctx context.Context, userID, tenantID string, item MenuItem) (allowed, associated bool, err error) {
	if item.ViewID != "" {
		decision, err := a.source.ResolveView(ctx, userID, tenantID, item.ViewID)
		if err != nil {
			return false, true, fmt.Errorf("iam: assemble navigation: %w", err)
		}
		return decision.Allowed, true, nil
	}
	if item.FeatureID != "" {
		actions := item.Actions
		if len(actions) == 0 {
			actions = RecommendedActions
		}
		for _, action := range actions {
			decision, err := a.source.ResolveFeature(ctx, userID, tenantID, item.FeatureID, action)
			if err != nil {
				return false, true, fmt.Errorf("iam: assemble navigation: %w", err)
			}
			if decision.Allowed {
				return true, true, nil
			}
		}
		return false, true, nil
	}
	return false, false, nil
}
