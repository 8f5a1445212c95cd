package iam

import (
	"context"
	"testing"
)

// staticSource answers from fixed maps; feature decisions are keyed by
// featureID + "/" + action.
type staticSource struct {
	views    map[string]bool
	features map[string]bool
}

func (s staticSource) ResolveView(ctx context.Context, userID, tenantID, viewID string) (ViewDecision, error) {
	if s.views[viewID] {
		return ViewDecision{Allowed: true}, nil
	}
	return ViewDecision{Allowed: false, Reason: ReasonNotGranted}, nil
}

func (s staticSource) ResolveFeature(ctx context.Context, userID, tenantID, featureID string, action Action) (FeatureDecision, error) {
	if s.features[featureID+"/"+string(action)] {
		return FeatureDecision{Allowed: true, Scope: ScopeOwn}, nil
	}
	return FeatureDecision{Allowed: false}, nil
}

func TestAssemblePrunesDeniedBranches(t *testing.T) {
	assembler := NewAssembler(staticSource{views: map[string]bool{"view-a": true}})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "a", ViewID: "view-a"},
		{ID: "b", ViewID: "view-b"},
		{ID: "c", Children: []MenuItem{{ID: "c1", ViewID: "view-b"}}},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	// A survives on its own grant; B is denied; C loses its only child and
	// goes with it.
	if len(menu.Items) != 1 || menu.Items[0].ID != "a" {
		t.Fatalf("unexpected items: %+v", menu.Items)
	}
}

func TestAssembleKeepsLeafContainers(t *testing.T) {
	assembler := NewAssembler(staticSource{})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "divider"},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(menu.Items) != 1 {
		t.Fatalf("expected leaf container to survive, got %+v", menu.Items)
	}
}

func TestAssembleAssociatedItemIgnoresChildlessness(t *testing.T) {
	assembler := NewAssembler(staticSource{views: map[string]bool{"view-a": true}})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "a", ViewID: "view-a", Children: []MenuItem{{ID: "a1", ViewID: "view-b"}}},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(menu.Items) != 1 {
		t.Fatalf("expected associated item to stand on its own grant, got %+v", menu.Items)
	}
	if len(menu.Items[0].Children) != 0 {
		t.Fatalf("expected denied child pruned, got %+v", menu.Items[0].Children)
	}
}

func TestAssembleFeatureItemsProbeActions(t *testing.T) {
	assembler := NewAssembler(staticSource{features: map[string]bool{"f1/Export": true}})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "exports", FeatureID: "f1", Actions: []Action{ActionExport}},
		{ID: "writes", FeatureID: "f1", Actions: []Action{ActionCreate, ActionUpdate}},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(menu.Items) != 1 || menu.Items[0].ID != "exports" {
		t.Fatalf("unexpected items: %+v", menu.Items)
	}
}

func TestAssembleFeatureItemDefaultsToRecommendedActions(t *testing.T) {
	assembler := NewAssembler(staticSource{features: map[string]bool{"f1/Read": true}})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "item", FeatureID: "f1"},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(menu.Items) != 1 {
		t.Fatalf("expected item to survive via recommended actions, got %+v", menu.Items)
	}
}

func TestAssembleEntrypointIsFirstSurvivingLanding(t *testing.T) {
	assembler := NewAssembler(staticSource{views: map[string]bool{"view-b": true, "view-c": true}})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "a", ViewID: "view-a", Landing: true},
		{ID: "b", ViewID: "view-b", Landing: true},
		{ID: "c", ViewID: "view-c", Landing: true},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if menu.Entrypoint != "b" {
		t.Fatalf("expected entrypoint b, got %q", menu.Entrypoint)
	}
}

func TestAssembleNoLandingSurvivor(t *testing.T) {
	assembler := NewAssembler(staticSource{views: map[string]bool{"view-a": true}})

	menu, err := assembler.Assemble(context.Background(), "u1", "t1", []MenuItem{
		{ID: "a", ViewID: "view-a"},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if menu.Entrypoint != "" {
		t.Fatalf("expected empty entrypoint, got %q", menu.Entrypoint)
	}
}
