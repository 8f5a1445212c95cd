package iam

import "testing"

func TestScopeOrdering(t *testing.T) {
	// own < company < team < any
	if !ScopeAny.AtLeast(ScopeTeam) || !ScopeTeam.AtLeast(ScopeCompany) || !ScopeCompany.AtLeast(ScopeOwn) {
		t.Fatal("scope order violated")
	}
	if ScopeCompany.AtLeast(ScopeTeam) {
		t.Fatal("company must not satisfy team")
	}
	if got := WiderOf(ScopeCompany, ScopeTeam); got != ScopeTeam {
		t.Fatalf("expected team, got %s", got)
	}
	if got := WiderOf(ScopeAny, ScopeOwn); got != ScopeAny {
		t.Fatalf("expected any, got %s", got)
	}
}

func TestScopeValid(t *testing.T) {
	for _, s := range []Scope{ScopeOwn, ScopeCompany, ScopeTeam, ScopeAny} {
		if !s.Valid() {
			t.Fatalf("expected %s valid", s)
		}
	}
	if Scope("galaxy").Valid() {
		t.Fatal("unknown scope accepted")
	}
}

func TestPermissionStateValid(t *testing.T) {
	for _, s := range []PermissionState{StateAllow, StateDeny, StateInherit} {
		if !s.Valid() {
			t.Fatalf("expected %s valid", s)
		}
	}
	if PermissionState("maybe").Valid() {
		t.Fatal("unknown state accepted")
	}
}

func TestActionValidateIsOpenEnded(t *testing.T) {
	// The action set is open: anything non-blank passes.
	if err := Action("Archive").Validate(); err != nil {
		t.Fatalf("custom action rejected: %v", err)
	}
	if err := Action(" ").Validate(); err == nil {
		t.Fatal("blank action accepted")
	}
}
