package iam

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors surfaced by the store and mutation paths.
var (
	// ErrNotFound indicates that a referenced entity or relation does not exist.
	ErrNotFound = errors.New("iam: not found")
	// ErrDuplicate indicates a uniqueness violation, e.g. a level name reused within a tenant.
	ErrDuplicate = errors.New("iam: duplicate")
	// ErrImmutable indicates an attempted write to a non-modifiable permission row.
	ErrImmutable = errors.New("iam: immutable permission row")
	// ErrMissingTenant indicates that no tenant context could be resolved.
	ErrMissingTenant = errors.New("iam: missing tenant context")
	// ErrCrossTenant indicates the identity's home tenant does not match the requested tenant.
	ErrCrossTenant = errors.New("iam: cross-tenant access")
	// ErrInsufficientScope indicates the resolved scope is below the required minimum.
	ErrInsufficientScope = errors.New("iam: insufficient scope")
)

// Deny reason codes returned alongside decisions. A deny is a valid
// outcome, not an error; callers branch on these to build responses.
const (
	ReasonModuleNotOwned    = "module_not_owned"
	ReasonNoLevels          = "no_levels"
	ReasonDenied            = "denied"
	ReasonNotGranted        = "not_granted"
	ReasonMissingTenant     = "missing_tenant"
	ReasonCrossTenant       = "cross_tenant"
	ReasonInsufficientScope = "insufficient_scope"
	ReasonStoreError        = "store_error"
	ReasonSuperAdmin        = "super_admin"
)

// PermissionState is the tri-state value of a view permission row.
type PermissionState string

const (
	StateAllow   PermissionState = "allow"
	StateDeny    PermissionState = "deny"
	StateInherit PermissionState = "inherit"
)

// Valid reports whether the state is one of the three known values.
func (s PermissionState) Valid() bool {
	switch s {
	case StateAllow, StateDeny, StateInherit:
		return true
	}
	return false
}

// Scope bounds the breadth of records an allowed action may touch.
// The total order is own < company < team < any.
type Scope string

const (
	ScopeOwn     Scope = "own"
	ScopeCompany Scope = "company"
	ScopeTeam    Scope = "team"
	ScopeAny     Scope = "any"
)

var scopeRank = map[Scope]int{
	ScopeOwn:     1,
	ScopeCompany: 2,
	ScopeTeam:    3,
	ScopeAny:     4,
}

// Valid reports whether the scope is a known value.
func (s Scope) Valid() bool {
	_, ok := scopeRank[s]
	return ok
}

// AtLeast reports whether s is greater than or equal to min in the scope order.
func (s Scope) AtLeast(min Scope) bool {
	return scopeRank[s] >= scopeRank[min]
}

// WiderOf returns the more permissive of the two scopes.
func WiderOf(a, b Scope) Scope {
	if scopeRank[b] > scopeRank[a] {
		return b
	}
	return a
}

// Action is an open-ended verb attached to a feature permission row.
// Feature sets define their own verbs; the recommended vocabulary below is
// not enforced against stored rows.
type Action string

const (
	ActionCreate  Action = "Create"
	ActionRead    Action = "Read"
	ActionUpdate  Action = "Update"
	ActionDelete  Action = "Delete"
	ActionExport  Action = "Export"
	ActionApprove Action = "Approve"
	ActionPublish Action = "Publish"
)

// RecommendedActions is the default verb vocabulary used when probing a
// feature without an explicit action list (navigation assembly).
var RecommendedActions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete,
	ActionExport, ActionApprove, ActionPublish,
}

// Validate rejects empty action strings.
func (a Action) Validate() error {
	if strings.TrimSpace(string(a)) == "" {
		return errors.New("iam: action required")
	}
	return nil
}

// View is a named, addressable application surface. Global, not tenant-scoped.
type View struct {
	ID   string
	Name string
	URL  string
}

// Module is a purchasable bundle of views. A tenant owning a module is the
// entitlement gate for the views it contains.
type Module struct {
	ID          string
	Name        string
	Code        string
	Description string
}

// Feature is a named capability unit: an action family, not a page.
type Feature struct {
	ID          string
	Name        string
	Key         string
	Description string
}

// UserLevel is a tenant-scoped role holding permission rows.
// Name is unique within a tenant.
type UserLevel struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ViewPermission is a tri-state row keyed (tenant, level, view).
// Absence of a row is equivalent to StateInherit.
type ViewPermission struct {
	TenantID    string
	UserLevelID string
	ViewID      string
	State       PermissionState
	Modifiable  bool
}

// FeaturePermission is a scoped boolean row keyed (tenant, level, feature, action).
type FeaturePermission struct {
	TenantID    string
	UserLevelID string
	FeatureID   string
	Action      Action
	Value       bool
	Scope       Scope
	Modifiable  bool
}

// Identity is the already-authenticated actor consumed by the gate.
type Identity struct {
	UserID     string
	TenantID   string
	SuperAdmin bool
}

// Requirement describes what an authorization request asks for: either a
// view, or a feature+action with an optional minimum scope.
type Requirement struct {
	ViewID    string
	FeatureID string
	Action    Action
	MinScope  Scope
}

// Decision is the outcome of gate evaluation. Reason is empty on a plain
// allow and carries a reason code otherwise; Scope is set only for allowed
// feature requirements.
type Decision struct {
	Allowed bool
	Reason  string
	Scope   Scope
}

// ViewDecision is the resolver outcome for a view target.
type ViewDecision struct {
	Allowed bool
	Reason  string
}

// FeatureDecision is the resolver outcome for a feature+action target.
// Scope is empty when denied.
type FeatureDecision struct {
	Allowed bool
	Scope   Scope
}
