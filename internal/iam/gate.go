package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DecisionSource yields effective permission decisions. Satisfied by both
// Resolver and DecisionCache so the gate can run with or without caching.
type DecisionSource interface {
	ResolveView(ctx context.Context, userID, tenantID, viewID string) (ViewDecision, error)
	ResolveFeature(ctx context.Context, userID, tenantID, featureID string, action Action) (FeatureDecision, error)
}

// GateMetrics records decision outcomes. Optional.
type GateMetrics interface {
	ObserveDecision(kind, outcome, reason string)
}

// Gate is the request-time enforcement point. It is a pure function of
// (identity, tenant, requirement, current permission state) with one
// observable side effect: bypasses are always audited, never silent.
type Gate struct {
	source  DecisionSource
	audit   Emitter
	logger  *slog.Logger
	metrics GateMetrics
}

// NewGate constructs the authorization gate.
func NewGate(source DecisionSource, audit Emitter, logger *slog.Logger, metrics GateMetrics) *Gate {
	if audit == nil {
		audit = NopEmitter{}
	}
	return &Gate{source: source, audit: audit, logger: logger, metrics: metrics}
}

// Authorize evaluates the requirement for the identity within the tenant.
// Rejections carry a reason code on the decision; a non-nil error is only
// returned for infrastructure failures, and those always reject.
func (g *Gate) Authorize(ctx context.Context, id Identity, tenantID string, req Requirement) (Decision, error) {
	kind, err := req.kind()
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonDenied}, err
	}

	if id.SuperAdmin {
		g.recordBypass(ctx, id, tenantID, req)
		return g.observe(kind, Decision{Allowed: true, Reason: ReasonSuperAdmin}), nil
	}

	if tenantID == "" {
		tenantID = id.TenantID
	}
	if tenantID == "" {
		return g.observe(kind, Decision{Allowed: false, Reason: ReasonMissingTenant}), nil
	}
	// Tenant isolation is checked before any permission logic.
	if id.TenantID != "" && id.TenantID != tenantID {
		return g.observe(kind, Decision{Allowed: false, Reason: ReasonCrossTenant}), nil
	}

	if kind == "view" {
		decision, err := g.source.ResolveView(ctx, id.UserID, tenantID, req.ViewID)
		if err != nil {
			// Fail closed: infrastructure failures never resolve to allow.
			g.warn("resolve view", err)
			return g.observe(kind, Decision{Allowed: false, Reason: ReasonStoreError}), err
		}
		return g.observe(kind, Decision{Allowed: decision.Allowed, Reason: decision.Reason}), nil
	}

	decision, err := g.source.ResolveFeature(ctx, id.UserID, tenantID, req.FeatureID, req.Action)
	if err != nil {
		g.warn("resolve feature", err)
		return g.observe(kind, Decision{Allowed: false, Reason: ReasonStoreError}), err
	}
	if !decision.Allowed {
		return g.observe(kind, Decision{Allowed: false, Reason: ReasonNotGranted}), nil
	}
	if req.MinScope != "" && !decision.Scope.AtLeast(req.MinScope) {
		return g.observe(kind, Decision{Allowed: false, Reason: ReasonInsufficientScope, Scope: decision.Scope}), nil
	}
	return g.observe(kind, Decision{Allowed: true, Scope: decision.Scope}), nil
}

func (req Requirement) kind() (string, error) {
	switch {
	case req.ViewID != "" && req.FeatureID != "":
		return "", errors.New("iam: requirement must name a view or a feature, not both")
	case req.ViewID != "":
		return "view", nil
	case req.FeatureID != "":
		if err := req.Action.Validate(); err != nil {
			return "", err
		}
		if req.MinScope != "" && !req.MinScope.Valid() {
			return "", fmt.Errorf("iam: unknown scope %q", req.MinScope)
		}
		return "feature", nil
	default:
		return "", errors.New("iam: requirement must name a view or a feature")
	}
}

func (g *Gate) recordBypass(ctx context.Context, id Identity, tenantID string, req Requirement) {
	target := req.ViewID
	entityType := "view"
	if target == "" {
		target = req.FeatureID
		entityType = "feature"
	}
	rec := AuditRecord{
		Action:     "authz.bypass",
		EntityType: entityType,
		EntityID:   target,
		ActorID:    id.UserID,
		TenantID:   tenantID,
	}
	if req.Action != "" {
		rec.Changes = map[string]any{"action": string(req.Action)}
	}
	if err := g.audit.Record(ctx, rec); err != nil {
		g.warn("audit bypass", err)
	}
}

func (g *Gate) observe(kind string, d Decision) Decision {
	if g.metrics != nil {
		outcome := "reject"
		if d.Allowed {
			outcome = "allow"
		}
		g.metrics.ObserveDecision(kind, outcome, d.Reason)
	}
	return d
}

func (g *Gate) warn(msg string, err error) {
	if g.logger != nil {
		g.logger.Warn(msg, slog.Any("error", err))
	}
}
