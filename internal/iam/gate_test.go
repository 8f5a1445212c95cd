package iam

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ResolveView(ctx context.Context, userID, tenantID, viewID string) (ViewDecision, error) {
	args := m.Called(ctx, userID, tenantID, viewID)
	return args.Get(0).(ViewDecision), args.Error(1)
}

func (m *mockSource) ResolveFeature(ctx context.Context, userID, tenantID, featureID string, action Action) (FeatureDecision, error) {
	args := m.Called(ctx, userID, tenantID, featureID, action)
	return args.Get(0).(FeatureDecision), args.Error(1)
}

type recordingEmitter struct {
	records []AuditRecord
}

func (r *recordingEmitter) Record(ctx context.Context, rec AuditRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func TestGateRejectsMalformedRequirements(t *testing.T) {
	gate := NewGate(&mockSource{}, nil, nil, nil)
	ctx := context.Background()
	id := Identity{UserID: "u1", TenantID: "t1"}

	cases := []Requirement{
		{},
		{ViewID: "v1", FeatureID: "f1", Action: ActionRead},
		{FeatureID: "f1"},
		{FeatureID: "f1", Action: ActionRead, MinScope: Scope("galaxy")},
	}
	for _, req := range cases {
		d, err := gate.Authorize(ctx, id, "", req)
		require.Error(t, err)
		require.False(t, d.Allowed)
	}
}

func TestGateSuperAdminBypassIsAudited(t *testing.T) {
	source := &mockSource{}
	audit := &recordingEmitter{}
	gate := NewGate(source, audit, nil, nil)

	d, err := gate.Authorize(context.Background(), Identity{UserID: "root", SuperAdmin: true}, "t1", Requirement{ViewID: "v1"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, ReasonSuperAdmin, d.Reason)

	require.Len(t, audit.records, 1)
	require.Equal(t, "authz.bypass", audit.records[0].Action)
	require.Equal(t, "root", audit.records[0].ActorID)
	require.Equal(t, "v1", audit.records[0].EntityID)

	// Resolution never ran.
	source.AssertNotCalled(t, "ResolveView", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGateMissingTenant(t *testing.T) {
	gate := NewGate(&mockSource{}, nil, nil, nil)

	d, err := gate.Authorize(context.Background(), Identity{UserID: "u1"}, "", Requirement{ViewID: "v1"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonMissingTenant, d.Reason)
}

func TestGateCrossTenantPrecedesResolution(t *testing.T) {
	source := &mockSource{}
	gate := NewGate(source, nil, nil, nil)

	d, err := gate.Authorize(context.Background(), Identity{UserID: "u1", TenantID: "t1"}, "t2", Requirement{ViewID: "v1"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonCrossTenant, d.Reason)
	source.AssertNotCalled(t, "ResolveView", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGateFallsBackToHomeTenant(t *testing.T) {
	source := &mockSource{}
	source.On("ResolveView", mock.Anything, "u1", "t1", "v1").Return(ViewDecision{Allowed: true}, nil)
	gate := NewGate(source, nil, nil, nil)

	d, err := gate.Authorize(context.Background(), Identity{UserID: "u1", TenantID: "t1"}, "", Requirement{ViewID: "v1"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	source.AssertExpectations(t)
}

func TestGateFailsClosedOnStoreError(t *testing.T) {
	source := &mockSource{}
	source.On("ResolveView", mock.Anything, "u1", "t1", "v1").Return(ViewDecision{}, errors.New("connection refused"))
	gate := NewGate(source, nil, nil, nil)

	d, err := gate.Authorize(context.Background(), Identity{UserID: "u1", TenantID: "t1"}, "", Requirement{ViewID: "v1"})
	require.Error(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonStoreError, d.Reason)
}

func TestGateFeatureMinScope(t *testing.T) {
	source := &mockSource{}
	source.On("ResolveFeature", mock.Anything, "u1", "t1", "f1", ActionUpdate).Return(FeatureDecision{Allowed: true, Scope: ScopeOwn}, nil)
	gate := NewGate(source, nil, nil, nil)
	id := Identity{UserID: "u1", TenantID: "t1"}

	d, err := gate.Authorize(context.Background(), id, "", Requirement{FeatureID: "f1", Action: ActionUpdate, MinScope: ScopeCompany})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonInsufficientScope, d.Reason)
	require.Equal(t, ScopeOwn, d.Scope)
}

func TestGateFeatureGrantCarriesScope(t *testing.T) {
	source := &mockSource{}
	source.On("ResolveFeature", mock.Anything, "u1", "t1", "f1", ActionUpdate).Return(FeatureDecision{Allowed: true, Scope: ScopeAny}, nil)
	gate := NewGate(source, nil, nil, nil)
	id := Identity{UserID: "u1", TenantID: "t1"}

	d, err := gate.Authorize(context.Background(), id, "", Requirement{FeatureID: "f1", Action: ActionUpdate, MinScope: ScopeTeam})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, ScopeAny, d.Scope)
}

func TestGateFeatureNotGranted(t *testing.T) {
	source := &mockSource{}
	source.On("ResolveFeature", mock.Anything, "u1", "t1", "f1", ActionRead).Return(FeatureDecision{Allowed: false}, nil)
	gate := NewGate(source, nil, nil, nil)

	d, err := gate.Authorize(context.Background(), Identity{UserID: "u1", TenantID: "t1"}, "", Requirement{FeatureID: "f1", Action: ActionRead})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonNotGranted, d.Reason)
}
