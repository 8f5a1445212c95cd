package e2e

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vantage-saas/vantage-iam/internal/iam"
)

// seedTenantAdmin gives admin-a the user-levels feature in tenant-a only.
func seedTenantAdmin(t *testing.T, store *iam.MemStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateFeature(ctx, iam.Feature{ID: iam.FeatureUserLevels, Name: "User Levels"}))
	require.NoError(t, store.CreateView(ctx, iam.View{ID: "view-reports", Name: "Reports"}))
	require.NoError(t, store.CreateUserLevel(ctx, iam.UserLevel{ID: "level-admin-a", TenantID: "tenant-a", Name: "Admin"}))
	require.NoError(t, store.ReplaceFeaturePermissions(ctx, "tenant-a", "level-admin-a", []iam.FeaturePermission{
		{TenantID: "tenant-a", UserLevelID: "level-admin-a", FeatureID: iam.FeatureUserLevels, Action: iam.ActionRead, Value: true, Scope: iam.ScopeCompany, Modifiable: true},
		{TenantID: "tenant-a", UserLevelID: "level-admin-a", FeatureID: iam.FeatureUserLevels, Action: iam.ActionUpdate, Value: true, Scope: iam.ScopeCompany, Modifiable: true},
	}))
	require.NoError(t, store.ReplaceUserLevels(ctx, "tenant-a", "admin-a", []string{"level-admin-a"}))

	require.NoError(t, store.CreateUserLevel(ctx, iam.UserLevel{ID: "level-b", TenantID: "tenant-b", Name: "Staff"}))
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, headers map[string]string, body string) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTenantAdminRoutesRejectForeignTenant(t *testing.T) {
	srv, store := newTestServer(t)
	seedTenantAdmin(t, store)

	identity := map[string]string{
		"X-User-ID":   "admin-a",
		"X-Tenant-ID": "tenant-a",
	}

	// Home tenant works.
	resp := doJSON(t, srv, http.MethodGet, "/iam/tenants/tenant-a/levels", identity, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Reads against another tenant's URL are rejected before any lookup.
	resp = doJSON(t, srv, http.MethodGet, "/iam/tenants/tenant-b/levels", identity, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// So are writes: the foreign level's matrix must stay untouched.
	resp = doJSON(t, srv, http.MethodPut, "/iam/tenants/tenant-b/levels/level-b/view-permissions", identity,
		`{"rows":[{"view_id":"view-reports","state":"allow"}]}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	rows, err := store.ViewPermissions(context.Background(), "tenant-b", "level-b")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMatrixReplaceOmittedModifiableStaysReplaceable(t *testing.T) {
	srv, store := newTestServer(t)
	seedTenantAdmin(t, store)

	identity := map[string]string{
		"X-User-ID":   "admin-a",
		"X-Tenant-ID": "tenant-a",
	}

	// Two successive replaces without a modifiable field: the first write
	// must not freeze the row and block the second.
	resp := doJSON(t, srv, http.MethodPut, "/iam/tenants/tenant-a/levels/level-admin-a/view-permissions", identity,
		`{"rows":[{"view_id":"view-reports","state":"allow"}]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPut, "/iam/tenants/tenant-a/levels/level-admin-a/view-permissions", identity,
		`{"rows":[{"view_id":"view-reports","state":"deny"}]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	rows, err := store.ViewPermissions(context.Background(), "tenant-a", "level-admin-a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, iam.StateDeny, rows[0].State)
	require.True(t, rows[0].Modifiable)

	// Same for the feature matrix; the explicit false still sticks.
	resp = doJSON(t, srv, http.MethodPut, "/iam/tenants/tenant-a/levels/level-admin-a/feature-permissions", identity,
		`{"rows":[{"feature_id":"iam.user-levels","action":"Update","value":true,"scope":"company"},{"feature_id":"iam.user-levels","action":"Read","value":true,"scope":"company","modifiable":false}]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	feats, err := store.FeaturePermissions(context.Background(), "tenant-a", "level-admin-a")
	require.NoError(t, err)
	require.Len(t, feats, 2)
	for _, row := range feats {
		switch row.Action {
		case iam.ActionUpdate:
			require.True(t, row.Modifiable)
		case iam.ActionRead:
			require.False(t, row.Modifiable)
		}
	}
}
