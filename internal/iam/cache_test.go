package iam

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCacheFixture(t *testing.T) (*DecisionCache, *MemStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := seedResolverStore(t)
	ownModule(t, store)
	grantLevels(t, store, "u1", "level-1")
	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateAllow})

	cache := NewDecisionCache(client, NewResolver(store), time.Minute, nil)
	return cache, store, mr
}

func TestDecisionCacheServesStaleUntilInvalidated(t *testing.T) {
	cache, store, _ := newCacheFixture(t)
	ctx := context.Background()

	first, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// Flip the underlying permission. The cached entry keeps answering
	// until something drops it.
	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateDeny})

	cached, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.True(t, cached.Allowed, "expected cached decision before invalidation")

	require.NoError(t, cache.InvalidateUser(ctx, "t1", "u1"))

	fresh, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.False(t, fresh.Allowed)
	require.Equal(t, ReasonDenied, fresh.Reason)
}

func TestDecisionCacheEntriesExpire(t *testing.T) {
	cache, store, mr := newCacheFixture(t)
	ctx := context.Background()

	_, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)

	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateDeny})
	mr.FastForward(2 * time.Minute)

	d, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.False(t, d.Allowed, "expected TTL to bound staleness")
}

func TestDecisionCacheFeatureEntries(t *testing.T) {
	cache, store, _ := newCacheFixture(t)
	ctx := context.Background()
	setFeatPerms(t, store, "level-1", FeaturePermission{FeatureID: "feat-1", Action: ActionRead, Value: true, Scope: ScopeTeam})

	d, err := cache.ResolveFeature(ctx, "u1", "t1", "feat-1", ActionRead)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, ScopeTeam, d.Scope)

	setFeatPerms(t, store, "level-1", FeaturePermission{FeatureID: "feat-1", Action: ActionRead, Value: false, Scope: ScopeTeam})

	cached, err := cache.ResolveFeature(ctx, "u1", "t1", "feat-1", ActionRead)
	require.NoError(t, err)
	require.True(t, cached.Allowed, "expected cached grant before invalidation")
}

func TestDecisionCacheFeatureFieldsDoNotAlias(t *testing.T) {
	cache, store, _ := newCacheFixture(t)
	ctx := context.Background()

	// Two distinct (feature, action) pairs whose naive ":"-joined keys
	// would collide.
	require.NoError(t, store.CreateFeature(ctx, Feature{ID: "report", Name: "Report"}))
	require.NoError(t, store.CreateFeature(ctx, Feature{ID: "report:pdf", Name: "Report PDF"}))
	setFeatPerms(t, store, "level-1", FeaturePermission{FeatureID: "report", Action: Action("pdf:Export"), Value: true, Scope: ScopeAny})

	granted, err := cache.ResolveFeature(ctx, "u1", "t1", "report", Action("pdf:Export"))
	require.NoError(t, err)
	require.True(t, granted.Allowed)

	other, err := cache.ResolveFeature(ctx, "u1", "t1", "report:pdf", Action("Export"))
	require.NoError(t, err)
	require.False(t, other.Allowed, "colliding pair must not inherit the cached grant")
}

func TestDecisionCacheInvalidateTenant(t *testing.T) {
	cache, store, _ := newCacheFixture(t)
	ctx := context.Background()
	grantLevels(t, store, "u2", "level-1")

	for _, user := range []string{"u1", "u2"} {
		_, err := cache.ResolveView(ctx, user, "t1", "view-a")
		require.NoError(t, err)
	}

	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateDeny})
	require.NoError(t, cache.InvalidateTenant(ctx, "t1"))

	for _, user := range []string{"u1", "u2"} {
		d, err := cache.ResolveView(ctx, user, "t1", "view-a")
		require.NoError(t, err)
		require.False(t, d.Allowed, "expected fresh decision for %s", user)
	}
}

func TestDecisionCacheInvalidateUsers(t *testing.T) {
	cache, store, _ := newCacheFixture(t)
	ctx := context.Background()
	grantLevels(t, store, "u2", "level-1")

	for _, user := range []string{"u1", "u2"} {
		_, err := cache.ResolveView(ctx, user, "t1", "view-a")
		require.NoError(t, err)
	}

	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateDeny})
	require.NoError(t, cache.InvalidateUsers(ctx, "t1", []string{"u1"}))

	d, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = cache.ResolveView(ctx, "u2", "t1", "view-a")
	require.NoError(t, err)
	require.True(t, d.Allowed, "u2 entry should be untouched")
}

func TestDecisionCacheNilClientPassesThrough(t *testing.T) {
	store := seedResolverStore(t)
	ownModule(t, store)
	grantLevels(t, store, "u1", "level-1")
	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateAllow})

	cache := NewDecisionCache(nil, NewResolver(store), 0, nil)
	ctx := context.Background()

	d, err := cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Every call reaches the resolver directly.
	setViewPerms(t, store, "level-1", ViewPermission{ViewID: "view-a", State: StateDeny})
	d, err = cache.ResolveView(ctx, "u1", "t1", "view-a")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, cache.InvalidateAll(ctx))
}
