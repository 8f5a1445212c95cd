package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "iam:eff"

// DecisionCache memoizes resolver outputs per (user, tenant) in a Redis
// hash with a fixed TTL. Entries are purely derived state: safe to drop and
// recompute at any time, never a source of truth. With a nil client the
// cache degrades to pass-through resolution.
//
// Concurrent misses for the same target are collapsed through singleflight;
// redundant computation would be correct either way since resolution is a
// pure read.
type DecisionCache struct {
	client   *redis.Client
	resolver *Resolver
	ttl      time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// DefaultDecisionTTL bounds staleness when no explicit invalidation arrives.
const DefaultDecisionTTL = 5 * time.Minute

// NewDecisionCache constructs the cache over a resolver.
func NewDecisionCache(client *redis.Client, resolver *Resolver, ttl time.Duration, logger *slog.Logger) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{client: client, resolver: resolver, ttl: ttl, logger: logger}
}

type cachedView struct {
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

type cachedFeature struct {
	Allowed    bool      `json:"allowed"`
	Scope      Scope     `json:"scope,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

func partitionKey(tenantID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, tenantID, userID)
}

// ResolveView returns a cached decision when fresh, resolving and storing on miss.
func (c *DecisionCache) ResolveView(ctx context.Context, userID, tenantID, viewID string) (ViewDecision, error) {
	if c.client == nil {
		return c.resolver.ResolveView(ctx, userID, tenantID, viewID)
	}
	key := partitionKey(tenantID, userID)
	field := "view:" + viewID

	payload, err := c.client.HGet(ctx, key, field).Bytes()
	if err == nil {
		var entry cachedView
		if err := json.Unmarshal(payload, &entry); err == nil {
			return ViewDecision{Allowed: entry.Allowed, Reason: entry.Reason}, nil
		}
	} else if err != redis.Nil && c.logger != nil {
		c.logger.Warn("decision cache read", slog.Any("error", err))
	}

	result, err, _ := c.group.Do(key+"|"+field, func() (any, error) {
		decision, err := c.resolver.ResolveView(ctx, userID, tenantID, viewID)
		if err != nil {
			return ViewDecision{}, err
		}
		c.storeEntry(ctx, key, field, cachedView{Allowed: decision.Allowed, Reason: decision.Reason, ComputedAt: time.Now().UTC()})
		return decision, nil
	})
	if err != nil {
		return ViewDecision{}, err
	}
	return result.(ViewDecision), nil
}

// ResolveFeature returns a cached decision when fresh, resolving and storing on miss.
func (c *DecisionCache) ResolveFeature(ctx context.Context, userID, tenantID, featureID string, action Action) (FeatureDecision, error) {
	if c.client == nil {
		return c.resolver.ResolveFeature(ctx, userID, tenantID, featureID, action)
	}
	key := partitionKey(tenantID, userID)
	// NUL separator keeps crafted IDs or actions containing ":" from
	// aliasing another entry's field.
	field := "feat:" + featureID + "\x00" + string(action)

	payload, err := c.client.HGet(ctx, key, field).Bytes()
	if err == nil {
		var entry cachedFeature
		if err := json.Unmarshal(payload, &entry); err == nil {
			return FeatureDecision{Allowed: entry.Allowed, Scope: entry.Scope}, nil
		}
	} else if err != redis.Nil && c.logger != nil {
		c.logger.Warn("decision cache read", slog.Any("error", err))
	}

	result, err, _ := c.group.Do(key+"|"+field, func() (any, error) {
		decision, err := c.resolver.ResolveFeature(ctx, userID, tenantID, featureID, action)
		if err != nil {
			return FeatureDecision{}, err
		}
		c.storeEntry(ctx, key, field, cachedFeature{Allowed: decision.Allowed, Scope: decision.Scope, ComputedAt: time.Now().UTC()})
		return decision, nil
	})
	if err != nil {
		return FeatureDecision{}, err
	}
	return result.(FeatureDecision), nil
}

// storeEntry writes a resolved decision; write failures only bound cache
// effectiveness, never the decision itself.
func (c *DecisionCache) storeEntry(ctx context.Context, key, field string, entry any) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, field, raw)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil && c.logger != nil {
		c.logger.Warn("decision cache write", slog.Any("error", err))
	}
}

// InvalidateUser drops every cached decision for one (user, tenant).
func (c *DecisionCache) InvalidateUser(ctx context.Context, tenantID, userID string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, partitionKey(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("iam: invalidate user cache: %w", err)
	}
	return nil
}

// InvalidateUsers drops cached decisions for a set of users in one tenant.
func (c *DecisionCache) InvalidateUsers(ctx context.Context, tenantID string, userIDs []string) error {
	if c.client == nil || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		keys = append(keys, partitionKey(tenantID, userID))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("iam: invalidate user caches: %w", err)
	}
	return nil
}

// InvalidateTenant drops the entire cache partition for a tenant. Used as
// the fail-safe when the affected user set cannot be determined.
func (c *DecisionCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	return c.dropByPattern(ctx, fmt.Sprintf("%s:%s:*", cacheKeyPrefix, tenantID))
}

// InvalidateAll drops every tenant's partition. Used after mutations of
// global entities (views, modules, features, their relations).
func (c *DecisionCache) InvalidateAll(ctx context.Context) error {
	return c.dropByPattern(ctx, cacheKeyPrefix+":*")
}

func (c *DecisionCache) dropByPattern(ctx context.Context, pattern string) error {
	if c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("iam: invalidate cache partition: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iam: invalidate cache partition: %w", err)
	}
	return nil
}
