package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// ContextRoleProvider trusts the roles carried by the authenticated request
// context. It only answers for the subject of the current request.
type ContextRoleProvider struct{}

// HasRole implements model.RoleProvider.
func (ContextRoleProvider) HasRole(ctx context.Context, userID, role string) (bool, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.SubjectID != userID {
		return false, nil
	}
	return rctx.HasRole(role), nil
}

// ChainRoleProvider grants a role if any provider grants it. An error is
// returned only when no provider granted the role and at least one failed.
type ChainRoleProvider []model.RoleProvider

// HasRole implements model.RoleProvider.
func (c ChainRoleProvider) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var firstErr error
	for _, p := range c {
		ok, err := p.HasRole(ctx, userID, role)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

type cacheEntry struct {
	granted bool
	expires time.Time
}

// CachedRoleProvider memoizes answers from another provider for a TTL.
// Errors are not cached.
type CachedRoleProvider struct {
	next    model.RoleProvider
	ttl     time.Duration
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedRoleProvider wraps next with a TTL cache.
func NewCachedRoleProvider(next model.RoleProvider, ttl time.Duration, metrics *observability.Metrics) *CachedRoleProvider {
	return &CachedRoleProvider{
		next:    next,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

func cacheKey(userID, role string) string {
	return userID + ":" + role
}

// HasRole implements model.RoleProvider.
func (c *CachedRoleProvider) HasRole(ctx context.Context, userID, role string) (bool, error) {
	key := cacheKey(userID, role)

	c.mu.RLock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expires) {
		c.mu.RUnlock()
		c.metrics.RecordRoleCacheHit()
		return entry.granted, nil
	}
	c.mu.RUnlock()
	c.metrics.RecordRoleCacheMiss()

	granted, err := c.next.HasRole(ctx, userID, role)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{granted: granted, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return granted, nil
}

// Invalidate clears cached answers for a user.
func (c *CachedRoleProvider) Invalidate(userID string) {
	prefix := userID + ":"
	c.mu.Lock()
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
		}
	}
	c.mu.Unlock()
}

// New builds the role provider described by cfg: token roles first when
// trusted, then the static roles file behind a cache.
func New(cfg config.AccessConfig, metrics *observability.Metrics) (model.RoleProvider, error) {
	var chain ChainRoleProvider
	if cfg.TrustTokenRoles {
		chain = append(chain, ContextRoleProvider{})
	}
	if cfg.StaticRolesFile != "" {
		static, err := NewStaticRoleProvider(cfg.StaticRolesFile)
		if err != nil {
			return nil, err
		}
		var p model.RoleProvider = static
		if cfg.CacheTTL > 0 {
			p = NewCachedRoleProvider(static, cfg.CacheTTL, metrics)
		}
		chain = append(chain, p)
	}
	return chain, nil
}
