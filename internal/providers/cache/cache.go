// Package cache keeps per-tenant provider clients alive between calls.
package cache

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

// BuildFunc creates a provider client for a tenant.
type BuildFunc[C any] func(ctx context.Context, tenant sync.Tenant) (C, error)

// Options configures a Cache.
type Options struct {
	TTL   time.Duration
	Limit rate.Limit
	Burst int
	Now   func() time.Time
}

type entry[C any] struct {
	client  C
	creds   sync.Credentials
	expires time.Time
}

// Cache holds one client per tenant, rebuilt after TTL or when the tenant's
// credentials change. Each tenant also gets a rate limiter that outlives
// client rebuilds.
type Cache[C any] struct {
	opts  Options
	build BuildFunc[C]

	mu       stdsync.Mutex
	entries  map[string]*entry[C]
	limiters map[string]*rate.Limiter
}

func New[C any](opts Options, build BuildFunc[C]) *Cache[C] {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Limit == 0 {
		opts.Limit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache[C]{
		opts:     opts,
		build:    build,
		entries:  make(map[string]*entry[C]),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Get waits for the tenant's rate limiter and returns its client.
func (c *Cache[C]) Get(ctx context.Context, tenant sync.Tenant) (C, error) {
	var zero C

	if err := c.limiter(tenant.ID).Wait(ctx); err != nil {
		return zero, sync.NewError(sync.KindTransient, "rate limit", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	if e, ok := c.entries[tenant.ID]; ok && e.creds == tenant.Credentials && now.Before(e.expires) {
		return e.client, nil
	}

	client, err := c.build(ctx, tenant)
	if err != nil {
		return zero, fmt.Errorf("failed to build client for tenant %s: %w", tenant.ID, err)
	}

	c.entries[tenant.ID] = &entry[C]{
		client:  client,
		creds:   tenant.Credentials,
		expires: now.Add(c.opts.TTL),
	}

	return client, nil
}

// Forget drops the cached client of a tenant.
func (c *Cache[C]) Forget(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, tenantID)
}

func (c *Cache[C]) limiter(tenantID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(c.opts.Limit, c.opts.Burst)
		c.limiters[tenantID] = l
	}
	return l
}
