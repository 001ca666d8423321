package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	devices "aquaflow/internal/devices/domain"
	"aquaflow/internal/observability/metrics"
)

const defaultTTL = time.Hour

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Cache answers device authorization checks from a TTL-bounded
// in-memory cache backed by the durable authorization store.
//
// Only affirmative answers are cached; store errors and missing or
// inactive records fail closed.
type Cache struct {
	store  devices.AuthorizationRepository
	ttl    time.Duration
	clock  Clock
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	cachedAt time.Time
	// expiresAt caps the entry at the record's own expiry when it is
	// sooner than the TTL.
	expiresAt time.Time
}

// CacheOption customizes the cache.
type CacheOption func(*Cache)

// WithTTL overrides the entry time-to-live.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) CacheOption {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCache constructs an authorization cache.
func NewCache(store devices.AuthorizationRepository, logger *log.Logger, opts ...CacheOption) (*Cache, error) {
	if store == nil {
		return nil, errors.New("authorization cache: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	cache := &Cache{
		store:   store,
		ttl:     defaultTTL,
		clock:   systemClock{},
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache, nil
}

// IsAuthorized reports whether the device may publish for the tenant.
func (c *Cache) IsAuthorized(ctx context.Context, tenantID, deviceID string) bool {
	if tenantID == "" || deviceID == "" {
		return false
	}
	now := c.clock.Now()
	key := tenantID + "/" + deviceID

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.fresh(entry, now) {
		return true
	}

	record, err := c.store.Get(ctx, tenantID, deviceID)
	if err != nil {
		// Fail closed: an unreachable store must never admit data.
		c.logger.Printf("authorization cache: store error tenant=%s device=%s: %v", tenantID, deviceID, err)
		metrics.ObserveAuthorizationDenied("store_error")
		return false
	}
	if record == nil || !record.ActiveAt(now) {
		metrics.ObserveAuthorizationDenied("not_authorized")
		return false
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{cachedAt: now, expiresAt: record.ExpiresAt}
	c.mu.Unlock()
	return true
}

// Invalidate removes the cache entry for (tenant, device). The next
// check consults the durable store even if the TTL has not expired.
func (c *Cache) Invalidate(tenantID, deviceID string) {
	c.mu.Lock()
	delete(c.entries, tenantID+"/"+deviceID)
	c.mu.Unlock()
}

func (c *Cache) fresh(entry cacheEntry, now time.Time) bool {
	if now.Sub(entry.cachedAt) >= c.ttl {
		return false
	}
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		return false
	}
	return true
}
