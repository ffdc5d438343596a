package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fourlexboehm/faasta/internal/domain"
)

// cacheEntry holds a cached record with an expiration time.
type cacheEntry struct {
	rec       *domain.ModuleRecord
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// DefaultCacheTTL bounds the staleness window for cached records.
const DefaultCacheTTL = 5 * time.Second

// CachedModuleStore wraps a ModuleStore and caches Get, the hot-path
// read on every invocation. Writes invalidate the affected entry
// immediately; the short TTL is a safety net against direct DB edits
// and cross-node writes that the invalidation channel missed.
type CachedModuleStore struct {
	ModuleStore // underlying store, uncached methods delegate here

	ttl     time.Duration
	records sync.Map // name -> *cacheEntry

	// negative cache for names that resolved to NotFound, so a flood of
	// requests for a nonexistent function does not hammer the backend
	negative sync.Map // name -> *cacheEntry (rec == nil)
}

// NewCachedModuleStore returns a caching wrapper. Pass ttl <= 0 for
// the default.
func NewCachedModuleStore(underlying ModuleStore, ttl time.Duration) *CachedModuleStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedModuleStore{ModuleStore: underlying, ttl: ttl}
}

func (c *CachedModuleStore) Get(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	if v, ok := c.records.Load(name); ok {
		entry := v.(*cacheEntry)
		if !entry.expired() {
			cp := *entry.rec
			return &cp, nil
		}
		c.records.Delete(name)
	}
	if v, ok := c.negative.Load(name); ok {
		entry := v.(*cacheEntry)
		if !entry.expired() {
			return nil, domain.ErrFunctionNotFound
		}
		c.negative.Delete(name)
	}

	rec, err := c.ModuleStore.Get(ctx, name)
	if errors.Is(err, domain.ErrFunctionNotFound) {
		c.negative.Store(name, &cacheEntry{expiresAt: time.Now().Add(c.ttl)})
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.records.Store(name, &cacheEntry{rec: rec, expiresAt: time.Now().Add(c.ttl)})
	cp := *rec
	return &cp, nil
}

func (c *CachedModuleStore) Put(ctx context.Context, rec *domain.ModuleRecord) (int64, error) {
	version, err := c.ModuleStore.Put(ctx, rec)
	if err == nil {
		c.Invalidate(rec.Name)
	}
	return version, err
}

func (c *CachedModuleStore) Delete(ctx context.Context, name string) error {
	err := c.ModuleStore.Delete(ctx, name)
	if err == nil || errors.Is(err, domain.ErrFunctionNotFound) {
		c.Invalidate(name)
	}
	return err
}

// Invalidate drops any cached state for name. Called locally on writes
// and remotely via the invalidation channel.
func (c *CachedModuleStore) Invalidate(name string) {
	c.records.Delete(name)
	c.negative.Delete(name)
}
