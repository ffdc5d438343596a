package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fourlexboehm/faasta/internal/domain"
)

// countingStore wraps a ModuleStore and counts Get calls.
type countingStore struct {
	ModuleStore
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	c.gets.Add(1)
	return c.ModuleStore.Get(ctx, name)
}

func TestCachedStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{ModuleStore: NewMemoryStore()}
	cached := NewCachedModuleStore(inner, time.Minute)

	cached.Put(ctx, testRecord("hello", "alice"))

	for i := 0; i < 5; i++ {
		if _, err := cached.Get(ctx, "hello"); err != nil {
			t.Fatal(err)
		}
	}
	if got := inner.gets.Load(); got != 1 {
		t.Errorf("backend gets = %d, want 1", got)
	}
}

func TestCachedStoreNegativeCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{ModuleStore: NewMemoryStore()}
	cached := NewCachedModuleStore(inner, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := cached.Get(ctx, "ghost"); !errors.Is(err, domain.ErrFunctionNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if got := inner.gets.Load(); got != 1 {
		t.Errorf("backend gets = %d, want 1", got)
	}
}

// wrappingStore returns NotFound wrapped with context, the way the
// postgres backend decorates its errors.
type wrappingStore struct {
	ModuleStore
	gets atomic.Int64
}

func (w *wrappingStore) Get(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	w.gets.Add(1)
	rec, err := w.ModuleStore.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get module %s: %w", name, err)
	}
	return rec, nil
}

func TestCachedStoreNegativeCacheWithWrappedError(t *testing.T) {
	ctx := context.Background()
	inner := &wrappingStore{ModuleStore: NewMemoryStore()}
	cached := NewCachedModuleStore(inner, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := cached.Get(ctx, "ghost"); !errors.Is(err, domain.ErrFunctionNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if got := inner.gets.Load(); got != 1 {
		t.Errorf("backend gets = %d, want 1 despite wrapped sentinel", got)
	}
}

func TestCachedStoreWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{ModuleStore: NewMemoryStore()}
	cached := NewCachedModuleStore(inner, time.Minute)

	cached.Put(ctx, testRecord("hello", "alice"))
	rec, _ := cached.Get(ctx, "hello")
	if rec.Version != 1 {
		t.Fatalf("version = %d", rec.Version)
	}

	// Republish must be visible immediately, not after TTL.
	cached.Put(ctx, testRecord("hello", "alice"))
	rec, _ = cached.Get(ctx, "hello")
	if rec.Version != 2 {
		t.Errorf("version after republish = %d, want 2", rec.Version)
	}

	// Unpublish must drop both positive and negative entries.
	if err := cached.Delete(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.Get(ctx, "hello"); !errors.Is(err, domain.ErrFunctionNotFound) {
		t.Fatalf("err after delete = %v", err)
	}
}

func TestCachedStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{ModuleStore: NewMemoryStore()}
	cached := NewCachedModuleStore(inner, 10*time.Millisecond)

	cached.Put(ctx, testRecord("hello", "alice"))
	cached.Get(ctx, "hello")
	time.Sleep(20 * time.Millisecond)
	cached.Get(ctx, "hello")

	if got := inner.gets.Load(); got != 2 {
		t.Errorf("backend gets = %d, want 2 after TTL expiry", got)
	}
}
