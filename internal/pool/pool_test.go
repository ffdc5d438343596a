package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/sandbox"
)

// fakeRuntime counts compiles and instantiations so tests can assert
// on cold-path behavior without a real engine.
type fakeRuntime struct {
	compiles     atomic.Int64
	compileDelay time.Duration
	compileErr   error

	mu     sync.Mutex
	closed []*fakeContext
}

func (f *fakeRuntime) Compile(wasm []byte) (sandbox.Artifact, error) {
	if f.compileDelay > 0 {
		time.Sleep(f.compileDelay)
	}
	f.compiles.Add(1)
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	return &fakeArtifact{rt: f}, nil
}

func (f *fakeRuntime) Close() {}

type fakeArtifact struct {
	rt *fakeRuntime
}

func (a *fakeArtifact) NewContext(limits domain.ResourceLimits) (sandbox.Context, error) {
	return &fakeContext{rt: a.rt}, nil
}

func (a *fakeArtifact) Close() {}

type fakeContext struct {
	rt     *fakeRuntime
	closed atomic.Bool
}

func (c *fakeContext) Invoke(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
	return &sandbox.Response{Status: 200}, nil
}

func (c *fakeContext) Close() {
	c.closed.Store(true)
	c.rt.mu.Lock()
	c.rt.closed = append(c.rt.closed, c)
	c.rt.mu.Unlock()
}

func record(name string, version int64) *domain.ModuleRecord {
	limits := domain.DefaultLimits()
	return &domain.ModuleRecord{
		Name:    name,
		Owner:   "alice",
		Version: version,
		Limits:  limits,
		Module:  []byte{0x00, 0x61, 0x73, 0x6d},
	}
}

func newTestPool(t *testing.T, rt sandbox.Runtime, cfg Config) *Pool {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour // keep the janitor out of the way
	}
	p := New(rt, cfg)
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireColdThenWarm(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	inst, err := p.Acquire(ctx, record("hello", 1))
	if err != nil {
		t.Fatal(err)
	}
	if !inst.ColdStart {
		t.Error("first acquire should be a cold start")
	}
	p.Release(inst)

	inst2, err := p.Acquire(ctx, record("hello", 1))
	if err != nil {
		t.Fatal(err)
	}
	if inst2.ColdStart {
		t.Error("second acquire should reuse the idle context")
	}
	if inst2 != inst {
		t.Error("expected the same instance back")
	}
	if got := rt.compiles.Load(); got != 1 {
		t.Errorf("compiles = %d, want 1", got)
	}
}

func TestAcquireCompilesOncePerVersion(t *testing.T) {
	rt := &fakeRuntime{compileDelay: 20 * time.Millisecond}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := p.Acquire(ctx, record("hello", 1))
			if err != nil {
				t.Error(err)
				return
			}
			p.Release(inst)
		}()
	}
	wg.Wait()

	if got := rt.compiles.Load(); got != 1 {
		t.Errorf("compiles = %d, want 1 (single-flighted)", got)
	}
}

func TestAcquireNewVersionEvictsOld(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	inst, _ := p.Acquire(ctx, record("hello", 1))
	p.Release(inst)

	inst2, err := p.Acquire(ctx, record("hello", 2))
	if err != nil {
		t.Fatal(err)
	}
	if !inst2.ColdStart {
		t.Error("new version must not reuse old-version context")
	}
	if inst2.Version != 2 {
		t.Errorf("version = %d, want 2", inst2.Version)
	}
	if !inst.ctx.(*fakeContext).closed.Load() {
		t.Error("old-version idle context should be closed")
	}
	if got := rt.compiles.Load(); got != 2 {
		t.Errorf("compiles = %d, want 2", got)
	}
}

func TestBusyContextSurvivesNewVersion(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	busy, _ := p.Acquire(ctx, record("hello", 1))

	// Version bump while busy: the in-flight context must keep running.
	fresh, err := p.Acquire(ctx, record("hello", 2))
	if err != nil {
		t.Fatal(err)
	}
	if busy.ctx.(*fakeContext).closed.Load() {
		t.Fatal("busy context was closed mid-invocation")
	}

	// The stale context is closed on release, not returned to the pool.
	p.Release(busy)
	if !busy.ctx.(*fakeContext).closed.Load() {
		t.Error("stale context should be closed on release")
	}
	p.Release(fresh)

	contexts, _ := p.Stats()
	if contexts != 1 {
		t.Errorf("contexts = %d, want 1", contexts)
	}
}

func TestDiscardRemovesContext(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	inst, _ := p.Acquire(ctx, record("hello", 1))
	p.Discard(inst)

	if !inst.ctx.(*fakeContext).closed.Load() {
		t.Error("discarded context should be closed")
	}
	contexts, memMB := p.Stats()
	if contexts != 0 || memMB != 0 {
		t.Errorf("stats = (%d, %d), want (0, 0)", contexts, memMB)
	}

	// Next acquire recreates lazily.
	inst2, err := p.Acquire(ctx, record("hello", 1))
	if err != nil {
		t.Fatal(err)
	}
	if !inst2.ColdStart {
		t.Error("acquire after discard should instantiate a fresh context")
	}
}

func TestInvalidateClosesIdleAndDefersBusy(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	busy, _ := p.Acquire(ctx, record("hello", 1))
	idle, _ := p.Acquire(ctx, record("hello", 1))
	p.Release(idle)

	p.Invalidate("hello")

	if !idle.ctx.(*fakeContext).closed.Load() {
		t.Error("idle context should close on invalidation")
	}
	if busy.ctx.(*fakeContext).closed.Load() {
		t.Error("busy context must finish its invocation first")
	}
	p.Release(busy)
	if !busy.ctx.(*fakeContext).closed.Load() {
		t.Error("busy context should close once released")
	}
}

func TestRetentionCapTrimsIdle(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{})
	ctx := context.Background()

	rec := record("hello", 1)
	rec.Limits.MaxInstances = 2

	// Check out more contexts than the cap allows, then return them.
	var insts []*Instance
	for i := 0; i < 4; i++ {
		inst, err := p.Acquire(ctx, rec)
		if err != nil {
			t.Fatal(err)
		}
		insts = append(insts, inst)
	}
	for _, inst := range insts {
		p.Release(inst)
	}

	contexts, _ := p.Stats()
	if contexts != 2 {
		t.Errorf("contexts after release = %d, want 2 (retention cap)", contexts)
	}
}

func TestGlobalBoundsEvictLRUIdle(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxContexts: 2, MaxMemoryMB: 1 << 20})
	ctx := context.Background()

	a, _ := p.Acquire(ctx, record("alpha", 1))
	p.Release(a)
	time.Sleep(2 * time.Millisecond)
	b, _ := p.Acquire(ctx, record("beta", 1))
	p.Release(b)
	time.Sleep(2 * time.Millisecond)

	// Third function pushes the pool over MaxContexts; the oldest idle
	// context (alpha's) must go.
	c, _ := p.Acquire(ctx, record("gamma", 1))
	p.Release(c)

	if !a.ctx.(*fakeContext).closed.Load() {
		t.Error("least-recently-used idle context should be evicted")
	}
	if b.ctx.(*fakeContext).closed.Load() {
		t.Error("more recent idle context should survive")
	}
	contexts, _ := p.Stats()
	if contexts != 2 {
		t.Errorf("contexts = %d, want 2", contexts)
	}
}

func TestBoundsNeverEvictBusy(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{MaxContexts: 1, MaxMemoryMB: 1 << 20})
	ctx := context.Background()

	a, _ := p.Acquire(ctx, record("alpha", 1))
	b, _ := p.Acquire(ctx, record("beta", 1))

	// Both busy, pool over bound: nothing may be evicted.
	if a.ctx.(*fakeContext).closed.Load() || b.ctx.(*fakeContext).closed.Load() {
		t.Fatal("busy context was evicted")
	}
	contexts, _ := p.Stats()
	if contexts != 2 {
		t.Errorf("contexts = %d, want 2 (transient overshoot)", contexts)
	}
	p.Release(a)
	p.Release(b)
}

func TestIdleTTLReclaim(t *testing.T) {
	rt := &fakeRuntime{}
	p := newTestPool(t, rt, Config{
		IdleTTL:         5 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
	ctx := context.Background()

	inst, _ := p.Acquire(ctx, record("hello", 1))
	p.Release(inst)

	time.Sleep(10 * time.Millisecond)
	p.reclaimIdle()

	if !inst.ctx.(*fakeContext).closed.Load() {
		t.Error("idle context past TTL should be reclaimed")
	}
	contexts, _ := p.Stats()
	if contexts != 0 {
		t.Errorf("contexts = %d, want 0", contexts)
	}
}

func TestShutdownClosesIdle(t *testing.T) {
	rt := &fakeRuntime{}
	p := New(rt, Config{CleanupInterval: time.Hour})
	ctx := context.Background()

	inst, _ := p.Acquire(ctx, record("hello", 1))
	p.Release(inst)
	p.Shutdown()

	if !inst.ctx.(*fakeContext).closed.Load() {
		t.Error("shutdown should close idle contexts")
	}
}
