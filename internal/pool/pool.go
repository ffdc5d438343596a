// Package pool is the instance cache: ready-to-run execution contexts
// keyed by function identity, bounded by idle TTL, global context count
// and aggregate memory. Compilation on the cold path is deduplicated so
// a burst of requests for a cold function pays for one compile.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/logging"
	"github.com/fourlexboehm/faasta/internal/metrics"
	"github.com/fourlexboehm/faasta/internal/sandbox"
)

// Config bounds the pool.
type Config struct {
	IdleTTL         time.Duration // idle contexts older than this are reclaimed
	CleanupInterval time.Duration
	MaxContexts     int   // global context count bound
	MaxMemoryMB     int64 // global aggregate memory bound
}

// DefaultConfig returns the default pool bounds.
func DefaultConfig() Config {
	return Config{
		IdleTTL:         60 * time.Second,
		CleanupInterval: 10 * time.Second,
		MaxContexts:     256,
		MaxMemoryMB:     4096,
	}
}

// Instance is one checked-out execution context. It belongs to exactly
// one invocation between Acquire and Release/Discard.
type Instance struct {
	Name      string
	Version   int64
	ColdStart bool // context was created for this acquisition

	ctx          sandbox.Context
	entry        *entry
	memoryMB     int
	maxInstances int
	lastUsed     time.Time
	busy         bool
	stale        bool // superseded while checked out; closed on release
}

// Context returns the underlying sandbox context.
func (i *Instance) Context() sandbox.Context { return i.ctx }

// entry holds all contexts for one function identity.
type entry struct {
	mu              sync.Mutex
	name            string
	version         int64
	artifact        sandbox.Artifact
	artifactVersion int64
	instances       []*Instance
	invalidated     bool
}

// Pool is the instance cache. Entries live in a sync.Map with a
// per-entry mutex so unrelated functions never contend; the mutex is
// never held across compilation, instantiation or invocation.
type Pool struct {
	runtime sandbox.Runtime
	cfg     Config

	entries sync.Map // name -> *entry
	group   singleflight.Group

	contexts atomic.Int64 // resident contexts, busy + idle
	memoryMB atomic.Int64 // aggregate memory ceiling of resident contexts

	lifecycle context.Context
	cancel    context.CancelFunc
}

// New creates the pool and starts the idle-reclaim loop.
func New(runtime sandbox.Runtime, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = def.MaxContexts
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = def.MaxMemoryMB
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runtime:   runtime,
		cfg:       cfg,
		lifecycle: ctx,
		cancel:    cancel,
	}
	go p.cleanupLoop()
	return p
}

// Acquire returns a busy execution context for the record's current
// version, reusing an idle one when possible. On the cold path,
// compilation is single-flighted per name@version; context
// instantiation for concurrent callers proceeds in parallel, with the
// record's MaxInstances cap applied as a retention limit on release.
func (p *Pool) Acquire(ctx context.Context, rec *domain.ModuleRecord) (*Instance, error) {
	e := p.getEntry(rec.Name)

	// Warm path: an idle context at the current version.
	e.mu.Lock()
	p.refreshVersionLocked(e, rec.Version)
	for _, inst := range e.instances {
		if !inst.busy && inst.Version == rec.Version {
			inst.busy = true
			inst.lastUsed = time.Now()
			inst.ColdStart = false
			e.mu.Unlock()
			return inst, nil
		}
	}
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Cold path: compile (deduplicated), then instantiate.
	artifact, err := p.compile(e, rec)
	if err != nil {
		return nil, err
	}

	sbctx, err := artifact.NewContext(rec.Limits)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", rec.Name, err)
	}

	inst := &Instance{
		Name:         rec.Name,
		Version:      rec.Version,
		ColdStart:    true,
		ctx:          sbctx,
		entry:        e,
		memoryMB:     rec.Limits.MemoryMB,
		maxInstances: rec.Limits.MaxInstances,
		lastUsed:     time.Now(),
		busy:         true,
	}

	e.mu.Lock()
	if e.invalidated || e.version != rec.Version {
		// Unpublished or republished while we were instantiating.
		// Serve this invocation, but never cache the context.
		inst.stale = true
	}
	e.instances = append(e.instances, inst)
	e.mu.Unlock()

	p.contexts.Add(1)
	p.memoryMB.Add(int64(inst.memoryMB))
	p.publishSize()
	p.enforceBounds()
	return inst, nil
}

// compile returns the entry's artifact for the record's version,
// compiling at most once per name@version across concurrent callers.
func (p *Pool) compile(e *entry, rec *domain.ModuleRecord) (sandbox.Artifact, error) {
	e.mu.Lock()
	if e.artifact != nil && e.artifactVersion == rec.Version {
		artifact := e.artifact
		e.mu.Unlock()
		return artifact, nil
	}
	e.mu.Unlock()

	key := fmt.Sprintf("%s@%d", rec.Name, rec.Version)
	v, err, _ := p.group.Do(key, func() (any, error) {
		e.mu.Lock()
		if e.artifact != nil && e.artifactVersion == rec.Version {
			artifact := e.artifact
			e.mu.Unlock()
			return artifact, nil
		}
		e.mu.Unlock()

		started := time.Now()
		artifact, err := p.runtime.Compile(rec.Module)
		if err != nil {
			return nil, err
		}
		metrics.Global().RecordCompile(time.Since(started))
		logging.Op().Info("module compiled",
			"function", rec.Name, "version", rec.Version,
			"duration", time.Since(started).Round(time.Millisecond))

		e.mu.Lock()
		if old := e.artifact; old != nil && old != artifact {
			old.Close()
		}
		e.artifact = artifact
		e.artifactVersion = rec.Version
		e.mu.Unlock()
		return artifact, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(sandbox.Artifact), nil
}

// refreshVersionLocked evicts contexts built for a superseded version.
// Busy ones are marked stale and closed on release; idle ones are
// closed now. Caller holds e.mu.
func (p *Pool) refreshVersionLocked(e *entry, version int64) {
	if e.version == version && !e.invalidated {
		return
	}
	e.version = version
	e.invalidated = false

	kept := e.instances[:0]
	for _, inst := range e.instances {
		if inst.Version == version && !inst.stale {
			kept = append(kept, inst)
			continue
		}
		if inst.busy {
			inst.stale = true
			kept = append(kept, inst)
			continue
		}
		p.dropLocked(inst, "version")
	}
	e.instances = kept
}

// Release returns a checked-out context to the idle set, or closes it
// if it went stale or the identity's retention cap is exceeded.
func (p *Pool) Release(inst *Instance) {
	e := inst.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if inst.stale {
		p.removeLocked(e, inst, "stale")
		return
	}
	inst.busy = false
	inst.lastUsed = time.Now()

	max := inst.maxInstances
	if max <= 0 {
		max = domain.DefaultMaxInstances
	}
	if over := len(e.instances) - max; over > 0 {
		p.trimIdleLocked(e, over)
	}
}

// trimIdleLocked closes up to n idle contexts, oldest first. Caller
// holds e.mu.
func (p *Pool) trimIdleLocked(e *entry, n int) {
	var idle []*Instance
	for _, inst := range e.instances {
		if !inst.busy {
			idle = append(idle, inst)
		}
	}
	sort.Slice(idle, func(a, b int) bool {
		return idle[a].lastUsed.Before(idle[b].lastUsed)
	})
	if n > len(idle) {
		n = len(idle)
	}
	doomed := make(map[*Instance]bool, n)
	for _, inst := range idle[:n] {
		doomed[inst] = true
	}
	kept := e.instances[:0]
	for _, inst := range e.instances {
		if doomed[inst] {
			p.dropLocked(inst, "capacity")
			continue
		}
		kept = append(kept, inst)
	}
	e.instances = kept
}

// Discard closes a checked-out context that trapped or timed out. The
// next acquisition recreates one lazily.
func (p *Pool) Discard(inst *Instance) {
	e := inst.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	p.removeLocked(e, inst, "discard")
	metrics.Global().RecordDiscard()
}

// Invalidate removes all contexts for an identity, effective
// immediately: idle contexts are closed, busy ones finish their
// current invocation and are closed on release. Called on unpublish
// and on cross-node invalidation signals.
func (p *Pool) Invalidate(name string) {
	v, ok := p.entries.Load(name)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.Lock()
	e.invalidated = true
	if e.artifact != nil {
		e.artifact.Close()
		e.artifact = nil
		e.artifactVersion = 0
	}
	kept := e.instances[:0]
	for _, inst := range e.instances {
		if inst.busy {
			inst.stale = true
			kept = append(kept, inst)
			continue
		}
		p.dropLocked(inst, "invalidate")
	}
	e.instances = kept
	e.mu.Unlock()

	logging.Op().Info("instance cache invalidated", "function", name)
}

// Stats reports the pool's resident footprint.
func (p *Pool) Stats() (contexts int, memoryMB int64) {
	return int(p.contexts.Load()), p.memoryMB.Load()
}

// Shutdown stops the reclaim loop and closes every idle context. Busy
// contexts are marked stale and closed as their invocations finish.
func (p *Pool) Shutdown() {
	p.cancel()
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		kept := e.instances[:0]
		for _, inst := range e.instances {
			if inst.busy {
				inst.stale = true
				kept = append(kept, inst)
				continue
			}
			p.dropLocked(inst, "shutdown")
		}
		e.instances = kept
		if e.artifact != nil {
			e.artifact.Close()
			e.artifact = nil
		}
		e.mu.Unlock()
		return true
	})
}

func (p *Pool) getEntry(name string) *entry {
	if v, ok := p.entries.Load(name); ok {
		return v.(*entry)
	}
	v, _ := p.entries.LoadOrStore(name, &entry{name: name})
	return v.(*entry)
}

// removeLocked removes inst from e.instances and closes it. Caller
// holds e.mu.
func (p *Pool) removeLocked(e *entry, inst *Instance, reason string) {
	for i, other := range e.instances {
		if other == inst {
			e.instances = append(e.instances[:i], e.instances[i+1:]...)
			break
		}
	}
	p.dropLocked(inst, reason)
}

// dropLocked closes a context and updates the footprint counters.
func (p *Pool) dropLocked(inst *Instance, reason string) {
	inst.ctx.Close()
	p.contexts.Add(-1)
	p.memoryMB.Add(-int64(inst.memoryMB))
	metrics.Global().RecordEviction(reason)
	p.publishSize()
}

func (p *Pool) publishSize() {
	metrics.Global().SetPoolSize(int(p.contexts.Load()), p.memoryMB.Load())
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.lifecycle.Done():
			return
		case <-ticker.C:
			p.reclaimIdle()
		}
	}
}

// reclaimIdle evicts idle contexts past the idle TTL. Busy contexts
// are never touched.
func (p *Pool) reclaimIdle() {
	now := time.Now()
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		kept := e.instances[:0]
		for _, inst := range e.instances {
			if !inst.busy && now.Sub(inst.lastUsed) > p.cfg.IdleTTL {
				p.dropLocked(inst, "idle")
				continue
			}
			kept = append(kept, inst)
		}
		e.instances = kept
		e.mu.Unlock()
		return true
	})
}

// enforceBounds evicts least-recently-used idle contexts until the
// pool is within its count and memory bounds. Busy contexts are
// exempt, so a fully busy pool may transiently exceed the bounds.
func (p *Pool) enforceBounds() {
	if p.withinBounds() {
		return
	}

	type cand struct {
		e    *entry
		inst *Instance
	}
	var idle []cand
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		for _, inst := range e.instances {
			if !inst.busy {
				idle = append(idle, cand{e, inst})
			}
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(idle, func(a, b int) bool {
		return idle[a].inst.lastUsed.Before(idle[b].inst.lastUsed)
	})

	for _, c := range idle {
		if p.withinBounds() {
			return
		}
		c.e.mu.Lock()
		// Re-check under the entry lock; the instance may have been
		// checked out or removed since the scan.
		if !c.inst.busy && containsInstance(c.e.instances, c.inst) {
			p.removeLocked(c.e, c.inst, "lru")
		}
		c.e.mu.Unlock()
	}
}

func (p *Pool) withinBounds() bool {
	return int(p.contexts.Load()) <= p.cfg.MaxContexts &&
		p.memoryMB.Load() <= p.cfg.MaxMemoryMB
}

func containsInstance(list []*Instance, inst *Instance) bool {
	for _, other := range list {
		if other == inst {
			return true
		}
	}
	return false
}
