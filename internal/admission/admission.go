// Package admission enforces per-function concurrency limits at the
// front door. Requests over the limit are rejected immediately rather
// than queued, so backpressure reaches the client while the host stays
// responsive.
package admission

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/metrics"
)

const shardCount = 64

// Controller tracks in-flight invocations per function identity.
// Counters are striped across shards so unrelated functions never
// contend on one lock.
type Controller struct {
	shards [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	inflight map[string]int
}

// NewController creates an admission controller.
func NewController() *Controller {
	c := &Controller{}
	for i := range c.shards {
		c.shards[i].inflight = make(map[string]int)
	}
	return c
}

// Token is a held admission slot. Release returns it; releasing twice
// is a no-op.
type Token struct {
	c        *Controller
	name     string
	released atomic.Bool
}

// TryAcquire claims an admission slot for the function, or fails with
// domain.ErrAdmissionRejected when the limit is already saturated.
// Never blocks.
func (c *Controller) TryAcquire(name string, limit int) (*Token, error) {
	if limit <= 0 {
		limit = domain.DefaultMaxConcurrency
	}
	s := c.shard(name)

	s.mu.Lock()
	n := s.inflight[name]
	if n >= limit {
		s.mu.Unlock()
		metrics.Global().RecordAdmission(false)
		return nil, fmt.Errorf("%w: %d in flight for %s", domain.ErrAdmissionRejected, n, name)
	}
	s.inflight[name] = n + 1
	s.mu.Unlock()

	metrics.Global().RecordAdmission(true)
	return &Token{c: c, name: name}, nil
}

// Release frees the slot on every exit path, success or failure.
func (t *Token) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	s := t.c.shard(t.name)

	s.mu.Lock()
	if n := s.inflight[t.name]; n <= 1 {
		delete(s.inflight, t.name)
	} else {
		s.inflight[t.name] = n - 1
	}
	s.mu.Unlock()

	metrics.Global().RecordRelease()
}

// InFlight reports the current in-flight count for a function.
func (c *Controller) InFlight(name string) int {
	s := c.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[name]
}

func (c *Controller) shard(name string) *shard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &c.shards[h.Sum32()%shardCount]
}
