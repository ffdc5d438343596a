package executor

import (
	"sync"
	"time"
)

// FunctionStats is the running invocation tally for one function.
type FunctionStats struct {
	Function     string        `json:"function"`
	Calls        int64         `json:"calls"`
	TotalTime    time.Duration `json:"total_time_ms"`
	LastCalledAt time.Time     `json:"last_called_at"`
}

// Stats tracks per-function invocation counts and cumulative runtime,
// served by the metrics API so owners can see usage without scraping
// Prometheus.
type Stats struct {
	mu    sync.RWMutex
	byFun map[string]*FunctionStats
}

// NewStats creates an empty stats registry.
func NewStats() *Stats {
	return &Stats{byFun: make(map[string]*FunctionStats)}
}

// Record adds one invocation to the function's tally.
func (s *Stats) Record(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.byFun[name]
	if !ok {
		fs = &FunctionStats{Function: name}
		s.byFun[name] = fs
	}
	fs.Calls++
	fs.TotalTime += d
	fs.LastCalledAt = time.Now()
}

// Get returns a snapshot of one function's stats, or false if the
// function has never been invoked on this node.
func (s *Stats) Get(name string) (FunctionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.byFun[name]
	if !ok {
		return FunctionStats{}, false
	}
	return *fs, true
}

// Forget drops a function's tally, used when it is unpublished.
func (s *Stats) Forget(name string) {
	s.mu.Lock()
	delete(s.byFun, name)
	s.mu.Unlock()
}
