// Package domain holds the core types shared by the store, pool,
// admission controller and executor: function identity, module records
// and resource limit profiles.
package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Function names double as the subdomain the function is served under,
// so the accepted alphabet is the DNS label alphabet.
var functionNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateFunctionName enforces the accepted function name format.
func ValidateFunctionName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !functionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: must match %s", name, functionNamePattern.String())
	}
	return nil
}

// ResourceLimits is the per-function resource limit profile enforced
// during invocation.
type ResourceLimits struct {
	MemoryMB       int           `json:"memory_mb"`                 // linear memory ceiling
	Timeout        time.Duration `json:"timeout"`                   // wall-clock ceiling per invocation
	FuelBudget     uint64        `json:"fuel_budget,omitempty"`     // instruction budget (0 = unlimited)
	MaxConcurrency int           `json:"max_concurrency"`           // simultaneous invocations
	MaxInstances   int           `json:"max_instances,omitempty"`   // cached execution contexts
	MaxRequestKB   int           `json:"max_request_kb,omitempty"`  // inbound body size
	MaxResponseKB  int           `json:"max_response_kb,omitempty"` // outbound body size
}

const (
	DefaultMemoryMB       = 128
	DefaultTimeout        = 30 * time.Second
	DefaultMaxConcurrency = 16
	DefaultMaxInstances   = 4
	DefaultMaxRequestKB   = 10 * 1024
	DefaultMaxResponseKB  = 10 * 1024
)

// DefaultLimits returns the limit profile applied when a publish does
// not specify one.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:       DefaultMemoryMB,
		Timeout:        DefaultTimeout,
		MaxConcurrency: DefaultMaxConcurrency,
		MaxInstances:   DefaultMaxInstances,
		MaxRequestKB:   DefaultMaxRequestKB,
		MaxResponseKB:  DefaultMaxResponseKB,
	}
}

// Normalize fills zero fields with defaults so that records published
// by older clients keep working.
func (l *ResourceLimits) Normalize() {
	d := DefaultLimits()
	if l.MemoryMB <= 0 {
		l.MemoryMB = d.MemoryMB
	}
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = d.MaxConcurrency
	}
	if l.MaxInstances <= 0 {
		l.MaxInstances = d.MaxInstances
	}
	if l.MaxRequestKB <= 0 {
		l.MaxRequestKB = d.MaxRequestKB
	}
	if l.MaxResponseKB <= 0 {
		l.MaxResponseKB = d.MaxResponseKB
	}
}

// ModuleRecord is the durable record for one deployed function: the
// compiled wasm bytes plus the metadata the execution core needs.
// Records are written only by the deploy API and are read-only to the
// execution path.
type ModuleRecord struct {
	Name      string         `json:"name"`
	Owner     string         `json:"owner"`
	Version   int64          `json:"version"` // bumped on every publish
	Hash      string         `json:"hash"`    // sha256 of Module
	Limits    ResourceLimits `json:"limits"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Module holds the raw wasm bytes. Excluded from JSON so records
	// can be listed without shipping megabytes of code.
	Module []byte `json:"-"`
}

func (r *ModuleRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

func (r *ModuleRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// IdentityFromHost derives the function identity from the request's
// Host header. "hello.faasta.dev" with base domain "faasta.dev" yields
// "hello". The second return is false when the host is the bare base
// domain, a local development host, or does not belong to the base
// domain at all.
func IdentityFromHost(host, baseDomain string) (string, bool) {
	host = strings.ToLower(stripPort(host))
	baseDomain = strings.ToLower(baseDomain)

	if host == "" || baseDomain == "" || host == baseDomain {
		return "", false
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

// IdentityFromPath derives the function identity from a path-based
// route ("/fn/hello/some/path"), used on the base domain and for local
// development where subdomains are unavailable. Returns the identity
// and the path to present to the function ("/some/path").
func IdentityFromPath(path string) (name string, rest string, ok bool) {
	const prefix = "/fn/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	remainder := path[len(prefix):]
	if remainder == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(remainder, '/'); idx >= 0 {
		name, rest = remainder[:idx], remainder[idx:]
	} else {
		name, rest = remainder, "/"
	}
	if name == "" {
		return "", "", false
	}
	return name, rest, true
}

func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		// Leave IPv6 literals alone unless the colon follows the bracket.
		if !strings.Contains(host, "]") || idx > strings.IndexByte(host, ']') {
			return host[:idx]
		}
	}
	return host
}
