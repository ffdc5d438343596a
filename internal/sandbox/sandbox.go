// Package sandbox abstracts the WebAssembly runtime behind small
// interfaces so the pool and executor can be exercised without a real
// engine. The production implementation is wasmtime (wasmtime.go).
package sandbox

import (
	"context"

	"github.com/fourlexboehm/faasta/internal/domain"
)

// Request is the capability-scoped representation of an inbound HTTP
// request handed to the guest. It is the only host data a function
// sees; there is no ambient filesystem or network access.
type Request struct {
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Query    string              `json:"query,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Body     []byte              `json:"body,omitempty"`
	Function string              `json:"function"`
	ClientIP string              `json:"client_ip,omitempty"`
}

// Response is the HTTP-shaped result produced by the guest.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Runtime compiles wasm bytes into executable artifacts. Safe for
// concurrent use; one Runtime serves the whole process.
type Runtime interface {
	// Compile turns module bytes into an executable artifact.
	// Invalid bytes wrap domain.ErrCompilationFailed.
	Compile(wasm []byte) (Artifact, error)
	Close()
}

// Artifact is a compiled module, shareable across execution contexts
// of the same function version.
type Artifact interface {
	// NewContext creates an execution context bound to the given
	// resource limit profile.
	NewContext(limits domain.ResourceLimits) (Context, error)
	Close()
}

// Context is one isolated execution context. Not reentrant: a context
// serves one invocation at a time; the caller serializes access.
type Context interface {
	// Invoke runs one request to completion under the context's
	// resource ceilings. Ceiling breaches surface as
	// domain.ErrTimedOut or domain.ErrResourceExceeded; a malformed
	// guest response as domain.ErrInvalidResponse; other traps as
	// domain.ErrFunctionFaulted.
	Invoke(ctx context.Context, req *Request) (*Response, error)
	Close()
}
