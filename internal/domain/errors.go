package domain

import "errors"

// Invocation error taxonomy. Every failure inside the execution core is
// classified as exactly one of these and recovered at the dispatcher;
// none may escape as a process crash.
var (
	// ErrFunctionNotFound means no module record exists for the identity.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrCompilationFailed means the stored wasm bytes could not be
	// compiled, a deploy-time defect surfaced at first use.
	ErrCompilationFailed = errors.New("module compilation failed")

	// ErrResourceExceeded means the sandbox hit its memory or fuel
	// ceiling and was aborted.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrTimedOut means the invocation exceeded its wall-clock ceiling
	// and was forcibly interrupted.
	ErrTimedOut = errors.New("invocation timed out")

	// ErrInvalidResponse means the sandbox produced a malformed or
	// missing HTTP-shaped response.
	ErrInvalidResponse = errors.New("invalid function response")

	// ErrFunctionFaulted means the sandbox trapped (unreachable, bad
	// memory access, panic) outside any resource ceiling. The context
	// is discarded, the host process is unaffected.
	ErrFunctionFaulted = errors.New("function faulted")

	// ErrAdmissionRejected means the function's concurrency limit is
	// reached; transient backpressure, retryable by the client.
	ErrAdmissionRejected = errors.New("concurrency limit reached")

	// ErrStoreUnavailable means the module store could not be reached;
	// the only system fault eligible for a bounded retry.
	ErrStoreUnavailable = errors.New("module store unavailable")
)
