// Package executor drives one invocation end to end: resolve the
// module record, claim a concurrency slot, acquire an execution
// context, run the guest under its resource ceilings, and put
// everything back. Every failure leaves here classified; nothing a
// guest does may crash the host.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fourlexboehm/faasta/internal/admission"
	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/logging"
	"github.com/fourlexboehm/faasta/internal/metrics"
	"github.com/fourlexboehm/faasta/internal/pool"
	"github.com/fourlexboehm/faasta/internal/sandbox"
	"github.com/fourlexboehm/faasta/internal/store"
)

// storeRetryDelay is the pause before the single retry granted to a
// store outage. Guest failures are never retried.
const storeRetryDelay = 50 * time.Millisecond

// Executor orchestrates invocations.
type Executor struct {
	store      store.ModuleStore
	pool       *pool.Pool
	admission  *admission.Controller
	stats      *Stats
	retryDelay time.Duration
}

// New creates an executor over the given store and pool.
func New(st store.ModuleStore, p *pool.Pool) *Executor {
	return &Executor{
		store:      st,
		pool:       p,
		admission:  admission.NewController(),
		stats:      NewStats(),
		retryDelay: storeRetryDelay,
	}
}

// Stats returns the per-function invocation statistics.
func (e *Executor) Stats() *Stats { return e.stats }

// Execute runs one request against the named function and returns the
// guest's response. Errors carry exactly one sentinel from the domain
// taxonomy.
func (e *Executor) Execute(ctx context.Context, name string, req *sandbox.Request) (*sandbox.Response, error) {
	started := time.Now()
	requestID := uuid.NewString()

	resp, coldStart, err := e.execute(ctx, name, req)

	d := time.Since(started)
	outcome := outcomeOf(err)
	metrics.Global().RecordInvocation(name, outcome, coldStart, d)
	e.stats.Record(name, d)

	entry := &logging.RequestLog{
		RequestID:  requestID,
		Function:   name,
		Method:     req.Method,
		Path:       req.Path,
		DurationMs: d.Milliseconds(),
		ColdStart:  coldStart,
		Outcome:    outcome,
	}
	if resp != nil {
		entry.Status = resp.Status
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Requests().Log(entry)

	return resp, err
}

func (e *Executor) execute(ctx context.Context, name string, req *sandbox.Request) (*sandbox.Response, bool, error) {
	rec, err := e.resolve(ctx, name)
	if err != nil {
		return nil, false, err
	}

	if maxBytes := rec.Limits.MaxRequestKB << 10; len(req.Body) > maxBytes {
		return nil, false, fmt.Errorf("%w: request body exceeds %d KB",
			domain.ErrResourceExceeded, rec.Limits.MaxRequestKB)
	}

	token, err := e.admission.TryAcquire(name, rec.Limits.MaxConcurrency)
	if err != nil {
		return nil, false, err
	}
	defer token.Release()

	inst, err := e.pool.Acquire(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	coldStart := inst.ColdStart

	invokeCtx, cancel := context.WithTimeout(ctx, rec.Limits.Timeout)
	defer cancel()

	req.Function = name
	resp, err := e.invoke(invokeCtx, inst, req)
	if err != nil {
		// A trapped or timed-out context may hold corrupt guest state;
		// drop it and let the next request start fresh.
		if discardable(err) {
			e.pool.Discard(inst)
		} else {
			e.pool.Release(inst)
		}
		return nil, coldStart, err
	}

	e.pool.Release(inst)
	return resp, coldStart, nil
}

// invoke runs the guest with a recovery barrier so a runtime bug in
// the engine binding surfaces as a fault, not a host crash.
func (e *Executor) invoke(ctx context.Context, inst *pool.Instance, req *sandbox.Request) (resp *sandbox.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("panic during invocation", "function", inst.Name, "panic", r)
			resp = nil
			err = fmt.Errorf("%w: invocation panic: %v", domain.ErrFunctionFaulted, r)
		}
	}()
	return inst.Context().Invoke(ctx, req)
}

// resolve fetches the current module record. A store outage gets one
// retry after a short pause; anything else fails immediately.
func (e *Executor) resolve(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	rec, err := e.store.Get(ctx, name)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		return nil, err
	}

	logging.Op().Warn("module store unavailable, retrying", "function", name, "error", err)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, ctx.Err())
	case <-time.After(e.retryDelay):
	}
	return e.store.Get(ctx, name)
}

// discardable reports whether the error implies the execution context
// may be left in a bad state.
func discardable(err error) bool {
	return errors.Is(err, domain.ErrTimedOut) ||
		errors.Is(err, domain.ErrResourceExceeded) ||
		errors.Is(err, domain.ErrFunctionFaulted)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrFunctionNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAdmissionRejected):
		return "rejected"
	case errors.Is(err, domain.ErrTimedOut):
		return "timeout"
	case errors.Is(err, domain.ErrResourceExceeded):
		return "resource"
	case errors.Is(err, domain.ErrCompilationFailed):
		return "compile_failed"
	case errors.Is(err, domain.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "fault"
	}
}
