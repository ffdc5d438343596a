package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/logging"
)

// epochTick is the resolution of wall-clock enforcement. The engine's
// epoch counter advances once per tick; a store whose deadline has
// passed traps at the next epoch check in the guest.
const epochTick = 10 * time.Millisecond

// WasmtimeRuntime runs guests on a process-wide wasmtime engine with
// epoch interruption and fuel metering enabled. Initialized once at
// startup, shared read-only by all invocations.
type WasmtimeRuntime struct {
	engine     *wasmtime.Engine
	scratchDir string
	stop       chan struct{}
}

// NewWasmtimeRuntime creates the engine and starts the epoch ticker.
// scratchDir holds per-invocation stdio files; it is created if absent.
func NewWasmtimeRuntime(scratchDir string) (*WasmtimeRuntime, error) {
	if scratchDir == "" {
		scratchDir = filepath.Join(os.TempDir(), "faasta")
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	cfg := wasmtime.NewConfig()
	cfg.SetEpochInterruption(true)
	cfg.SetConsumeFuel(true)

	rt := &WasmtimeRuntime{
		engine:     wasmtime.NewEngineWithConfig(cfg),
		scratchDir: scratchDir,
		stop:       make(chan struct{}),
	}
	go rt.tickEpoch()
	return rt, nil
}

func (rt *WasmtimeRuntime) tickEpoch() {
	ticker := time.NewTicker(epochTick)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stop:
			return
		case <-ticker.C:
			rt.engine.IncrementEpoch()
		}
	}
}

// Compile compiles wasm bytes into a shareable artifact.
func (rt *WasmtimeRuntime) Compile(wasm []byte) (Artifact, error) {
	module, err := wasmtime.NewModule(rt.engine, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompilationFailed, err)
	}
	return &wasmtimeArtifact{rt: rt, module: module}, nil
}

// Close stops the epoch ticker. Outstanding invocations with a passed
// deadline trap immediately; the engine itself needs no teardown
// before process exit.
func (rt *WasmtimeRuntime) Close() {
	close(rt.stop)
}

type wasmtimeArtifact struct {
	rt     *WasmtimeRuntime
	module *wasmtime.Module
}

func (a *wasmtimeArtifact) NewContext(limits domain.ResourceLimits) (Context, error) {
	linker := wasmtime.NewLinker(a.rt.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("define wasi: %w", err)
	}
	return &wasmtimeContext{rt: a.rt, module: a.module, linker: linker, limits: limits}, nil
}

func (a *wasmtimeArtifact) Close() {}

// wasmtimeContext invokes one guest at a time. Each invocation gets a
// fresh wasmtime Store (fresh linear memory); the compiled module and
// linker are reused across invocations, which is what makes warm
// starts cheap.
type wasmtimeContext struct {
	rt     *WasmtimeRuntime
	module *wasmtime.Module
	linker *wasmtime.Linker
	limits domain.ResourceLimits
}

// guestResponse is the JSON document the guest writes on stdout.
type guestResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

func (c *wasmtimeContext) Invoke(ctx context.Context, req *Request) (*Response, error) {
	dir, err := os.MkdirTemp(c.rt.scratchDir, "inv-")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	stdinPath := filepath.Join(dir, "request.json")
	stdoutPath := filepath.Join(dir, "response.json")
	stderrPath := filepath.Join(dir, "stderr.log")

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := os.WriteFile(stdinPath, reqJSON, 0o600); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	for _, p := range []string{stdoutPath, stderrPath} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create stdio file: %w", err)
		}
	}

	store := wasmtime.NewStore(c.rt.engine)
	store.Limiter(int64(c.limits.MemoryMB)<<20, -1, 1, -1, 1)

	fuel := c.limits.FuelBudget
	if fuel == 0 {
		fuel = math.MaxUint64
	}
	if err := store.SetFuel(fuel); err != nil {
		return nil, fmt.Errorf("set fuel: %w", err)
	}

	deadline := c.limits.Timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}
	if deadline <= 0 {
		return nil, domain.ErrTimedOut
	}
	store.SetEpochDeadline(uint64(deadline/epochTick) + 1)

	wasiCfg := wasmtime.NewWasiConfig()
	if err := wasiCfg.SetStdinFile(stdinPath); err != nil {
		return nil, fmt.Errorf("set stdin: %w", err)
	}
	if err := wasiCfg.SetStdoutFile(stdoutPath); err != nil {
		return nil, fmt.Errorf("set stdout: %w", err)
	}
	if err := wasiCfg.SetStderrFile(stderrPath); err != nil {
		return nil, fmt.Errorf("set stderr: %w", err)
	}
	// The only host data the guest gets: its own name. No preopened
	// directories, no sockets.
	wasiCfg.SetEnv([]string{"FAASTA_FUNCTION"}, []string{req.Function})
	store.SetWasi(wasiCfg)

	started := time.Now()
	if err := c.run(store); err != nil {
		c.logStderr(req.Function, stderrPath)
		return nil, c.classify(err, started, deadline)
	}

	return c.readResponse(stdoutPath)
}

// run instantiates and executes the command entry point, converting
// any runtime panic into an error so nothing crosses the engine
// boundary.
func (c *wasmtimeContext) run(store *wasmtime.Store) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: runtime panic: %v", domain.ErrFunctionFaulted, r)
		}
	}()

	instance, err := c.linker.Instantiate(store, c.module)
	if err != nil {
		return err
	}
	start := instance.GetFunc(store, "_start")
	if start == nil {
		return fmt.Errorf("%w: module has no _start entry point", domain.ErrCompilationFailed)
	}
	_, err = start.Call(store)
	return err
}

// classify maps a wasmtime trap onto the invocation error taxonomy.
func (c *wasmtimeContext) classify(err error, started time.Time, deadline time.Duration) error {
	if errors.Is(err, domain.ErrFunctionFaulted) || errors.Is(err, domain.ErrCompilationFailed) {
		return err
	}

	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		if code := trap.Code(); code != nil {
			switch *code {
			case wasmtime.Interrupt:
				return fmt.Errorf("%w after %s (limit %s)", domain.ErrTimedOut,
					time.Since(started).Round(time.Millisecond), deadline)
			case wasmtime.OutOfFuel:
				return fmt.Errorf("%w: fuel budget exhausted", domain.ErrResourceExceeded)
			case wasmtime.MemoryOutOfBounds:
				return fmt.Errorf("%w: memory access out of bounds", domain.ErrResourceExceeded)
			}
		}
		return fmt.Errorf("%w: %s", domain.ErrFunctionFaulted, trap.Message())
	}

	// Guests that fail to allocate past the memory ceiling usually
	// exit nonzero rather than trap; treat a nonzero exit as a fault.
	return fmt.Errorf("%w: %v", domain.ErrFunctionFaulted, err)
}

func (c *wasmtimeContext) readResponse(stdoutPath string) (*Response, error) {
	f, err := os.Open(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("%w: no response written", domain.ErrInvalidResponse)
	}
	defer f.Close()

	maxBytes := int64(c.limits.MaxResponseKB) << 10
	raw, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrInvalidResponse, err)
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("%w: response exceeds %d KB", domain.ErrResourceExceeded, c.limits.MaxResponseKB)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty response", domain.ErrInvalidResponse)
	}

	var gr guestResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResponse, err)
	}
	if gr.Status < 100 || gr.Status > 599 {
		return nil, fmt.Errorf("%w: status %d out of range", domain.ErrInvalidResponse, gr.Status)
	}
	return &Response{Status: gr.Status, Headers: gr.Headers, Body: gr.Body}, nil
}

func (c *wasmtimeContext) logStderr(function, stderrPath string) {
	data, err := os.ReadFile(stderrPath)
	if err != nil || len(data) == 0 {
		return
	}
	const maxStderr = 4096
	if len(data) > maxStderr {
		data = data[:maxStderr]
	}
	logging.Op().Debug("guest stderr", "function", function, "stderr", string(data))
}

func (c *wasmtimeContext) Close() {}
