// Package engine wraps wazero into the Eryx WASM engine: compiling a
// guest Python-runtime module once and instantiating cheap, isolated
// Instances from it, each with its own memory ceiling and deadline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/eryx-org/eryx-go/internal/errx"
)

// HostModuleName is the wazero host module namespace the guest imports
// from, matching the WIT world name the guest runtime was compiled
// against.
const HostModuleName = "eryx:host/world"

// TrapClass classifies how an instantiation/call failure should be
// reported to the caller.
type TrapClass int

const (
	TrapUnknown TrapClass = iota
	TrapDeadlineExceeded
	TrapOutOfMemory
	TrapGuestPanic
)

// sentinel errors translated into eryx.Kind at the public boundary.
var (
	ErrCompile  = fmt.Errorf("engine: compile failed")
	ErrInstance = fmt.Errorf("engine: instantiate failed")
)

// HostFunctionBinder registers the guest-facing host module functions
// (invoke, list-callbacks, report-trace, vfs-*, net-dial, waitable-*) on
// a wazero HostModuleBuilder. The caller (the top-level Sandbox/Session)
// owns the actual handler implementations; Engine only owns the runtime
// lifecycle.
type HostFunctionBinder func(wazero.HostModuleBuilder)

// Engine compiles guest WASM modules and mints Instances from them. One
// Engine per process is typical; it owns the wazero.Runtime and its
// compilation cache.
type Engine struct {
	runtime wazero.Runtime
	bind    HostFunctionBinder

	mu       sync.Mutex
	hostMods []api.Module // instantiated host modules, closed with the engine
}

// Config controls runtime-wide behavior. Per-instance ceilings (memory,
// deadline) live on InstanceLimits instead, so one Engine can serve
// instances with different limits.
type Config struct {
	// Bind registers guest-facing host functions for every instance.
	Bind HostFunctionBinder
	// CacheDir, if set, enables wazero's compilation cache on disk.
	CacheDir string
}

func New(ctx context.Context, cfg Config) (*Engine, error) {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err == nil {
			rtCfg = rtCfg.WithCompilationCache(cache)
		}
	}
	r := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, errx.Wrap(ErrInstance, err)
	}

	e := &Engine{runtime: r, bind: cfg.Bind}
	if cfg.Bind != nil {
		builder := r.NewHostModuleBuilder(HostModuleName)
		cfg.Bind(builder)
		mod, err := builder.Instantiate(ctx)
		if err != nil {
			_ = r.Close(ctx)
			return nil, errx.Wrap(ErrInstance, err)
		}
		e.hostMods = append(e.hostMods, mod)
	}

	return e, nil
}

// Compile parses and validates a guest WASM binary ahead of instantiation.
func (e *Engine) Compile(ctx context.Context, guest []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, guest)
	if err != nil {
		return nil, errx.Wrap(ErrCompile, err)
	}
	return &Module{engine: e, compiled: compiled}, nil
}

// Close releases the wazero runtime and all compiled modules.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module is a compiled, not-yet-instantiated guest artifact.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// InstanceLimits bounds a single Instance's resource consumption,
// derived from eryx.ResourceLimits at the public boundary.
// MaxMemoryBytes is enforced per instance by the memory sampler, which
// kills the instance when its linear memory grows past the ceiling.
type InstanceLimits struct {
	MaxMemoryBytes uint64
	Timeout        time.Duration
}

// Instance is one running guest module: a single disposable unit the
// caller starts, drives, and closes exactly once.
type Instance struct {
	mod    api.Module
	name   string
	closed atomic.Bool

	deadlineCancel context.CancelFunc
	peakMemory     atomic.Uint64
	oomKilled      atomic.Bool
	stopSampler    chan struct{}
}

// Instantiate creates a fresh, isolated instance of the compiled module,
// arming an epoch deadline and a background memory-high-water-mark
// sampler per limits. name distinguishes instances in traces/logs. env
// populates the guest's environment-variable view; bound secret names
// resolve to their vault placeholder there, never the raw value.
func (m *Module) Instantiate(ctx context.Context, name string, limits InstanceLimits, env map[string]string, stdout, stderr writerFn) (*Instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions(). // guest runtime initializes lazily on first Execute call
		WithSysWalltime().
		WithSysNanosleep()

	if stdout != nil {
		cfg = cfg.WithStdout(stdout)
	}
	if stderr != nil {
		cfg = cfg.WithStderr(stderr)
	}
	for k, v := range env {
		cfg = cfg.WithEnv(k, v)
	}

	instCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		instCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	} else {
		instCtx, cancel = context.WithCancel(ctx)
	}

	// The engine's RuntimeConfig was built WithCloseOnContextDone(true), so
	// instCtx expiring (the per-execution deadline) forces wazero to
	// interrupt any in-progress guest call and close this module, without
	// the guest cooperating.
	mod, err := m.engine.runtime.InstantiateModule(instCtx, m.compiled, cfg)
	if err != nil {
		cancel()
		return nil, errx.Wrap(ErrInstance, err)
	}

	inst := &Instance{mod: mod, name: name, deadlineCancel: cancel, stopSampler: make(chan struct{})}
	if limits.MaxMemoryBytes > 0 {
		go inst.sampleMemory(limits.MaxMemoryBytes)
	}
	return inst, nil
}

type writerFn = interface {
	Write(p []byte) (int, error)
}

// sampleMemory records the linear-memory high-water mark and enforces
// the per-instance ceiling: once the guest grows past maxBytes, the
// instance is killed through the same context-cancellation interrupt the
// execution deadline uses, and the kill is recorded so the failure is
// reported as an out-of-memory trap rather than a cancellation.
func (inst *Instance) sampleMemory(maxBytes uint64) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mem := inst.mod.Memory()
			if mem == nil {
				continue
			}
			size := uint64(mem.Size())
			for {
				cur := inst.peakMemory.Load()
				if size <= cur || inst.peakMemory.CompareAndSwap(cur, size) {
					break
				}
			}
			if size > maxBytes {
				inst.oomKilled.Store(true)
				inst.deadlineCancel()
				return
			}
		case <-inst.stopSampler:
			return
		}
	}
}

// OOMKilled reports whether the memory sampler killed this instance for
// exceeding its linear-memory ceiling.
func (inst *Instance) OOMKilled() bool {
	return inst.oomKilled.Load()
}

// PeakMemoryBytes returns the highest observed linear-memory size sampled
// during this instance's lifetime.
func (inst *Instance) PeakMemoryBytes() uint64 {
	return inst.peakMemory.Load()
}

// ExportedFunction looks up a guest export by name (e.g. the runtime's
// entry point that `runtime.py`'s world calls into).
func (inst *Instance) ExportedFunction(name string) api.Function {
	return inst.mod.ExportedFunction(name)
}

// Memory exposes the instance's linear memory for marshalling
// argument/result payloads across the guest boundary.
func (inst *Instance) Memory() api.Memory {
	return inst.mod.Memory()
}

// Close tears down the instance exactly once, classifying the exit
// reason for the caller (ordinary completion vs. deadline vs. panic).
func (inst *Instance) Close(ctx context.Context) (TrapClass, error) {
	if !inst.closed.CompareAndSwap(false, true) {
		return TrapUnknown, nil
	}
	close(inst.stopSampler)
	inst.deadlineCancel()

	err := inst.mod.Close(ctx)
	if err == nil {
		if inst.oomKilled.Load() {
			return TrapOutOfMemory, nil
		}
		return TrapUnknown, nil
	}
	if inst.oomKilled.Load() {
		return TrapOutOfMemory, err
	}
	return Classify(err), err
}

// Classify maps a wazero call/close failure onto a TrapClass so the
// public boundary can surface deadline, OOM, and guest-panic traps as
// distinct error kinds.
func Classify(err error) TrapClass {
	if err == nil {
		return TrapUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TrapDeadlineExceeded
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "context deadline exceeded", "interrupt"):
		return TrapDeadlineExceeded
	case containsAny(msg, "out of memory", "memory.grow"):
		return TrapOutOfMemory
	case containsAny(msg, "unreachable", "trap"):
		return TrapGuestPanic
	default:
		return TrapUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
