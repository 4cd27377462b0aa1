package eryx

// factory.go implements Factory: one engine and one compiled guest
// module, built once and shared by every Sandbox the Factory mints, so
// the compile cost is paid a single time no matter how many short-lived
// Sandboxes a caller churns through.

import (
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/eryx-org/eryx-go/internal/engine"
)

// Factory holds a loaded guest artifact, the shared engine and compiled
// module built from it, and default settings applied to every Sandbox it
// builds. Safe for concurrent use.
type Factory struct {
	guest         []byte
	defaultCache  string
	defaultLimits ResourceLimits

	mu     sync.Mutex
	engine *engine.Engine
	module *engine.Module
}

// NewFactory wraps an already-loaded guest module. Compilation is
// deferred to the first New (or an explicit Warm) so the cache directory
// and limits can still be configured.
func NewFactory(guest []byte) *Factory {
	return &Factory{guest: guest, defaultLimits: NewResourceLimits()}
}

// LoadFactory reads the guest module from path.
func LoadFactory(path string) (*Factory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindInitialization, err, "reading guest module %q", path)
	}
	return NewFactory(b), nil
}

// WithCacheDir sets the wazero compilation cache directory for the
// Factory's shared engine. Must be called before the first New/Warm.
func (f *Factory) WithCacheDir(dir string) *Factory {
	f.defaultCache = dir
	return f
}

// WithDefaultLimits sets the ResourceLimits used for Sandboxes built via
// New when cfg.Limits is the zero value.
func (f *Factory) WithDefaultLimits(limits ResourceLimits) *Factory {
	f.defaultLimits = limits
	return f
}

// Warm builds the shared engine and compiles the guest artifact if that
// has not happened yet. New calls it implicitly; callers that want the
// compile cost paid up front, before the first request arrives, call it
// directly.
func (f *Factory) Warm(ctx context.Context) error {
	_, _, err := f.ensureCompiled(ctx)
	return err
}

func (f *Factory) ensureCompiled(ctx context.Context) (*engine.Engine, *engine.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.module != nil {
		return f.engine, f.module, nil
	}

	eng, err := engine.New(ctx, engine.Config{
		CacheDir: f.defaultCache,
		Bind:     bindHostModule,
	})
	if err != nil {
		return nil, nil, newError(KindInitialization, err, "creating wazero engine")
	}
	mod, err := eng.Compile(ctx, f.guest)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, nil, newError(KindInitialization, err, "compiling guest module")
	}

	f.engine = eng
	f.module = mod
	return eng, mod, nil
}

// New builds a Sandbox on the Factory's shared engine and compiled
// module, applying the Factory defaults for any cfg field left unset. A
// caller-supplied cfg.Guest that differs from the Factory's artifact
// falls back to a standalone build with its own engine, since the shared
// compiled module cannot serve it.
func (f *Factory) New(ctx context.Context, cfg Config) (*Sandbox, error) {
	if cfg.CacheDir == "" {
		cfg.CacheDir = f.defaultCache
	}
	if cfg.Limits == (ResourceLimits{}) {
		cfg.Limits = f.defaultLimits
	}
	if len(cfg.Guest) != 0 && !bytes.Equal(cfg.Guest, f.guest) {
		return New(ctx, cfg)
	}
	cfg.Guest = f.guest

	eng, mod, err := f.ensureCompiled(ctx)
	if err != nil {
		return nil, err
	}
	return newSandbox(ctx, cfg, eng, mod, false)
}

// Close releases the shared engine and compiled module. Sandboxes built
// by this Factory must be closed first; their guest instances run on the
// engine being torn down here.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	if f.module != nil {
		if err := f.module.Close(ctx); err != nil {
			firstErr = err
		}
		f.module = nil
	}
	if f.engine != nil {
		if err := f.engine.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		f.engine = nil
	}
	return firstErr
}
