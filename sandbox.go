// Package eryx is a secure, sandboxed Python execution engine built on
// WebAssembly: Sandbox compiles a guest Python runtime once, and each
// Session is a cheap, isolated instantiation of it with its own VFS,
// secrets, network policy, and callback registry view.
package eryx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eryx-org/eryx-go/internal/engine"
	"github.com/eryx-org/eryx-go/internal/eventlog"
	"github.com/eryx-org/eryx-go/internal/metrics"
	"github.com/eryx-org/eryx-go/internal/policy"
	"github.com/eryx-org/eryx-go/internal/registry"
	"github.com/eryx-org/eryx-go/internal/secrets"
	"github.com/eryx-org/eryx-go/internal/snapshot"
	"github.com/eryx-org/eryx-go/internal/toolserver"
	"github.com/eryx-org/eryx-go/internal/vfs"
)

// Config configures a Sandbox at construction time: the guest artifact to
// compile, default resource limits, network policy, pre-bound secrets,
// host callbacks, volume mounts, and tool servers. Everything here is
// fixed for the Sandbox's lifetime; per-Session limits are passed to
// NewSession.
type Config struct {
	// Guest is the compiled WASM module bytes for the Python runtime.
	Guest []byte

	Limits    ResourceLimits
	Net       NetConfig
	Secrets   []Secret
	Callbacks []Callback
	Volumes   []VolumeMount

	// ToolServers are spawned once, at Sandbox construction, and shared
	// read-only across every Session; they outlive any single execution.
	ToolServers []toolserver.Spec

	// EventSink receives structured audit events; nil disables event
	// logging entirely (see eventlog.Emitter's nil-safe convention).
	EventSink eventlog.Sink

	// MetricsRegisterer collects Prometheus metrics; nil uses an
	// unregistered, private registry (metrics are still computed, just
	// not exposed to a scrape endpoint).
	MetricsRegisterer prometheus.Registerer

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string

	// SnapshotMaxBytes overrides snapshot.DefaultMaxBytes; 0 keeps the
	// default.
	SnapshotMaxBytes int
}

// Sandbox is a compiled guest runtime plus its fixed configuration.
// Create one Sandbox per distinct guest artifact/policy combination and
// derive many short-lived Sessions from it.
type Sandbox struct {
	cfg Config

	engine *engine.Engine
	module *engine.Module
	// ownsEngine is false for Factory-built Sandboxes, which borrow the
	// Factory's shared engine and compiled module; Close then leaves
	// both alive for the Factory's other Sandboxes.
	ownsEngine bool

	callbacks     *registry.Registry
	policy        *policy.Enforcer
	vault         *secrets.Vault
	toolServers   *toolserver.Manager
	metrics       *metrics.Registry
	emitter       *eventlog.Emitter
	snapshotCodec *snapshot.Codec

	mu       sync.Mutex
	sessions map[string]*Session
}

// New compiles cfg.Guest on a Sandbox-private engine and spawns
// cfg.ToolServers, returning a Sandbox ready to mint Sessions. Callers
// building many Sandboxes from the same guest artifact should use a
// Factory instead, which compiles once and shares the result.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	if len(cfg.Guest) == 0 {
		return nil, newError(KindInitialization, nil, "no guest module bytes provided")
	}

	eng, err := engine.New(ctx, engine.Config{
		CacheDir: cfg.CacheDir,
		Bind:     bindHostModule,
	})
	if err != nil {
		return nil, newError(KindInitialization, err, "creating wazero engine")
	}
	mod, err := eng.Compile(ctx, cfg.Guest)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, newError(KindInitialization, err, "compiling guest module")
	}

	sb, err := newSandbox(ctx, cfg, eng, mod, true)
	if err != nil {
		_ = mod.Close(ctx)
		_ = eng.Close(ctx)
		return nil, err
	}
	return sb, nil
}

// newSandbox wires the per-Sandbox capability objects around an already
// compiled guest module. ownsEngine records whether Close should tear
// down eng and mod or leave them to their Factory.
func newSandbox(ctx context.Context, cfg Config, eng *engine.Engine, mod *engine.Module, ownsEngine bool) (*Sandbox, error) {
	sb := &Sandbox{
		cfg:        cfg,
		engine:     eng,
		module:     mod,
		ownsEngine: ownsEngine,
		sessions:   make(map[string]*Session),
	}

	var sinks []eventlog.Sink
	if cfg.EventSink != nil {
		sinks = append(sinks, cfg.EventSink)
	}
	sb.emitter = eventlog.NewEmitter("sandbox", sinks...)

	reg := prometheus.Registerer(prometheus.NewRegistry())
	if cfg.MetricsRegisterer != nil {
		reg = cfg.MetricsRegisterer
	}
	sb.metrics = metrics.New(reg)

	if len(cfg.ToolServers) > 0 {
		sb.toolServers = toolserver.NewManager(func(server string, state toolserver.State) {
			sb.metrics.SetToolServerState(server, toolserver.AllStates, state.String())
		})
		if err := sb.toolServers.SpawnAll(ctx, cfg.ToolServers); err != nil {
			return nil, newError(KindInitialization, err, "spawning tool servers")
		}
	}

	sb.callbacks = registry.New()
	for _, cb := range cfg.Callbacks {
		if err := sb.callbacks.Register(toRegistryEntry(cb)); err != nil {
			return nil, newError(KindInitialization, err, "registering callback %q", cb.Name)
		}
	}
	if sb.toolServers != nil {
		if err := registerToolServerCallbacks(sb); err != nil {
			return nil, newError(KindInitialization, err, "registering tool-server callbacks")
		}
	}
	sb.callbacks.Freeze()

	sb.policy = policy.New(policy.Config{
		Permissive:     cfg.Net.Permissive,
		AllowedHosts:   cfg.Net.AllowedHosts,
		AllowLocalhost: cfg.Net.AllowLocalhost,
		AllowPrivate:   cfg.Net.AllowPrivate,
	})

	sb.vault = secrets.New()
	for _, s := range cfg.Secrets {
		sb.vault.Bind(s.Name, s.Value, s.Hosts)
	}

	sb.snapshotCodec = snapshot.New(cfg.SnapshotMaxBytes)

	return sb, nil
}

// toRegistryEntry adapts a public Callback into a registry.Entry, boxing
// the public Handler signature behind the `any` field dispatch.Dispatcher
// type-asserts back to its own concrete function type.
func toRegistryEntry(cb Callback) registry.Entry {
	handler := cb.Handler
	return registry.Entry{
		Name:             cb.Name,
		Description:      cb.Description,
		ParametersSchema: cb.ParametersSchema,
		Deferred:         cb.Deferred,
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			result, err := handler(ctx, args)
			if err != nil {
				return nil, err
			}
			return marshalAny(result)
		},
	}
}

// registerToolServerCallbacks exposes every tool an MCP server reported
// at initialize time as an "mcp.server.tool" entry in the Callback
// Registry, so the guest reaches tool servers through the same invoke()
// surface as any other callback.
func registerToolServerCallbacks(sb *Sandbox) error {
	for name, srv := range sb.toolServers.All() {
		srv := srv
		for _, tool := range srv.Tools() {
			toolName := tool.Name
			entry := registry.Entry{
				Name:             "mcp." + name + "." + toolName,
				Description:      tool.Description,
				ParametersSchema: tool.InputSchema,
				Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
					return srv.Call(ctx, toolName, args)
				},
			}
			if err := sb.callbacks.Register(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sb *Sandbox) newSessionID() string {
	return uuid.NewString()
}

// Execute runs one code fragment in a throwaway Session and tears it down
// before returning: a stateless Sandbox carries no state across two
// Execute calls. Callers needing persistent globals or
// snapshot/restore across calls should mint a Session directly instead.
func (sb *Sandbox) Execute(ctx context.Context, code string) (ExecuteResult, error) {
	sess, err := sb.NewSession(ctx, sb.cfg.Limits)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer sess.Close(ctx)
	return sess.Execute(ctx, code)
}

// Session looks up a still-open Session minted by this Sandbox.
func (sb *Sandbox) Session(id string) (*Session, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	s, ok := sb.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return s, nil
}

// Close closes every still-open Session and every managed tool server,
// then releases the compiled module and engine runtime. Both are left
// alive when borrowed from a Factory, which keeps them for its other
// Sandboxes.
func (sb *Sandbox) Close(ctx context.Context) error {
	var firstErr error

	sb.mu.Lock()
	sessions := make([]*Session, 0, len(sb.sessions))
	for _, s := range sb.sessions {
		sessions = append(sessions, s)
	}
	sb.mu.Unlock()
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if sb.toolServers != nil {
		if err := sb.toolServers.CloseAll(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sb.ownsEngine {
		if sb.module != nil {
			if err := sb.module.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if sb.engine != nil {
			if err := sb.engine.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	_ = sb.emitter.Close()
	return firstErr
}

func marshalAny(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.(json.RawMessage); ok {
		return b, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}

func newVFSRouter(volumes []VolumeMount) (*vfs.Router, error) {
	root := vfs.NewMemoryProvider()
	router := vfs.NewRouter(root)
	for _, v := range volumes {
		router.Mount(v.GuestPath, vfs.NewHostVolumeProvider(v.HostPath, v.ReadOnly))
	}
	return router, nil
}

// execTimeoutOr returns limits.ExecutionTimeout, falling back to the
// package default if unset.
func execTimeoutOr(limits ResourceLimits) time.Duration {
	if limits.ExecutionTimeout > 0 {
		return limits.ExecutionTimeout
	}
	return DefaultExecutionTimeout
}

func callbackTimeoutOr(limits ResourceLimits) time.Duration {
	if limits.CallbackTimeout > 0 {
		return limits.CallbackTimeout
	}
	return DefaultCallbackTimeout
}

func maxCallbacksOr(limits ResourceLimits) uint64 {
	if limits.MaxCallbacks > 0 {
		return limits.MaxCallbacks
	}
	return DefaultMaxCallbacks
}

func maxMemoryOr(limits ResourceLimits) uint64 {
	if limits.MaxMemoryBytes > 0 {
		return limits.MaxMemoryBytes
	}
	return DefaultMaxMemoryBytes
}

var errSessionNotFound = fmt.Errorf("eryx: session not found")
