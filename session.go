package eryx

// session.go implements Session, the stateful unit of execution a
// Sandbox mints: its own guest instance, VFS view, async scheduler, and
// open-file-handle table.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eryx-org/eryx-go/internal/asyncsched"
	"github.com/eryx-org/eryx-go/internal/dispatch"
	"github.com/eryx-org/eryx-go/internal/engine"
	"github.com/eryx-org/eryx-go/internal/eventlog"
	"github.com/eryx-org/eryx-go/internal/iopump"
	"github.com/eryx-org/eryx-go/internal/vfs"
)

// Session is one isolated execution context derived from a Sandbox.
// Execute is serialized: concurrent callers queue on execMu and run one
// at a time, in FIFO order, against the Session's single persistent
// guest instance.
type Session struct {
	id      string
	sandbox *Sandbox
	limits  ResourceLimits

	instance   *engine.Instance
	dispatcher *dispatch.Dispatcher
	scheduler  *asyncsched.Scheduler
	vfsRouter  *vfs.Router
	emitter    *eventlog.Emitter
	emit       func(event, summary string, data any)

	execMu sync.Mutex

	stdout *iopump.Pump
	stderr *iopump.Pump

	handlesMu  sync.Mutex
	handles    map[uint64]vfs.Handle
	nextHandle atomic.Uint64

	closed atomic.Bool
}

// pumpWriter adapts iopump.Pump (fire-and-forget Write) to io.Writer, the
// shape engine.Module.Instantiate's stdout/stderr parameters expect.
type pumpWriter struct{ pump *iopump.Pump }

func (w pumpWriter) Write(p []byte) (int, error) {
	w.pump.Write(p)
	return len(p), nil
}

// NewSession instantiates a fresh guest instance and its supporting
// per-session state. limits, if zero-valued, fall back to the Sandbox's
// configured defaults.
func (sb *Sandbox) NewSession(ctx context.Context, limits ResourceLimits) (*Session, error) {
	if limits == (ResourceLimits{}) {
		limits = sb.cfg.Limits
	}
	id := sb.newSessionID()

	var sinks []eventlog.Sink
	if sb.cfg.EventSink != nil {
		sinks = append(sinks, sb.cfg.EventSink)
	}
	emitter := eventlog.NewEmitter(id, sinks...)
	emit := func(event, summary string, data any) { _ = emitter.Emit(event, summary, data) }

	scheduler := asyncsched.New(ctx, maxCallbacksOr(limits))
	var onCallback func(name, result string, seconds float64)
	if sb.metrics != nil {
		onCallback = sb.metrics.ObserveCallback
	}
	dispatcher := dispatch.New(sb.callbacks, scheduler, sb.vault, callbackTimeoutOr(limits), emit, onCallback)

	router, err := newVFSRouter(sb.cfg.Volumes)
	if err != nil {
		return nil, newError(KindInitialization, err, "building session VFS")
	}

	stdout := iopump.New(sb.vault.ScrubTable(), sb.vault.MaxPlaceholderLen())
	stderr := iopump.New(sb.vault.ScrubTable(), sb.vault.MaxPlaceholderLen())

	instLimits := engine.InstanceLimits{
		MaxMemoryBytes: maxMemoryOr(limits),
		Timeout:        execTimeoutOr(limits),
	}
	env := make(map[string]string, len(sb.cfg.Secrets))
	for _, s := range sb.cfg.Secrets {
		if ph, ok := sb.vault.Placeholder(s.Name); ok {
			env[s.Name] = ph
		}
	}
	inst, err := sb.module.Instantiate(ctx, id, instLimits, env, pumpWriter{stdout}, pumpWriter{stderr})
	if err != nil {
		return nil, newError(KindInitialization, err, "instantiating guest for session %s", id)
	}

	sess := &Session{
		id:         id,
		sandbox:    sb,
		limits:     limits,
		instance:   inst,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		vfsRouter:  router,
		emitter:    emitter,
		emit:       emit,
		stdout:     stdout,
		stderr:     stderr,
		handles:    make(map[uint64]vfs.Handle),
	}

	sb.mu.Lock()
	sb.sessions[id] = sess
	sb.mu.Unlock()

	return sess, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// executeRequest/executeResponse are the wire shapes exchanged with the
// guest's "execute" export over the request/response control plane.
type executeRequest struct {
	Code string `json:"code"`
}

type executeResponse struct {
	Error string `json:"error,omitempty"`
}

// Execute runs code in the guest Python runtime and returns its outcome.
// Stdout/stderr are scrubbed of secret placeholders before being
// returned.
func (s *Session) Execute(ctx context.Context, code string) (ExecuteResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()
	cctx := withSession(ctx, s)

	reqBytes, err := json.Marshal(executeRequest{Code: code})
	if err != nil {
		return ExecuteResult{}, newError(KindCodec, err, "marshalling execute request")
	}

	outBase := len(s.stdout.String())
	errBase := len(s.stderr.String())
	cbBase := s.scheduler.CallbackCount()

	respBytes, callErr := callGuestExport(cctx, s.instance, "execute", reqBytes)
	s.stdout.Finish()
	s.stderr.Finish()

	duration := time.Since(start)
	result := ExecuteResult{
		Stdout:          s.stdout.String()[outBase:],
		Stderr:          s.stderr.String()[errBase:],
		DurationMS:      float64(duration.Microseconds()) / 1000.0,
		CallbackCount:   s.scheduler.CallbackCount() - cbBase,
		PeakMemoryBytes: s.instance.PeakMemoryBytes(),
	}

	outcome := "ok"
	defer func() {
		if s.sandbox.metrics != nil {
			s.sandbox.metrics.ObserveExecution(outcome, duration.Seconds())
		}
	}()

	if callErr != nil {
		kind := classifyCallErr(ctx, callErr)
		if s.instance.OOMKilled() {
			kind = KindResourceLimit
		}
		outcome = kind.String()
		scrubbed := s.scrubErr(callErr)
		s.emit("execution_done", "failed", map[string]string{"error": scrubbed.Error()})
		return result, newError(kind, scrubbed, "guest execution failed")
	}

	var resp executeResponse
	if len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, &resp); err != nil {
			outcome = "codec_error"
			return result, newError(KindCodec, err, "decoding execute response")
		}
	}
	if resp.Error != "" {
		outcome = "guest_error"
		msg := iopump.ScrubString(resp.Error, s.sandbox.vault.ScrubTable())
		s.emit("execution_done", "guest error", map[string]string{"error": msg})
		return result, newError(KindGuest, fmt.Errorf("%s", msg), "guest reported an error")
	}

	s.emit("execution_done", "ok", nil)
	return result, nil
}

func classifyCallErr(ctx context.Context, err error) Kind {
	switch engine.Classify(err) {
	case engine.TrapDeadlineExceeded:
		return KindTimeout
	case engine.TrapOutOfMemory:
		return KindResourceLimit
	case engine.TrapGuestPanic:
		return KindGuest
	}
	if ctx.Err() != nil {
		return KindTimeout
	}
	return KindExecution
}

// scrubErr runs the vault's scrub table over an error message before it
// crosses the public boundary, so no error ever carries a bound secret's
// placeholder (and, transitively, never its raw value).
func (s *Session) scrubErr(err error) error {
	scrubbed := iopump.ScrubString(err.Error(), s.sandbox.vault.ScrubTable())
	if scrubbed == err.Error() {
		return err
	}
	return fmt.Errorf("%s", scrubbed)
}

// Snapshot captures the guest's internal state as an opaque, size-bounded
// blob via the snapshot codec.
func (s *Session) Snapshot(ctx context.Context) ([]byte, error) {
	raw, err := callGuestExport(withSession(ctx, s), s.instance, "snapshot", nil)
	if err != nil {
		return nil, newError(KindExecution, err, "capturing snapshot")
	}
	encoded, err := s.sandbox.snapshotCodec.Encode(raw)
	if err != nil {
		return nil, newError(KindResourceLimit, err, "encoding snapshot")
	}
	if s.sandbox.metrics != nil {
		s.sandbox.metrics.SnapshotBytes.Observe(float64(len(encoded)))
	}
	return encoded, nil
}

// Restore replaces the guest's internal state with a previously captured
// snapshot.
func (s *Session) Restore(ctx context.Context, snapshot []byte) error {
	raw, err := s.sandbox.snapshotCodec.Decode(snapshot)
	if err != nil {
		return newError(KindCodec, err, "decoding snapshot")
	}
	if _, err := callGuestExport(withSession(ctx, s), s.instance, "restore", raw); err != nil {
		return newError(KindExecution, err, "restoring snapshot")
	}
	return nil
}

// Clear resets the guest's internal state to a fresh-boot equivalent
// without tearing down the instance.
func (s *Session) Clear(ctx context.Context) error {
	if _, err := callGuestExport(withSession(ctx, s), s.instance, "clear", nil); err != nil {
		return newError(KindExecution, err, "clearing session state")
	}
	return nil
}

// Close tears down the session's guest instance and async scheduler.
// Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.scheduler.Shutdown(5 * time.Second)

	s.handlesMu.Lock()
	for _, h := range s.handles {
		_ = h.Close()
	}
	s.handlesMu.Unlock()

	_, err := s.instance.Close(ctx)

	s.sandbox.mu.Lock()
	delete(s.sandbox.sessions, s.id)
	s.sandbox.mu.Unlock()

	_ = s.emitter.Close()
	return err
}

// vfsOp implements every vfs-call operation the guest ABI shim issues,
// directly against this session's VFS router and open-handle table.
func (s *Session) vfsOp(op string, args vfsOpArgs) vfsOpResult {
	switch op {
	case "stat":
		info, err := s.vfsRouter.Stat(args.Path)
		if err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{Info: &info}

	case "list":
		entries, err := s.vfsRouter.ReadDir(args.Path)
		if err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{Entries: entries}

	case "open":
		h, err := s.vfsRouter.Open(args.Path, args.Flags, os.FileMode(args.Mode))
		if err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		id := s.nextHandle.Add(1)
		s.handlesMu.Lock()
		s.handles[id] = h
		s.handlesMu.Unlock()
		return vfsOpResult{Handle: id}

	case "read":
		h, ok := s.lookupHandle(args.Handle)
		if !ok {
			return vfsOpResult{Error: "vfs: unknown handle"}
		}
		length := args.Length
		if length <= 0 {
			length = 64 * 1024
		}
		buf := make([]byte, length)
		n, err := h.Read(buf)
		if err != nil && n == 0 {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{Data: buf[:n], N: n}

	case "write":
		h, ok := s.lookupHandle(args.Handle)
		if !ok {
			return vfsOpResult{Error: "vfs: unknown handle"}
		}
		n, err := h.Write(args.Data)
		if err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{N: n}

	case "close":
		s.handlesMu.Lock()
		h, ok := s.handles[args.Handle]
		delete(s.handles, args.Handle)
		s.handlesMu.Unlock()
		if !ok {
			return vfsOpResult{Error: "vfs: unknown handle"}
		}
		if err := h.Close(); err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{}

	case "mkdir":
		if err := s.vfsRouter.Mkdir(args.Path, os.FileMode(args.Mode)); err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{}

	case "unlink":
		if err := s.vfsRouter.Remove(args.Path); err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{}

	case "rename":
		if err := s.vfsRouter.Rename(args.Path, args.NewPath); err != nil {
			return vfsOpResult{Error: err.Error()}
		}
		return vfsOpResult{}

	default:
		return vfsOpResult{Error: fmt.Sprintf("vfs: unknown op %q", op)}
	}
}

func (s *Session) lookupHandle(id uint64) (vfs.Handle, bool) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}
