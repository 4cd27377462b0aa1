package eryx

// abi.go wires the guest<->host wazero boundary: the host module
// functions a guest imports (invoke, list-callbacks, report-trace, the
// vfs-*/net-dial/waitable-* primitives) and the request/response
// control-plane glue used to call the guest's own exported entry points
// (execute/snapshot/restore/clear). The control plane follows wapc's
// separate __guest_request/__host_response/__guest_error call convention
// rather than packing a pointer+length pair into a return value, renamed
// to Eryx's own host-function catalogue and request shapes.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/eryx-org/eryx-go/internal/dispatch"
	"github.com/eryx-org/eryx-go/internal/engine"
	"github.com/eryx-org/eryx-go/internal/vfs"
)

const i32 = api.ValueTypeI32
const i64 = api.ValueTypeI64

// callContext is stashed on the context passed into each guest export
// call so the host functions below (which only see the wazero stack, not
// Go call state) can find the in-flight request/response bytes.
type callContext struct {
	request  []byte
	response []byte
	guestErr string
}

type callContextKey struct{}

func withCallContext(ctx context.Context, cc *callContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

func fromCallContext(ctx context.Context) *callContext {
	cc, _ := ctx.Value(callContextKey{}).(*callContext)
	return cc
}

// sessionKey carries the active *Session through ctx. A wazero host
// module is built once per Engine and shared by every Instance the
// Engine later creates, but each Session has its own dispatcher,
// scheduler, and VFS view — so the binding travels on ctx rather than
// being captured once at bind time: Session.Execute wraps its ctx with
// withSession before calling into the guest, and wazero forwards that
// same ctx into every host function the guest call triggers
// synchronously.
type sessionKey struct{}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func fromSession(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// bindHostModule registers every guest-facing host function on builder.
// It is called once per Engine; the functions below resolve the calling
// Session from ctx on every invocation.
func bindHostModule(builder wazero.HostModuleBuilder) {
	h := &hostFuncs{}

	builder.
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.invoke), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i64}).
		WithParameterNames("name_ptr", "name_len", "args_ptr", "args_len").
		Export("invoke").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.listCallbacks), []api.ValueType{}, []api.ValueType{i64}).
		Export("list-callbacks").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.reportTrace), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("report-trace").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.vfsCall), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i64}).
		WithParameterNames("op_ptr", "op_len", "args_ptr", "args_len").
		Export("vfs-call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.netDial), []api.ValueType{i32, i32}, []api.ValueType{i64}).
		WithParameterNames("hostport_ptr", "hostport_len").
		Export("net-dial").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.waitableSetNew), []api.ValueType{}, []api.ValueType{i64}).
		Export("waitable-set-new").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.waitableSetDrop), []api.ValueType{i64}, []api.ValueType{}).
		WithParameterNames("set_id").
		Export("waitable-set-drop").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.waitableJoin), []api.ValueType{i64, i64}, []api.ValueType{}).
		WithParameterNames("waitable_id", "set_id").
		Export("waitable-join").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.waitableSetPoll), []api.ValueType{i64}, []api.ValueType{i64}).
		WithParameterNames("set_id").
		Export("waitable-set-poll").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.subtaskDrop), []api.ValueType{i64}, []api.ValueType{}).
		WithParameterNames("waitable_id").
		Export("subtask-drop").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.contextSet), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{}).
		WithParameterNames("key_ptr", "key_len", "val_ptr", "val_len").
		Export("context-set").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.contextGet), []api.ValueType{i32, i32}, []api.ValueType{i64}).
		WithParameterNames("key_ptr", "key_len").
		Export("context-get").
		// Control-plane glue for calling the guest's own exports:
		// guest-request/guest-response/guest-error mirror wapc-go's
		// __guest_request/__host_response/__guest_error.
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.guestRequest), []api.ValueType{i32}, []api.ValueType{}).
		WithParameterNames("ptr").
		Export("guest-request").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(h.guestRequestLen), []api.ValueType{}, []api.ValueType{i32}).
		Export("guest-request-len").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.guestResponse), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("guest-response").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.guestError), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("guest-error")
}

type hostFuncs struct{}

// packResult packs a JSON-marshalled value into guest memory and returns
// a (ptr<<32 | len) handle the guest ABI shim unpacks.
func packResult(ctx context.Context, mod api.Module, v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"error":"marshal failure"}`)
	}
	return writeToGuestCtx(ctx, mod, b)
}

func writeToGuestCtx(ctx context.Context, mod api.Module, b []byte) uint64 {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(b)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, b) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(b))
}

func readGuestString(mem api.Memory, ptr, size uint32) string {
	b, ok := mem.Read(ptr, size)
	if !ok {
		return ""
	}
	return string(b)
}

func (h *hostFuncs) invoke(ctx context.Context, mod api.Module, stack []uint64) {
	namePtr, nameLen := uint32(stack[0]), uint32(stack[1])
	argsPtr, argsLen := uint32(stack[2]), uint32(stack[3])
	name := readGuestString(mod.Memory(), namePtr, nameLen)
	argsBytes, _ := mod.Memory().Read(argsPtr, argsLen)

	sess := fromSession(ctx)
	outcome, err := sess.dispatcher.Call(ctx, name, json.RawMessage(argsBytes))
	if err != nil {
		outcome = dispatch.Outcome{Err: err.Error()}
	}
	stack[0] = packResult(ctx, mod, outcome)
}

func (h *hostFuncs) listCallbacks(ctx context.Context, mod api.Module, stack []uint64) {
	sess := fromSession(ctx)
	stack[0] = packResult(ctx, mod, sess.dispatcher.ListCallbacks())
}

func (h *hostFuncs) reportTrace(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := uint32(stack[0]), uint32(stack[1])
	msg := readGuestString(mod.Memory(), ptr, length)
	if sess := fromSession(ctx); sess != nil {
		sess.emit("guest_trace", msg, nil)
	}
}

// vfsOpArgs is the guest-supplied argument shape for every vfs-call
// operation; fields irrelevant to a given op are left zero.
type vfsOpArgs struct {
	Path    string `json:"path"`
	NewPath string `json:"new_path,omitempty"`
	Handle  uint64 `json:"handle,omitempty"`
	Flags   int    `json:"flags,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Length  int    `json:"length,omitempty"`
}

type vfsOpResult struct {
	Error   string         `json:"error,omitempty"`
	Handle  uint64         `json:"handle,omitempty"`
	Data    []byte         `json:"data,omitempty"`
	N       int            `json:"n,omitempty"`
	Info    *vfs.FileInfo  `json:"info,omitempty"`
	Entries []vfs.DirEntry `json:"entries,omitempty"`
}

// vfsCall implements the guest's filesystem primitives directly against
// the calling Session's VFS router and open-handle table — unlike
// invoke(), these aren't routed through the Callback Registry since the
// VFS is per-Session mutable state, not a frozen catalogue entry.
func (h *hostFuncs) vfsCall(ctx context.Context, mod api.Module, stack []uint64) {
	opPtr, opLen := uint32(stack[0]), uint32(stack[1])
	argsPtr, argsLen := uint32(stack[2]), uint32(stack[3])
	op := readGuestString(mod.Memory(), opPtr, opLen)
	argsBytes, _ := mod.Memory().Read(argsPtr, argsLen)

	var args vfsOpArgs
	_ = json.Unmarshal(argsBytes, &args)

	sess := fromSession(ctx)
	result := sess.vfsOp(op, args)
	stack[0] = packResult(ctx, mod, result)
}

func (h *hostFuncs) netDial(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := uint32(stack[0]), uint32(stack[1])
	hostport := readGuestString(mod.Memory(), ptr, length)

	sess := fromSession(ctx)
	verdict := sess.sandbox.policy.Evaluate(hostport)
	if !verdict.Allowed {
		sess.emit("policy_denied", hostport, map[string]string{"reason": verdict.Reason})
		stack[0] = packResult(ctx, mod, dispatch.Outcome{Err: fmt.Sprintf("network policy denied %s: %s", hostport, verdict.Reason)})
		return
	}

	// A guest that embeds a bound secret's placeholder directly into the
	// dial target (rather than going through a registered callback) must
	// still be denied rather than silently connecting a host-restricted
	// placeholder through unresolved — the same allow-list the Vault
	// enforces for callback args applies here too.
	if _, err := sess.sandbox.vault.Resolve(hostport, hostport); err != nil {
		sess.emit("secret_leak_blocked", hostport, map[string]string{"error": err.Error()})
		stack[0] = packResult(ctx, mod, dispatch.Outcome{Err: fmt.Sprintf("network policy denied %s: %s", hostport, err.Error())})
		return
	}

	stack[0] = packResult(ctx, mod, dispatch.Outcome{Ok: json.RawMessage(`{"allowed":true}`)})
}

func (h *hostFuncs) waitableSetNew(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = fromSession(ctx).scheduler.NewWaitableSet()
}

func (h *hostFuncs) waitableSetDrop(ctx context.Context, _ api.Module, stack []uint64) {
	fromSession(ctx).scheduler.DropWaitableSet(stack[0])
}

func (h *hostFuncs) waitableJoin(ctx context.Context, _ api.Module, stack []uint64) {
	_ = fromSession(ctx).scheduler.Join(stack[0], stack[1])
}

// waitableSetPoll is the delivery side of invoke()'s Pending path: the
// guest's cooperative runtime calls this during its polling sweep to
// drain every completion the host has resolved for set_id since the last
// poll, in host-resolution order. Without this export a
// guest that received Pending(waitable_id, promise_id) from invoke() has
// no way to ever observe the result.
func (h *hostFuncs) waitableSetPoll(ctx context.Context, mod api.Module, stack []uint64) {
	setID := stack[0]
	resolutions := fromSession(ctx).scheduler.Poll(setID)
	stack[0] = packResult(ctx, mod, resolutions)
}

func (h *hostFuncs) subtaskDrop(ctx context.Context, _ api.Module, stack []uint64) {
	fromSession(ctx).scheduler.SubtaskDrop(stack[0])
}

func (h *hostFuncs) contextSet(ctx context.Context, mod api.Module, stack []uint64) {
	keyPtr, keyLen := uint32(stack[0]), uint32(stack[1])
	valPtr, valLen := uint32(stack[2]), uint32(stack[3])
	key := readGuestString(mod.Memory(), keyPtr, keyLen)
	val := readGuestString(mod.Memory(), valPtr, valLen)
	fromSession(ctx).scheduler.ContextSet(key, val)
}

func (h *hostFuncs) contextGet(ctx context.Context, mod api.Module, stack []uint64) {
	keyPtr, keyLen := uint32(stack[0]), uint32(stack[1])
	key := readGuestString(mod.Memory(), keyPtr, keyLen)
	val, ok := fromSession(ctx).scheduler.ContextGet(key)
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = writeToGuestCtx(ctx, mod, []byte(val))
}

func (h *hostFuncs) guestRequest(ctx context.Context, mod api.Module, stack []uint64) {
	ptr := uint32(stack[0])
	if cc := fromCallContext(ctx); cc != nil && cc.request != nil {
		mod.Memory().Write(ptr, cc.request)
	}
}

func (h *hostFuncs) guestRequestLen(ctx context.Context, results []uint64) {
	if cc := fromCallContext(ctx); cc != nil {
		results[0] = uint64(len(cc.request))
		return
	}
	results[0] = 0
}

func (h *hostFuncs) guestResponse(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := uint32(stack[0]), uint32(stack[1])
	if cc := fromCallContext(ctx); cc != nil {
		cc.response, _ = mod.Memory().Read(ptr, length)
	}
}

func (h *hostFuncs) guestError(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := uint32(stack[0]), uint32(stack[1])
	if cc := fromCallContext(ctx); cc != nil {
		cc.guestErr = readGuestString(mod.Memory(), ptr, length)
	}
}

// callGuestExport invokes a guest-exported entry point (execute, snapshot,
// restore, clear) through the request/response control plane above,
// returning the guest's raw JSON response bytes.
func callGuestExport(ctx context.Context, inst *engine.Instance, exportName string, request []byte) ([]byte, error) {
	fn := inst.ExportedFunction(exportName)
	if fn == nil {
		return nil, fmt.Errorf("guest export %q not found", exportName)
	}
	cc := &callContext{request: request}
	cctx := withCallContext(ctx, cc)

	results, err := fn.Call(cctx)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 && results[0] == 0 {
		if cc.guestErr != "" {
			return nil, fmt.Errorf("guest error: %s", cc.guestErr)
		}
		return nil, fmt.Errorf("guest export %q failed", exportName)
	}
	return cc.response, nil
}
