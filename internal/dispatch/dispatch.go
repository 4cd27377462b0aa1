// Package dispatch implements the call dispatcher: the guest ABI
// boundary that turns a name + JSON args into either an immediate
// synchronous result or a Pending(waitable_id, promise_id) handle backed
// by the async scheduler.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eryx-org/eryx-go/internal/asyncsched"
	"github.com/eryx-org/eryx-go/internal/registry"
)

// Outcome mirrors the guest-visible 3-way invoke() result: exactly one of
// Ok, Err, or Pending is populated.
type Outcome struct {
	Ok         json.RawMessage
	Err        string
	Pending    bool
	WaitableID uint64
	PromiseID  uint64
}

// Reserved method names on the callback control plane.
const (
	MethodListCallbacks = "list_callbacks"
	MethodReportTrace   = "report_trace"
)

// ErrNotFound surfaces a lookup miss as a call-site error, distinct from
// a handler returning its own application error.
var ErrNotFound = errors.New("dispatch: callback not found")

// Vault resolves placeholder secrets embedded in callback args back to
// their raw values, restricted to a destination host — the egress half
// of the secrets vault. A handler args payload that names its
// destination via a top-level "host" string field gets that resolution
// applied before the handler ever sees it; a host outside some bound
// secret's allow-list fails the call instead of leaking the placeholder
// unresolved. Satisfied by *secrets.Vault.
type Vault interface {
	Resolve(s, destHost string) (string, error)
}

// destHostProbe extracts the destination-host field a network-facing
// callback's args declare, if any — the same convention the built-in
// net-dial primitive's hostport argument follows.
type destHostProbe struct {
	Host string `json:"host"`
}

// Dispatcher routes guest calls to registered callbacks, synchronously
// for deterministic/cheap operations and asynchronously (via the
// Scheduler) for anything the registry marks Deferred.
type Dispatcher struct {
	reg   *registry.Registry
	sched *asyncsched.Scheduler
	vault Vault

	callbackTimeout time.Duration
	emit            func(event, summary string, data any)
	onCallback      func(name, result string, seconds float64)
}

// New builds a Dispatcher. onCallback, if non-nil, is invoked once per
// completed invoke() (sync or deferred alike) with the callback's name,
// "ok"/"error", and wall-clock duration — the hook internal/metrics'
// Registry.ObserveCallback is meant to satisfy.
func New(reg *registry.Registry, sched *asyncsched.Scheduler, vault Vault, callbackTimeout time.Duration, emit func(event, summary string, data any), onCallback func(name, result string, seconds float64)) *Dispatcher {
	if emit == nil {
		emit = func(string, string, any) {}
	}
	if onCallback == nil {
		onCallback = func(string, string, float64) {}
	}
	return &Dispatcher{reg: reg, sched: sched, vault: vault, callbackTimeout: callbackTimeout, emit: emit, onCallback: onCallback}
}

// resolveArgs applies the Vault's placeholder→raw rewrite to args when
// they declare a destination host, and refuses the call outright (spec
// §4.3: "a miss removes the secret before the handler sees the request")
// when a bound secret's placeholder is present but that host isn't on
// its allow-list.
func (d *Dispatcher) resolveArgs(name string, args json.RawMessage) (json.RawMessage, error) {
	if d.vault == nil || len(args) == 0 {
		return args, nil
	}
	var probe destHostProbe
	if err := json.Unmarshal(args, &probe); err != nil || probe.Host == "" {
		return args, nil
	}
	resolved, err := d.vault.Resolve(string(args), probe.Host)
	if err != nil {
		d.emit("secret_leak_blocked", name, map[string]string{"host": probe.Host, "error": err.Error()})
		return nil, err
	}
	return json.RawMessage(resolved), nil
}

// Call dispatches name(args) per its registry entry. Synchronous
// callbacks run to completion before returning; deferred callbacks
// acquire a waitable/promise pair from the scheduler and return
// immediately with Pending set.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (Outcome, error) {
	entry, err := d.reg.Lookup(name)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	handler, ok := entry.Handler.(func(context.Context, json.RawMessage) (json.RawMessage, error))
	if !ok {
		return Outcome{}, fmt.Errorf("dispatch: callback %s has malformed handler binding", name)
	}

	args, err = d.resolveArgs(name, args)
	if err != nil {
		return Outcome{Err: "secret not permitted for this destination"}, nil
	}

	if err := d.sched.AcquireCallbackSlot(); err != nil {
		return Outcome{}, err
	}

	if !entry.Deferred {
		d.emit("callback_start", name, nil)
		start := time.Now()
		result, cerr := runSync(ctx, handler, args, d.callbackTimeout)
		if cerr != nil {
			d.emit("callback_end", name, map[string]string{"error": cerr.Error()})
			d.onCallback(name, "error", time.Since(start).Seconds())
			return Outcome{Err: cerr.Error()}, nil
		}
		d.emit("callback_end", name, nil)
		d.onCallback(name, "ok", time.Since(start).Seconds())
		return Outcome{Ok: result}, nil
	}

	start := time.Now()
	timed := func(cctx context.Context, a json.RawMessage) (json.RawMessage, error) {
		out, herr := handler(cctx, a)
		result := "ok"
		if herr != nil {
			result = "error"
		}
		d.onCallback(name, result, time.Since(start).Seconds())
		return out, herr
	}

	waitableID, promiseID, err := d.sched.InvokeAsync(name, args, asyncsched.Handler(timed), d.callbackTimeout)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Pending: true, WaitableID: waitableID, PromiseID: promiseID}, nil
}

func runSync(ctx context.Context, handler func(context.Context, json.RawMessage) (json.RawMessage, error), args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type res struct {
		out json.RawMessage
		err error
	}
	done := make(chan res, 1)
	go func() {
		out, err := handler(cctx, args)
		done <- res{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("callback timed out after %s", timeout)
		}
		return nil, cctx.Err()
	}
}

// ListCallbacks returns the frozen catalogue a guest's list_callbacks()
// call surfaces, in the shape a guest discovery routine expects.
func (d *Dispatcher) ListCallbacks() []CallbackDescriptor {
	entries := d.reg.List()
	out := make([]CallbackDescriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, CallbackDescriptor{
			Name:             e.Name,
			Description:      e.Description,
			ParametersSchema: e.ParametersSchema,
			Deferred:         e.Deferred,
		})
	}
	return out
}

// CallbackDescriptor is the guest-visible shape of a registered callback.
type CallbackDescriptor struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	Deferred         bool            `json:"deferred"`
}
