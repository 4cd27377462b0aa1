package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eryx-org/eryx-go/internal/asyncsched"
	"github.com/eryx-org/eryx-go/internal/registry"
)

func newDispatcher(t *testing.T, callbackTimeout time.Duration) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	sched := asyncsched.New(context.Background(), 0)
	return New(reg, sched, nil, callbackTimeout, nil, nil), reg
}

func newDispatcherWithLimit(t *testing.T, maxCallbacks uint64) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	sched := asyncsched.New(context.Background(), maxCallbacks)
	return New(reg, sched, nil, 0, nil, nil), reg
}

// fakeVault is a minimal Vault stand-in so dispatch tests don't need the
// real internal/secrets package.
type fakeVault struct {
	placeholder string
	raw         string
	allowHost   string
}

func (f fakeVault) Resolve(s, destHost string) (string, error) {
	if !strings.Contains(s, f.placeholder) {
		return s, nil
	}
	if destHost != f.allowHost {
		return "", assert.AnError
	}
	return strings.ReplaceAll(s, f.placeholder, f.raw), nil
}

func TestCallSynchronousOutcome(t *testing.T) {
	d, reg := newDispatcher(t, 0)
	require.NoError(t, reg.Register(registry.Entry{
		Name: "echo",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}))
	reg.Freeze()

	out, err := d.Call(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.False(t, out.Pending)
	assert.Empty(t, out.Err)
	assert.JSONEq(t, `{"x":1}`, string(out.Ok))
}

func TestCallSynchronousHandlerError(t *testing.T) {
	d, reg := newDispatcher(t, 0)
	require.NoError(t, reg.Register(registry.Entry{
		Name: "boom",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, assert.AnError
		},
	}))
	reg.Freeze()

	out, err := d.Call(context.Background(), "boom", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Err)
}

func TestCallDeferredReturnsPending(t *testing.T) {
	d, reg := newDispatcher(t, 0)
	require.NoError(t, reg.Register(registry.Entry{
		Name:     "slow",
		Deferred: true,
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"done"`), nil
		},
	}))
	reg.Freeze()

	out, err := d.Call(context.Background(), "slow", nil)
	require.NoError(t, err)
	assert.True(t, out.Pending)
	assert.NotZero(t, out.WaitableID)
	assert.Equal(t, out.WaitableID, out.PromiseID)
}

func TestCallUnknownNameReturnsNotFound(t *testing.T) {
	d, _ := newDispatcher(t, 0)
	_, err := d.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallSynchronousTimeout(t *testing.T) {
	d, reg := newDispatcher(t, 10*time.Millisecond)
	require.NoError(t, reg.Register(registry.Entry{
		Name: "hang",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	reg.Freeze()

	out, err := d.Call(context.Background(), "hang", nil)
	require.NoError(t, err)
	assert.Contains(t, out.Err, "timed out")
}

func TestCallReportsOnCallbackForSyncAndDeferred(t *testing.T) {
	reg := registry.New()
	sched := asyncsched.New(context.Background(), 0)
	var calls []string
	d := New(reg, sched, nil, 0, nil, func(name, result string, seconds float64) {
		calls = append(calls, name+":"+result)
	})
	require.NoError(t, reg.Register(registry.Entry{
		Name: "sync-ok",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	}))
	require.NoError(t, reg.Register(registry.Entry{
		Name:     "deferred-ok",
		Deferred: true,
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	}))
	reg.Freeze()

	_, err := d.Call(context.Background(), "sync-ok", nil)
	require.NoError(t, err)

	setID := sched.NewWaitableSet()
	out, err := d.Call(context.Background(), "deferred-ok", nil)
	require.NoError(t, err)
	require.NoError(t, sched.Join(out.WaitableID, setID))
	sched.Wait(context.Background(), setID)
	sched.Poll(setID)

	assert.Contains(t, calls, "sync-ok:ok")
	assert.Contains(t, calls, "deferred-ok:ok")
}

func TestCallResolvesSecretForAllowedHost(t *testing.T) {
	d, reg := newDispatcher(t, 0)
	d.vault = fakeVault{placeholder: "ERYX_SECRET_abc", raw: "s3kr3t", allowHost: "api.example.com"}
	require.NoError(t, reg.Register(registry.Entry{
		Name: "fetch",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}))
	reg.Freeze()

	out, err := d.Call(context.Background(), "fetch", json.RawMessage(`{"host":"api.example.com","token":"ERYX_SECRET_abc"}`))
	require.NoError(t, err)
	assert.Empty(t, out.Err)
	assert.JSONEq(t, `{"host":"api.example.com","token":"s3kr3t"}`, string(out.Ok))
}

func TestCallRefusesSecretForDisallowedHost(t *testing.T) {
	d, reg := newDispatcher(t, 0)
	d.vault = fakeVault{placeholder: "ERYX_SECRET_abc", raw: "s3kr3t", allowHost: "api.example.com"}
	require.NoError(t, reg.Register(registry.Entry{
		Name: "fetch",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}))
	reg.Freeze()

	out, err := d.Call(context.Background(), "fetch", json.RawMessage(`{"host":"evil.example.com","token":"ERYX_SECRET_abc"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Err)
}

func TestCallGatesSynchronousCallbacksAgainstCeiling(t *testing.T) {
	d, reg := newDispatcherWithLimit(t, 1)
	require.NoError(t, reg.Register(registry.Entry{
		Name: "echo",
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}))
	reg.Freeze()

	_, err := d.Call(context.Background(), "echo", nil)
	require.NoError(t, err)

	_, err = d.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, asyncsched.ErrResourceLimit)
}

func TestListCallbacksReflectsRegistrations(t *testing.T) {
	d, reg := newDispatcher(t, 0)
	require.NoError(t, reg.Register(registry.Entry{Name: "b", Description: "second"}))
	require.NoError(t, reg.Register(registry.Entry{Name: "a", Description: "first", Deferred: true}))
	reg.Freeze()

	descs := d.ListCallbacks()
	require.Len(t, descs, 2)
	assert.Equal(t, "a", descs[0].Name)
	assert.True(t, descs[0].Deferred)
	assert.Equal(t, "b", descs[1].Name)
}
