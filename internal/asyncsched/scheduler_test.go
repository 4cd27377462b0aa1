package asyncsched

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeAsyncResolvesExactlyOnce(t *testing.T) {
	s := New(context.Background(), 0)
	setID := s.NewWaitableSet()

	waitableID, promiseID, err := s.InvokeAsync("cb", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, waitableID, promiseID)

	require.NoError(t, s.Join(waitableID, setID))
	s.Wait(context.Background(), setID)

	resolutions := s.Poll(setID)
	require.Len(t, resolutions, 1)
	assert.Equal(t, waitableID, resolutions[0].WaitableID)
	assert.Empty(t, resolutions[0].Err)

	// A second poll with nothing new pending returns empty, not a repeat.
	assert.Empty(t, s.Poll(setID))
}

func TestJoinAfterResolutionDeliversImmediately(t *testing.T) {
	s := New(context.Background(), 0)
	setID := s.NewWaitableSet()

	done := make(chan struct{})
	waitableID, _, err := s.InvokeAsync("cb", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		close(done)
		return json.RawMessage(`1`), nil
	}, 0)
	require.NoError(t, err)

	<-done
	// Give the resolving goroutine a moment to record the result before join.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Join(waitableID, setID))
	resolutions := s.Poll(setID)
	require.Len(t, resolutions, 1)
}

func TestAcquireCallbackSlotEnforcesCeiling(t *testing.T) {
	s := New(context.Background(), 1)

	require.NoError(t, s.AcquireCallbackSlot())
	assert.ErrorIs(t, s.AcquireCallbackSlot(), ErrResourceLimit)
}

func TestInvokeAsyncCallbackCeiling(t *testing.T) {
	// InvokeAsync itself no longer gates the ceiling — callers (the
	// Dispatcher) must call AcquireCallbackSlot first. InvokeAsync still
	// runs fine past the configured ceiling on its own.
	s := New(context.Background(), 1)

	require.NoError(t, s.AcquireCallbackSlot())
	assert.ErrorIs(t, s.AcquireCallbackSlot(), ErrResourceLimit)

	_, _, err := s.InvokeAsync("cb", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, 0)
	require.NoError(t, err)
}

func TestInvokeAsyncTimeoutReportedAsError(t *testing.T) {
	s := New(context.Background(), 0)
	setID := s.NewWaitableSet()

	waitableID, _, err := s.InvokeAsync("slow", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Join(waitableID, setID))

	s.Wait(context.Background(), setID)
	resolutions := s.Poll(setID)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "timeout", resolutions[0].Err)
}

func TestShutdownCancelsInFlightAndReturnsBeforeGraceWhenDone(t *testing.T) {
	s := New(context.Background(), 0)
	started := make(chan struct{})

	_, _, err := s.InvokeAsync("cb", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0)
	require.NoError(t, err)
	<-started

	begin := time.Now()
	s.Shutdown(time.Second)
	assert.Less(t, time.Since(begin), time.Second, "shutdown should return as soon as the cancelled subtask observes cancellation")

	_, _, err = s.InvokeAsync("cb", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDropWaitableSetStopsDeliveringResolutions(t *testing.T) {
	s := New(context.Background(), 0)
	setID := s.NewWaitableSet()

	waitableID, _, err := s.InvokeAsync("cb", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Join(waitableID, setID))

	s.DropWaitableSet(setID)
	assert.Empty(t, s.Poll(setID))
}

func TestContextSetGet(t *testing.T) {
	s := New(context.Background(), 0)
	_, ok := s.ContextGet("missing")
	assert.False(t, ok)

	s.ContextSet("k", "v")
	v, ok := s.ContextGet("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}
