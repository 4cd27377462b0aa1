package toolserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "spawning", StateSpawning.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}

// fakeMCPScript is a minimal stdio JSON-RPC responder standing in for a
// real MCP server: it answers initialize, tools/list (one "echo" tool),
// and tools/call with fixed, line-delimited responses matching the
// request ids Server issues in that fixed order.
const fakeMCPScript = `while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":1,"result":{}}\n' ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}\n' ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":3,"result":{"ok":true}}\n' ;;
  esac
done`

func spawnFake(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, err := Spawn(ctx, Spec{Name: "fake", Command: "/bin/sh", Args: []string{"-c", fakeMCPScript}}, nil)
	require.NoError(t, err)
	return srv
}

func TestSpawnReportsStateTransitions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var states []State
	srv, err := Spawn(ctx, Spec{Name: "fake", Command: "/bin/sh", Args: []string{"-c", fakeMCPScript}}, func(server string, state State) {
		assert.Equal(t, "fake", server)
		states = append(states, state)
	})
	require.NoError(t, err)
	defer srv.Close(context.Background())

	assert.Contains(t, states, StateSpawning)
	assert.Contains(t, states, StateInitializing)
	assert.Contains(t, states, StateReady)
}

func TestSpawnInitializePopulatesTools(t *testing.T) {
	srv := spawnFake(t)
	defer srv.Close(context.Background())

	assert.Equal(t, StateReady, srv.State())
	tools := srv.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestCallReturnsToolResult(t *testing.T) {
	srv := spawnFake(t)
	defer srv.Close(context.Background())

	result, err := srv.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := spawnFake(t)
	require.NoError(t, srv.Close(context.Background()))
	require.NoError(t, srv.Close(context.Background()))
	assert.Equal(t, StateClosed, srv.State())
}

func TestCallAfterCloseFails(t *testing.T) {
	srv := spawnFake(t)
	require.NoError(t, srv.Close(context.Background()))

	_, err := srv.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrFaulted)
}

func TestManagerSpawnAllAndCloseAll(t *testing.T) {
	m := NewManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.SpawnAll(ctx, []Spec{{Name: "fake", Command: "/bin/sh", Args: []string{"-c", fakeMCPScript}}}))

	srv, ok := m.Get("fake")
	require.True(t, ok)
	assert.Equal(t, StateReady, srv.State())
	assert.Len(t, m.All(), 1)

	require.NoError(t, m.CloseAll(context.Background()))
}
