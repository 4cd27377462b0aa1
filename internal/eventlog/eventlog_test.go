package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	events []*Event
	closed bool
}

func (m *memSink) Write(ev *Event) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestEmitFansOutToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	e := NewEmitter("sess-1", a, b)

	require.NoError(t, e.Emit(EventPolicyDenied, "host denied", map[string]string{"host": "evil.example"}))

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, "sess-1", a.events[0].SessionID)
	assert.Equal(t, EventPolicyDenied, a.events[0].Type)
	assert.JSONEq(t, `{"host":"evil.example"}`, string(a.events[0].Data))
}

func TestEmitNilDataOmitsField(t *testing.T) {
	a := &memSink{}
	e := NewEmitter("sess-1", a)
	require.NoError(t, e.Emit(EventExecutionDone, "ok", nil))
	assert.Nil(t, a.events[0].Data)
}

func TestNilEmitterIsNoOp(t *testing.T) {
	var e *Emitter
	assert.NoError(t, e.Emit(EventExecutionDone, "ok", nil))
	assert.NoError(t, e.Close())
}

func TestCloseClosesAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	e := NewEmitter("sess-1", a, b)
	require.NoError(t, e.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestJSONLSinkAppendsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	e := NewEmitter("sess-2", sink)
	require.NoError(t, e.Emit(EventCallbackStart, "fetch", nil))
	require.NoError(t, e.Emit(EventCallbackEnd, "fetch", nil))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventCallbackStart, first.Type)
	assert.Equal(t, "sess-2", first.SessionID)
}
