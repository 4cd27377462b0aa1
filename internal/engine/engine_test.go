package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalWasm is the smallest valid WASM binary: magic + version, no
// sections.
var minimalWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestClassifyTrapClasses(t *testing.T) {
	assert.Equal(t, TrapUnknown, Classify(nil))
	assert.Equal(t, TrapDeadlineExceeded, Classify(context.DeadlineExceeded))
	assert.Equal(t, TrapDeadlineExceeded, Classify(fmt.Errorf("module closed: context deadline exceeded")))
	assert.Equal(t, TrapOutOfMemory, Classify(errors.New("wasm error: memory.grow failed")))
	assert.Equal(t, TrapGuestPanic, Classify(errors.New("wasm error: unreachable")))
	assert.Equal(t, TrapUnknown, Classify(errors.New("something else entirely")))
}

func TestCompileRejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, Config{})
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Compile(ctx, []byte("not a wasm module"))
	assert.ErrorIs(t, err, ErrCompile)
}

func TestCompileAndInstantiateMinimalModule(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, Config{})
	require.NoError(t, err)
	defer e.Close(ctx)

	mod, err := e.Compile(ctx, minimalWasm)
	require.NoError(t, err)

	inst, err := mod.Instantiate(ctx, "empty", InstanceLimits{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, inst.ExportedFunction("execute"))
	assert.Zero(t, inst.PeakMemoryBytes())

	_, err = inst.Close(ctx)
	assert.NoError(t, err)
	// Close is idempotent.
	_, err = inst.Close(ctx)
	assert.NoError(t, err)
}
