package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Name: "fetch", Description: "fetches a url"}))

	e, err := r.Lookup("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetches a url", e.Description)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Name: "fetch"}))
	err := r.Register(Entry{Name: "fetch"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegisterAfterFreezeRejected(t *testing.T) {
	r := New()
	r.Freeze()
	err := r.Register(Entry{Name: "fetch"})
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestLookupUnknownName(t *testing.T) {
	r := New()
	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIsSortedByName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Name: "zeta"}))
	require.NoError(t, r.Register(Entry{Name: "alpha"}))
	require.NoError(t, r.Register(Entry{Name: "mid"}))

	entries := r.List()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{entries[0].Name, entries[1].Name, entries[2].Name})
}
