package bolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

func TestBackendLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := types.Config{Backend: types.BackendBolt, DataDir: dir}

	b := NewBackend()
	require.NoError(t, b.Attach(cfg))
	assert.ErrorIs(t, b.Attach(cfg), types.ErrAlreadyAttached)

	require.NoError(t, b.Set("offer_outline:u1", `{"title":"x"}`))
	require.NoError(t, b.Set("a", "1"))
	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach())

	_, _, err := b.Get("a")
	assert.ErrorIs(t, err, types.ErrStoreDetached)

	b2 := NewBackend()
	require.NoError(t, b2.Attach(cfg))
	defer b2.Detach()

	keys, err := b2.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "offer_outline:u1"}, keys)

	v, ok, err := b2.Get("offer_outline:u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"title":"x"}`, v)

	require.NoError(t, b2.Remove("a"))
	require.NoError(t, b2.Remove("a"))
	_, ok, err = b2.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendRejectsEmptyKey(t *testing.T) {
	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendBolt, DataDir: t.TempDir()}))
	defer b.Detach()

	assert.ErrorIs(t, b.Set("", "v"), types.ErrInvalidKey)
	assert.ErrorIs(t, b.Remove(""), types.ErrInvalidKey)
}
