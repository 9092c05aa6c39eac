// Tests for the SQLite local storage backend.
package sqlite

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/workbook/internal/jsonl"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

func attachedBackend(t *testing.T, dir string, sc types.SQLiteConfig) *Backend {
	t.Helper()
	b := NewBackend()
	err := b.Attach(types.Config{
		Backend:      types.BackendSQLite,
		DataDir:      dir,
		SQLiteConfig: sc,
	})
	require.NoError(t, err)
	return b
}

func readSnapshot(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	require.NoError(t, err)
	return string(data)
}

func TestBackend_Attach(t *testing.T) {
	tmpDir := t.TempDir()
	b := attachedBackend(t, tmpDir, types.SQLiteConfig{})
	defer b.Detach()

	if _, err := os.Stat(filepath.Join(tmpDir, dbFileName)); os.IsNotExist(err) {
		t.Error("workbook.db not created")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, snapshotFileName)); os.IsNotExist(err) {
		t.Error("local_storage.jsonl not created")
	}

	err := b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: tmpDir})
	assert.ErrorIs(t, err, types.ErrAlreadyAttached)
}

func TestBackend_AttachRejectsInvalidConfig(t *testing.T) {
	b := NewBackend()
	err := b.Attach(types.Config{Backend: "", DataDir: t.TempDir()})
	assert.ErrorIs(t, err, types.ErrBackendEmpty)
}

func TestBackend_Detach(t *testing.T) {
	b := attachedBackend(t, t.TempDir(), types.SQLiteConfig{})

	require.NoError(t, b.Detach())
	assert.NoError(t, b.Detach(), "second Detach should not error")

	_, _, err := b.Get("k")
	assert.ErrorIs(t, err, types.ErrStoreDetached)
	assert.ErrorIs(t, b.Set("k", "v"), types.ErrStoreDetached)
	assert.ErrorIs(t, b.Remove("k"), types.ErrStoreDetached)
	_, err = b.Keys()
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}

func TestBackend_SetGetRemove(t *testing.T) {
	b := attachedBackend(t, t.TempDir(), types.SQLiteConfig{})
	defer b.Detach()

	require.NoError(t, b.Set("b", "2"))
	require.NoError(t, b.Set("a", "1"))
	require.NoError(t, b.Set("a", "one"))

	v, ok, err := b.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, b.Remove("a"))
	require.NoError(t, b.Remove("a"), "removing a missing key is not an error")

	_, ok, err = b.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackend_EmptyKeyRejected(t *testing.T) {
	b := attachedBackend(t, t.TempDir(), types.SQLiteConfig{})
	defer b.Detach()

	assert.ErrorIs(t, b.Set("", "v"), types.ErrInvalidKey)
	_, _, err := b.Get("")
	assert.ErrorIs(t, err, types.ErrInvalidKey)
	assert.ErrorIs(t, b.Remove(""), types.ErrInvalidKey)
}

func TestBackend_ImmediateStrategyWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	b := attachedBackend(t, dir, types.SQLiteConfig{SyncStrategy: types.SyncImmediate})
	defer b.Detach()

	require.NoError(t, b.Set("draft", `{"q1":"hello"}`))

	snap := readSnapshot(t, dir)
	lines := strings.Split(strings.TrimSpace(snap), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"key":"draft"`)
	assert.Contains(t, lines[0], `\"q1\":\"hello\"`)

	require.NoError(t, b.Remove("draft"))
	assert.Empty(t, strings.TrimSpace(readSnapshot(t, dir)))
}

func TestBackend_ReattachRestoresFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	b := attachedBackend(t, dir, types.SQLiteConfig{})
	require.NoError(t, b.Set("k1", "v1"))
	require.NoError(t, b.Set("k2", "v2"))
	require.NoError(t, b.Detach())

	b2 := attachedBackend(t, dir, types.SQLiteConfig{})
	defer b2.Detach()

	keys, err := b2.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)

	v, ok, err := b2.Get("k2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestBackend_OnCloseStrategyDefersSnapshot(t *testing.T) {
	dir := t.TempDir()
	b := attachedBackend(t, dir, types.SQLiteConfig{SyncStrategy: types.SyncOnClose})

	require.NoError(t, b.Set("k", "v"))
	assert.Empty(t, readSnapshot(t, dir), "snapshot must not be written before Detach")

	require.NoError(t, b.Detach())
	assert.Contains(t, readSnapshot(t, dir), `"key":"k"`)
}

func TestBackend_BatchStrategyFlushesAtBatchSize(t *testing.T) {
	dir := t.TempDir()
	b := attachedBackend(t, dir, types.SQLiteConfig{
		SyncStrategy:  types.SyncBatch,
		BatchSize:     2,
		BatchInterval: 3600,
	})
	defer b.Detach()

	require.NoError(t, b.Set("k1", "v1"))
	assert.Empty(t, readSnapshot(t, dir))

	require.NoError(t, b.Set("k2", "v2"))
	snap := readSnapshot(t, dir)
	assert.Contains(t, snap, `"key":"k1"`)
	assert.Contains(t, snap, `"key":"k2"`)
}

func TestBackend_SnapshotSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	content := `{"key":"good","value":"1","updated_at":"2026-01-01T00:00:00Z"}
garbage
{"value":"no key"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFileName), []byte(content), 0o644))

	b := attachedBackend(t, dir, types.SQLiteConfig{})
	defer b.Detach()

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys)
}

func TestBackend_RejectsValueLargerThanSnapshotLine(t *testing.T) {
	dir := t.TempDir()
	b := attachedBackend(t, dir, types.SQLiteConfig{})

	err := b.Set("huge", strings.Repeat("x", jsonl.MaxLineSize))
	require.ErrorIs(t, err, types.ErrValueTooLarge)
	require.NoError(t, b.Set("small", "v"))
	require.NoError(t, b.Detach())

	b2 := attachedBackend(t, dir, types.SQLiteConfig{})
	defer b2.Detach()
	keys, err := b2.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"small"}, keys)
}

func TestBackend_AttachSurvivesOverLongSnapshotLine(t *testing.T) {
	dir := t.TempDir()
	big := `{"key":"big","value":"` + strings.Repeat("x", jsonl.MaxLineSize) + `","updated_at":"2026-01-01T00:00:00Z"}`
	content := big + "\n" + `{"key":"good","value":"1","updated_at":"2026-01-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFileName), []byte(content), 0o644))

	b := attachedBackend(t, dir, types.SQLiteConfig{})
	defer b.Detach()

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys)
}
