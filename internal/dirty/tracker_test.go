package dirty

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/workbook/internal/localstore"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

var testSession = types.SessionKey{UserID: "u1", Step: "4", Variant: "default"}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
}

func newTracker(t *testing.T, store types.LocalStore) *Tracker {
	t.Helper()
	tr, err := New(store, testSession, WithClock(fixedClock()))
	require.NoError(t, err)
	return tr
}

func TestNewRequiresSession(t *testing.T) {
	_, err := New(localstore.NewMemory(), types.SessionKey{UserID: "u1"})
	assert.ErrorIs(t, err, types.ErrInvalidSession)
}

func TestTrackChangeMatchesDivergentFields(t *testing.T) {
	store := localstore.NewMemory()
	tr := newTracker(t, store)

	rng := rand.New(rand.NewPCG(7, 11))
	fields := []string{"q1", "q2", "q3", "q4"}
	values := []string{"", "a", "b", "c"}
	originals := map[string]string{}
	currents := map[string]string{}

	for i := 0; i < 500; i++ {
		f := fields[rng.IntN(len(fields))]
		if _, ok := originals[f]; !ok || rng.IntN(5) == 0 {
			originals[f] = values[rng.IntN(len(values))]
		}
		currents[f] = values[rng.IntN(len(values))]
		require.NoError(t, tr.TrackChange(f, currents[f], originals[f]))

		want := map[string]bool{}
		for k, cur := range currents {
			if cur != originals[k] {
				want[k] = true
			}
		}
		got := map[string]bool{}
		for k := range tr.Changes() {
			got[k] = true
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("step %d: tracked keys mismatch (-want +got):\n%s", i, diff)
		}
		assert.Equal(t, len(want) > 0, tr.HasUnsavedChanges())
	}
}

func TestTrackChangeConvergenceRemovesEntry(t *testing.T) {
	store := localstore.NewMemory()
	tr := newTracker(t, store)

	require.NoError(t, tr.TrackChange("q1", "draft", "saved"))
	assert.True(t, tr.IsDirty("q1"))
	v, ok := tr.CurrentValue("q1")
	assert.True(t, ok)
	assert.Equal(t, "draft", v)

	require.NoError(t, tr.TrackChange("q1", "saved", "saved"))
	assert.False(t, tr.IsDirty("q1"))
	_, ok = tr.CurrentValue("q1")
	assert.False(t, ok)

	_, exists, err := store.Get(testSession.BackupKey())
	require.NoError(t, err)
	assert.False(t, exists, "empty map must remove the backup key")
}

func TestClearChangeIsIdempotent(t *testing.T) {
	store := localstore.NewMemory()
	tr := newTracker(t, store)
	require.NoError(t, tr.TrackChange("q1", "a", "b"))
	require.NoError(t, tr.TrackChange("q2", "c", "d"))

	require.NoError(t, tr.ClearChange("q1"))
	afterOnce := tr.Changes()
	backupOnce, _, err := store.Get(testSession.BackupKey())
	require.NoError(t, err)

	require.NoError(t, tr.ClearChange("q1"))
	if diff := cmp.Diff(afterOnce, tr.Changes()); diff != "" {
		t.Fatalf("second ClearChange changed state (-once +twice):\n%s", diff)
	}
	backupTwice, _, err := store.Get(testSession.BackupKey())
	require.NoError(t, err)
	assert.Equal(t, backupOnce, backupTwice)
}

func TestClearAllChanges(t *testing.T) {
	store := localstore.NewMemory()
	tr := newTracker(t, store)
	require.NoError(t, tr.TrackChange("q1", "a", "b"))
	require.NoError(t, tr.TrackChange("q2", "c", "d"))

	require.NoError(t, tr.ClearAllChanges())
	assert.False(t, tr.HasUnsavedChanges())
	assert.Empty(t, tr.DirtyKeys())
	assert.True(t, tr.LastModified().IsZero())

	_, exists, err := store.Get(testSession.BackupKey())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBackupRoundTrip(t *testing.T) {
	store := localstore.NewMemory()
	tr := newTracker(t, store)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("q%d", i)
		require.NoError(t, tr.TrackChange(key, fmt.Sprintf("new %d", i), "old"))
	}

	restored := newTracker(t, store)
	if diff := cmp.Diff(tr.Changes(), restored.Changes()); diff != "" {
		t.Fatalf("restored map differs (-orig +restored):\n%s", diff)
	}
	assert.Equal(t, []string{"q0", "q1", "q2", "q3", "q4"}, restored.DirtyKeys())
	assert.True(t, tr.LastModified().Equal(restored.LastModified()))
}

func TestRestoreFromCorruptBackup(t *testing.T) {
	store := localstore.NewMemory()
	require.NoError(t, store.Set(testSession.BackupKey(), `{"q1": {"originalValue": `))

	tr := newTracker(t, store)
	assert.False(t, tr.HasUnsavedChanges())
	assert.Empty(t, tr.Changes())

	_, exists, err := store.Get(testSession.BackupKey())
	require.NoError(t, err)
	assert.False(t, exists, "corrupt backup is discarded")
}

func TestRestoreDropsConvergedEntries(t *testing.T) {
	store := localstore.NewMemory()
	backup := `{"q1":{"originalValue":"a","currentValue":"a","isDirty":true},"q2":{"originalValue":"a","currentValue":"b","isDirty":false}}`
	require.NoError(t, store.Set(testSession.BackupKey(), backup))

	tr := newTracker(t, store)
	assert.Equal(t, []string{"q2"}, tr.DirtyKeys())
	assert.True(t, tr.Changes()["q2"].IsDirty)
}

func TestSessionsAreIsolated(t *testing.T) {
	store := localstore.NewMemory()
	a := newTracker(t, store)
	require.NoError(t, a.TrackChange("q1", "x", "y"))

	other, err := New(store, types.SessionKey{UserID: "u1", Step: "4", Variant: "short"})
	require.NoError(t, err)
	assert.False(t, other.HasUnsavedChanges())
}

func TestBackupWriteErrorStillUpdatesMemory(t *testing.T) {
	store := localstore.NewMemory()
	tr := newTracker(t, store)
	require.NoError(t, store.Detach())

	err := tr.TrackChange("q1", "a", "b")
	assert.ErrorIs(t, err, types.ErrStoreDetached)
	assert.True(t, tr.IsDirty("q1"))
}
