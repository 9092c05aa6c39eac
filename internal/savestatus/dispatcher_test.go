package savestatus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/workbook/internal/dirty"
	"github.com/mesh-intelligence/workbook/internal/localstore"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

type messageErr struct{ msg string }

func (e messageErr) Error() string       { return "api: 422: " + e.msg }
func (e messageErr) UserMessage() string { return e.msg }

type staticProber bool

func (p staticProber) Online(context.Context) bool { return bool(p) }

func TestManualSaveSuccess(t *testing.T) {
	d := NewDispatcher(NewRegistry())

	v, err := d.ManualSave(context.Background(), types.SaveKeyManual, func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	op := d.Registry().Status(types.SaveKeyManual)
	assert.Equal(t, types.StatusSaved, op.Status)
	assert.False(t, op.LastSaved.IsZero())
	assert.NotEmpty(t, op.AttemptID)
}

func TestManualSaveFailureIsRecordedAndReturned(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	boom := messageErr{msg: "Title is required"}

	_, err := d.ManualSave(context.Background(), types.SaveKeyManual, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	op := d.Registry().Status(types.SaveKeyManual)
	assert.Equal(t, types.StatusError, op.Status)
	assert.Equal(t, "Title is required", op.Message)
	assert.ErrorIs(t, op.Err, boom)
	assert.Equal(t, []string{types.SaveKeyManual}, d.FailedSaves())
}

func TestManualSaveClassifiesConflict(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	_, err := d.ManualSave(context.Background(), "q1", func(context.Context) (any, error) {
		return nil, fmt.Errorf("put responses: %w", types.ErrConflict)
	})
	require.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, types.StatusConflict, d.Registry().Status("q1").Status)
	assert.Empty(t, d.FailedSaves(), "conflicts are not listed as failed saves")
}

func TestManualSaveOfflineSkipsCall(t *testing.T) {
	d := NewDispatcher(NewRegistry(), WithProber(staticProber(false)))
	called := false
	_, err := d.ManualSave(context.Background(), "q1", func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, types.ErrOffline)
	assert.False(t, called)
	assert.Equal(t, types.StatusOffline, d.Registry().Status("q1").Status)
}

type gateProber struct {
	probing chan struct{}
	release chan struct{}
}

func (p gateProber) Online(context.Context) bool {
	close(p.probing)
	<-p.release
	return false
}

func TestManualSaveShowsSavingDuringConnectivityCheck(t *testing.T) {
	p := gateProber{probing: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(NewRegistry(), WithProber(p))

	done := make(chan error, 1)
	go func() {
		_, err := d.ManualSave(context.Background(), "q1", func(context.Context) (any, error) { return nil, nil })
		done <- err
	}()

	<-p.probing
	assert.Equal(t, types.StatusSaving, d.Registry().Status("q1").Status)
	close(p.release)
	require.ErrorIs(t, <-done, types.ErrOffline)
	assert.Equal(t, types.StatusOffline, d.Registry().Status("q1").Status)
}

func TestManualSaveSingleFlight(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	boom := errors.New("server unreachable")

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = d.ManualSave(context.Background(), "x", fn)
	}()
	<-started
	assert.Equal(t, types.StatusSaving, d.Registry().Status("x").Status)

	second := d.join(context.Background(), "x", func(context.Context) (any, error) {
		calls.Add(1)
		return "second", nil
	})
	close(release)
	_, errs[1] = d.await(context.Background(), "x", second)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, errs[0], boom)
	assert.ErrorIs(t, errs[1], boom)
	assert.Equal(t, 1, d.Registry().Status("x").Attempts)
}

func TestManualSaveDifferentKeysRunIndependently(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.ManualSave(context.Background(), fmt.Sprintf("q%d", i), func(context.Context) (any, error) {
				calls.Add(1)
				return nil, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(8), calls.Load())
	assert.Equal(t, types.StatusSaved, d.Registry().Global().Status)
}

func TestRetryFailedSave(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	var healthy atomic.Bool
	fn := func(context.Context) (any, error) {
		if !healthy.Load() {
			return nil, errors.New("connection refused")
		}
		return "saved", nil
	}

	_, err := d.ManualSave(context.Background(), types.SaveKeyManual, fn)
	require.Error(t, err)
	assert.Equal(t, types.StatusError, d.Registry().Status(types.SaveKeyManual).Status)

	healthy.Store(true)
	v, err := d.RetryFailedSave(context.Background(), types.SaveKeyManual)
	require.NoError(t, err)
	assert.Equal(t, "saved", v)
	op := d.Registry().Status(types.SaveKeyManual)
	assert.Equal(t, types.StatusSaved, op.Status)
	assert.Equal(t, 2, op.Attempts)
	assert.Empty(t, d.FailedSaves())
}

func TestRetryFailedSaveIsNoOpOutsideError(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return nil, nil
	}

	v, err := d.RetryFailedSave(context.Background(), "never-saved")
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = d.ManualSave(context.Background(), "k", fn)
	require.NoError(t, err)
	v, err = d.RetryFailedSave(context.Background(), "k")
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, calls)
}

func TestManualSaveAllUsesAllKey(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	_, err := d.ManualSaveAll(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, types.StatusSaved, d.Registry().Status(types.SaveKeyAll).Status)
}

func TestClearAllSaveStatusForgetsFailures(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	_, _ = d.ManualSave(context.Background(), "k", func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	d.ClearAllSaveStatus()

	assert.Equal(t, types.StatusIdle, d.Registry().Status("k").Status)
	v, err := d.RetryFailedSave(context.Background(), "k")
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestEditSaveReloadScenario(t *testing.T) {
	store := localstore.NewMemory()
	session := types.SessionKey{UserID: "u1", Step: "2"}
	tr, err := dirty.New(store, session)
	require.NoError(t, err)

	d := NewDispatcher(NewRegistry())
	d.Track(tr)

	require.NoError(t, tr.TrackChange("q1", "new", "old"))
	assert.True(t, d.HasUnsavedChanges())

	_, err = d.ManualSave(context.Background(), types.SaveKeyManual, func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, d.HasUnsavedChanges(), "registry success alone does not clear edits")

	require.NoError(t, tr.ClearChange("q1"))
	assert.False(t, d.HasUnsavedChanges())

	_, exists, err := store.Get(session.BackupKey())
	require.NoError(t, err)
	assert.False(t, exists)

	d.Untrack(tr)
	require.NoError(t, tr.TrackChange("q2", "a", "b"))
	assert.False(t, d.HasUnsavedChanges())
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "plain", Message(errors.New("plain")))
	assert.Equal(t, "Title is required", Message(fmt.Errorf("wrap: %w", messageErr{msg: "Title is required"})))
}

func TestManualSaveWaiterHonoursContext(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = d.ManualSave(context.Background(), "x", func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.ManualSave(ctx, "x", func(context.Context) (any, error) {
		t.Error("waiter must not run its own save")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-done
	assert.Equal(t, types.StatusSaved, d.Registry().Status("x").Status)
}
