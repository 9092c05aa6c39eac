package savestatus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

func TestRegistryStatusDefaultsToIdle(t *testing.T) {
	r := NewRegistry()
	op := r.Status("q1")
	assert.Equal(t, "q1", op.Key)
	assert.Equal(t, types.StatusIdle, op.Status)
	assert.Equal(t, types.StatusIdle, r.Global().Status)
}

func TestRegistryGlobalAggregation(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		ops  map[string]types.SaveStatus
		want types.SaveStatus
	}{
		{"empty is idle", nil, types.StatusIdle},
		{"any saving wins", map[string]types.SaveStatus{"a": types.StatusSaving, "b": types.StatusError}, types.StatusSaving},
		{"error when none saving", map[string]types.SaveStatus{"a": types.StatusSaved, "b": types.StatusError}, types.StatusError},
		{"all saved", map[string]types.SaveStatus{"a": types.StatusSaved, "b": types.StatusSaved}, types.StatusSaved},
		{"conflict without error", map[string]types.SaveStatus{"a": types.StatusSaved, "b": types.StatusConflict}, types.StatusConflict},
		{"offline without error or conflict", map[string]types.SaveStatus{"a": types.StatusOffline, "b": types.StatusSaved}, types.StatusOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for k, s := range tt.ops {
				if s == types.StatusSaving {
					r.begin(k, "id")
					continue
				}
				var err error
				if s != types.StatusSaved {
					err = boom
				}
				r.settle(k, s, "", err)
			}
			g := r.Global()
			assert.Equal(t, tt.want, g.Status)
			assert.Equal(t, len(tt.ops), g.Operations)
		})
	}
}

func TestRegistryLastSavedAndClearAll(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithRegistryClock(func() time.Time { return now }))

	r.begin("manual-save", "a1")
	op := r.settle("manual-save", types.StatusSaved, "", nil)
	assert.Equal(t, now, op.LastSaved)
	assert.Equal(t, 1, op.Attempts)
	assert.Equal(t, now, r.Global().LastSaved)

	r.settle("q2", types.StatusError, "nope", errors.New("nope"))
	assert.Equal(t, []string{"q2"}, r.FailedSaves())

	r.ClearAll()
	assert.Empty(t, r.Operations())
	assert.Empty(t, r.FailedSaves())
	g := r.Global()
	assert.Equal(t, types.StatusIdle, g.Status)
	assert.Equal(t, now, g.LastSaved, "last successful save survives ClearAll")
}

func TestRegistryClearKey(t *testing.T) {
	r := NewRegistry()
	r.settle("a", types.StatusError, "x", errors.New("x"))
	r.settle("b", types.StatusSaved, "", nil)

	r.Clear("a")
	r.Clear("missing")
	assert.Equal(t, types.StatusIdle, r.Status("a").Status)
	assert.Equal(t, types.StatusSaved, r.Global().Status)
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()
	var events []Event
	unsubscribe := r.Subscribe(func(ev Event) { events = append(events, ev) })

	r.begin("k", "a1")
	r.settle("k", types.StatusSaved, "", nil)
	r.ClearAll()

	require.Len(t, events, 3)
	assert.Equal(t, types.StatusSaving, events[0].Operation.Status)
	assert.Equal(t, types.StatusSaving, events[0].Global.Status)
	assert.Equal(t, types.StatusSaved, events[1].Operation.Status)
	assert.Equal(t, types.StatusSaved, events[1].Global.Status)
	assert.Equal(t, "", events[2].Key)
	assert.Equal(t, types.StatusIdle, events[2].Global.Status)

	unsubscribe()
	unsubscribe()
	r.begin("k", "a2")
	assert.Len(t, events, 3, "no events after unsubscribe")
}

func TestRegistryListenerMayReadRegistry(t *testing.T) {
	r := NewRegistry()
	var seen types.SaveStatus
	r.Subscribe(func(ev Event) { seen = r.Status(ev.Key).Status })

	r.settle("k", types.StatusSaved, "", nil)
	assert.Equal(t, types.StatusSaved, seen)
}
