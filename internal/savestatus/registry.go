// Package savestatus tracks the outcome of save attempts per operation key
// and dispatches saves so that at most one runs per key at a time.
package savestatus

import (
	"sort"
	"sync"
	"time"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

// Event is published to subscribers after every registry change. Key is empty
// when the whole registry was cleared.
type Event struct {
	Key       string
	Operation types.SaveOperation
	Global    types.GlobalSaveState
}

// Listener receives registry events.
type Listener func(Event)

// Registry holds the SaveOperation of every key that has seen a save attempt.
// It is the shared status store created once per application shell.
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]types.SaveOperation
	lastSaved time.Time
	now       func() time.Time

	subMu   sync.RWMutex
	subs    map[int]Listener
	nextSub int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		ops:  make(map[string]types.SaveOperation),
		now:  time.Now,
		subs: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the operation for key, or a synthetic idle operation.
func (r *Registry) Status(key string) types.SaveOperation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if op, ok := r.ops[key]; ok {
		return op
	}
	return types.SaveOperation{Key: key, Status: types.StatusIdle}
}

// Operations returns every tracked operation ordered by key.
func (r *Registry) Operations() []types.SaveOperation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.SaveOperation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Global aggregates all operations.
func (r *Registry) Global() types.GlobalSaveState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.globalLocked()
}

// globalLocked computes the aggregate. Precedence: saving, error, conflict,
// offline, saved (every operation saved), idle.
func (r *Registry) globalLocked() types.GlobalSaveState {
	g := types.GlobalSaveState{
		Status:     types.StatusIdle,
		LastSaved:  r.lastSaved,
		Operations: len(r.ops),
	}
	if len(r.ops) == 0 {
		return g
	}

	counts := make(map[types.SaveStatus]int, 6)
	for _, op := range r.ops {
		counts[op.Status]++
	}
	switch {
	case counts[types.StatusSaving] > 0:
		g.Status = types.StatusSaving
	case counts[types.StatusError] > 0:
		g.Status = types.StatusError
	case counts[types.StatusConflict] > 0:
		g.Status = types.StatusConflict
	case counts[types.StatusOffline] > 0:
		g.Status = types.StatusOffline
	case counts[types.StatusSaved] == len(r.ops):
		g.Status = types.StatusSaved
	}
	return g
}

// FailedSaves returns the keys currently in error, sorted.
func (r *Registry) FailedSaves() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k, op := range r.ops {
		if op.Status == types.StatusError {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ClearAll resets every key to idle. The last successful save time is kept.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	r.ops = make(map[string]types.SaveOperation)
	ev := Event{Operation: types.SaveOperation{Status: types.StatusIdle}, Global: r.globalLocked()}
	r.mu.Unlock()

	r.publish(ev)
}

// Clear resets one key to idle.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	if _, ok := r.ops[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.ops, key)
	ev := Event{
		Key:       key,
		Operation: types.SaveOperation{Key: key, Status: types.StatusIdle},
		Global:    r.globalLocked(),
	}
	r.mu.Unlock()

	r.publish(ev)
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Listeners run synchronously on the goroutine that changed
// the registry, after the registry lock is released.
func (r *Registry) Subscribe(fn Listener) (unsubscribe func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
		})
	}
}

// begin moves key to saving.
func (r *Registry) begin(key, attemptID string) types.SaveOperation {
	r.mu.Lock()
	op := r.ops[key]
	op.Key = key
	op.Status = types.StatusSaving
	op.Message = ""
	op.Err = nil
	op.Attempts++
	op.AttemptID = attemptID
	op.UpdatedAt = r.now()
	r.ops[key] = op
	ev := Event{Key: key, Operation: op, Global: r.globalLocked()}
	r.mu.Unlock()

	r.publish(ev)
	return op
}

// settle records the outcome of an attempt. A nil err means saved.
func (r *Registry) settle(key string, status types.SaveStatus, message string, err error) types.SaveOperation {
	r.mu.Lock()
	op := r.ops[key]
	op.Key = key
	op.Status = status
	op.Message = message
	op.Err = err
	op.UpdatedAt = r.now()
	if status == types.StatusSaved {
		op.LastSaved = op.UpdatedAt
		r.lastSaved = op.UpdatedAt
	}
	r.ops[key] = op
	ev := Event{Key: key, Operation: op, Global: r.globalLocked()}
	r.mu.Unlock()

	r.publish(ev)
	return op
}

func (r *Registry) publish(ev Event) {
	r.subMu.RLock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.subs[id])
	}
	r.subMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
