package savestatus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AutoSaver debounces saves per key: each Schedule restarts the key's quiet
// period, and the save runs through the Dispatcher once it elapses.
type AutoSaver struct {
	d     *Dispatcher
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSave
	stopped bool
	wg      sync.WaitGroup
}

type pendingSave struct {
	timer *time.Timer
	fn    SaveFunc
}

// NewAutoSaver returns an AutoSaver that waits delay after the last Schedule
// before saving.
func NewAutoSaver(d *Dispatcher, delay time.Duration) *AutoSaver {
	return &AutoSaver{
		d:       d,
		delay:   delay,
		pending: make(map[string]*pendingSave),
	}
}

// Schedule replaces any pending save for key with fn and restarts the timer.
// It returns false once the AutoSaver is stopped.
func (a *AutoSaver) Schedule(key string, fn SaveFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return false
	}
	if prev, ok := a.pending[key]; ok && prev.timer.Stop() {
		a.wg.Done()
	}

	p := &pendingSave{fn: fn}
	a.wg.Add(1)
	p.timer = time.AfterFunc(a.delay, func() { a.fire(key, p) })
	a.pending[key] = p
	return true
}

func (a *AutoSaver) fire(key string, p *pendingSave) {
	defer a.wg.Done()

	a.mu.Lock()
	if a.pending[key] != p {
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	a.mu.Unlock()

	if _, err := a.d.ManualSave(context.Background(), key, p.fn); err != nil {
		a.d.logger.Warn("auto-save failed", zap.String("key", key), zap.Error(err))
	}
}

// Pending returns the keys waiting for their quiet period, sorted.
func (a *AutoSaver) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.pending))
	for k := range a.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush runs every pending save now and returns their joined errors.
func (a *AutoSaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	type job struct {
		key string
		fn  SaveFunc
	}
	jobs := make([]job, 0, len(a.pending))
	for k, p := range a.pending {
		if p.timer.Stop() {
			a.wg.Done()
		}
		jobs = append(jobs, job{key: k, fn: p.fn})
	}
	a.pending = make(map[string]*pendingSave)
	a.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].key < jobs[j].key })

	var errs []error
	for _, j := range jobs {
		if _, err := a.d.ManualSave(ctx, j.key, j.fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop cancels pending saves without running them and waits for saves that
// already started.
func (a *AutoSaver) Stop() {
	a.mu.Lock()
	a.stopped = true
	for _, p := range a.pending {
		if p.timer.Stop() {
			a.wg.Done()
		}
	}
	a.pending = make(map[string]*pendingSave)
	a.mu.Unlock()

	a.wg.Wait()
}
