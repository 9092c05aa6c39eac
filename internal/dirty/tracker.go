// Package dirty tracks unsaved edits of one editing session.
//
// A field is tracked while its current value differs from the last saved
// value. Every mutation mirrors the full map to the session's backup key in
// local storage; an empty map removes the key.
package dirty

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/workbook/internal/logging"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// Tracker holds the unsaved changes of one session.
type Tracker struct {
	mu      sync.RWMutex
	session types.SessionKey
	store   types.LocalStore
	changes map[string]types.UnsavedChange
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrNop(l) }
}

// WithClock overrides the time source for LastModified stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a tracker for session and restores any backup found in store.
// A malformed backup is logged, removed and treated as empty.
func New(store types.LocalStore, session types.SessionKey, opts ...Option) (*Tracker, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		session: session,
		store:   store,
		changes: make(map[string]types.UnsavedChange),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("session", session.BackupKey()))
	t.restore()
	return t, nil
}

// restore loads the backup. Read and parse failures never reach the caller.
func (t *Tracker) restore() {
	raw, ok, err := t.store.Get(t.session.BackupKey())
	if err != nil {
		t.logger.Warn("read unsaved changes backup", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	var saved map[string]types.UnsavedChange
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		t.logger.Warn("discarding malformed unsaved changes backup", zap.Error(err))
		if err := t.store.Remove(t.session.BackupKey()); err != nil {
			t.logger.Warn("remove malformed backup", zap.Error(err))
		}
		return
	}

	for key, c := range saved {
		if key == "" || c.CurrentValue == c.OriginalValue {
			continue
		}
		c.IsDirty = true
		t.changes[key] = c
	}
	t.logger.Debug("restored unsaved changes", zap.Int("fields", len(t.changes)))
}

// Session returns the session this tracker belongs to.
func (t *Tracker) Session() types.SessionKey {
	return t.session
}

// TrackChange records the current value of a field. The entry is removed
// once current equals original. The returned error is from the backup write;
// the in-memory state is updated either way.
func (t *Tracker) TrackChange(key, currentValue, originalValue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if currentValue == originalValue {
		if _, ok := t.changes[key]; !ok {
			return nil
		}
		delete(t.changes, key)
		return t.persistLocked()
	}

	t.changes[key] = types.UnsavedChange{
		OriginalValue: originalValue,
		CurrentValue:  currentValue,
		IsDirty:       true,
		LastModified:  t.now(),
	}
	return t.persistLocked()
}

// ClearChange forgets key, typically after its save was acknowledged.
// Clearing a key that is not tracked is a no-op.
func (t *Tracker) ClearChange(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.changes[key]; !ok {
		return nil
	}
	delete(t.changes, key)
	return t.persistLocked()
}

// ClearAllChanges resets the session and removes its backup.
func (t *Tracker) ClearAllChanges() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.changes = make(map[string]types.UnsavedChange)
	return t.persistLocked()
}

// IsDirty reports whether key has an unsaved change.
func (t *Tracker) IsDirty(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.changes[key]
	return ok
}

// CurrentValue returns the unsaved value of key.
func (t *Tracker) CurrentValue(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.changes[key]
	return c.CurrentValue, ok
}

// HasUnsavedChanges reports whether any field is dirty.
func (t *Tracker) HasUnsavedChanges() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.changes) > 0
}

// Changes returns a copy of the tracked map.
func (t *Tracker) Changes() map[string]types.UnsavedChange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]types.UnsavedChange, len(t.changes))
	for k, v := range t.changes {
		out[k] = v
	}
	return out
}

// DirtyKeys returns the dirty field keys in ascending order.
func (t *Tracker) DirtyKeys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.changes))
	for k := range t.changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LastModified returns the most recent change time, or the zero time when
// nothing is dirty.
func (t *Tracker) LastModified() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var latest time.Time
	for _, c := range t.changes {
		if c.LastModified.After(latest) {
			latest = c.LastModified
		}
	}
	return latest
}

// persistLocked mirrors the map to local storage. The caller must hold t.mu.
func (t *Tracker) persistLocked() error {
	key := t.session.BackupKey()
	if len(t.changes) == 0 {
		if err := t.store.Remove(key); err != nil {
			return fmt.Errorf("remove backup %q: %w", key, err)
		}
		return nil
	}

	data, err := json.Marshal(t.changes)
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	if err := t.store.Set(key, string(data)); err != nil {
		return fmt.Errorf("write backup %q: %w", key, err)
	}
	return nil
}
