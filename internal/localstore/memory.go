package localstore

import (
	"sort"
	"sync"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

// Memory is an in-process types.Storage. Nothing survives Detach.
type Memory struct {
	mu       sync.RWMutex
	attached bool
	entries  map[string]string
}

// NewMemory returns an attached, empty memory store.
func NewMemory() *Memory {
	return &Memory{attached: true, entries: make(map[string]string)}
}

// Attach resets the store and marks it attached.
func (m *Memory) Attach(config types.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}
	m.entries = make(map[string]string)
	m.attached = true
	return nil
}

// Detach drops every entry. Idempotent.
func (m *Memory) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attached = false
	m.entries = nil
	return nil
}

func (m *Memory) Get(key string) (string, bool, error) {
	if key == "" {
		return "", false, types.ErrInvalidKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.attached {
		return "", false, types.ErrStoreDetached
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	if key == "" {
		return types.ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return types.ErrStoreDetached
	}
	m.entries[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	if key == "" {
		return types.ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return types.ErrStoreDetached
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.attached {
		return nil, types.ErrStoreDetached
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
