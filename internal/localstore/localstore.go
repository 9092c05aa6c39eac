// Package localstore selects and opens the configured local storage backend
// and moves its contents in and out as JSONL.
package localstore

import (
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/workbook/internal/bolt"
	"github.com/mesh-intelligence/workbook/internal/jsonl"
	"github.com/mesh-intelligence/workbook/internal/sqlite"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// New returns a detached Storage for config.Backend.
func New(config types.Config, logger *zap.Logger) (types.Storage, error) {
	switch config.Backend {
	case types.BackendSQLite:
		return sqlite.NewBackend(sqlite.WithLogger(logger)), nil
	case types.BackendBolt:
		return bolt.NewBackend(), nil
	case types.BackendMemory:
		m := NewMemory()
		m.attached = false
		return m, nil
	case "":
		return nil, types.ErrBackendEmpty
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, config.Backend)
	}
}

// Open creates the configured backend and attaches it. The caller must
// Detach the returned Storage.
func Open(config types.Config, logger *zap.Logger) (types.Storage, error) {
	s, err := New(config, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(config); err != nil {
		return nil, fmt.Errorf("attach %s store: %w", config.Backend, err)
	}
	return s, nil
}

// Entry is one exported key/value pair.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Export writes every entry of s to w as JSONL, ordered by key.
func Export(s types.LocalStore, w io.Writer) (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	records := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(k)
		if err != nil {
			return 0, fmt.Errorf("get %q: %w", k, err)
		}
		if !ok {
			continue
		}
		data, err := json.Marshal(Entry{Key: k, Value: v})
		if err != nil {
			return 0, fmt.Errorf("marshal %q: %w", k, err)
		}
		records = append(records, data)
	}

	if err := jsonl.Write(w, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Import reads JSONL entries from r into s. Malformed lines and entries
// without a key are skipped. Existing keys are overwritten.
func Import(s types.LocalStore, r io.Reader) (int, error) {
	records, err := jsonl.Read(r)
	if err != nil {
		return 0, fmt.Errorf("read entries: %w", err)
	}

	n := 0
	for _, rec := range records {
		var e Entry
		if err := json.Unmarshal(rec, &e); err != nil || e.Key == "" {
			continue
		}
		if err := s.Set(e.Key, e.Value); err != nil {
			return n, fmt.Errorf("set %q: %w", e.Key, err)
		}
		n++
	}
	return n, nil
}
