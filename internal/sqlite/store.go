package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mesh-intelligence/workbook/internal/jsonl"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// snapshotRecord is one line of local_storage.jsonl.
type snapshotRecord struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// Get returns the value stored under key.
func (b *Backend) Get(key string) (string, bool, error) {
	if key == "" {
		return "", false, types.ErrInvalidKey
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return "", false, types.ErrStoreDetached
	}

	var value string
	err := b.db.QueryRow("SELECT value FROM local_storage WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key and records the write for the snapshot.
func (b *Backend) Set(key, value string) error {
	if key == "" {
		return types.ErrInvalidKey
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrStoreDetached
	}

	updatedAt := b.now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(snapshotRecord{Key: key, Value: value, UpdatedAt: updatedAt})
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if len(line) > jsonl.MaxLineSize {
		return fmt.Errorf("set %q: %d bytes: %w", key, len(value), types.ErrValueTooLarge)
	}

	_, err = b.db.Exec(
		`INSERT INTO local_storage (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return b.recordWrite(key, "set")
}

// Remove deletes key. Missing keys are ignored and do not touch the snapshot.
func (b *Backend) Remove(key string) error {
	if key == "" {
		return types.ErrInvalidKey
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrStoreDetached
	}

	res, err := b.db.Exec("DELETE FROM local_storage WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	return b.recordWrite(key, "remove")
}

// Keys returns every stored key in ascending order.
func (b *Backend) Keys() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	rows, err := b.db.Query("SELECT key FROM local_storage ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// persistSnapshotLocked writes every row of local_storage to the JSONL
// snapshot. The caller must hold b.mu.
func (b *Backend) persistSnapshotLocked() error {
	rows, err := b.db.Query("SELECT key, value, updated_at FROM local_storage ORDER BY key ASC")
	if err != nil {
		return fmt.Errorf("querying local_storage for snapshot: %w", err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		var rec snapshotRecord
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return fmt.Errorf("scanning local_storage row: %w", err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling snapshot record: %w", err)
		}
		records = append(records, data)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating local_storage: %w", err)
	}

	return jsonl.WriteFile(filepath.Join(b.config.DataDir, snapshotFileName), records)
}
