// This file loads the JSONL snapshot into a fresh database on Attach.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/workbook/internal/jsonl"
)

// loadSnapshot reads the JSONL snapshot at path and inserts its records into
// local_storage. Loading is transactional: all succeed or the table stays
// empty. Malformed lines and records without a key are skipped; unknown
// fields are ignored.
func loadSnapshot(db *sql.DB, path string) (int, error) {
	records, err := jsonl.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := insertRecords(tx, "local_storage", localStorageColumns, records)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing load transaction: %w", err)
	}
	return n, nil
}

// insertRecords inserts parsed JSONL records into table. Only the listed
// columns are extracted. Later records for the same key replace earlier ones.
func insertRecords(tx *sql.Tx, table string, columns []string, records []json.RawMessage) (int, error) {
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		var obj map[string]any
		if err := json.Unmarshal(rec, &obj); err != nil {
			continue
		}
		if key, _ := obj["key"].(string); key == "" {
			continue
		}

		args := make([]any, len(columns))
		for i, col := range columns {
			switch v := obj[col].(type) {
			case string:
				args[i] = v
			case nil:
				args[i] = ""
			default:
				b, err := json.Marshal(v)
				if err != nil {
					args[i] = ""
					continue
				}
				args[i] = string(b)
			}
		}

		if _, err := stmt.Exec(args...); err != nil {
			continue
		}
		inserted++
	}

	return inserted, nil
}
