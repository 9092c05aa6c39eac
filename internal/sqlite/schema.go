package sqlite

// Schema DDL for the local storage table.
const (
	createLocalStorage = `CREATE TABLE IF NOT EXISTS local_storage (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	idxLocalStorageUpdated = `CREATE INDEX IF NOT EXISTS idx_local_storage_updated ON local_storage(updated_at);`
)

// schemaDDL lists all statements executed on Attach, in order.
var schemaDDL = []string{
	createLocalStorage,
	idxLocalStorageUpdated,
}

// localStorageColumns are the columns mirrored to local_storage.jsonl.
var localStorageColumns = []string{"key", "value", "updated_at"}
