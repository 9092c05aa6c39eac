package types

import "errors"

// LocalStore is the durable string key/value store the client keeps on the
// device: unsaved change backups, legacy drafts and migration markers.
type LocalStore interface {
	// Get returns the value stored under key and whether it exists.
	Get(key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Keys returns every stored key in ascending order.
	Keys() ([]string, error)
}

// Storage is a LocalStore with an attach/detach lifecycle.
type Storage interface {
	LocalStore

	// Attach connects the store to the backend described by config.
	// Creates the DataDir if it does not exist. Returns ErrAlreadyAttached
	// if called while already attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent: multiple calls succeed.
	// After Detach, operations return ErrStoreDetached.
	Detach() error
}

// Store lifecycle errors.
var (
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
	ErrInvalidKey      = errors.New("invalid storage key")
	ErrValueTooLarge   = errors.New("storage value too large")
)
