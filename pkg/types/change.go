package types

import (
	"errors"
	"fmt"
	"time"
)

// UnsavedChange is one dirty field of an editing session.
type UnsavedChange struct {
	OriginalValue string    `json:"originalValue"`
	CurrentValue  string    `json:"currentValue"`
	IsDirty       bool      `json:"isDirty"`
	LastModified  time.Time `json:"lastModified"`
}

// SessionKey scopes an editing session to a user, a workbook step and a
// form variant.
type SessionKey struct {
	UserID  string
	Step    string
	Variant string
}

// ErrInvalidSession is returned when a session key lacks a user or step.
var ErrInvalidSession = errors.New("session requires user and step")

// Validate checks that the session identifies a user and step. An empty
// variant is allowed and stored as "default".
func (s SessionKey) Validate() error {
	if s.UserID == "" || s.Step == "" {
		return ErrInvalidSession
	}
	return nil
}

const (
	// BackupKeyPrefix starts every session backup key.
	BackupKeyPrefix = "unsaved_changes:"
	// DefaultVariant stands in for an empty variant in backup keys.
	DefaultVariant = "default"
)

// BackupKey returns the local storage key holding this session's unsaved
// changes.
func (s SessionKey) BackupKey() string {
	variant := s.Variant
	if variant == "" {
		variant = DefaultVariant
	}
	return fmt.Sprintf("%s%s:%s:%s", BackupKeyPrefix, s.UserID, s.Step, variant)
}

func (s SessionKey) String() string {
	return s.BackupKey()
}
