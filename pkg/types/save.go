package types

import (
	"errors"
	"time"
)

// SaveStatus is the UI-facing state of one save operation.
type SaveStatus string

// Save statuses.
const (
	StatusIdle     SaveStatus = "idle"
	StatusSaving   SaveStatus = "saving"
	StatusSaved    SaveStatus = "saved"
	StatusError    SaveStatus = "error"
	StatusConflict SaveStatus = "conflict"
	StatusOffline  SaveStatus = "offline"
)

// Well-known operation keys. Per-session saves append ":" and the session
// key to SaveKeyManual or SaveKeyQuick.
const (
	SaveKeyManual = "manual-save"
	SaveKeyQuick  = "quick-save"
	SaveKeyAll    = "all"
)

// SaveOperation is the registry entry for one operation key.
type SaveOperation struct {
	Key       string     `json:"key"`
	Status    SaveStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	Err       error      `json:"-"`
	Attempts  int        `json:"attempts"`
	AttemptID string     `json:"attempt_id,omitempty"`
	LastSaved time.Time  `json:"last_saved,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// Failed reports whether the operation settled in a failure state.
func (o SaveOperation) Failed() bool {
	switch o.Status {
	case StatusError, StatusConflict, StatusOffline:
		return true
	}
	return false
}

// GlobalSaveState aggregates every tracked SaveOperation.
type GlobalSaveState struct {
	Status     SaveStatus `json:"status"`
	LastSaved  time.Time  `json:"last_saved,omitempty"`
	Operations int        `json:"operations"`
}

// Persistence errors. Remote clients wrap these so the dispatcher can pick
// the matching status.
var (
	ErrConflict    = errors.New("save conflict")
	ErrOffline     = errors.New("client is offline")
	ErrUnreachable = errors.New("server unreachable")
)
