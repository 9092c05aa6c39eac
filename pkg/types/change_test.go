package types

import (
	"errors"
	"testing"
)

func TestSessionKeyBackupKey(t *testing.T) {
	tests := []struct {
		name    string
		session SessionKey
		want    string
	}{
		{"explicit variant", SessionKey{UserID: "u1", Step: "3", Variant: "long"}, "unsaved_changes:u1:3:long"},
		{"empty variant uses default", SessionKey{UserID: "u1", Step: "3"}, "unsaved_changes:u1:3:default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.BackupKey(); got != tt.want {
				t.Errorf("BackupKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionKeyValidate(t *testing.T) {
	if err := (SessionKey{UserID: "u1", Step: "1"}).Validate(); err != nil {
		t.Fatalf("expected valid session, got %v", err)
	}
	if err := (SessionKey{Step: "1"}).Validate(); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if err := (SessionKey{UserID: "u1"}).Validate(); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestSaveOperationFailed(t *testing.T) {
	for status, want := range map[SaveStatus]bool{
		StatusIdle:     false,
		StatusSaving:   false,
		StatusSaved:    false,
		StatusError:    true,
		StatusConflict: true,
		StatusOffline:  true,
	} {
		if got := (SaveOperation{Status: status}).Failed(); got != want {
			t.Errorf("Failed() for %s = %v, want %v", status, got, want)
		}
	}
}

func TestMarkerKeys(t *testing.T) {
	if got := MarkerKey("u1", DomainOfferOutline); got != "migration:offer-outline:u1" {
		t.Errorf("MarkerKey = %q", got)
	}
	if got := RecordMarkerKey("u1", DomainWorkbookResponses, "workbook_step:u1:2"); got != "migration:workbook-responses:u1:workbook_step:u1:2" {
		t.Errorf("RecordMarkerKey = %q", got)
	}
}
