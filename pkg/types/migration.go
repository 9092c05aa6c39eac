package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Migration domain names.
const (
	DomainOfferOutline       = "offer-outline"
	DomainSalesPageDraft     = "sales-page-draft"
	DomainCustomerExperience = "customer-experience"
	DomainWorkbookResponses  = "workbook-responses"
)

// MigrationRecord is the idempotency marker for one (user, domain) pair.
// Only its presence matters; the fields are informational.
type MigrationRecord struct {
	UserID     string    `json:"user_id"`
	Domain     string    `json:"domain"`
	RunID      string    `json:"run_id"`
	Records    int       `json:"records"`
	MigratedAt time.Time `json:"migrated_at"`
}

// MarkerKey returns the local storage key of the domain marker.
func MarkerKey(userID, domain string) string {
	return fmt.Sprintf("migration:%s:%s", domain, userID)
}

// RecordMarkerKey returns the local storage key marking one legacy record as
// uploaded.
func RecordMarkerKey(userID, domain, recordKey string) string {
	return fmt.Sprintf("migration:%s:%s:%s", domain, userID, recordKey)
}

// MigrationItem is one legacy record transformed into the shape the backend
// ingests.
type MigrationItem struct {
	UserID    string          `json:"user_id"`
	RecordKey string          `json:"record_key"`
	Payload   json.RawMessage `json:"payload"`
}
