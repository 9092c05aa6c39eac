// Package types defines the storage interfaces, save-status values, dirty
// field records, migration markers and standard errors shared by the
// workbook client packages.
package types
