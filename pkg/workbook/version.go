// Package workbook holds release metadata for the workbook client.
package workbook

// Version is the workbook CLI release version.
const Version = "0.3.0"
