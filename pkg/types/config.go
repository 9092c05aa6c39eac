package types

import (
	"errors"
	"time"
)

// Config holds backend selection and parameters for Storage.Attach and the
// remote API client.
type Config struct {
	Backend string `json:"backend" yaml:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// SQLiteConfig tunes the sqlite backend's JSONL snapshot writes.
	SQLiteConfig SQLiteConfig `json:"sqlite" yaml:"sqlite"`

	API     APIConfig     `json:"api" yaml:"api"`
	Migrate MigrateConfig `json:"migrate" yaml:"migrate"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Sync strategies for the sqlite backend snapshot.
const (
	SyncImmediate = "immediate"
	SyncOnClose   = "on_close"
	SyncBatch     = "batch"
)

// Defaults applied when a field is left zero.
const (
	DefaultBatchSize     = 10
	DefaultBatchInterval = 5 // seconds
	DefaultAPITimeout    = 15 * time.Second
	DefaultStartDelay    = 1500 * time.Millisecond
	DefaultWorkbookSteps = 10
)

// SQLiteConfig holds sqlite-specific settings.
type SQLiteConfig struct {
	SyncStrategy  string `json:"sync_strategy" yaml:"sync_strategy"`
	BatchSize     int    `json:"batch_size" yaml:"batch_size"`
	BatchInterval int    `json:"batch_interval" yaml:"batch_interval"`
}

// APIConfig describes how to reach the platform backend.
type APIConfig struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	Token      string        `json:"-" yaml:"-"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
}

// MigrateConfig controls the legacy local data migration.
type MigrateConfig struct {
	StartDelay        time.Duration `json:"start_delay" yaml:"start_delay"`
	DeleteLocal       bool          `json:"delete_local" yaml:"delete_local"`
	WorkbookSteps     int           `json:"workbook_steps" yaml:"workbook_steps"`
	SalesPageVariants []string      `json:"sales_page_variants" yaml:"sales_page_variants"`
}

// Config validation errors.
var (
	ErrBackendEmpty         = errors.New("backend must not be empty")
	ErrBackendUnknown       = errors.New("unknown backend")
	ErrSyncStrategyUnknown  = errors.New("unknown sync strategy")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrBatchIntervalInvalid = errors.New("batch interval must be positive")
	ErrTimeoutInvalid       = errors.New("api timeout must not be negative")
	ErrMaxRetriesInvalid    = errors.New("api max retries must not be negative")
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
	BackendBolt:   true,
	BackendMemory: true,
}

var knownSyncStrategies = map[string]bool{
	SyncImmediate: true,
	SyncOnClose:   true,
	SyncBatch:     true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if err := c.SQLiteConfig.Validate(); err != nil {
		return err
	}
	if c.API.Timeout < 0 {
		return ErrTimeoutInvalid
	}
	if c.API.MaxRetries < 0 {
		return ErrMaxRetriesInvalid
	}
	return nil
}

// Validate checks the sqlite settings. Zero values are accepted and replaced
// by defaults in the getters.
func (s SQLiteConfig) Validate() error {
	if s.SyncStrategy != "" && !knownSyncStrategies[s.SyncStrategy] {
		return ErrSyncStrategyUnknown
	}
	if s.BatchSize < 0 {
		return ErrBatchSizeInvalid
	}
	if s.BatchInterval < 0 {
		return ErrBatchIntervalInvalid
	}
	return nil
}

// GetSyncStrategy returns the configured strategy or SyncImmediate.
func (s SQLiteConfig) GetSyncStrategy() string {
	if s.SyncStrategy == "" {
		return SyncImmediate
	}
	return s.SyncStrategy
}

// GetBatchSize returns the configured batch size or DefaultBatchSize.
func (s SQLiteConfig) GetBatchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

// GetBatchInterval returns the batch interval in seconds or DefaultBatchInterval.
func (s SQLiteConfig) GetBatchInterval() int {
	if s.BatchInterval <= 0 {
		return DefaultBatchInterval
	}
	return s.BatchInterval
}

// GetTimeout returns the request timeout or DefaultAPITimeout.
func (a APIConfig) GetTimeout() time.Duration {
	if a.Timeout <= 0 {
		return DefaultAPITimeout
	}
	return a.Timeout
}

// GetWorkbookSteps returns the number of workbook steps scanned for legacy
// responses.
func (m MigrateConfig) GetWorkbookSteps() int {
	if m.WorkbookSteps <= 0 {
		return DefaultWorkbookSteps
	}
	return m.WorkbookSteps
}

// GetSalesPageVariants returns the sales page variants scanned for legacy
// drafts; "default" when none are configured.
func (m MigrateConfig) GetSalesPageVariants() []string {
	if len(m.SalesPageVariants) == 0 {
		return []string{"default"}
	}
	return m.SalesPageVariants
}
