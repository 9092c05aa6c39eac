// Package migrate moves legacy drafts kept in local storage into the
// backend, once per user and domain.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/workbook/internal/logging"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// Uploader sends one migrated record to the backend.
type Uploader interface {
	Upload(ctx context.Context, domain string, item types.MigrationItem) error
}

// BatchUploader sends several records in one call and reports per-record
// failures.
type BatchUploader interface {
	Uploader
	UploadBatch(ctx context.Context, domain string, items []types.MigrationItem) (map[string]error, error)
}

// Skip reasons reported for domains that were not migrated.
const (
	SkipNothingToMigrate = "nothing to migrate"
	SkipAlreadyMigrated  = "already migrated"
)

// DomainReport is the outcome of one domain within a run.
type DomainReport struct {
	Domain   string           `json:"domain"`
	Skipped  string           `json:"skipped,omitempty"`
	Uploaded []string         `json:"uploaded,omitempty"`
	Invalid  []string         `json:"invalid,omitempty"`
	Failed   map[string]error `json:"-"`
	Complete bool             `json:"complete"`
}

// Report is the outcome of a run.
type Report struct {
	UserID  string         `json:"user_id"`
	RunID   string         `json:"run_id"`
	Domains []DomainReport `json:"domains"`
}

// Uploaded returns the number of records acknowledged in the run.
func (r *Report) Uploaded() int {
	n := 0
	for _, d := range r.Domains {
		n += len(d.Uploaded)
	}
	return n
}

// Failed returns the record keys whose upload failed, sorted.
func (r *Report) Failed() []string {
	var keys []string
	for _, d := range r.Domains {
		for k := range d.Failed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Result is delivered by RunAsync.
type Result struct {
	Report *Report
	Err    error
}

// Runner migrates legacy records for the configured domains.
type Runner struct {
	store       types.LocalStore
	uploader    Uploader
	domains     []Domain
	startDelay  time.Duration
	deleteLocal bool
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(l) }
}

// WithDomains replaces the default domain table.
func WithDomains(domains ...Domain) Option {
	return func(r *Runner) { r.domains = domains }
}

// WithClock overrides the time source used for markers.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a runner over store. cfg supplies the start delay, the
// local deletion policy and the default domain table.
func NewRunner(store types.LocalStore, uploader Uploader, cfg types.MigrateConfig, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		uploader:    uploader,
		domains:     DefaultDomains(cfg),
		startDelay:  cfg.StartDelay,
		deleteLocal: cfg.DeleteLocal,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending returns the names of domains that hold local records and have no
// marker yet.
func (r *Runner) Pending(userID string) ([]string, error) {
	if userID == "" {
		return nil, types.ErrInvalidSession
	}
	var pending []string
	for _, d := range r.domains {
		reason, err := r.skipReason(userID, d)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			pending = append(pending, d.Name)
		}
	}
	return pending, nil
}

// Run waits for the start delay and then migrates every pending domain
// concurrently. Upload failures are recorded in the report and leave the
// affected records in place; the returned error covers cancellation and
// local storage failures.
func (r *Runner) Run(ctx context.Context, userID string) (*Report, error) {
	if userID == "" {
		return nil, types.ErrInvalidSession
	}
	if r.startDelay > 0 {
		t := time.NewTimer(r.startDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	report := &Report{
		UserID:  userID,
		RunID:   uuid.New().String(),
		Domains: make([]DomainReport, len(r.domains)),
	}
	logger := r.logger.With(zap.String("user", userID), zap.String("run_id", report.RunID))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range r.domains {
		g.Go(func() error {
			dr, err := r.runDomain(gctx, logger.With(zap.String("domain", d.Name)), userID, report.RunID, d)
			report.Domains[i] = dr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	logger.Info("migration run finished",
		zap.Int("uploaded", report.Uploaded()),
		zap.Int("failed", len(report.Failed())))
	return report, nil
}

// RunAsync runs the migration in the background. The channel receives
// exactly one result and is then closed.
func (r *Runner) RunAsync(ctx context.Context, userID string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		rep, err := r.Run(ctx, userID)
		ch <- Result{Report: rep, Err: err}
	}()
	return ch
}

// skipReason reports why a domain needs no migration, or "" when it does.
// Presence is checked before the marker.
func (r *Runner) skipReason(userID string, d Domain) (string, error) {
	present := false
	for _, key := range d.Keys(userID) {
		_, ok, err := r.store.Get(key)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", key, err)
		}
		if ok {
			present = true
			break
		}
	}
	if !present {
		return SkipNothingToMigrate, nil
	}

	_, marked, err := r.store.Get(types.MarkerKey(userID, d.Name))
	if err != nil {
		return "", fmt.Errorf("check marker: %w", err)
	}
	if marked {
		return SkipAlreadyMigrated, nil
	}
	return "", nil
}

func (r *Runner) runDomain(ctx context.Context, logger *zap.Logger, userID, runID string, d Domain) (DomainReport, error) {
	dr := DomainReport{Domain: d.Name, Failed: map[string]error{}}

	reason, err := r.skipReason(userID, d)
	if err != nil {
		return dr, err
	}
	if reason != "" {
		dr.Skipped = reason
		logger.Debug("domain skipped", zap.String("reason", reason))
		return dr, nil
	}

	items, err := r.collect(logger, userID, d, &dr)
	if err != nil {
		return dr, err
	}

	if len(items) > 0 {
		failed := r.upload(ctx, d, items)
		for _, it := range items {
			if ferr, ok := failed[it.RecordKey]; ok {
				dr.Failed[it.RecordKey] = ferr
				logger.Warn("record upload failed", zap.String("key", it.RecordKey), zap.Error(ferr))
				continue
			}
			if err := r.settleRecord(userID, d.Name, it.RecordKey); err != nil {
				return dr, err
			}
			dr.Uploaded = append(dr.Uploaded, it.RecordKey)
		}
	}
	if err := ctx.Err(); err != nil {
		return dr, err
	}

	if len(dr.Failed) > 0 {
		logger.Info("domain partially migrated",
			zap.Int("uploaded", len(dr.Uploaded)),
			zap.Int("failed", len(dr.Failed)))
		return dr, nil
	}

	marker, err := json.Marshal(types.MigrationRecord{
		UserID:     userID,
		Domain:     d.Name,
		RunID:      runID,
		Records:    len(dr.Uploaded),
		MigratedAt: r.now().UTC(),
	})
	if err != nil {
		return dr, fmt.Errorf("encode marker: %w", err)
	}
	if err := r.store.Set(types.MarkerKey(userID, d.Name), string(marker)); err != nil {
		return dr, fmt.Errorf("write marker: %w", err)
	}
	dr.Complete = true
	logger.Info("domain migrated", zap.Int("uploaded", len(dr.Uploaded)))
	return dr, nil
}

// collect reads and parses the domain's local records. Records already
// marked as uploaded are not sent again; unparseable records are logged and
// left alone.
func (r *Runner) collect(logger *zap.Logger, userID string, d Domain, dr *DomainReport) ([]types.MigrationItem, error) {
	var items []types.MigrationItem
	for _, key := range d.Keys(userID) {
		raw, ok, err := r.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}

		_, done, err := r.store.Get(types.RecordMarkerKey(userID, d.Name, key))
		if err != nil {
			return nil, fmt.Errorf("check record marker: %w", err)
		}
		if done {
			if r.deleteLocal {
				if err := r.store.Remove(key); err != nil {
					return nil, fmt.Errorf("remove %s: %w", key, err)
				}
			}
			continue
		}

		payload, err := d.Parse(userID, key, raw)
		if err != nil {
			dr.Invalid = append(dr.Invalid, key)
			if errors.Is(err, ErrEmptyRecord) {
				logger.Debug("empty legacy record", zap.String("key", key))
			} else {
				logger.Warn("unparseable legacy record", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		items = append(items, types.MigrationItem{UserID: userID, RecordKey: key, Payload: payload})
	}
	return items, nil
}

// upload sends items and returns the per-record failures. Once ctx ends, the
// records not yet sent are reported as failed with ctx.Err().
func (r *Runner) upload(ctx context.Context, d Domain, items []types.MigrationItem) map[string]error {
	if bu, ok := r.uploader.(BatchUploader); ok && d.Batch {
		failed, err := bu.UploadBatch(ctx, d.Name, items)
		if err == nil {
			return failed
		}
		failed = make(map[string]error, len(items))
		for _, it := range items {
			failed[it.RecordKey] = err
		}
		return failed
	}

	failed := make(map[string]error)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			failed[it.RecordKey] = err
			continue
		}
		if err := r.uploader.Upload(ctx, d.Name, it); err != nil {
			failed[it.RecordKey] = err
		}
	}
	return failed
}

// settleRecord marks an acknowledged record and, when configured, removes
// the local copy. The marker is written first so a failed removal never
// causes a second upload.
func (r *Runner) settleRecord(userID, domain, key string) error {
	markerKey := types.RecordMarkerKey(userID, domain, key)
	if err := r.store.Set(markerKey, r.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("write record marker: %w", err)
	}
	if r.deleteLocal {
		if err := r.store.Remove(key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}
