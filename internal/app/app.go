// Package app wires local storage, the backend client, the save dispatcher
// and the migration runner into one handle used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/workbook/internal/dirty"
	"github.com/mesh-intelligence/workbook/internal/localstore"
	"github.com/mesh-intelligence/workbook/internal/logging"
	"github.com/mesh-intelligence/workbook/internal/migrate"
	"github.com/mesh-intelligence/workbook/internal/remote"
	"github.com/mesh-intelligence/workbook/internal/savestatus"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// ErrRemoteNotConfigured is returned by operations that need the backend
// when no api.base_url is set.
var ErrRemoteNotConfigured = errors.New("api base url not configured")

// DefaultAutoSaveDelay is the quiet period before a scheduled save runs.
const DefaultAutoSaveDelay = 2 * time.Second

// ErrNothingToSave is returned by SaveSession when the session has no dirty
// fields.
var ErrNothingToSave = errors.New("nothing to save")

// App is an open workbook client.
type App struct {
	cfg        types.Config
	logger     *zap.Logger
	store      types.Storage
	client     *remote.Client
	registry   *savestatus.Registry
	dispatcher *savestatus.Dispatcher
	autosaver  *savestatus.AutoSaver
	migrator   *migrate.Runner

	mu         sync.Mutex
	sessions   map[string]*dirty.Tracker
	migrations map[string]*autoMigration
	migWG      sync.WaitGroup
	closed     bool
}

// autoMigration is a legacy data migration started by Session.
type autoMigration struct {
	done chan struct{}
	res  migrate.Result
}

// Option configures Open.
type Option func(*options)

type options struct {
	store         types.Storage
	clientOpts    []remote.Option
	autoSaveDelay time.Duration
}

// WithStorage uses an already attached store instead of opening the
// configured backend. Close still detaches it.
func WithStorage(s types.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithRemoteOptions passes extra options to the backend client.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithAutoSaveDelay sets the quiet period used by ScheduleSave.
func WithAutoSaveDelay(d time.Duration) Option {
	return func(o *options) { o.autoSaveDelay = d }
}

// Open attaches local storage and builds the save and migration machinery.
// The backend client is only created when cfg.API.BaseURL is set.
func Open(cfg types.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	logger = logging.OrNop(logger)
	o := options{autoSaveDelay: DefaultAutoSaveDelay}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry:   savestatus.NewRegistry(),
		sessions:   make(map[string]*dirty.Tracker),
		migrations: make(map[string]*autoMigration),
	}

	if cfg.API.BaseURL != "" {
		c, err := remote.New(cfg.API, append([]remote.Option{remote.WithLogger(logger.Named("remote"))}, o.clientOpts...)...)
		if err != nil {
			return nil, err
		}
		a.client = c
	}

	if o.store != nil {
		a.store = o.store
	} else {
		s, err := localstore.Open(cfg, logger.Named("store"))
		if err != nil {
			return nil, err
		}
		a.store = s
	}

	dopts := []savestatus.Option{savestatus.WithLogger(logger.Named("save"))}
	if a.client != nil {
		dopts = append(dopts, savestatus.WithProber(a.client))
		a.migrator = migrate.NewRunner(a.store, a.client, cfg.Migrate, migrate.WithLogger(logger.Named("migrate")))
	}
	a.dispatcher = savestatus.NewDispatcher(a.registry, dopts...)
	a.autosaver = savestatus.NewAutoSaver(a.dispatcher, o.autoSaveDelay)
	return a, nil
}

// Store returns the attached local store.
func (a *App) Store() types.LocalStore { return a.store }

// Dispatcher returns the save dispatcher.
func (a *App) Dispatcher() *savestatus.Dispatcher { return a.dispatcher }

// Registry returns the save-status registry.
func (a *App) Registry() *savestatus.Registry { return a.registry }

// Session returns the dirty tracker for (user, step, variant), restoring any
// backed-up edits. Repeated calls for the same triple return the same
// tracker. The first session of a user starts the legacy data migration in
// the background when the user still has data to migrate.
func (a *App) Session(userID, step, variant string) (*dirty.Tracker, error) {
	key := types.SessionKey{UserID: userID, Step: step, Variant: variant}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, types.ErrStoreDetached
	}
	if t, ok := a.sessions[key.BackupKey()]; ok {
		return t, nil
	}
	t, err := dirty.New(a.store, key, dirty.WithLogger(a.logger.Named("dirty")))
	if err != nil {
		return nil, err
	}
	a.sessions[key.BackupKey()] = t
	a.dispatcher.Track(t)
	a.startMigrationLocked(userID)
	return t, nil
}

func (a *App) startMigrationLocked(userID string) {
	if a.migrator == nil {
		return
	}
	if _, ok := a.migrations[userID]; ok {
		return
	}
	m := &autoMigration{done: make(chan struct{})}
	a.migrations[userID] = m

	pending, err := a.migrator.Pending(userID)
	if err != nil {
		a.logger.Warn("check pending migrations", zap.String("user", userID), zap.Error(err))
	}
	if err != nil || len(pending) == 0 {
		m.res = migrate.Result{Err: err}
		close(m.done)
		return
	}

	a.logger.Info("starting migration", zap.String("user", userID), zap.Strings("domains", pending))
	ch := a.migrator.RunAsync(context.Background(), userID)
	a.migWG.Add(1)
	go func() {
		defer a.migWG.Done()
		defer close(m.done)
		m.res = <-ch
		if m.res.Err != nil {
			a.logger.Warn("migration failed", zap.String("user", userID), zap.Error(m.res.Err))
			return
		}
		a.logger.Info("migration finished",
			zap.String("user", userID),
			zap.Int("uploaded", m.res.Report.Uploaded()),
			zap.Strings("failed", m.res.Report.Failed()))
	}()
}

// WaitMigration waits for the migration Session started for userID and
// returns its report. It returns (nil, nil) when no migration ran.
func (a *App) WaitMigration(ctx context.Context, userID string) (*migrate.Report, error) {
	a.mu.Lock()
	m, ok := a.migrations[userID]
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	select {
	case <-m.done:
		return m.res.Report, m.res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RestoreSessions opens every session of userID that has backed-up edits in
// local storage, ordered by session key.
func (a *App) RestoreSessions(userID string) ([]*dirty.Tracker, error) {
	if userID == "" {
		return nil, types.ErrInvalidSession
	}
	keys, err := a.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	prefix := types.BackupKeyPrefix + userID + ":"
	var out []*dirty.Tracker
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			continue
		}
		variant := rest[i+1:]
		if variant == types.DefaultVariant {
			variant = ""
		}
		t, err := a.Session(userID, rest[:i], variant)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session().BackupKey() < out[j].Session().BackupKey()
	})
	return out, nil
}

// Discard drops the unsaved edits of fields, or of every field when none is
// given. Once the session is clean its save statuses are reset.
func (a *App) Discard(t *dirty.Tracker, fields ...string) error {
	if len(fields) == 0 {
		if err := t.ClearAllChanges(); err != nil {
			return err
		}
	}
	for _, f := range fields {
		if err := t.ClearChange(f); err != nil {
			return err
		}
	}
	if !t.HasUnsavedChanges() {
		a.dispatcher.ClearSaveStatus(ManualSaveKey(t.Session()))
		a.dispatcher.ClearSaveStatus(QuickSaveKey(t.Session()))
	}
	return nil
}

// SaveSession sends every dirty field of t to the backend under the
// session's manual-save key. Fields whose value did not change while the request was
// in flight are cleared on success.
func (a *App) SaveSession(ctx context.Context, t *dirty.Tracker) (*remote.SaveResult, error) {
	if a.client == nil {
		return nil, ErrRemoteNotConfigured
	}
	keys := t.DirtyKeys()
	if len(keys) == 0 {
		return nil, ErrNothingToSave
	}
	v, err := a.dispatcher.ManualSave(ctx, ManualSaveKey(t.Session()), a.saveFunc(t))
	if err != nil {
		return nil, err
	}
	res, _ := v.(*remote.SaveResult)
	return res, nil
}

// ScheduleSave queues an automatic save of t once edits have been quiet for
// the auto-save delay. Each session saves under its own quick-save key.
func (a *App) ScheduleSave(t *dirty.Tracker) error {
	if a.client == nil {
		return ErrRemoteNotConfigured
	}
	if !a.autosaver.Schedule(QuickSaveKey(t.Session()), a.saveFunc(t)) {
		return types.ErrStoreDetached
	}
	return nil
}

// FlushSaves runs every scheduled save now.
func (a *App) FlushSaves(ctx context.Context) error {
	return a.autosaver.Flush(ctx)
}

// QuickSaveKey is the operation key of automatic saves for a session.
func QuickSaveKey(s types.SessionKey) string {
	return types.SaveKeyQuick + ":" + s.String()
}

// ManualSaveKey is the operation key of manual saves for a session.
func ManualSaveKey(s types.SessionKey) string {
	return types.SaveKeyManual + ":" + s.String()
}

// RetrySave re-runs the last failed manual save of t, if any.
func (a *App) RetrySave(ctx context.Context, t *dirty.Tracker) (*remote.SaveResult, error) {
	v, err := a.dispatcher.RetryFailedSave(ctx, ManualSaveKey(t.Session()))
	if err != nil {
		return nil, err
	}
	res, _ := v.(*remote.SaveResult)
	return res, nil
}

// SaveAll saves every open session with unsaved changes under the "all"
// key. The first failure is returned after every session was tried.
func (a *App) SaveAll(ctx context.Context) (int, error) {
	if a.client == nil {
		return 0, ErrRemoteNotConfigured
	}
	a.mu.Lock()
	trackers := make([]*dirty.Tracker, 0, len(a.sessions))
	for _, t := range a.sessions {
		if t.HasUnsavedChanges() {
			trackers = append(trackers, t)
		}
	}
	a.mu.Unlock()
	sort.Slice(trackers, func(i, j int) bool {
		return trackers[i].Session().BackupKey() < trackers[j].Session().BackupKey()
	})

	v, err := a.dispatcher.ManualSaveAll(ctx, func(ctx context.Context) (any, error) {
		var errs []error
		saved := 0
		for _, t := range trackers {
			if _, err := a.saveFunc(t)(ctx); err != nil {
				errs = append(errs, err)
				continue
			}
			saved++
		}
		return saved, errors.Join(errs...)
	})
	n, _ := v.(int)
	return n, err
}

func (a *App) saveFunc(t *dirty.Tracker) savestatus.SaveFunc {
	return func(ctx context.Context) (any, error) {
		changes := t.Changes()
		sent := make(map[string]string, len(changes))
		for k, c := range changes {
			if c.IsDirty {
				sent[k] = c.CurrentValue
			}
		}
		if len(sent) == 0 {
			return (*remote.SaveResult)(nil), nil
		}

		s := t.Session()
		res, err := a.client.SaveResponses(ctx, remote.ResponsesRequest{
			UserID:    s.UserID,
			Step:      s.Step,
			Variant:   s.Variant,
			Responses: sent,
		})
		if err != nil {
			return nil, err
		}

		for k, v := range sent {
			if cur, ok := t.CurrentValue(k); ok && cur == v {
				if err := t.ClearChange(k); err != nil {
					a.logger.Warn("clear saved field", zap.String("field", k), zap.Error(err))
				}
			}
		}
		return res, nil
	}
}

// Migrate runs the legacy data migration for userID.
func (a *App) Migrate(ctx context.Context, userID string) (*migrate.Report, error) {
	if a.migrator == nil {
		return nil, ErrRemoteNotConfigured
	}
	return a.migrator.Run(ctx, userID)
}

// PendingMigrations lists the domains that still hold legacy data for
// userID.
func (a *App) PendingMigrations(userID string) ([]string, error) {
	runner := a.migrator
	if runner == nil {
		runner = migrate.NewRunner(a.store, nil, a.cfg.Migrate)
	}
	return runner.Pending(userID)
}

// Close cancels scheduled saves, waits for background migrations and
// detaches local storage. Edits still dirty stay in their backups.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.autosaver.Stop()
	for k, t := range a.sessions {
		a.dispatcher.Untrack(t)
		delete(a.sessions, k)
	}
	a.mu.Unlock()

	a.migWG.Wait()
	if err := a.store.Detach(); err != nil {
		return fmt.Errorf("detach store: %w", err)
	}
	return nil
}
