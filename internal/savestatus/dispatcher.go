package savestatus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/workbook/internal/logging"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

const tracerName = "github.com/mesh-intelligence/workbook/internal/savestatus"

// SaveFunc is one unit of persistence work. It returns a result for the
// caller or an error carrying a human-readable message.
type SaveFunc func(ctx context.Context) (any, error)

// DirtyState reports pending edits. *dirty.Tracker satisfies it.
type DirtyState interface {
	HasUnsavedChanges() bool
}

// Prober reports connectivity to the backend.
type Prober interface {
	Online(ctx context.Context) bool
}

// Dispatcher runs saves, records their outcome in a Registry and keeps the
// last failed operation of every key for retry.
type Dispatcher struct {
	registry *Registry
	group    singleflight.Group
	logger   *zap.Logger
	tracer   trace.Tracer
	prober   Prober

	mu      sync.Mutex
	failed map[string]SaveFunc
	dirty  []DirtyState
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l) }
}

// WithTracerProvider sets where save spans are recorded. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithProber makes saves fail fast with StatusOffline when p reports the
// backend unreachable.
func WithProber(p Prober) Option {
	return func(d *Dispatcher) { d.prober = p }
}

// NewDispatcher returns a dispatcher writing to registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		failed:   make(map[string]SaveFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher reports to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Track adds a source of unsaved edits consulted by HasUnsavedChanges.
func (d *Dispatcher) Track(ds DirtyState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = append(d.dirty, ds)
}

// Untrack removes a source added with Track.
func (d *Dispatcher) Untrack(ds DirtyState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.dirty {
		if cur == ds {
			d.dirty = append(d.dirty[:i], d.dirty[i+1:]...)
			return
		}
	}
}

// HasUnsavedChanges reports pending edits in any tracked source. It does not
// look at the registry, which only knows about save attempts.
func (d *Dispatcher) HasUnsavedChanges() bool {
	d.mu.Lock()
	sources := append([]DirtyState(nil), d.dirty...)
	d.mu.Unlock()

	for _, ds := range sources {
		if ds.HasUnsavedChanges() {
			return true
		}
	}
	return false
}

// ManualSave runs fn under key. While a save for key is in flight, further
// calls do not run their fn; they wait for the running attempt and receive
// its result. The outcome is recorded in the registry and returned. A caller
// whose ctx ends while waiting gets ctx.Err(); the attempt itself carries on
// and still settles the registry.
func (d *Dispatcher) ManualSave(ctx context.Context, key string, fn SaveFunc) (any, error) {
	return d.await(ctx, key, d.join(ctx, key, fn))
}

// join starts fn under key, or attaches to the attempt already running.
func (d *Dispatcher) join(ctx context.Context, key string, fn SaveFunc) <-chan singleflight.Result {
	runCtx := context.WithoutCancel(ctx)
	return d.group.DoChan(key, func() (any, error) {
		return d.run(runCtx, key, fn)
	})
}

func (d *Dispatcher) await(ctx context.Context, key string, ch <-chan singleflight.Result) (any, error) {
	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("shared in-flight save", zap.String("key", key))
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ManualSaveAll runs a bulk save under the "all" key.
func (d *Dispatcher) ManualSaveAll(ctx context.Context, fn SaveFunc) (any, error) {
	return d.ManualSave(ctx, types.SaveKeyAll, fn)
}

// RetryFailedSave re-runs the last failed operation of key. It does nothing
// and returns (nil, nil) unless key is currently in StatusError.
func (d *Dispatcher) RetryFailedSave(ctx context.Context, key string) (any, error) {
	if d.registry.Status(key).Status != types.StatusError {
		return nil, nil
	}
	d.mu.Lock()
	fn := d.failed[key]
	d.mu.Unlock()
	if fn == nil {
		return nil, nil
	}

	d.logger.Info("retrying failed save", zap.String("key", key))
	return d.ManualSave(ctx, key, fn)
}

// ClearAllSaveStatus resets the registry and forgets retained failures.
func (d *Dispatcher) ClearAllSaveStatus() {
	d.mu.Lock()
	d.failed = make(map[string]SaveFunc)
	d.mu.Unlock()
	d.registry.ClearAll()
}

// ClearSaveStatus resets key to idle and forgets its retained failure.
func (d *Dispatcher) ClearSaveStatus(key string) {
	d.mu.Lock()
	delete(d.failed, key)
	d.mu.Unlock()
	d.registry.Clear(key)
}

// FailedSaves returns the keys currently in error.
func (d *Dispatcher) FailedSaves() []string {
	return d.registry.FailedSaves()
}

func (d *Dispatcher) run(ctx context.Context, key string, fn SaveFunc) (any, error) {
	attemptID := uuid.NewString()
	log := d.logger.With(zap.String("key", key), zap.String("attempt", attemptID))

	ctx, span := d.tracer.Start(ctx, "save "+key, trace.WithAttributes(
		attribute.String("save.key", key),
		attribute.String("save.attempt_id", attemptID),
	))
	defer span.End()

	op := d.registry.begin(key, attemptID)
	span.SetAttributes(attribute.Int("save.attempt", op.Attempts))
	log.Debug("save started", zap.Int("attempt_no", op.Attempts))

	if d.prober != nil && !d.prober.Online(ctx) {
		err := types.ErrOffline
		d.remember(key, fn)
		d.registry.settle(key, types.StatusOffline, "You are offline. Changes are kept on this device.", err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("save skipped while offline")
		return nil, err
	}

	v, err := fn(ctx)
	if err != nil {
		status := Classify(err)
		msg := Message(err)
		d.remember(key, fn)
		d.registry.settle(key, status, msg, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		log.Warn("save failed", zap.String("status", string(status)), zap.Error(err))
		return nil, err
	}

	d.mu.Lock()
	delete(d.failed, key)
	d.mu.Unlock()
	d.registry.settle(key, types.StatusSaved, "", nil)
	span.SetStatus(codes.Ok, "")
	log.Debug("save completed")
	return v, nil
}

func (d *Dispatcher) remember(key string, fn SaveFunc) {
	d.mu.Lock()
	d.failed[key] = fn
	d.mu.Unlock()
}

// Classify maps a persistence error to the status shown for it.
func Classify(err error) types.SaveStatus {
	switch {
	case err == nil:
		return types.StatusSaved
	case errors.Is(err, types.ErrConflict):
		return types.StatusConflict
	case errors.Is(err, types.ErrOffline):
		return types.StatusOffline
	default:
		return types.StatusError
	}
}

// userMessager is implemented by errors that carry a message meant for the
// person editing, such as a server validation message.
type userMessager interface {
	UserMessage() string
}

// Message returns the human-readable message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var um userMessager
	if errors.As(err, &um) {
		if m := um.UserMessage(); m != "" {
			return m
		}
	}
	return err.Error()
}
