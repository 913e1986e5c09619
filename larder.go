// Package larder implements the local-first cache and background
// synchronization engine of a point-of-sale client. It keeps a reactive
// in-memory store of normalized collections with derived lookup indices,
// reconciles remote push events against local optimistic edits (remote wins),
// and drains a priority-ordered queue of retryable sync tasks only during
// verified idle, network-suitable windows — so the client stays usable while
// disconnected and never blocks on the network.
//
// The package contains four main components:
//
//   - [IndexedStore] holds collections and indices behind atomic snapshots.
//   - [Reconciler] applies remote events and local mutation intents.
//   - [Scheduler] runs the idle-gated background task queue.
//   - [Engine] wires them together behind one lifecycle.
//
// Collaborators (remote source, persistent cache, network and activity
// signal sources) are injected as interfaces; see the adapters under
// internal/ for production implementations.
package larder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	spanRefresh         = "engine.refresh"
	metricEventsApplied = "larder.events.applied"
	metricEventsDropped = "larder.events.dropped"
	metricRefreshes     = "larder.refreshes.completed"
)

type engineState int

const (
	stateNew engineState = iota
	stateStarting
	stateStarted
	stateStopped
)

// Engine is the public surface of the cache/sync engine, consumed by the UI
// layer. Reads (GetSnapshot) are synchronous and never block; all background
// work happens on the engine's own goroutines.
type Engine struct {
	cfg Config

	store    *IndexedStore
	rec      *Reconciler
	sched    *Scheduler
	activity *ActivityMonitor
	network  *NetworkMonitor

	// Single-flight start guard: concurrent Start callers wait on startDone
	// and share startErr instead of racing duplicate initializations.
	mu        sync.Mutex
	state     engineState
	startDone chan struct{}
	startErr  error
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	log *slog.Logger
	now func() time.Time

	tracer     trace.Tracer
	cntApplied metric.Int64Counter
	cntDropped metric.Int64Counter
	cntRefresh metric.Int64Counter
}

// New creates an engine from the configuration. The engine is inert until
// [Engine.Start] is called.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewIndexedStore(cfg.Collections, cfg.Indices, cfg.Logger)
	if err != nil {
		return nil, err
	}

	activity := NewActivityMonitor(cfg.IdleThreshold, time.Now())
	network := NewNetworkMonitor(cfg.Network)

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			cfg.Logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		rec:      NewReconciler(store, cfg.DirtyTTL, cfg.Logger),
		sched:    NewScheduler(activity, network, cfg.PollInterval, cfg.TaskTimeout, cfg.Logger),
		activity: activity,
		network:  network,
		log:      cfg.Logger,
		now:      time.Now,

		tracer:     tracer,
		cntApplied: mustCounter(metricEventsApplied, "Number of remote events applied to the store"),
		cntDropped: mustCounter(metricEventsDropped, "Number of remote events dropped as malformed or duplicate"),
		cntRefresh: mustCounter(metricRefreshes, "Number of completed full refreshes"),
	}
	e.sched.Register(TaskTypeRefresh, e.runRefresh)
	return e, nil
}

// Start hydrates the store from the persistent cache, enqueues exactly one
// top-priority full refresh, and launches the background goroutines. The
// refresh is always scheduled — enqueueing is not a network operation, and a
// fresh snapshot only changes what serves in the meantime. Start is
// single-flight: concurrent callers share one initialization and its result.
// ctx bounds startup I/O only; background work runs until [Engine.Stop].
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case stateStarting:
		done := e.startDone
		e.mu.Unlock()
		<-done
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.startErr
	case stateStarted:
		e.mu.Unlock()
		return nil
	case stateStopped:
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.state = stateStarting
	e.startDone = make(chan struct{})
	e.mu.Unlock()

	err := e.start(ctx)

	e.mu.Lock()
	e.startErr = err
	if err != nil {
		e.state = stateNew // a failed start may be retried
	} else {
		e.state = stateStarted
	}
	close(e.startDone)
	e.mu.Unlock()
	return err
}

func (e *Engine) start(ctx context.Context) error {
	hadData := e.hydrate(ctx)
	e.store.SetLoading(!hadData)

	// The startup refresh is enqueued unconditionally; freshness only decides
	// whether the persisted snapshot is worth serving while it waits.
	snap := e.store.Snapshot()
	if _, err := e.sched.Enqueue(TaskTypeRefresh, PriorityHighest, nil, e.cfg.RefreshMaxAttempts); err != nil {
		return fmt.Errorf("enqueueing startup refresh: %w", err)
	}
	if IsFresh(snap.LastFetchedAt, e.now(), e.cfg.CacheTTL) {
		e.log.Info("cache fresh, serving persisted data until refresh lands",
			"last_fetched_at", snap.LastFetchedAt)
	} else {
		e.log.Info("cache stale or absent, full refresh enqueued",
			"last_fetched_at", snap.LastFetchedAt, "had_data", hadData)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.sched.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.remoteLoop(runCtx)
	}()

	if e.cfg.Activity != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.cfg.Activity.Subscribe(runCtx, e.activity.Touch); err != nil && runCtx.Err() == nil {
				e.log.Error("activity source ended unexpectedly", "error", err)
			}
		}()
	}

	return nil
}

// hydrate loads and decodes the persisted snapshot, applying it to the store.
// Returns true if any data was restored. Persistence errors are logged and
// treated like an absent cache — a cold start, never a failed one.
func (e *Engine) hydrate(ctx context.Context) bool {
	if e.cfg.Cache == nil {
		return false
	}

	blob, err := e.cfg.Cache.Load(ctx)
	if err != nil {
		e.log.Warn("loading persisted snapshot failed, starting cold", "error", err)
		return false
	}
	if blob == nil {
		return false
	}

	ps, err := decodeSnapshot(blob)
	if err != nil {
		e.log.Warn("persisted snapshot unreadable, starting cold", "error", err)
		return false
	}

	restored := false
	for name, entities := range ps.Collections {
		if err := e.store.ReplaceCollection(name, entities); err != nil {
			e.log.Warn("skipping persisted collection", "collection", name, "error", err)
			continue
		}
		if len(entities) > 0 {
			restored = true
		}
	}
	if !ps.LastFetchedAt.IsZero() {
		e.store.SetLastFetched(ps.LastFetchedAt)
	}
	if restored {
		e.log.Info("store hydrated from persisted snapshot",
			"collections", len(ps.Collections), "last_fetched_at", ps.LastFetchedAt)
	}
	return restored
}

// remoteLoop keeps the push subscription alive, reconnecting with exponential
// backoff. The store's connected flag mirrors the subscription state.
func (e *Engine) remoteLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()

	for ctx.Err() == nil {
		ch, err := e.cfg.Remote.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			e.log.Warn("remote subscription failed, retrying", "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		e.store.SetConnected(true)
		e.log.Info("subscribed to remote events")

		for ev := range ch {
			if e.rec.ApplyRemote(ev) {
				e.cntApplied.Add(ctx, 1)
			} else {
				e.cntDropped.Add(ctx, 1)
			}
		}

		e.store.SetConnected(false)
		if ctx.Err() == nil {
			e.log.Warn("remote event stream ended, reconnecting")
		}
	}
}

// runRefresh is the built-in handler for [TaskTypeRefresh]: it pulls every
// registered collection from the remote, replaces the store contents, stamps
// the fetch time, and persists the result for future cold starts.
func (e *Engine) runRefresh(ctx context.Context, _ Task) error {
	ctx, span := e.tracer.Start(ctx, spanRefresh)
	defer span.End()

	for _, name := range e.cfg.Collections {
		entities, err := e.cfg.Remote.FetchAll(ctx, name)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("fetching collection %q: %w", name, err)
		}
		if err := e.store.ReplaceCollection(name, entities); err != nil {
			span.RecordError(err)
			return fmt.Errorf("replacing collection %q: %w", name, err)
		}
	}

	e.store.SetLastFetched(e.now())
	e.store.SetLoading(false)
	e.cntRefresh.Add(ctx, 1)

	e.persist(ctx)
	return nil
}

// persist writes the current snapshot through the cache store. Best-effort:
// failures are logged, never surfaced.
func (e *Engine) persist(ctx context.Context) {
	if e.cfg.Cache == nil {
		return
	}
	blob, err := encodeSnapshot(e.store.Snapshot())
	if err != nil {
		e.log.Error("encoding snapshot for persistence", "error", err)
		return
	}
	if err := e.cfg.Cache.Save(ctx, blob); err != nil {
		e.log.Error("persisting snapshot", "error", err)
	}
}

// Stop halts the scheduler's polling loop, detaches the activity and remote
// listeners, and prevents new drain cycles. An in-flight task body finishes
// naturally. Stop is idempotent and returns once background work has wound
// down.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == stateStopped {
		e.mu.Unlock()
		return
	}
	if e.state == stateStarting {
		// Let the in-flight start settle before tearing down.
		done := e.startDone
		e.mu.Unlock()
		<-done
		e.mu.Lock()
	}
	started := e.state == stateStarted
	e.state = stateStopped
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		e.sched.Stop()
	}
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// GetSnapshot returns the current immutable view of all collections and
// indices. It is synchronous and never blocks.
func (e *Engine) GetSnapshot() *Snapshot {
	return e.store.Snapshot()
}

// Subscribe registers a listener invoked on every committed store mutation.
// The returned function unsubscribes.
func (e *Engine) Subscribe(fn func(*Snapshot)) (unsubscribe func()) {
	return e.store.Subscribe(fn)
}

// Connected reports whether the remote push subscription is currently live.
func (e *Engine) Connected() bool {
	return e.store.Snapshot().Connected
}

// Loading reports whether the engine is still waiting for its first data.
func (e *Engine) Loading() bool {
	return e.store.Snapshot().Loading
}

// NotifyActivity records a user-interaction signal at the current time,
// deferring background work.
func (e *Engine) NotifyActivity() {
	e.activity.Touch(e.now())
}

// ApplyLocal applies a user-driven mutation intent optimistically. Validation
// errors propagate synchronously; everything else is absorbed per the
// reconciler's rules.
func (e *Engine) ApplyLocal(name CollectionName, d Delta) error {
	return e.rec.ApplyLocal(name, d)
}

// InvalidateCache forces the next freshness check to treat the cache as stale
// and enqueues a top-priority refresh. Cached data keeps being served in the
// meantime.
func (e *Engine) InvalidateCache() error {
	e.store.Invalidate()
	_, err := e.sched.Enqueue(TaskTypeRefresh, PriorityHighest, nil, e.cfg.RefreshMaxAttempts)
	return err
}

// EnqueueSyncTask queues a unit of deferrable background work. The handler
// for taskType must be registered via [Engine.RegisterTaskHandler] before the
// task runs.
func (e *Engine) EnqueueSyncTask(taskType string, priority int, payload map[string]any, maxAttempts int) (Task, error) {
	return e.sched.Enqueue(taskType, priority, payload, maxAttempts)
}

// RegisterTaskHandler installs the execution body for a task type.
func (e *Engine) RegisterTaskHandler(taskType string, h TaskHandler) {
	e.sched.Register(taskType, h)
}

// FailedTasks returns permanently failed tasks available for manual
// re-enqueue.
func (e *Engine) FailedTasks() []TaskRecord {
	return e.sched.FailedTasks()
}

// RetryFailed manually re-enqueues a permanently failed task.
func (e *Engine) RetryFailed(id string) error {
	return e.sched.RetryFailed(id)
}

// QueueStats returns a point-in-time summary of the sync queue.
func (e *Engine) QueueStats() QueueStats {
	return e.sched.Stats()
}
