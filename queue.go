package larder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope          = "larder/engine"
	spanDrain          = "queue.drain"
	metricCompleted    = "larder.tasks.completed"
	metricRetried      = "larder.tasks.retried"
	metricFailed       = "larder.tasks.failed"
	metricDrainAborted = "larder.drains.aborted"

	// recordLimit caps how many terminal task records are retained.
	recordLimit = 256
)

// TaskHandler executes one task body. Any returned error is treated as
// transient and retried until the task's attempts are exhausted. Handlers
// must be individually atomic: an aborted drain never leaves a task
// half-applied, only un-run.
type TaskHandler func(ctx context.Context, task Task) error

// Scheduler owns the priority-ordered, retry-aware queue of pending sync
// tasks and drains it only during verified idle, network-suitable windows.
// Drains are single-flight and re-check both gates between tasks so a cycle
// aborts the instant activity resumes or connectivity degrades.
type Scheduler struct {
	activity *ActivityMonitor
	network  *NetworkMonitor

	pollInterval time.Duration
	taskTimeout  time.Duration

	mu        sync.Mutex
	started   bool
	stopped   bool
	pending   []Task
	seq       uint64
	draining  bool
	handlers  map[string]TaskHandler
	records   []TaskRecord
	failed    map[string]TaskRecord
	completed int
	failCount int
	lastDrain DrainStats
	lastAt    time.Time

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	log *slog.Logger
	now func() time.Time

	tracer      trace.Tracer
	cntDone     metric.Int64Counter
	cntRetried  metric.Int64Counter
	cntFailed   metric.Int64Counter
	cntAborted  metric.Int64Counter
	histDrainMS metric.Float64Histogram
}

// NewScheduler creates a scheduler gated by the given monitors. pollInterval
// is the fixed cadence at which the drain loop wakes up; taskTimeout bounds
// each task body.
func NewScheduler(activity *ActivityMonitor, network *NetworkMonitor, pollInterval, taskTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	hist, err := meter.Float64Histogram("larder.drain.duration",
		metric.WithDescription("Drain cycle duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		logger.Error("creating OTel histogram", "error", err)
		hist = noop.Float64Histogram{}
	}

	return &Scheduler{
		activity:     activity,
		network:      network,
		pollInterval: pollInterval,
		taskTimeout:  taskTimeout,
		handlers:     make(map[string]TaskHandler),
		failed:       make(map[string]TaskRecord),
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		log:          logger,
		now:          time.Now,

		tracer:      tracer,
		cntDone:     mustCounter(metricCompleted, "Number of sync tasks completed"),
		cntRetried:  mustCounter(metricRetried, "Number of sync task retries"),
		cntFailed:   mustCounter(metricFailed, "Number of sync tasks that exhausted their attempts"),
		cntAborted:  mustCounter(metricDrainAborted, "Number of drain cycles aborted by renewed activity"),
		histDrainMS: hist,
	}
}

// Register installs the handler for a task type. Registering again replaces
// the previous handler.
func (s *Scheduler) Register(taskType string, h TaskHandler) {
	s.mu.Lock()
	s.handlers[taskType] = h
	s.mu.Unlock()
}

// Enqueue appends a task and re-sorts the queue by priority (stable, so
// equal-priority tasks keep FIFO order). It never blocks and never performs
// I/O itself — only the drain loop executes tasks. A successful enqueue kicks
// the loop so an idle system picks the task up without waiting a full poll
// interval. A stopped scheduler rejects new tasks with ErrEngineStopped.
func (s *Scheduler) Enqueue(taskType string, priority int, payload map[string]any, maxAttempts int) (Task, error) {
	if taskType == "" {
		return Task{}, &ValidationError{Message: "task type cannot be empty"}
	}
	if priority < PriorityHighest || priority > PriorityLowest {
		return Task{}, &ValidationError{Message: fmt.Sprintf("priority %d out of range [%d,%d]", priority, PriorityHighest, PriorityLowest)}
	}
	if maxAttempts < 1 {
		return Task{}, &ValidationError{Message: fmt.Sprintf("max attempts %d must be at least 1", maxAttempts)}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Task{}, ErrEngineStopped
	}
	s.seq++
	t := Task{
		ID:          ulid.Make().String(),
		Type:        taskType,
		Priority:    priority,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   s.now(),
		seq:         s.seq,
	}
	s.pending = append(s.pending, t)
	s.sortLocked()
	s.mu.Unlock()

	s.log.Debug("task enqueued", "id", t.ID, "type", taskType, "priority", priority)

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return t, nil
}

// Start launches the drain loop: a fixed-interval poll plus immediate wakeups
// after each enqueue. Repeated calls are no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.loop()
}

// Stop halts the polling loop and prevents new drain cycles. An in-flight
// task body finishes naturally; it is never aborted mid-task. Stop returns
// once the loop has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	if started {
		<-s.done
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.TryDrain()
		case <-s.kick:
			s.TryDrain()
		}
	}
}

// TryDrain runs one drain cycle if the gates allow it. It is a no-op when a
// drain is already in progress, the queue is empty, the user is not idle, or
// the network is unsuitable. Returns the cycle stats and whether a cycle ran.
func (s *Scheduler) TryDrain() (DrainStats, bool) {
	s.mu.Lock()
	if s.draining || len(s.pending) == 0 {
		s.mu.Unlock()
		return DrainStats{}, false
	}
	if !s.activity.IsIdle(s.now()) || !s.network.Suitable() {
		s.mu.Unlock()
		return DrainStats{}, false
	}
	s.draining = true
	s.mu.Unlock()

	stats := s.drain()

	s.mu.Lock()
	s.draining = false
	s.lastDrain = stats
	s.lastAt = s.now()
	s.mu.Unlock()

	return stats, true
}

// drain pops and executes tasks in priority order until the queue empties or
// a gate flips. The caller holds the single-flight draining flag.
func (s *Scheduler) drain() DrainStats {
	ctx, span := s.tracer.Start(context.Background(), spanDrain)
	defer span.End()

	var stats DrainStats
	started := s.now()

	for {
		select {
		case <-s.stop:
			stats.Aborted = true
		default:
		}
		if stats.Aborted {
			break
		}

		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			break
		}
		task := s.pending[0]
		s.pending = s.pending[1:]
		handler, ok := s.handlers[task.Type]
		s.mu.Unlock()

		if !ok {
			// An unroutable task fails permanently, but the gate re-check
			// below still applies: a backlog of them must not hold the
			// cycle open through renewed activity.
			s.recordFailure(task, fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type))
			stats.Failed++
			s.cntFailed.Add(ctx, 1)
		} else {
			task.Attempts++
			err := s.runTask(handler, task)

			switch {
			case err == nil:
				s.recordSuccess(task)
				stats.Completed++
				s.cntDone.Add(ctx, 1)

			case task.Attempts >= task.MaxAttempts:
				s.recordFailure(task, err)
				stats.Failed++
				s.cntFailed.Add(ctx, 1)

			default:
				// Transient failure: back to the tail of its priority class.
				s.log.Warn("task failed, will retry",
					"id", task.ID, "type", task.Type,
					"attempt", task.Attempts, "max_attempts", task.MaxAttempts,
					"error", err,
				)
				s.requeue(task)
				stats.Retried++
				s.cntRetried.Add(ctx, 1)
			}
		}

		// Re-check the gates after every task so renewed activity or a
		// network flip aborts the cycle, leaving the rest pending for the
		// next idle window.
		if !s.activity.IsIdle(s.now()) || !s.network.Suitable() {
			stats.Aborted = true
		}
	}

	stats.Duration = s.now().Sub(started)
	if stats.Aborted {
		s.cntAborted.Add(ctx, 1)
	}
	s.histDrainMS.Record(ctx, float64(stats.Duration)/float64(time.Millisecond))

	span.SetAttributes(
		attribute.Int("drain.completed", stats.Completed),
		attribute.Int("drain.retried", stats.Retried),
		attribute.Int("drain.failed", stats.Failed),
		attribute.Bool("drain.aborted", stats.Aborted),
	)

	s.log.Info("drain cycle finished",
		"completed", stats.Completed,
		"retried", stats.Retried,
		"failed", stats.Failed,
		"aborted", stats.Aborted,
		"duration", stats.Duration,
	)
	return stats
}

// runTask executes one task body under its own timeout. The context is
// detached from the loop's lifecycle on purpose: stopping the engine lets an
// in-flight body finish naturally rather than abort it mid-write.
func (s *Scheduler) runTask(handler TaskHandler, task Task) error {
	ctx := context.Background()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}
	return handler(ctx, task)
}

// requeue puts a transiently failed task back with a fresh sequence number so
// it lands behind its equal-priority peers, priority unchanged.
func (s *Scheduler) requeue(task Task) {
	s.mu.Lock()
	s.seq++
	task.seq = s.seq
	s.pending = append(s.pending, task)
	s.sortLocked()
	s.mu.Unlock()
}

func (s *Scheduler) recordSuccess(task Task) {
	s.mu.Lock()
	s.completed++
	s.appendRecordLocked(TaskRecord{Task: task, State: TaskCompleted, FinishedAt: s.now()})
	s.mu.Unlock()
	s.log.Debug("task completed", "id", task.ID, "type", task.Type, "attempts", task.Attempts)
}

func (s *Scheduler) recordFailure(task Task, err error) {
	terr := &TaskError{TaskID: task.ID, Type: task.Type, Attempts: task.Attempts, Err: err}
	s.mu.Lock()
	s.failCount++
	rec := TaskRecord{Task: task, State: TaskFailed, Err: terr.Error(), FinishedAt: s.now()}
	s.failed[task.ID] = rec
	s.appendRecordLocked(rec)
	s.mu.Unlock()
	s.log.Error("task failed permanently", "id", task.ID, "type", task.Type, "attempts", task.Attempts, "error", err)
}

// appendRecordLocked retains the most recent terminal records, oldest dropped
// first. Must be called with s.mu held.
func (s *Scheduler) appendRecordLocked(rec TaskRecord) {
	s.records = append(s.records, rec)
	if len(s.records) > recordLimit {
		s.records = s.records[len(s.records)-recordLimit:]
	}
}

// sortLocked re-sorts pending by priority ascending, then enqueue sequence.
// Must be called with s.mu held.
func (s *Scheduler) sortLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].Priority != s.pending[j].Priority {
			return s.pending[i].Priority < s.pending[j].Priority
		}
		return s.pending[i].seq < s.pending[j].seq
	})
}

// FailedTasks returns the terminal failures still available for manual
// re-enqueue, oldest first. The failed set is authoritative: it outlives the
// bounded recent-record window, so everything RetryFailed accepts is listed
// here.
func (s *Scheduler) FailedTasks() []TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.failed))
	for _, rec := range s.failed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.Before(out[j].FinishedAt)
		}
		return out[i].Task.seq < out[j].Task.seq
	})
	return out
}

// RetryFailed puts a permanently failed task back in the queue with its
// attempt count reset. Failed tasks are never retried automatically; this is
// the manual path.
func (s *Scheduler) RetryFailed(id string) error {
	s.mu.Lock()
	rec, ok := s.failed[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.failed, id)

	task := rec.Task
	task.Attempts = 0
	s.seq++
	task.seq = s.seq
	s.pending = append(s.pending, task)
	s.sortLocked()
	s.mu.Unlock()

	s.log.Info("failed task re-enqueued", "id", id, "type", task.Type)

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns a point-in-time summary of queue activity.
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStats{
		Pending:       len(s.pending),
		Draining:      s.draining,
		Completed:     s.completed,
		Failed:        s.failCount,
		LastDrain:     s.lastDrain,
		LastDrainTime: s.lastAt,
	}
}

// PendingTasks returns a copy of the queue in execution order, for inspection.
func (s *Scheduler) PendingTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.pending))
	copy(out, s.pending)
	return out
}
