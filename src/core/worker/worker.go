package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"jobmatch/src/core/alert"
	"jobmatch/src/core/embedding"
	"jobmatch/src/core/entity"
	"jobmatch/src/core/matching"
	"jobmatch/src/core/queue"
	"jobmatch/src/core/registry"
)

// Deps are the services a worker drives
type Deps struct {
	Queue    *queue.Service
	Registry *registry.Registry
	Engine   *embedding.Engine
	Entities entity.Store
	Matches  *matching.Service
	Alerts   *alert.Dispatcher
}

func (d Deps) validate() error {
	switch {
	case d.Queue == nil:
		return errors.New("queue service is required")
	case d.Registry == nil:
		return errors.New("worker registry is required")
	case d.Engine == nil:
		return errors.New("embedding engine is required")
	case d.Entities == nil:
		return errors.New("entity store is required")
	case d.Matches == nil:
		return errors.New("match service is required")
	}
	return nil
}

type handlerFunc func(ctx context.Context, task *queue.Task) error

// Worker claims tasks from the queue and executes them until its context is cancelled
type Worker struct {
	cfg    Config
	deps   Deps
	logger logr.Logger

	handlers map[queue.TaskType]handlerFunc

	status    atomic.Value
	processed atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	inFlight map[int64]inFlightTask
	pausing  sync.Mutex

	readMemory  func() registry.MemorySnapshot
	reclaim     func()
	timeNowFunc func() time.Time
}

type inFlightTask struct {
	task      *queue.Task
	startedAt time.Time
}

func New(cfg Config, deps Deps, logger logr.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.WithValues("worker_id", cfg.WorkerID),
		inFlight:    make(map[int64]inFlightTask),
		readMemory:  registry.ReadMemory,
		reclaim:     registry.Reclaim,
		timeNowFunc: time.Now,
	}
	w.handlers = map[queue.TaskType]handlerFunc{
		queue.TaskTypeGenerateEmbedding: w.generateEmbedding,
		queue.TaskTypeComputeSimilarity: w.computeSimilarity,
	}
	w.status.Store(registry.StatusStarting)
	return w, nil
}

func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

func (w *Worker) Status() registry.Status {
	return w.status.Load().(registry.Status)
}

// Processed and Failed count task outcomes in this process
func (w *Worker) Processed() int64 { return w.processed.Load() }
func (w *Worker) Failed() int64    { return w.failed.Load() }

// Run registers the worker, recovers stale tasks and processes the queue until ctx is cancelled.
// On cancellation it waits up to the shutdown timeout for in-flight tasks and requeues any
// that do not finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.deps.Registry.Register(ctx, w.cfg.WorkerID, w.cfg.Host, w.cfg.Snapshot()); err != nil {
		return err
	}
	if _, err := w.deps.Queue.RecoverStale(ctx, w.cfg.StaleThreshold); err != nil {
		w.logger.Error(err, "Failed to recover stale tasks at startup")
	}
	w.setStatus(ctx, registry.StatusRunning)

	// Tasks outlive the shutdown signal so they can finish within the shutdown timeout.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var background errgroup.Group
	background.Go(func() error {
		w.heartbeatLoop(bgCtx)
		return nil
	})
	background.Go(func() error {
		w.maintenanceLoop(bgCtx)
		return nil
	})

	loops, loopCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := i
		loops.Go(func() error {
			return w.pollLoop(loopCtx, taskCtx, slot)
		})
	}
	w.logger.Info("Worker started", "concurrency", w.cfg.Concurrency)

	<-loopCtx.Done()
	w.logger.Info("Worker shutting down")
	w.setStatus(context.WithoutCancel(ctx), registry.StatusStopping)
	stopBackground()

	loopErr := w.awaitLoops(loops, cancelTasks)
	_ = background.Wait()

	w.setStatus(context.WithoutCancel(ctx), registry.StatusStopped)
	w.logger.Info("Worker stopped", "processed", w.Processed(), "failed", w.Failed())
	return loopErr
}

// awaitLoops waits for the poll loops to drain. Past the shutdown timeout the in-flight tasks
// are released back to pending and their handlers are cancelled.
func (w *Worker) awaitLoops(loops *errgroup.Group, cancelTasks context.CancelFunc) error {
	done := make(chan error, 1)
	go func() { done <- loops.Wait() }()

	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}

	w.logger.Info("Shutdown timeout reached, requeueing in-flight tasks", "timeout", w.cfg.ShutdownTimeout.String())
	inFlight := w.inFlightTasks()
	cancelTasks()
	for _, task := range inFlight {
		w.requeue(task)
	}

	grace := time.NewTimer(w.cfg.ShutdownTimeout)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
		return errors.New("task handlers did not return after cancellation")
	}
}

func (w *Worker) inFlightTasks() []*queue.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := make([]*queue.Task, 0, len(w.inFlight))
	for _, it := range w.inFlight {
		tasks = append(tasks, it.task)
	}
	return tasks
}

// requeue puts a task this worker still holds back to pending. A task already released
// by another path is left alone.
func (w *Worker) requeue(task *queue.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := w.deps.Queue.Release(ctx, task, w.cfg.WorkerID)
	switch {
	case errors.Is(err, queue.ErrTaskNotOwned):
	case err != nil:
		w.logger.Error(err, "Failed to requeue in-flight task", "task_id", task.ID)
	default:
		w.logger.Info("Requeued in-flight task", "task_id", task.ID, "task_type", task.TaskType)
	}
}

func (w *Worker) pollLoop(ctx, taskCtx context.Context, slot int) error {
	logger := w.logger.WithValues("slot", slot)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if w.underMemoryPressure() {
			w.pause(ctx)
			continue
		}

		task, err := w.deps.Queue.ClaimNext(ctx, w.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(err, "Failed to claim task")
			if !sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if task == nil {
			if !sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		w.process(taskCtx, task)

		if !sleep(ctx, w.cfg.InterTaskDelay) {
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, task *queue.Task) {
	logger := w.logger.WithValues("task_id", task.ID, "task_type", task.TaskType, "entity", task.Ref().String(), "attempt", task.Attempts)
	w.track(ctx, task)
	defer w.untrack(ctx, task)

	started := w.timeNowFunc()
	err := w.dispatch(ctx, task)

	if err != nil && ctx.Err() != nil {
		logger.Info("Task aborted by shutdown")
		w.requeue(task)
		return
	}

	if err == nil {
		if cerr := w.deps.Queue.Complete(ctx, task, w.cfg.WorkerID); cerr != nil {
			logger.Error(cerr, "Failed to mark task completed")
			return
		}
		w.processed.Add(1)
		if rerr := w.deps.Registry.IncrementProcessed(ctx, w.cfg.WorkerID); rerr != nil {
			logger.Error(rerr, "Failed to update processed count")
		}
		logger.V(1).Info("Task completed", "duration", w.timeNowFunc().Sub(started).String())
		return
	}

	terminal, ferr := w.deps.Queue.Fail(ctx, task, w.cfg.WorkerID, err)
	if ferr != nil {
		logger.Error(ferr, "Failed to record task failure", "cause", err.Error())
	}
	failures := w.failed.Add(1)
	if rerr := w.deps.Registry.IncrementFailed(ctx, w.cfg.WorkerID); rerr != nil {
		logger.Error(rerr, "Failed to update failed count")
	}
	logger.Error(err, "Task failed", "terminal", terminal)

	if w.cfg.FailureAlertThreshold > 0 && failures > int64(w.cfg.FailureAlertThreshold) {
		w.deps.Alerts.Raise(ctx, alert.KindRepeatedFailures, w.cfg.WorkerID, map[string]interface{}{
			"failures":   failures,
			"threshold":  w.cfg.FailureAlertThreshold,
			"last_task":  task.ID,
			"last_error": err.Error(),
		})
	}
}

// dispatch runs the handler registered for the task type. Unknown types fail permanently.
func (w *Worker) dispatch(ctx context.Context, task *queue.Task) (err error) {
	handler, ok := w.handlers[task.TaskType]
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: %q", queue.ErrUnknownTaskType, task.TaskType))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", task.TaskType, r)
		}
	}()
	return handler(ctx, task)
}

func (w *Worker) track(ctx context.Context, task *queue.Task) {
	w.mu.Lock()
	w.inFlight[task.ID] = inFlightTask{task: task, startedAt: w.timeNowFunc().UTC()}
	w.mu.Unlock()
	w.publishCurrentTasks(ctx)
}

func (w *Worker) untrack(ctx context.Context, task *queue.Task) {
	w.mu.Lock()
	delete(w.inFlight, task.ID)
	w.mu.Unlock()
	w.publishCurrentTasks(context.WithoutCancel(ctx))
}

func (w *Worker) publishCurrentTasks(ctx context.Context) {
	w.mu.Lock()
	current := make([]registry.CurrentTask, 0, len(w.inFlight))
	for _, it := range w.inFlight {
		current = append(current, registry.CurrentTask{
			TaskID:    it.task.ID,
			TaskType:  string(it.task.TaskType),
			EntityID:  it.task.Ref().String(),
			StartedAt: it.startedAt,
		})
	}
	w.mu.Unlock()
	sort.Slice(current, func(i, j int) bool { return current[i].TaskID < current[j].TaskID })

	if err := w.deps.Registry.SetCurrentTasks(ctx, w.cfg.WorkerID, current); err != nil {
		w.logger.Error(err, "Failed to update current tasks")
	}
}

func (w *Worker) underMemoryPressure() bool {
	if !w.cfg.MemoryPauseEnabled {
		return false
	}
	return w.readMemory().Fraction() > w.cfg.MemoryThreshold
}

// pause is the backpressure step: mark paused, ask the runtime to reclaim memory, sleep the
// cooldown and resume. Concurrent loops share one pause.
func (w *Worker) pause(ctx context.Context) {
	if !w.pausing.TryLock() {
		sleep(ctx, w.cfg.MemoryCooldown)
		return
	}
	defer w.pausing.Unlock()

	mem := w.readMemory()
	w.logger.Info("Memory pressure, pausing", "percent_used", mem.PercentUsed, "threshold", w.cfg.MemoryThreshold, "cooldown", w.cfg.MemoryCooldown.String())
	w.setStatus(ctx, registry.StatusPaused)
	w.reclaim()
	if sleep(ctx, w.cfg.MemoryCooldown) {
		w.setStatus(ctx, registry.StatusRunning)
		w.logger.Info("Resuming after memory cooldown")
	}
}

func (w *Worker) setStatus(ctx context.Context, status registry.Status) {
	w.status.Store(status)
	if err := w.deps.Registry.UpdateStatus(ctx, w.cfg.WorkerID, status); err != nil {
		w.logger.Error(err, "Failed to update worker status", "status", status)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.deps.Registry.Heartbeat(ctx, w.cfg.WorkerID, w.readMemory()); err != nil && ctx.Err() == nil {
				w.logger.Error(err, "Heartbeat failed")
			}
		}
	}
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runMaintenance(ctx)
		}
	}
}

// runMaintenance performs the periodic housekeeping; each step logs its own failure
func (w *Worker) runMaintenance(ctx context.Context) {
	if _, err := w.deps.Queue.RecoverStale(ctx, w.cfg.StaleThreshold); err != nil {
		w.logger.Error(err, "Maintenance: recover stale tasks")
	}
	if _, err := w.deps.Registry.Cleanup(ctx); err != nil {
		w.logger.Error(err, "Maintenance: clean up worker records")
	}
	if _, err := w.deps.Matches.PurgeExpired(ctx); err != nil {
		w.logger.Error(err, "Maintenance: purge expired matches")
	}
	if w.cfg.TerminalRetention > 0 {
		if _, err := w.deps.Queue.Purge(ctx, w.cfg.TerminalRetention); err != nil {
			w.logger.Error(err, "Maintenance: purge terminal tasks")
		}
	}
	if _, err := w.deps.Queue.CheckBacklog(ctx); err != nil {
		w.logger.Error(err, "Maintenance: check backlog")
	}
}

// sleep waits for d or until ctx is done; it reports whether the full duration elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
