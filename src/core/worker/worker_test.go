package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"jobmatch/src/core/alert"
	"jobmatch/src/core/embedding"
	"jobmatch/src/core/embedding/embeddingtest"
	"jobmatch/src/core/entity"
	"jobmatch/src/core/matching"
	"jobmatch/src/core/queue"
	"jobmatch/src/core/registry"
	"jobmatch/src/storage/memstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	queue      *queue.Service
	tasks      *memstore.TaskStore
	registry   *registry.Registry
	entities   *memstore.EntityStore
	matches    *matching.Service
	provider   *embeddingtest.HashingProvider
	engine     *embedding.Engine
	dispatcher *alert.Dispatcher

	mu     sync.Mutex
	alerts []alert.Alert
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		tasks:    memstore.NewTaskStore(),
		entities: memstore.NewEntityStore(),
		provider: embeddingtest.NewHashingProvider(embedding.DefaultDimension),
	}
	h.dispatcher = alert.NewDispatcher(alert.NotifierFunc(func(_ context.Context, a alert.Alert) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.alerts = append(h.alerts, a)
		return nil
	}), time.Hour, logr.Discard())

	var err error
	h.queue, err = queue.NewService(h.tasks, queue.Config{}, logr.Discard(), queue.WithAlerts(h.dispatcher))
	require.NoError(t, err)
	h.registry = registry.NewRegistry(memstore.NewWorkerStore(), time.Minute, time.Hour, logr.Discard())
	h.matches, err = matching.NewService(memstore.NewMatchStore(), h.entities, matching.Config{}, logr.Discard())
	require.NoError(t, err)
	h.engine = embedding.NewEngine(h.provider, h.entities, embedding.Config{}, logr.Discard())
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Queue:    h.queue,
		Registry: h.registry,
		Engine:   h.engine,
		Entities: h.entities,
		Matches:  h.matches,
		Alerts:   h.dispatcher,
	}
}

func (h *harness) raised() []alert.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]alert.Alert(nil), h.alerts...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "w-test"
	cfg.Host = "test-host"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MaintenanceInterval = 30 * time.Millisecond
	cfg.ShutdownTimeout = 100 * time.Millisecond
	cfg.InterTaskDelay = 0
	cfg.MemoryPauseEnabled = false
	return cfg
}

// start runs w in the background and returns a stop function that cancels it and returns Run's error
func start(t *testing.T, w *Worker) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w.Status() != registry.StatusStarting
	}, 5*time.Second, 5*time.Millisecond)

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("worker did not stop")
		}
	}
}

func taskStatus(t *testing.T, h *harness, id int64) queue.TaskStatus {
	t.Helper()
	task, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestEmbeddingThenSimilarity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.entities.PutJob(memstore.Job{ID: "j1", Title: "Senior backend engineer, 5 years Go", Skills: []string{"go"}})
	h.entities.PutCandidate(memstore.Candidate{ID: "c1", Headline: "Backend engineer", Summary: "Go and PostgreSQL", Skills: []string{"go"}})
	candRef := entity.Ref{Kind: entity.KindCandidate, ID: "c1"}
	candContent, err := h.entities.Content(ctx, candRef)
	require.NoError(t, err)
	require.NoError(t, h.entities.SaveEmbedding(ctx, candRef, h.provider.Vector(candContent), time.Now().UTC()))

	embedTask, err := h.queue.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeGenerateEmbedding})
	require.NoError(t, err)

	w, err := New(testConfig(), h.deps(), logr.Discard())
	require.NoError(t, err)
	stop := start(t, w)

	similarity := queue.ListParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeComputeSimilarity}
	require.Eventually(t, func() bool {
		tasks, _, err := h.queue.List(ctx, similarity)
		return err == nil && len(tasks) == 1 && tasks[0].Status == queue.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())

	require.Equal(t, queue.TaskStatusCompleted, taskStatus(t, h, embedTask.ID))
	state, ok := h.entities.Vector(entity.Ref{Kind: entity.KindJob, ID: "j1"})
	require.True(t, ok)
	require.Equal(t, entity.VectorStatusCompleted, state.Status)
	require.Len(t, state.Vector, embedding.DefaultDimension)
	require.NotNil(t, state.GeneratedAt)

	_, total, err := h.queue.List(ctx, similarity)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	matches, err := h.matches.GetTopMatches(ctx, "j1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "c1", matches[0].CandidateID)
	require.Greater(t, matches[0].Breakdown.Semantic, 0.0)

	rec, err := h.registry.Get(ctx, "w-test")
	require.NoError(t, err)
	require.Equal(t, registry.StatusStopped, rec.Status)
	require.EqualValues(t, 2, rec.ProcessedCount)
	require.Empty(t, rec.CurrentTasks)
	require.Equal(t, registry.StatusStopped, w.Status())
	require.EqualValues(t, 2, w.Processed())
}

func TestShutdownRequeuesInFlightTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.entities.PutJob(memstore.Job{ID: "j1", Title: "Data engineer"})
	task, err := h.queue.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeGenerateEmbedding})
	require.NoError(t, err)

	w, err := New(testConfig(), h.deps(), logr.Discard())
	require.NoError(t, err)

	started := make(chan struct{})
	w.handlers[queue.TaskTypeGenerateEmbedding] = func(ctx context.Context, _ *queue.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	stop := start(t, w)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was never claimed")
	}

	rec, err := h.registry.Get(ctx, "w-test")
	require.NoError(t, err)
	require.Len(t, rec.CurrentTasks, 1)
	require.Equal(t, task.ID, rec.CurrentTasks[0].TaskID)

	require.NoError(t, stop())

	stored, err := h.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusPending, stored.Status)
	require.Nil(t, stored.ProcessingOwner)
	require.Equal(t, 1, stored.Attempts)
	require.Zero(t, w.Failed())

	rec, err = h.registry.Get(ctx, "w-test")
	require.NoError(t, err)
	require.Equal(t, registry.StatusStopped, rec.Status)
	require.Empty(t, rec.CurrentTasks)
}

func TestAbortedTaskIsRequeuedByItsHandlerLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.entities.PutJob(memstore.Job{ID: "j1", Title: "Data engineer"})
	_, err := h.queue.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeGenerateEmbedding})
	require.NoError(t, err)

	w, err := New(testConfig(), h.deps(), logr.Discard())
	require.NoError(t, err)
	w.handlers[queue.TaskTypeGenerateEmbedding] = func(ctx context.Context, _ *queue.Task) error {
		return ctx.Err()
	}

	task, err := h.queue.ClaimNext(ctx, "w-test")
	require.NoError(t, err)
	require.NotNil(t, task)

	// the handler returns after cancellation but before any shutdown sweep releases it
	taskCtx, cancel := context.WithCancel(ctx)
	cancel()
	w.process(taskCtx, task)

	stored, err := h.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusPending, stored.Status)
	require.Nil(t, stored.ProcessingOwner)
	require.Zero(t, w.Failed())

	// a second release from the shutdown sweep is a no-op
	w.requeue(task)
	stored, err = h.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusPending, stored.Status)
}

func TestShutdownWaitsForFastTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.entities.PutJob(memstore.Job{ID: "j1", Title: "Data engineer"})
	task, err := h.queue.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeGenerateEmbedding})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ShutdownTimeout = 2 * time.Second
	w, err := New(cfg, h.deps(), logr.Discard())
	require.NoError(t, err)

	started := make(chan struct{})
	w.handlers[queue.TaskTypeGenerateEmbedding] = func(ctx context.Context, _ *queue.Task) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	}

	stop := start(t, w)
	<-started
	require.NoError(t, stop())

	require.Equal(t, queue.TaskStatusCompleted, taskStatus(t, h, task.ID))
}

func TestMemoryPressurePausesClaims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.entities.PutJob(memstore.Job{ID: "j1", Title: "Platform engineer"})
	task, err := h.queue.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeGenerateEmbedding})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MemoryPauseEnabled = true
	cfg.MemoryThreshold = 0.8
	cfg.MemoryCooldown = 20 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	w, err := New(cfg, h.deps(), logr.Discard())
	require.NoError(t, err)

	var (
		samples  atomic.Int32
		reclaims atomic.Int32
		highUse  atomic.Bool
	)
	highUse.Store(true)
	w.readMemory = func() registry.MemorySnapshot {
		samples.Add(1)
		if highUse.Load() {
			return registry.MemorySnapshot{UsedMB: 900, TotalMB: 1000, PercentUsed: 90}
		}
		return registry.MemorySnapshot{UsedMB: 100, TotalMB: 1000, PercentUsed: 10}
	}
	w.reclaim = func() { reclaims.Add(1) }

	stop := start(t, w)

	require.Eventually(t, func() bool { return reclaims.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, queue.TaskStatusPending, taskStatus(t, h, task.ID))

	highUse.Store(false)
	require.Eventually(t, func() bool {
		return taskStatus(t, h, task.ID) == queue.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, registry.StatusRunning, w.Status())

	require.NoError(t, stop())
	require.Positive(t, samples.Load())
}

func TestRepeatedFailuresRaiseAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.Err = errors.New("503 service unavailable")

	var ids []int64
	for _, id := range []string{"j1", "j2"} {
		h.entities.PutJob(memstore.Job{ID: id, Title: "Site reliability engineer"})
		task, err := h.queue.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: id, TaskType: queue.TaskTypeGenerateEmbedding})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	cfg := testConfig()
	cfg.FailureAlertThreshold = 1
	w, err := New(cfg, h.deps(), logr.Discard())
	require.NoError(t, err)
	stop := start(t, w)

	require.Eventually(t, func() bool { return w.Failed() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	for _, id := range ids {
		task, err := h.queue.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStatusFailed, task.Status)
		require.NotNil(t, task.NextRetryAt)
		require.Contains(t, *task.Error, "503 service unavailable")
	}
	state, _ := h.entities.Vector(entity.Ref{Kind: entity.KindJob, ID: "j1"})
	require.Equal(t, entity.VectorStatusFailed, state.Status)
	require.Equal(t, 1, state.Retries)

	var failureAlerts []alert.Alert
	for _, a := range h.raised() {
		if a.Kind == alert.KindRepeatedFailures {
			failureAlerts = append(failureAlerts, a)
		}
	}
	// the first failure only reaches the threshold; the second exceeds it
	require.Len(t, failureAlerts, 1)
	require.Equal(t, "w-test", failureAlerts[0].Source)
	require.EqualValues(t, 2, failureAlerts[0].Details["failures"])

	rec, err := h.registry.Get(ctx, "w-test")
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.FailedCount)
}

func TestHandlerOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.entities.PutJob(memstore.Job{ID: "blank"})
	w, err := New(testConfig(), h.deps(), logr.Discard())
	require.NoError(t, err)

	tests := []struct {
		name      string
		task      *queue.Task
		permanent bool
		wantErr   bool
	}{
		{
			name:      "empty content is permanent",
			task:      &queue.Task{ID: 1, EntityKind: entity.KindJob, EntityID: "blank", TaskType: queue.TaskTypeGenerateEmbedding},
			wantErr:   true,
			permanent: true,
		},
		{
			name: "deleted entity completes",
			task: &queue.Task{ID: 2, EntityKind: entity.KindJob, EntityID: "gone", TaskType: queue.TaskTypeGenerateEmbedding},
		},
		{
			name: "similarity for deleted entity completes",
			task: &queue.Task{ID: 3, EntityKind: entity.KindCandidate, EntityID: "gone", TaskType: queue.TaskTypeComputeSimilarity},
		},
		{
			name:      "similarity without a vector is permanent",
			task:      &queue.Task{ID: 4, EntityKind: entity.KindJob, EntityID: "blank", TaskType: queue.TaskTypeComputeSimilarity},
			wantErr:   true,
			permanent: true,
		},
		{
			name:      "unknown task type is permanent",
			task:      &queue.Task{ID: 5, EntityKind: entity.KindJob, EntityID: "blank", TaskType: "summarize"},
			wantErr:   true,
			permanent: true,
		},
	}
	for _, tt := range tests {
		err := w.dispatch(ctx, tt.task)
		if !tt.wantErr {
			require.NoError(t, err, tt.name)
			continue
		}
		require.Error(t, err, tt.name)
		require.Equal(t, tt.permanent, queue.IsPermanent(err), tt.name)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	h := newHarness(t)
	w, err := New(testConfig(), h.deps(), logr.Discard())
	require.NoError(t, err)

	w.handlers[queue.TaskTypeGenerateEmbedding] = func(context.Context, *queue.Task) error {
		panic("nil vector")
	}
	err = w.dispatch(context.Background(), &queue.Task{ID: 1, TaskType: queue.TaskTypeGenerateEmbedding})
	require.ErrorContains(t, err, "nil vector")
	require.False(t, queue.IsPermanent(err))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults with id", mutate: func(*Config) {}},
		{name: "missing id", mutate: func(c *Config) { c.WorkerID = "" }, wantErr: true},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: true},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.ShutdownTimeout = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.MemoryThreshold = 1.5 }, wantErr: true},
		{name: "threshold ignored when pause disabled", mutate: func(c *Config) {
			c.MemoryPauseEnabled = false
			c.MemoryThreshold = 0
		}},
		{name: "no concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: true},
		{name: "negative inter-task delay", mutate: func(c *Config) { c.InterTaskDelay = -time.Second }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.WorkerID = "w1"
			tt.mutate(&cfg)
			if tt.wantErr {
				require.Error(t, cfg.Validate())
			} else {
				require.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNewRequiresDeps(t *testing.T) {
	h := newHarness(t)
	deps := h.deps()
	deps.Matches = nil
	_, err := New(testConfig(), deps, logr.Discard())
	require.Error(t, err)

	_, err = New(Config{}, h.deps(), logr.Discard())
	require.Error(t, err)
}
