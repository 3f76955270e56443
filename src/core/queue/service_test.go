package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"jobmatch/src/core/alert"
	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
	"jobmatch/src/storage/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, clock *fakeClock, opts ...queue.ServiceOption) (*queue.Service, *memstore.TaskStore) {
	t.Helper()

	store := memstore.NewTaskStore()
	opts = append(opts, queue.WithClock(clock.Now))
	svc, err := queue.NewService(store, queue.Config{}, logr.Discard(), opts...)
	require.NoError(t, err)
	return svc, store
}

func embedJob(id string) queue.EnqueueParams {
	return queue.EnqueueParams{
		EntityKind: entity.KindJob,
		EntityID:   id,
		TaskType:   queue.TaskTypeGenerateEmbedding,
	}
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusPending, task.Status)
	require.Equal(t, queue.PriorityGenerateEmbedding, task.Priority)
	require.Equal(t, queue.DefaultMaxAttempts, task.MaxAttempts)
	require.Zero(t, task.Attempts)

	sim, err := svc.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindCandidate, EntityID: "c1", TaskType: queue.TaskTypeComputeSimilarity})
	require.NoError(t, err)
	require.Equal(t, queue.PriorityComputeSimilarity, sim.Priority)

	tests := []struct {
		name   string
		params queue.EnqueueParams
	}{
		{name: "bad kind", params: queue.EnqueueParams{EntityKind: "recruiter", EntityID: "x", TaskType: queue.TaskTypeGenerateEmbedding}},
		{name: "blank id", params: queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "  ", TaskType: queue.TaskTypeGenerateEmbedding}},
		{name: "bad type", params: queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "x", TaskType: "summarize"}},
	}
	for _, tt := range tests {
		_, err := svc.Enqueue(ctx, tt.params)
		require.Error(t, err, tt.name)
	}
}

func TestScheduleSkipsDuplicateActiveTask(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	first, created, err := svc.Schedule(ctx, embedJob("j1"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, first)

	_, err = svc.Enqueue(ctx, embedJob("j1"))
	require.ErrorIs(t, err, queue.ErrDuplicateActiveTask)

	dup, created, err := svc.Schedule(ctx, embedJob("j1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Nil(t, dup)

	// a different task type for the same entity is independent
	_, created, err = svc.Schedule(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeComputeSimilarity})
	require.NoError(t, err)
	require.True(t, created)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Total)
}

func TestClaimOrder(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, queue.EnqueueParams{EntityKind: entity.KindJob, EntityID: "sim", TaskType: queue.TaskTypeComputeSimilarity})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, embedJob("embed"))
	require.NoError(t, err)
	_, _, err = svc.EnqueueEntity(ctx, entity.Ref{Kind: entity.KindCandidate, ID: "manual"}, "")
	require.NoError(t, err)

	var order []string
	for {
		task, err := svc.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.EntityID)
		require.Equal(t, queue.TaskStatusProcessing, task.Status)
		require.Equal(t, 1, task.Attempts)
		require.Equal(t, "w1", *task.ProcessingOwner)
	}
	require.Equal(t, []string{"manual", "embed", "sim"}, order)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			task, err := svc.ClaimNext(ctx, id)
			if err != nil || task == nil {
				return
			}
			mu.Lock()
			winners = append(winners, id)
			mu.Unlock()
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
}

func TestRetryProgressionUntilTerminal(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc, _ := newService(t, clock)
	ctx := context.Background()

	created, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)

	expectedDelays := []time.Duration{time.Minute, 5 * time.Minute}
	for attempt := 1; attempt <= queue.DefaultMaxAttempts; attempt++ {
		task, err := svc.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d", attempt)
		require.Equal(t, created.ID, task.ID)
		require.Equal(t, attempt, task.Attempts)

		terminal, err := svc.Fail(ctx, task, "w1", errors.New("provider timeout"))
		require.NoError(t, err)

		stored, err := svc.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStatusFailed, stored.Status)
		require.Equal(t, "provider timeout", *stored.Error)

		if attempt == queue.DefaultMaxAttempts {
			require.True(t, terminal)
			require.Nil(t, stored.NextRetryAt)
			break
		}
		require.False(t, terminal)
		require.NotNil(t, stored.NextRetryAt)
		delay := expectedDelays[attempt-1]
		require.Equal(t, clock.Now().Add(delay), *stored.NextRetryAt)

		// not eligible before the retry time
		early, err := svc.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.Nil(t, early)

		// still active, so no duplicate may be scheduled
		_, created, err := svc.Schedule(ctx, embedJob("j1"))
		require.NoError(t, err)
		require.False(t, created)

		clock.Advance(delay)
	}

	clock.Advance(24 * time.Hour)
	task, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, task)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ByStatus[queue.TaskStatusFailed])
	require.Zero(t, stats.RetryScheduled)
	require.Zero(t, stats.Backlog())

	// a terminal failure no longer blocks scheduling
	_, created2, err := svc.Schedule(ctx, embedJob("j1"))
	require.NoError(t, err)
	require.True(t, created2)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)
	task, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	terminal, err := svc.Fail(ctx, task, "w1", queue.Permanent(errors.New("entity has no content")))
	require.NoError(t, err)
	require.True(t, terminal)

	stored, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusFailed, stored.Status)
	require.Equal(t, stored.MaxAttempts, stored.Attempts)
	require.Nil(t, stored.NextRetryAt)
}

func TestOwnerGuards(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)
	task, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.ErrorIs(t, svc.Complete(ctx, task, "w2"), queue.ErrTaskNotOwned)
	_, err = svc.Fail(ctx, task, "w2", errors.New("boom"))
	require.ErrorIs(t, err, queue.ErrTaskNotOwned)
	require.ErrorIs(t, svc.Release(ctx, task, "w2"), queue.ErrTaskNotOwned)

	require.NoError(t, svc.Complete(ctx, task, "w1"))
	// completing twice is rejected
	require.ErrorIs(t, svc.Complete(ctx, task, "w1"), queue.ErrTaskNotOwned)

	missing := &queue.Task{ID: 9999}
	require.ErrorIs(t, svc.Complete(ctx, missing, "w1"), queue.ErrTaskNotFound)

	stored, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.Nil(t, stored.ProcessingOwner)
}

func TestReleaseReturnsTaskToPending(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)
	task, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, task, "w1"))

	again, err := svc.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, task.ID, again.ID)
	require.Equal(t, "w2", *again.ProcessingOwner)
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc, _ := newService(t, clock)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("old"))
	require.NoError(t, err)
	stale, err := svc.ClaimNext(ctx, "dead-worker")
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)

	_, err = svc.Enqueue(ctx, embedJob("fresh"))
	require.NoError(t, err)
	fresh, err := svc.ClaimNext(ctx, "live-worker")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)

	n, err := svc.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// recovering again finds nothing new
	n, err = svc.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	recovered, err := svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusPending, recovered.Status)
	require.Nil(t, recovered.ProcessingOwner)

	untouched, err := svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TaskStatusProcessing, untouched.Status)

	// the dead owner can no longer finish the task
	require.ErrorIs(t, svc.Complete(ctx, stale, "dead-worker"), queue.ErrTaskNotOwned)
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		_, err := svc.Enqueue(ctx, embedJob(id))
		require.NoError(t, err)
		task, err := svc.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, err = svc.Fail(ctx, task, "w1", queue.Permanent(errors.New("bad input")))
		require.NoError(t, err)
	}
	// j2 already has a fresh task, so its failed one stays put
	_, err := svc.Enqueue(ctx, embedJob("j2"))
	require.NoError(t, err)

	n, err := svc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, _, err := svc.List(ctx, queue.ListParams{EntityID: "j1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, queue.TaskStatusPending, tasks[0].Status)
	require.Zero(t, tasks[0].Attempts)
	require.Nil(t, tasks[0].Error)

	claimed, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 1, claimed.Attempts)

	n, err = svc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []queue.Task
	err      error
}

func (a *recordingArchiver) Archive(_ context.Context, tasks []queue.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, tasks...)
	return nil
}

func TestPurgeArchivesTerminalTasks(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	archiver := &recordingArchiver{}
	svc, _ := newService(t, clock, queue.WithArchiver(archiver))
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("done"))
	require.NoError(t, err)
	done, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, done, "w1"))

	_, err = svc.Enqueue(ctx, embedJob("waiting"))
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)

	n, err := svc.Purge(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, archiver.archived, 1)
	require.Equal(t, "done", archiver.archived[0].EntityID)

	_, err = svc.Get(ctx, done.ID)
	require.ErrorIs(t, err, queue.ErrTaskNotFound)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ByStatus[queue.TaskStatusPending])
}

func TestPurgeKeepsTasksWhenArchiveFails(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	archiver := &recordingArchiver{err: errors.New("bucket unavailable")}
	svc, _ := newService(t, clock, queue.WithArchiver(archiver))
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("done"))
	require.NoError(t, err)
	done, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, done, "w1"))

	clock.Advance(8 * 24 * time.Hour)

	_, err = svc.Purge(ctx, 7*24*time.Hour)
	require.Error(t, err)

	_, err = svc.Get(ctx, done.ID)
	require.NoError(t, err)
}

func TestPurgeRejectsOutOfRangeRetention(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc, _ := newService(t, clock)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, embedJob("done"))
	require.NoError(t, err)
	done, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, done, "w1"))
	clock.Advance(time.Hour)

	for _, retention := range []time.Duration{0, -time.Hour, (queue.MaxRetentionDays + 1) * 24 * time.Hour} {
		_, err := svc.Purge(ctx, retention)
		require.Error(t, err, retention.String())
	}

	_, err = svc.Get(ctx, done.ID)
	require.NoError(t, err)
}

func TestCheckBacklogRaisesAlert(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		raised []alert.Alert
	)
	notifier := alert.NotifierFunc(func(_ context.Context, a alert.Alert) error {
		mu.Lock()
		defer mu.Unlock()
		raised = append(raised, a)
		return nil
	})
	dispatcher := alert.NewDispatcher(notifier, time.Hour, logr.Discard())

	clock := newFakeClock()
	store := memstore.NewTaskStore()
	svc, err := queue.NewService(store, queue.Config{BacklogAlertThreshold: 2}, logr.Discard(),
		queue.WithAlerts(dispatcher), queue.WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		_, err := svc.Enqueue(ctx, embedJob(id))
		require.NoError(t, err)
	}
	stats, err := svc.CheckBacklog(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Backlog())
	require.Empty(t, raised)

	_, err = svc.Enqueue(ctx, embedJob("j3"))
	require.NoError(t, err)
	_, err = svc.CheckBacklog(ctx)
	require.NoError(t, err)
	// cooldown suppresses the repeat
	_, err = svc.CheckBacklog(ctx)
	require.NoError(t, err)

	require.Len(t, raised, 1)
	require.Equal(t, alert.KindQueueBacklog, raised[0].Kind)
	require.EqualValues(t, 3, raised[0].Details["backlog"])
}

func TestListPagination(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := svc.Enqueue(ctx, embedJob(fmt.Sprintf("j%02d", i)))
		require.NoError(t, err)
	}

	tasks, total, err := svc.List(ctx, queue.ListParams{})
	require.NoError(t, err)
	require.EqualValues(t, 60, total)
	require.Len(t, tasks, 50)

	tasks, _, err = svc.List(ctx, queue.ListParams{Offset: 55, Limit: 10})
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	tasks, _, err = svc.List(ctx, queue.ListParams{Limit: 10000})
	require.NoError(t, err)
	require.Len(t, tasks, 60)

	tasks, total, err = svc.List(ctx, queue.ListParams{Status: queue.TaskStatusCompleted})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, tasks)
}

func TestReenqueueAll(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newFakeClock())
	ctx := context.Background()

	entities := memstore.NewEntityStore()
	entities.PutJob(memstore.Job{ID: "j1", Title: "Backend engineer"})
	entities.PutJob(memstore.Job{ID: "j2", Title: "Data engineer"})
	entities.PutCandidate(memstore.Candidate{ID: "c1", Headline: "Go developer"})

	_, err := svc.Enqueue(ctx, embedJob("j1"))
	require.NoError(t, err)

	var seen int
	res, err := svc.ReenqueueAll(ctx, entities, nil, 1, func(n int) { seen += n })
	require.NoError(t, err)
	require.Equal(t, queue.ReenqueueResult{Scheduled: 2, Skipped: 1}, res)
	require.Equal(t, 3, seen)

	res, err = svc.ReenqueueAll(ctx, entities, []entity.Kind{entity.KindCandidate}, 10, nil)
	require.NoError(t, err)
	require.Equal(t, queue.ReenqueueResult{Skipped: 1}, res)
}
