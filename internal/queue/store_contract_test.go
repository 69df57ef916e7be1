package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"background-tasks/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func fixedNow() time.Time {
	// microsecond precision matches Postgres timestamps
	return time.Now().UTC().Truncate(time.Microsecond)
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("enqueue shape", func(t *testing.T) { testEnqueueShape(t, newStore(t)) })
	t.Run("batched enqueue", func(t *testing.T) { testBatchedEnqueue(t, newStore(t)) })
	t.Run("eligibility filter", func(t *testing.T) { testEligibilityFilter(t, newStore(t)) })
	t.Run("started cutoff", func(t *testing.T) { testStartedCutoff(t, newStore(t)) })
	t.Run("partition isolation", func(t *testing.T) { testPartitionIsolation(t, newStore(t)) })
	t.Run("retention sweep", func(t *testing.T) { testRetentionSweep(t, newStore(t)) })
	t.Run("identity map", func(t *testing.T) { testIdentityMap(t, newStore(t)) })
	t.Run("constraint violation", func(t *testing.T) { testConstraintViolation(t, newStore(t)) })
	t.Run("update unknown", func(t *testing.T) { testUpdateUnknown(t, newStore(t)) })
	t.Run("requeue", func(t *testing.T) { testRequeue(t, newStore(t)) })
}

func testEnqueueShape(t *testing.T, store Store) {
	ctx := context.Background()
	now := fixedNow()
	m := NewManager(store, WithClock(func() time.Time { return now }))

	task, err := m.Enqueue(ctx, "mailer", "send", models.Params{"to": "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, "", task.GroupCode)
	assert.True(t, task.CreatedAt.Equal(now))
	assert.Nil(t, task.RunAfter)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)
	assert.Nil(t, task.LastError)
	assert.Zero(t, task.ID, "identity is assigned on flush")

	batch, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	assert.Empty(t, batch, "enqueue must not auto-commit")

	require.NoError(t, m.Save(ctx, true))
	assert.NotZero(t, task.ID)

	batch, err = m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	got := batch[0]
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "mailer", got.Service)
	assert.Equal(t, "send", got.Method)
	assert.Equal(t, "a@b.com", got.Params["to"])
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Nil(t, got.RunAfter)
}

func testBatchedEnqueue(t *testing.T, store Store) {
	ctx := context.Background()
	m := NewManager(store)

	var tasks []*models.Task
	for i := 0; i < 3; i++ {
		task, err := m.Enqueue(ctx, "svc", "m", models.Params{"n": i})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	require.NoError(t, m.Save(ctx, false))

	seen := map[int64]bool{}
	for _, task := range tasks {
		require.NotZero(t, task.ID)
		assert.False(t, seen[task.ID], "ids must be unique")
		seen[task.ID] = true
	}
}

func testEligibilityFilter(t *testing.T, store Store) {
	ctx := context.Background()
	now := fixedNow()
	m := NewManager(store, WithClock(func() time.Time { return now }))

	low, err := m.Enqueue(ctx, "svc", "low", nil, WithPriority(10))
	require.NoError(t, err)
	high, err := m.Enqueue(ctx, "svc", "high", nil, WithPriority(90))
	require.NoError(t, err)
	mid, err := m.Enqueue(ctx, "svc", "mid", nil)
	require.NoError(t, err)
	due, err := m.Enqueue(ctx, "svc", "due", nil, WithPriority(70), WithRunAfter(now.Add(-time.Hour)))
	require.NoError(t, err)
	dueNow, err := m.Enqueue(ctx, "svc", "due_now", nil, WithPriority(60), WithRunAfter(now))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "svc", "later", nil, WithPriority(100), WithRunAfter(now.Add(time.Hour)))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "svc", "grouped", nil, WithPriority(100), WithGroup("batch1"))
	require.NoError(t, err)
	running, err := m.Enqueue(ctx, "svc", "running", nil, WithPriority(100))
	require.NoError(t, err)
	running.Start(now)
	require.NoError(t, m.Save(ctx, true))

	batch, err := m.FetchBatch(ctx, models.StatusQueued, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{high.ID, due.ID, dueNow.ID, mid.ID, low.ID}, ids(batch))
	for _, task := range batch {
		assert.True(t, task.Eligible(models.StatusQueued, "", now), "task %d not eligible", task.ID)
	}

	batch, err = m.FetchBatch(ctx, models.StatusQueued, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{high.ID, due.ID}, ids(batch))

	batch, err = m.FetchBatch(ctx, models.StatusRunning, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{running.ID}, ids(batch))
}

func testStartedCutoff(t *testing.T, store Store) {
	ctx := context.Background()
	now := fixedNow()
	m := NewManager(store, WithClock(func() time.Time { return now }))

	earlier, err := m.Enqueue(ctx, "svc", "earlier", nil)
	require.NoError(t, err)
	atCutoff, err := m.Enqueue(ctx, "svc", "at_cutoff", nil)
	require.NoError(t, err)
	later, err := m.Enqueue(ctx, "svc", "later", nil)
	require.NoError(t, err)
	never, err := m.Enqueue(ctx, "svc", "never", nil)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, true))

	for task, startedAt := range map[*models.Task]time.Time{
		earlier:  now.Add(-time.Hour),
		atCutoff: now,
		later:    now.Add(time.Minute),
	} {
		task.Start(startedAt)
		require.NoError(t, task.Fail(startedAt, "boom"))
		require.NoError(t, m.Persist(ctx, task))
	}
	never.Status = models.StatusFailed
	require.NoError(t, m.Persist(ctx, never))
	require.NoError(t, m.Save(ctx, true))

	batch, err := m.FetchUnstarted(ctx, models.StatusFailed, "", 10, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{earlier.ID, never.ID}, ids(batch))

	batch, err = m.FetchBatch(ctx, models.StatusFailed, "", 10)
	require.NoError(t, err)
	assert.Len(t, batch, 4, "a zero cutoff does not filter")
}

func testPartitionIsolation(t *testing.T, store Store) {
	ctx := context.Background()
	m := NewManager(store)

	grouped, err := m.Enqueue(ctx, "svc", "m", nil, WithGroup("batch1"))
	require.NoError(t, err)
	plain, err := m.Enqueue(ctx, "svc", "m", nil)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, true))

	batch, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{plain.ID}, ids(batch))

	batch, err = m.FetchBatch(ctx, models.StatusQueued, "batch1", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{grouped.ID}, ids(batch))
}

func testRetentionSweep(t *testing.T, store Store) {
	ctx := context.Background()
	now := fixedNow()
	m := NewManager(store, WithClock(func() time.Time { return now }))

	finish := func(method string, finishedAt time.Time, fail bool) *models.Task {
		task, err := m.Enqueue(ctx, "svc", method, nil)
		require.NoError(t, err)
		require.NoError(t, m.Save(ctx, false))
		task.Start(finishedAt)
		if fail {
			require.NoError(t, task.Fail(finishedAt, "boom"))
		} else {
			require.NoError(t, task.Succeed(finishedAt))
		}
		require.NoError(t, m.Persist(ctx, task))
		require.NoError(t, m.Save(ctx, false))
		return task
	}

	old := finish("old", now.AddDate(0, 0, -4), false)
	recent := finish("recent", now.AddDate(0, 0, -1), false)
	failed := finish("failed", now.AddDate(0, 0, -10), true)
	require.NoError(t, m.Save(ctx, true))

	deleted, err := m.PurgeCompleted(ctx, models.StatusSucceeded, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = m.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = m.Get(ctx, failed.ID)
	assert.NoError(t, err, "failed tasks are never swept by a succeeded purge")
}

func testIdentityMap(t *testing.T, store Store) {
	ctx := context.Background()
	m := NewManager(store)

	_, err := m.Enqueue(ctx, "svc", "m", nil)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, true))

	first, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	second, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])

	require.NoError(t, m.Save(ctx, true))
	third, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.NotSame(t, first[0], third[0])
}

func testConstraintViolation(t *testing.T, store Store) {
	ctx := context.Background()
	m := NewManager(store)

	_, err := m.Enqueue(ctx, "", "send", nil)
	require.Error(t, err)
	var se *StorageError
	assert.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, ErrConstraint)
}

func testUpdateUnknown(t *testing.T, store Store) {
	ctx := context.Background()
	m := NewManager(store)

	err := m.Persist(ctx, &models.Task{Service: "svc", Method: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func testRequeue(t *testing.T, store Store) {
	ctx := context.Background()
	now := fixedNow()
	m := NewManager(store, WithClock(func() time.Time { return now }))

	task, err := m.Enqueue(ctx, "svc", "m", nil)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, false))

	_, err = m.Requeue(ctx, task.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "queued tasks cannot be requeued")

	task.Start(now)
	require.NoError(t, task.Fail(now, "boom"))
	require.NoError(t, m.Persist(ctx, task))
	require.NoError(t, m.Save(ctx, true))

	failed, err := m.ListFailed(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, ids(failed))

	requeued, err := m.Requeue(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, requeued.Status)
	assert.Nil(t, requeued.LastError)

	batch, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, ids(batch))

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[models.StatusQueued])
	assert.Zero(t, counts[models.StatusFailed])
}

func ids(tasks []*models.Task) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
