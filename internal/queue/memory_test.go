package queue

import (
	"context"
	"testing"
	"time"

	"background-tasks/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreClearDropsTrackedTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	for i := 0; i < 5; i++ {
		_, err := m.Enqueue(ctx, "svc", "m", nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Save(ctx, false))
	assert.Equal(t, 5, store.Tracked())

	require.NoError(t, m.Save(ctx, true))
	assert.Zero(t, store.Tracked())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	task, err := m.Enqueue(ctx, "svc", "m", nil)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, true))

	batch, err := m.FetchBatch(ctx, models.StatusQueued, "", 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	batch[0].Method = "mutated"

	stored, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Same(t, batch[0], stored, "identity map hands back the tracked instance")

	require.NoError(t, m.Save(ctx, true))
	stored, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "m", stored.Method, "unstaged mutations never reach the store")
}

func TestMemoryStoreFailedCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	queued, err := m.Enqueue(ctx, "svc", "m", nil)
	require.NoError(t, err)
	ghost := &models.Task{ID: 999, Service: "svc", Method: "m", Status: models.StatusQueued}
	require.NoError(t, store.Update(ctx, ghost))

	err = m.Save(ctx, true)
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[models.StatusQueued], "no write from a failed commit is applied")
	assert.Zero(t, queued.ID)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(ctx), ErrClosed)
	_, err := store.QueryEligible(ctx, models.StatusQueued, "", 10, fixedNow(), time.Time{})
	assert.ErrorIs(t, err, ErrClosed)
}
