package queue

import (
	"context"
	"fmt"

	"background-tasks/internal/models"
)

// ListFailed returns recently failed tasks of a group, newest first.
func (m *Manager) ListFailed(ctx context.Context, group string, limit int) ([]*models.Task, error) {
	return m.store.ListByStatus(ctx, models.StatusFailed, group, limit)
}

func (m *Manager) Get(ctx context.Context, id int64) (*models.Task, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) Counts(ctx context.Context) (map[models.Status]int64, error) {
	return m.store.CountByStatus(ctx)
}

// Requeue puts a failed task, or one left running by a crashed runner, back
// in the queue and commits the change. The runner never calls this.
func (m *Manager) Requeue(ctx context.Context, id int64) (*models.Task, error) {
	task, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusFailed && task.Status != models.StatusRunning {
		return nil, fmt.Errorf("%w: task %d is %s", models.ErrInvalidTransition, id, task.Status)
	}

	task.Status = models.StatusQueued
	task.StartedAt = nil
	task.FinishedAt = nil
	task.LastError = nil
	if err := m.Persist(ctx, task); err != nil {
		return nil, err
	}
	if err := m.Save(ctx, true); err != nil {
		return nil, err
	}
	return task, nil
}
