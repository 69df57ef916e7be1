package queue

import (
	"context"
	"time"

	"background-tasks/internal/models"
)

// Manager implements the queue-level operations producers and the runner use.
type Manager struct {
	store Store
	now   func() time.Time
}

type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) Now() time.Time {
	return m.now()
}

type enqueueOptions struct {
	group    string
	runAfter *time.Time
	priority int
}

type EnqueueOption func(*enqueueOptions)

func WithGroup(group string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.group = group
	}
}

func WithRunAfter(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.runAfter = &t
	}
}

func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// Enqueue stages a new queued task. Nothing is written until Save is called,
// so several tasks can be enqueued in one transaction.
func (m *Manager) Enqueue(ctx context.Context, service, method string, params models.Params, opts ...EnqueueOption) (*models.Task, error) {
	o := enqueueOptions{priority: DefaultPriority}
	for _, opt := range opts {
		opt(&o)
	}
	if params == nil {
		params = models.Params{}
	}

	task := &models.Task{
		Service:   service,
		Method:    method,
		Params:    params,
		Status:    models.StatusQueued,
		GroupCode: o.group,
		Priority:  o.priority,
		CreatedAt: m.now(),
		RunAfter:  o.runAfter,
	}
	if err := m.store.Insert(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// FetchBatch returns the next eligible tasks for status and group. A limit of
// zero or less means BunchLimit.
func (m *Manager) FetchBatch(ctx context.Context, status models.Status, group string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = BunchLimit
	}
	return m.store.QueryEligible(ctx, status, group, limit, m.now(), time.Time{})
}

// FetchUnstarted is FetchBatch restricted to tasks not started at or after
// since. A run passes its own start time so that tasks it has already
// processed are not selected again when their new status matches the poll.
func (m *Manager) FetchUnstarted(ctx context.Context, status models.Status, group string, limit int, since time.Time) ([]*models.Task, error) {
	if limit <= 0 {
		limit = BunchLimit
	}
	return m.store.QueryEligible(ctx, status, group, limit, m.now(), since)
}

// PurgeCompleted deletes tasks in status that finished more than olderThanDays ago.
func (m *Manager) PurgeCompleted(ctx context.Context, status models.Status, olderThanDays int) (int64, error) {
	cutoff := m.now().AddDate(0, 0, -olderThanDays)
	deleted, err := m.store.DeleteOlderThan(ctx, status, cutoff)
	if err != nil {
		return 0, &CleanupError{Err: err}
	}
	return deleted, nil
}

// Persist stamps the task's modification time and stages it for writing.
func (m *Manager) Persist(ctx context.Context, task *models.Task) error {
	now := m.now()
	task.UpdatedAt = &now
	return m.store.Update(ctx, task)
}

// Save flushes staged writes. With clear the store drops every task it
// handed out, bounding memory across long runs.
func (m *Manager) Save(ctx context.Context, clear bool) error {
	return m.store.Commit(ctx, clear)
}
