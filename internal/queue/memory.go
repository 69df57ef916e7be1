package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"background-tasks/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store with the same staging and identity
// semantics as the SQL stores. Intended for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[int64]*models.Task
	nextID int64
	closed bool

	uow *unitOfWork
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[int64]*models.Task),
		uow:  newUnitOfWork(),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, task *models.Task) error {
	return m.uow.stageInsert(task)
}

func (m *MemoryStore) Update(ctx context.Context, task *models.Task) error {
	return m.uow.stageUpdate(task)
}

func (m *MemoryStore) QueryEligible(ctx context.Context, status models.Status, group string, limit int, now, startedBefore time.Time) ([]*models.Task, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, storageErr("query eligible", ErrClosed)
	}
	candidates := make([]*models.Task, 0)
	for _, row := range m.rows {
		if row.Eligible(status, group, now) && startedEarlier(row, startedBefore) {
			candidates = append(candidates, row)
		}
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*models.Task, len(candidates))
	for i, row := range candidates {
		out[i] = m.uow.track(row.Clone())
	}
	return out, nil
}

func startedEarlier(task *models.Task, before time.Time) bool {
	return before.IsZero() || task.StartedAt == nil || task.StartedAt.Before(before)
}

func (m *MemoryStore) Commit(ctx context.Context, clearCache bool) error {
	writes := m.uow.take()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return storageErr("commit", ErrClosed)
	}
	for _, w := range writes {
		if w.kind == writeUpdate {
			if _, ok := m.rows[w.task.ID]; !ok {
				m.mu.Unlock()
				return storageErr("commit", fmt.Errorf("update task %d: %w", w.task.ID, ErrNotFound))
			}
		}
	}
	for _, w := range writes {
		if w.kind == writeInsert {
			m.nextID++
			w.task.ID = m.nextID
		}
		m.rows[w.task.ID] = w.task.Clone()
	}
	m.mu.Unlock()

	m.uow.finish(writes, clearCache)
	return nil
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, status models.Status, finishedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, storageErr("delete", ErrClosed)
	}

	var ids []int64
	for id, row := range m.rows {
		if row.Status == status && row.FinishedAt != nil && row.FinishedAt.Before(finishedBefore) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(m.rows, id)
	}
	m.uow.forget(ids)
	return int64(len(ids)), nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*models.Task, error) {
	m.mu.RLock()
	row, ok := m.rows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storageErr("get", fmt.Errorf("task %d: %w", id, ErrNotFound))
	}
	return m.uow.track(row.Clone()), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.Status, group string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = BunchLimit
	}
	m.mu.RLock()
	var out []*models.Task
	for _, row := range m.rows {
		if row.Status == status && row.GroupCode == group {
			out = append(out, row.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		fi, fj := out[i].FinishedAt, out[j].FinishedAt
		switch {
		case fi != nil && fj != nil && !fi.Equal(*fj):
			return fi.After(*fj)
		case fi != nil && fj == nil:
			return true
		case fi == nil && fj != nil:
			return false
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.Status]int64)
	for _, row := range m.rows {
		counts[row.Status]++
	}
	return counts, nil
}

// Tracked reports how many task instances the store is currently holding on
// behalf of callers.
func (m *MemoryStore) Tracked() int {
	return m.uow.tracked()
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
