package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"background-tasks/internal/models"
)

const (
	// BunchLimit is the default number of tasks fetched per poll.
	BunchLimit = 50
	// DefaultPriority is assigned to tasks enqueued without an explicit priority.
	DefaultPriority = 50

	maxNameLen = 255
	tableName  = "background_task"
)

// Store is the persistence contract for tasks. Writes are staged by Insert and
// Update and only reach the database on Commit.
type Store interface {
	// Insert stages a new task. Its ID is assigned when the insert is flushed.
	Insert(ctx context.Context, task *models.Task) error

	// QueryEligible returns up to limit tasks with exactly the given status and
	// group whose run_after is unset or not after now, highest priority first.
	// A non-zero startedBefore also skips tasks started at or after it.
	QueryEligible(ctx context.Context, status models.Status, group string, limit int, now, startedBefore time.Time) ([]*models.Task, error)

	// Update stages the current in-memory state of an already stored task.
	Update(ctx context.Context, task *models.Task) error

	// DeleteOlderThan atomically removes tasks with the given status whose
	// finished_at is before the cutoff.
	DeleteOlderThan(ctx context.Context, status models.Status, finishedBefore time.Time) (int64, error)

	// Commit flushes staged writes in one transaction. With clearCache the
	// store also forgets every task it has handed out so far.
	Commit(ctx context.Context, clearCache bool) error

	Get(ctx context.Context, id int64) (*models.Task, error)
	ListByStatus(ctx context.Context, status models.Status, group string, limit int) ([]*models.Task, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func validateTask(task *models.Task) error {
	switch {
	case task.Service == "":
		return fmt.Errorf("%w: service is required", ErrConstraint)
	case task.Method == "":
		return fmt.Errorf("%w: method is required", ErrConstraint)
	case len(task.Service) > maxNameLen:
		return fmt.Errorf("%w: service longer than %d characters", ErrConstraint, maxNameLen)
	case len(task.Method) > maxNameLen:
		return fmt.Errorf("%w: method longer than %d characters", ErrConstraint, maxNameLen)
	case len(task.GroupCode) > maxNameLen:
		return fmt.Errorf("%w: group_code longer than %d characters", ErrConstraint, maxNameLen)
	case !task.Status.Valid():
		return fmt.Errorf("%w: unknown status %d", ErrConstraint, int(task.Status))
	}
	return nil
}

type writeKind int

const (
	writeInsert writeKind = iota
	writeUpdate
)

type pendingWrite struct {
	kind writeKind
	task *models.Task
}

// unitOfWork tracks staged writes and the identity map shared by the SQL
// backed stores.
type unitOfWork struct {
	mu       sync.Mutex
	pending  []pendingWrite
	staged   map[*models.Task]struct{}
	identity map[int64]*models.Task
}

func newUnitOfWork() *unitOfWork {
	return &unitOfWork{
		staged:   make(map[*models.Task]struct{}),
		identity: make(map[int64]*models.Task),
	}
}

func (u *unitOfWork) stageInsert(task *models.Task) error {
	if err := validateTask(task); err != nil {
		return storageErr("insert", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.staged[task]; ok {
		return nil
	}
	u.staged[task] = struct{}{}
	u.pending = append(u.pending, pendingWrite{kind: writeInsert, task: task})
	return nil
}

func (u *unitOfWork) stageUpdate(task *models.Task) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.staged[task]; ok {
		// a staged insert or update already writes the latest state on flush
		return nil
	}
	if task.ID == 0 {
		return storageErr("update", ErrUnknownTask)
	}
	if err := validateTask(task); err != nil {
		return storageErr("update", err)
	}
	u.staged[task] = struct{}{}
	u.pending = append(u.pending, pendingWrite{kind: writeUpdate, task: task})
	return nil
}

// take hands the staged writes to a committer and resets the staging area.
func (u *unitOfWork) take() []pendingWrite {
	u.mu.Lock()
	defer u.mu.Unlock()
	writes := u.pending
	u.pending = nil
	u.staged = make(map[*models.Task]struct{})
	return writes
}

func (u *unitOfWork) finish(writes []pendingWrite, clearCache bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if clearCache {
		u.identity = make(map[int64]*models.Task)
		return
	}
	for _, w := range writes {
		if w.task.ID != 0 {
			u.identity[w.task.ID] = w.task
		}
	}
}

// track returns the already known instance for the row, or registers the
// freshly scanned one.
func (u *unitOfWork) track(task *models.Task) *models.Task {
	u.mu.Lock()
	defer u.mu.Unlock()
	if known, ok := u.identity[task.ID]; ok {
		return known
	}
	u.identity[task.ID] = task
	return task
}

func (u *unitOfWork) forget(ids []int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, id := range ids {
		delete(u.identity, id)
	}
}

func (u *unitOfWork) tracked() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.identity)
}
