package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"background-tasks/internal/models"

	"github.com/mattn/go-sqlite3"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps tasks in SQLite through database/sql. All timestamps are
// written in UTC so that text comparison in SQLite orders them correctly.
type SQLStore struct {
	db  *sql.DB
	uow *unitOfWork
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, uow: newUnitOfWork()}
}

func (s *SQLStore) Insert(ctx context.Context, task *models.Task) error {
	return s.uow.stageInsert(task)
}

func (s *SQLStore) Update(ctx context.Context, task *models.Task) error {
	return s.uow.stageUpdate(task)
}

func (s *SQLStore) QueryEligible(ctx context.Context, status models.Status, group string, limit int, now, startedBefore time.Time) ([]*models.Task, error) {
	args := []any{int(status), group, now.UTC()}
	startedClause := ""
	if !startedBefore.IsZero() {
		startedClause = "AND (started_at IS NULL OR started_at < ?)"
		args = append(args, startedBefore.UTC())
	}
	args = append(args, limit)
	query := `
		SELECT ` + taskColumns + `
		FROM ` + tableName + `
		WHERE status = ?
		  AND COALESCE(group_code, '') = ?
		  AND (run_after IS NULL OR run_after <= ?)
		  ` + startedClause + `
		ORDER BY priority DESC, id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query eligible", err)
	}
	tasks, err := collectSQLTasks(rows)
	if err != nil {
		return nil, storageErr("query eligible", err)
	}
	for i, t := range tasks {
		tasks[i] = s.uow.track(t)
	}
	return tasks, nil
}

func (s *SQLStore) Commit(ctx context.Context, clearCache bool) error {
	writes := s.uow.take()
	if len(writes) > 0 {
		if err := s.flush(ctx, writes); err != nil {
			resetInsertedIDs(writes)
			return storageErr("commit", err)
		}
	}
	s.uow.finish(writes, clearCache)
	return nil
}

func (s *SQLStore) flush(ctx context.Context, writes []pendingWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range writes {
		t := w.task
		params, err := json.Marshal(paramsOrEmpty(t.Params))
		if err != nil {
			return fmt.Errorf("encode params for task %d: %w", t.ID, err)
		}
		switch w.kind {
		case writeInsert:
			res, err := tx.ExecContext(ctx, `
				INSERT INTO `+tableName+` (service, method, params, status, group_code, priority,
					created_at, started_at, finished_at, run_after, last_error, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, t.Service, t.Method, string(params), int(t.Status), t.GroupCode, t.Priority,
				t.CreatedAt.UTC(), utcPtr(t.StartedAt), utcPtr(t.FinishedAt), utcPtr(t.RunAfter),
				t.LastError, utcPtr(t.UpdatedAt))
			if err != nil {
				return mapSQLiteError(err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			t.ID = id
		case writeUpdate:
			res, err := tx.ExecContext(ctx, `
				UPDATE `+tableName+`
				SET service = ?, method = ?, params = ?, status = ?, group_code = ?,
				    priority = ?, started_at = ?, finished_at = ?, run_after = ?,
				    last_error = ?, updated_at = ?
				WHERE id = ?
			`, t.Service, t.Method, string(params), int(t.Status), t.GroupCode,
				t.Priority, utcPtr(t.StartedAt), utcPtr(t.FinishedAt), utcPtr(t.RunAfter),
				t.LastError, utcPtr(t.UpdatedAt), t.ID)
			if err != nil {
				return mapSQLiteError(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return fmt.Errorf("update task %d: %w", t.ID, ErrNotFound)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, status models.Status, finishedBefore time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("delete", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM `+tableName+` WHERE status = ? AND finished_at < ?
	`, int(status), finishedBefore.UTC())
	if err != nil {
		return 0, storageErr("delete", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storageErr("delete", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("delete", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM `+tableName+` WHERE status = ? AND finished_at < ?
	`, int(status), finishedBefore.UTC())
	if err != nil {
		return 0, storageErr("delete", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("delete", err)
	}
	s.uow.forget(ids)
	return deleted, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM `+tableName+` WHERE id = ?`, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	tasks, err := collectSQLTasks(rows)
	if err != nil {
		return nil, storageErr("get", err)
	}
	if len(tasks) == 0 {
		return nil, storageErr("get", fmt.Errorf("task %d: %w", id, ErrNotFound))
	}
	return s.uow.track(tasks[0]), nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status models.Status, group string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = BunchLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM `+tableName+`
		WHERE status = ? AND COALESCE(group_code, '') = ?
		ORDER BY finished_at IS NULL, finished_at DESC, id DESC
		LIMIT ?
	`, int(status), group, limit)
	if err != nil {
		return nil, storageErr("list", err)
	}
	tasks, err := collectSQLTasks(rows)
	if err != nil {
		return nil, storageErr("list", err)
	}
	return tasks, nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+tableName+` GROUP BY status`)
	if err != nil {
		return nil, storageErr("count", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64)
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("count", err)
		}
		counts[models.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count", err)
	}
	return counts, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func collectSQLTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		var status int
		var params sql.NullString
		var startedAt, finishedAt, runAfter, updatedAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(
			&t.ID, &t.Service, &t.Method, &params, &status, &t.GroupCode, &t.Priority,
			&t.CreatedAt, &startedAt, &finishedAt, &runAfter, &lastError, &updatedAt,
		); err != nil {
			return nil, err
		}
		t.Status = models.Status(status)
		if err := t.Params.Scan(params.String); err != nil {
			return nil, err
		}
		t.StartedAt = nullTimePtr(startedAt)
		t.FinishedAt = nullTimePtr(finishedAt)
		t.RunAfter = nullTimePtr(runAfter)
		t.UpdatedAt = nullTimePtr(updatedAt)
		t.LastError = nullStringPtr(lastError)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func mapSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	return err
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
