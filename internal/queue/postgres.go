package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"background-tasks/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, service, method, params, status, COALESCE(group_code, ''), priority,
	created_at, started_at, finished_at, run_after, last_error, updated_at`

var _ Store = (*PgStore)(nil)

// PgStore keeps tasks in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
	uow  *unitOfWork
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, uow: newUnitOfWork()}
}

func (s *PgStore) Insert(ctx context.Context, task *models.Task) error {
	return s.uow.stageInsert(task)
}

func (s *PgStore) Update(ctx context.Context, task *models.Task) error {
	return s.uow.stageUpdate(task)
}

func (s *PgStore) QueryEligible(ctx context.Context, status models.Status, group string, limit int, now, startedBefore time.Time) ([]*models.Task, error) {
	args := []any{int(status), group, now, limit}
	startedClause := ""
	if !startedBefore.IsZero() {
		startedClause = "AND (started_at IS NULL OR started_at < $5)"
		args = append(args, startedBefore)
	}
	query := `
		SELECT ` + taskColumns + `
		FROM ` + tableName + `
		WHERE status = $1
		  AND COALESCE(group_code, '') = $2
		  AND (run_after IS NULL OR run_after <= $3)
		  ` + startedClause + `
		ORDER BY priority DESC, id ASC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query eligible", err)
	}
	tasks, err := collectPgTasks(rows)
	if err != nil {
		return nil, storageErr("query eligible", err)
	}
	for i, t := range tasks {
		tasks[i] = s.uow.track(t)
	}
	return tasks, nil
}

func (s *PgStore) Commit(ctx context.Context, clearCache bool) error {
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

func (s *PgStore) flush(ctx context.Context, writes []pendingWrite) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, w := range writes {
		params, err := json.Marshal(paramsOrEmpty(w.task.Params))
		if err != nil {
			return fmt.Errorf("encode params for task %d: %w", w.task.ID, err)
		}
		t := w.task
		switch w.kind {
		case writeInsert:
			err = tx.QueryRow(ctx, `
				INSERT INTO `+tableName+` (service, method, params, status, group_code, priority,
					created_at, started_at, finished_at, run_after, last_error, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				RETURNING id
			`, t.Service, t.Method, params, int(t.Status), t.GroupCode, t.Priority,
				t.CreatedAt, t.StartedAt, t.FinishedAt, t.RunAfter, t.LastError, t.UpdatedAt,
			).Scan(&t.ID)
			if err != nil {
				return mapPgError(err)
			}
		case writeUpdate:
			tag, err := tx.Exec(ctx, `
				UPDATE `+tableName+`
				SET service = $2, method = $3, params = $4, status = $5, group_code = $6,
				    priority = $7, started_at = $8, finished_at = $9, run_after = $10,
				    last_error = $11, updated_at = $12
				WHERE id = $1
			`, t.ID, t.Service, t.Method, params, int(t.Status), t.GroupCode,
				t.Priority, t.StartedAt, t.FinishedAt, t.RunAfter, t.LastError, t.UpdatedAt)
			if err != nil {
				return mapPgError(err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("update task %d: %w", t.ID, ErrNotFound)
			}
		}
	}

	return tx.Commit(ctx)
}

func (s *PgStore) DeleteOlderThan(ctx context.Context, status models.Status, finishedBefore time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr("delete", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM `+tableName+`
		WHERE status = $1 AND finished_at < $2
		RETURNING id
	`, int(status), finishedBefore)
	if err != nil {
		return 0, storageErr("delete", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, storageErr("delete", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("delete", err)
	}
	s.uow.forget(ids)
	return int64(len(ids)), nil
}

func (s *PgStore) Get(ctx context.Context, id int64) (*models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM `+tableName+` WHERE id = $1`, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	tasks, err := collectPgTasks(rows)
	if err != nil {
		return nil, storageErr("get", err)
	}
	if len(tasks) == 0 {
		return nil, storageErr("get", fmt.Errorf("task %d: %w", id, ErrNotFound))
	}
	return s.uow.track(tasks[0]), nil
}

func (s *PgStore) ListByStatus(ctx context.Context, status models.Status, group string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = BunchLimit
	}
	query := `
		SELECT ` + taskColumns + `
		FROM ` + tableName + `
		WHERE status = $1 AND COALESCE(group_code, '') = $2
		ORDER BY finished_at DESC NULLS LAST, id DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, int(status), group, limit)
	if err != nil {
		return nil, storageErr("list", err)
	}
	tasks, err := collectPgTasks(rows)
	if err != nil {
		return nil, storageErr("list", err)
	}
	return tasks, nil
}

func (s *PgStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+tableName+` GROUP BY status`)
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

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func collectPgTasks(rows pgx.Rows) ([]*models.Task, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Task, error) {
		var t models.Task
		var status int
		var params []byte
		if err := row.Scan(
			&t.ID, &t.Service, &t.Method, &params, &status, &t.GroupCode, &t.Priority,
			&t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.RunAfter, &t.LastError, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		t.Status = models.Status(status)
		if err := t.Params.Scan(params); err != nil {
			return nil, err
		}
		return &t, nil
	})
}

// mapPgError turns integrity violations into ErrConstraint.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	return err
}

func paramsOrEmpty(p models.Params) models.Params {
	if p == nil {
		return models.Params{}
	}
	return p
}

func resetInsertedIDs(writes []pendingWrite) {
	for _, w := range writes {
		if w.kind == writeInsert {
			w.task.ID = 0
		}
	}
}
