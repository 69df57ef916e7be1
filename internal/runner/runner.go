package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"background-tasks/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultBunchSize     = 50
	DefaultRetentionDays = 3
)

// Queue is the part of queue.Manager a run needs.
type Queue interface {
	FetchUnstarted(ctx context.Context, status models.Status, group string, limit int, since time.Time) ([]*models.Task, error)
	Persist(ctx context.Context, task *models.Task) error
	Save(ctx context.Context, clear bool) error
	PurgeCompleted(ctx context.Context, status models.Status, olderThanDays int) (int64, error)
	Now() time.Time
}

type Dispatcher interface {
	Invoke(ctx context.Context, service, method string, params models.Params) error
}

type Options struct {
	Status        models.Status
	BunchSize     int
	GroupCode     string
	RetentionDays int
	// Progress receives one line per batch. Nil discards it.
	Progress io.Writer
}

type Runner struct {
	queue      Queue
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
	peakMemory func() uint64
}

func New(q Queue, d Dispatcher, opts Options, logger *slog.Logger) *Runner {
	if opts.BunchSize <= 0 {
		opts.BunchSize = DefaultBunchSize
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		queue:      q,
		dispatcher: d,
		opts:       opts,
		logger:     logger,
		peakMemory: peakMemoryBytes,
	}
}

// taskResult is the outcome of one task. err is the execution failure, if any;
// it never aborts the batch.
type taskResult struct {
	task     *models.Task
	err      error
	duration time.Duration
}

// Run drains every eligible task for the configured status and group, batch by
// batch, then sweeps old succeeded tasks. Only storage failures are returned;
// task and cleanup failures are logged. Cancelling ctx stops the run between
// batches, never inside one.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	logger := r.logger.With(
		"run_id", rep.RunID,
		"status", r.opts.Status.String(),
		"group_code", r.opts.GroupCode,
	)
	start := time.Now()
	// Tasks this run starts are stamped at or after runStart and never fetched
	// again, so a poll on failed or succeeded drains too. Truncated to the
	// microsecond precision of the stored timestamps.
	runStart := r.queue.Now().Truncate(time.Microsecond)

	// a started batch always runs to completion
	batchCtx := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			rep.Elapsed = time.Since(start)
			return rep, fmt.Errorf("run interrupted after %d tasks: %w", rep.Processed, err)
		}

		fetchStart := time.Now()
		batch, err := r.queue.FetchUnstarted(batchCtx, r.opts.Status, r.opts.GroupCode, r.opts.BunchSize, runStart)
		batchFetchDuration.Observe(time.Since(fetchStart).Seconds())
		if err != nil {
			rep.Elapsed = time.Since(start)
			return rep, err
		}
		rep.Batches++

		for _, task := range batch {
			res, err := r.runTask(batchCtx, task)
			if err != nil {
				rep.Elapsed = time.Since(start)
				return rep, err
			}
			rep.Processed++
			r.record(logger, &rep, res)
		}

		r.writeProgress(rep.Processed, time.Since(start))

		if err := r.queue.Save(batchCtx, true); err != nil {
			rep.Elapsed = time.Since(start)
			return rep, err
		}
		if len(batch) < r.opts.BunchSize {
			break
		}
	}

	rep.Purged = r.purge(batchCtx, logger)
	rep.Elapsed = time.Since(start)
	logger.Info("Run finished", "report", rep)
	return rep, nil
}

// runTask records the running state durably, invokes the task and records the
// outcome. The returned error is a storage failure.
func (r *Runner) runTask(ctx context.Context, task *models.Task) (taskResult, error) {
	task.Start(r.queue.Now())
	if err := r.queue.Persist(ctx, task); err != nil {
		return taskResult{}, err
	}
	if err := r.queue.Save(ctx, false); err != nil {
		return taskResult{}, err
	}

	started := time.Now()
	execErr := r.dispatcher.Invoke(ctx, task.Service, task.Method, task.Params)
	res := taskResult{task: task, err: execErr, duration: time.Since(started)}

	now := r.queue.Now()
	var err error
	if execErr != nil {
		err = task.Fail(now, execErr.Error())
	} else {
		err = task.Succeed(now)
	}
	if err != nil {
		return taskResult{}, err
	}

	if err := r.queue.Persist(ctx, task); err != nil {
		return taskResult{}, err
	}
	if err := r.queue.Save(ctx, false); err != nil {
		return taskResult{}, err
	}
	return res, nil
}

func (r *Runner) record(logger *slog.Logger, rep *Report, res taskResult) {
	t := res.task
	taskDuration.WithLabelValues(t.Service).Observe(res.duration.Seconds())
	tasksProcessed.WithLabelValues(r.opts.GroupCode, t.Status.String()).Inc()

	if res.err != nil {
		rep.Failed++
		logger.Error("Task failed",
			"task_id", t.ID,
			"service", t.Service,
			"method", t.Method,
			"error", res.err.Error(),
		)
		return
	}
	rep.Succeeded++
	logger.Debug("Task succeeded", "task_id", t.ID, "duration_ms", res.duration.Milliseconds())
}

// purge removes old succeeded tasks. Failures are logged and absorbed.
func (r *Runner) purge(ctx context.Context, logger *slog.Logger) int64 {
	deleted, err := r.queue.PurgeCompleted(ctx, models.StatusSucceeded, r.opts.RetentionDays)
	if err != nil {
		purgeFailures.Inc()
		logger.Error("Old tasks were not removed", "error", err.Error())
		return 0
	}
	tasksPurged.Add(float64(deleted))
	if deleted > 0 {
		logger.Info("Old tasks removed", "count", deleted, "older_than_days", r.opts.RetentionDays)
	}
	return deleted
}

func (r *Runner) writeProgress(processed int, elapsed time.Duration) {
	fmt.Fprintf(r.opts.Progress, "%d loaded in %dsec | peak memory %s MB\n",
		processed, int64(elapsed/time.Second), formatMegabytes(r.peakMemory()))
}
