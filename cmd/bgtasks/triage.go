package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"background-tasks/internal/config"
	"background-tasks/internal/models"
	"background-tasks/internal/queue"
)

const maxErrorColumn = 120

func cmdFailed(ctx context.Context, args []string, out io.Writer) error {
	var (
		group string
		limit int
	)
	cfg, err := loadConfig("failed", args, func(_ *config.Config, fs *flag.FlagSet) {
		fs.StringVar(&group, "group", "", "Group code to list")
		fs.IntVar(&limit, "limit", 50, "Maximum number of tasks")
	})
	if err != nil {
		return err
	}
	if limit <= 0 {
		return errors.New("--limit must be a positive integer")
	}

	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := queue.NewManager(store).ListFailed(ctx, group, limit)
	if err != nil {
		return err
	}
	return writeTaskTable(out, tasks)
}

func writeTaskTable(out io.Writer, tasks []*models.Task) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tGROUP\tFINISHED\tERROR")
	for _, task := range tasks {
		finished := "-"
		if task.FinishedAt != nil {
			finished = task.FinishedAt.Format(timestampLayout)
		}
		lastErr := ""
		if task.LastError != nil {
			lastErr = oneLine(*task.LastError)
		}
		fmt.Fprintf(tw, "%d\t%s.%s\t%s\t%s\t%s\n", task.ID, task.Service, task.Method, task.GroupCode, finished, lastErr)
	}
	return tw.Flush()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxErrorColumn {
		return string(runes[:maxErrorColumn-3]) + "..."
	}
	return s
}

func cmdRequeue(ctx context.Context, args []string, out io.Writer) error {
	var id int64
	cfg, err := loadConfig("requeue", args, func(_ *config.Config, fs *flag.FlagSet) {
		fs.Int64Var(&id, "id", 0, "Task id to put back in the queue")
	})
	if err != nil {
		return err
	}
	if id <= 0 {
		return errors.New("--id is required")
	}

	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := queue.NewManager(store).Requeue(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Requeued task %d (%s.%s)\n", task.ID, task.Service, task.Method)
	return nil
}

var reportedStatuses = []models.Status{
	models.StatusQueued,
	models.StatusRunning,
	models.StatusSucceeded,
	models.StatusFailed,
}

// cmdStats prints task counts per status and flags tasks left running.
func cmdStats(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := loadConfig("stats", args, nil)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := queue.NewManager(store).Counts(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCODE\tTASKS")
	var total int64
	for _, status := range reportedStatuses {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", status, int(status), counts[status])
		total += counts[status]
	}
	fmt.Fprintf(tw, "total\t\t%d\n", total)
	if err := tw.Flush(); err != nil {
		return err
	}

	if running := counts[models.StatusRunning]; running > 0 {
		fmt.Fprintf(out, "[WARN] %d tasks are marked running; if no run is active, use requeue or run --status 1\n", running)
	}
	return nil
}
