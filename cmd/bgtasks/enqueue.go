package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"background-tasks/internal/config"
	"background-tasks/internal/models"
	"background-tasks/internal/queue"
)

type enqueueFlags struct {
	service  string
	method   string
	params   string
	group    string
	priority int
	runAfter string
	count    int
}

func cmdEnqueue(ctx context.Context, args []string, out io.Writer) error {
	var ef enqueueFlags
	cfg, err := loadConfig("enqueue", args, func(_ *config.Config, fs *flag.FlagSet) {
		fs.StringVar(&ef.service, "service", "", "Service name of the handler")
		fs.StringVar(&ef.method, "method", "", "Method name of the handler")
		fs.StringVar(&ef.params, "params", "{}", "Handler parameters as a JSON object")
		fs.StringVar(&ef.group, "group", "", "Group code for the task")
		fs.IntVar(&ef.priority, "priority", queue.DefaultPriority, "Higher runs first")
		fs.StringVar(&ef.runAfter, "run-after", "", "Earliest start (RFC3339 time or duration from now)")
		fs.IntVar(&ef.count, "count", 1, "Number of identical tasks to enqueue in one commit")
	})
	if err != nil {
		return err
	}
	if ef.service == "" || ef.method == "" {
		return errors.New("--service and --method are required")
	}
	if ef.count <= 0 {
		return errors.New("--count must be a positive integer")
	}

	var params models.Params
	if err := json.Unmarshal([]byte(ef.params), &params); err != nil {
		return fmt.Errorf("--params must be a JSON object: %w", err)
	}

	opts := []queue.EnqueueOption{queue.WithGroup(ef.group), queue.WithPriority(ef.priority)}
	if ef.runAfter != "" {
		at, err := parseRunAfter(ef.runAfter, time.Now())
		if err != nil {
			return err
		}
		opts = append(opts, queue.WithRunAfter(at))
	}

	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	m := queue.NewManager(store)
	tasks := make([]*models.Task, 0, ef.count)
	for i := 0; i < ef.count; i++ {
		task, err := m.Enqueue(ctx, ef.service, ef.method, params, opts...)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}
	// IDs are assigned by the commit
	if err := m.Save(ctx, true); err != nil {
		return err
	}
	for _, task := range tasks {
		fmt.Fprintf(out, "Enqueued task %d (%s.%s)\n", task.ID, task.Service, task.Method)
	}
	return nil
}

// parseRunAfter accepts an absolute RFC3339 time or a duration added to now.
func parseRunAfter(value string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--run-after must be an RFC3339 time or a duration, got %q", value)
	}
	return now.Add(d), nil
}
