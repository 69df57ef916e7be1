package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"background-tasks/internal/config"
	"background-tasks/internal/logging"
	"background-tasks/internal/queue"
	"background-tasks/internal/runner"
)

const timestampLayout = "2006-01-02 15:04:05"

func cmdRun(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := loadConfig("run", args, func(c *config.Config, fs *flag.FlagSet) {
		c.BindRunFlags(fs)
	})
	if err != nil {
		return err
	}
	logger := logging.Init("runner", cfg.LogLevel)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = runPass(ctx, cfg, store, reg, logger, out)
	return err
}

// runPass performs one full drain of the configured status and group,
// bracketed by the start and finish banners.
func runPass(ctx context.Context, cfg *config.Config, store queue.Store, d runner.Dispatcher, logger *slog.Logger, out io.Writer) (runner.Report, error) {
	fmt.Fprintf(out, "[INFO] Started: %s\n", time.Now().Format(timestampLayout))

	r := runner.New(queue.NewManager(store), d, runner.Options{
		Status:        cfg.Status,
		BunchSize:     cfg.BunchSize,
		GroupCode:     cfg.GroupCode,
		RetentionDays: cfg.RetentionDays,
		Progress:      out,
	}, logger)
	rep, err := r.Run(ctx)
	if err != nil {
		return rep, err
	}

	fmt.Fprintf(out, "[INFO] Finished: %s\n", time.Now().Format(timestampLayout))
	return rep, nil
}
