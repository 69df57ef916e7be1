package runner

import (
	"log/slog"
	"time"
)

// Report summarizes one run.
type Report struct {
	RunID     string
	Batches   int
	Processed int
	Succeeded int
	Failed    int
	Purged    int64
	Elapsed   time.Duration
}

func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("batches", r.Batches),
		slog.Int("processed", r.Processed),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
		slog.Int64("purged", r.Purged),
		slog.Int64("elapsed_ms", r.Elapsed.Milliseconds()),
	)
}
