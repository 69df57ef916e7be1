package metrics

import (
	"context"
	"log/slog"
	"time"

	"background-tasks/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 2 * time.Second
)

var tasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bgtasks_tasks",
	Help: "Number of stored tasks by status.",
}, []string{"status"})

var trackedStatuses = []models.Status{
	models.StatusQueued,
	models.StatusRunning,
	models.StatusSucceeded,
	models.StatusFailed,
}

// Counter is satisfied by every task store.
type Counter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// StartCollector samples task counts into gauges until ctx is cancelled.
func StartCollector(ctx context.Context, counter Counter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := Collect(ctx, counter); err != nil && ctx.Err() == nil {
				logWarn(logger, "Task metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect takes one sample. Statuses with no rows are reported as zero.
func Collect(ctx context.Context, counter Counter) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := counter.CountByStatus(queryCtx)
	if err != nil {
		return err
	}
	for _, status := range trackedStatuses {
		tasksByStatus.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
