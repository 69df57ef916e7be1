package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process logger: JSON on stdout with sensitive keys
// redacted, tagged with the component name.
func Init(component, level string) *slog.Logger {
	logger := New(os.Stdout, component, level)
	slog.SetDefault(logger)
	return logger
}

func New(w io.Writer, component, level string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	handler = newRedactingHandler(handler)
	return slog.New(handler).With("component", component)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
