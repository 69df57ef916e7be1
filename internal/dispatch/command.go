package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"background-tasks/internal/models"
)

const defaultMaxOutput = 64 * 1024

// limitedBuffer caps how much process output is kept in memory.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		l.Buffer.Write(p[:left])
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

type CommandOptions struct {
	Timeout   time.Duration
	MaxOutput int
	Dir       string
	Env       []string
}

// CommandHandler returns a handler that runs argv with the task params as a
// JSON document on stdin. A non-zero exit fails the task with the trimmed
// stderr as the message.
func CommandHandler(argv []string, opts CommandOptions) HandlerFunc {
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	return func(ctx context.Context, params models.Params) error {
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		if params == nil {
			params = models.Params{}
		}
		input, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}

		cmdCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			cmdCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
		setProcessGroup(cmd)
		cmd.Cancel = func() error {
			terminateProcessGroup(cmd)
			return nil
		}
		cmd.Dir = opts.Dir
		if len(opts.Env) > 0 {
			cmd.Env = append(os.Environ(), opts.Env...)
		}
		cmd.Stdin = bytes.NewReader(input)
		stdout := &limitedBuffer{cap: opts.MaxOutput}
		stderr := &limitedBuffer{cap: opts.MaxOutput}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		runErr := cmd.Run()
		if runErr == nil {
			return nil
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("command timed out after %s", opts.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return errors.New(msg)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return runErr
	}
}
