package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"background-tasks/internal/dispatch"
	"background-tasks/internal/models"
)

const builtinService = "system"

// registerBuiltins adds handlers that need no configuration. They are useful
// for smoke tests of a deployment.
func registerBuiltins(reg *dispatch.Registry) {
	reg.RegisterService(builtinService, map[string]dispatch.HandlerFunc{
		"noop":  func(context.Context, models.Params) error { return nil },
		"sleep": sleepHandler,
		"fail":  failHandler,
	})
}

// sleepHandler waits params.seconds (default 1).
func sleepHandler(ctx context.Context, params models.Params) error {
	seconds := 1.0
	if raw, ok := params["seconds"]; ok {
		v, ok := raw.(float64)
		if !ok || v < 0 {
			return fmt.Errorf("seconds must be a non-negative number, got %v", raw)
		}
		seconds = v
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func failHandler(_ context.Context, params models.Params) error {
	if msg, ok := params["message"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return errors.New("task failed on request")
}
