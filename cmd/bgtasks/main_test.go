package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"background-tasks/internal/config"
	"background-tasks/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BGTASKS_CONFIG", "DATABASE_URL", "BGTASKS_DRIVER", "BGTASKS_STATUS", "BGTASKS_BUNCH_SIZE",
		"BGTASKS_RETENTION_DAYS", "BGTASKS_SCHEDULE", "METRICS_ADDR", "METRICS_AUTH_TOKEN", "METRICS_ALLOW_CIDRS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("BGTASKS_GROUP_CODE", "")
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"not-an-addr":    false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q): expected %v, got %v", addr, want, got)
		}
	}
}

func TestParseRunAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseRunAfter("2026-03-02T08:30:00Z", now)
	if err != nil {
		t.Fatalf("absolute: %v", err)
	}
	if !got.Equal(time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected absolute time %v", got)
	}

	got, err = parseRunAfter("90m", now)
	if err != nil {
		t.Fatalf("relative: %v", err)
	}
	if !got.Equal(now.Add(90 * time.Minute)) {
		t.Fatalf("unexpected relative time %v", got)
	}

	if _, err := parseRunAfter("tomorrow", now); err == nil {
		t.Fatal("expected error for unparseable value")
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Services["mail.send"] = config.ServiceConfig{Command: []string{"true"}}
	cfg.Services["reports.daily.build"] = config.ServiceConfig{Command: []string{"true"}}

	reg, err := buildRegistry(cfg)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	names := strings.Join(reg.Names(), ",")
	for _, want := range []string{"mail.send", "reports.daily.build", "system.noop", "system.fail", "system.sleep"} {
		if !strings.Contains(names, want) {
			t.Fatalf("expected %s to be registered, got %s", want, names)
		}
	}

	cfg.Services["nodot"] = config.ServiceConfig{Command: []string{"true"}}
	if _, err := buildRegistry(cfg); err == nil {
		t.Fatal("expected error for a target without a method")
	}
}

func TestBuiltinHandlers(t *testing.T) {
	ctx := context.Background()

	err := failHandler(ctx, models.Params{"message": "mailbox full"})
	if err == nil || err.Error() != "mailbox full" {
		t.Fatalf("expected message from params, got %v", err)
	}
	if err := failHandler(ctx, nil); err == nil {
		t.Fatal("expected default failure")
	}

	if err := sleepHandler(ctx, models.Params{"seconds": float64(0)}); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
	if err := sleepHandler(ctx, models.Params{"seconds": "soon"}); err == nil {
		t.Fatal("expected error for non-numeric seconds")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := sleepHandler(cancelled, models.Params{"seconds": float64(60)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("line one\n  line two"); got != "line one line two" {
		t.Fatalf("unexpected %q", got)
	}
	long := strings.Repeat("x", maxErrorColumn+10)
	if got := oneLine(long); len(got) != maxErrorColumn || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation to %d chars, got %d", maxErrorColumn, len(got))
	}

	wide := strings.Repeat("é", maxErrorColumn+10)
	got := oneLine(wide)
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8 after truncation, got %q", got)
	}
	if n := utf8.RuneCountInString(got); n != maxErrorColumn {
		t.Fatalf("expected %d runes, got %d", maxErrorColumn, n)
	}
}

func TestEnqueueRequiresTarget(t *testing.T) {
	clearEnv(t)
	err := cmdEnqueue(context.Background(), []string{"--driver", "memory", "--service", "mail"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--method") {
		t.Fatalf("expected missing method error, got %v", err)
	}
}

func TestEnqueueRejectsNonPositiveCount(t *testing.T) {
	clearEnv(t)
	err := cmdEnqueue(context.Background(), []string{
		"--driver", "memory", "--service", "mail", "--method", "send", "--count", "0",
	}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--count") {
		t.Fatalf("expected count error, got %v", err)
	}
}

func TestEnqueueRejectsNonObjectParams(t *testing.T) {
	clearEnv(t)
	err := cmdEnqueue(context.Background(), []string{
		"--driver", "memory", "--service", "mail", "--method", "send", "--params", "[1,2]",
	}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected params error")
	}
}

func TestLoadConfigReadsServicesFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bgtasks.yaml")
	content := []byte(`driver: memory
run:
  bunch_size: 5
services:
  mail.send:
    command: ["/usr/local/bin/send-mail"]
    timeout: 30s
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig("run", []string{"--config", path}, func(c *config.Config, fs *flag.FlagSet) {
		c.BindRunFlags(fs)
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Driver != config.DriverMemory || cfg.BunchSize != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	svc, ok := cfg.Services["mail.send"]
	if !ok || svc.Timeout != 30*time.Second || svc.Command[0] != "/usr/local/bin/send-mail" {
		t.Fatalf("unexpected services: %+v", cfg.Services)
	}
}

func TestCommandsEndToEnd(t *testing.T) {
	clearEnv(t)
	ctx := context.Background()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "tasks.db")
	withArgs := func(extra ...string) []string {
		return append([]string{"--driver", "sqlite", "--dsn", dsn, "--log-level", "error"}, extra...)
	}

	var out bytes.Buffer
	steps := [][]string{
		{"migrate"},
		{"enqueue", "--service", "system", "--method", "noop"},
		{"enqueue", "--service", "system", "--method", "fail", "--params", `{"message":"mailbox full"}`},
		{"enqueue", "--service", "system", "--method", "noop", "--run-after", "1h"},
		{"enqueue", "--service", "system", "--method", "noop", "--group", "nightly", "--count", "3"},
	}
	for _, step := range steps {
		if err := commands[step[0]](ctx, withArgs(step[1:]...), &out); err != nil {
			t.Fatalf("%s: %v", strings.Join(step, " "), err)
		}
	}
	if !strings.Contains(out.String(), "Enqueued task 2 (system.fail)") || !strings.Contains(out.String(), "Enqueued task 6 (system.noop)") {
		t.Fatalf("unexpected enqueue output:\n%s", out.String())
	}

	out.Reset()
	if err := cmdRun(ctx, withArgs(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"[INFO] Started: ", "2 loaded in ", "MB\n", "[INFO] Finished: "} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in run output:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := cmdFailed(ctx, withArgs(), &out); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if !strings.Contains(out.String(), "system.fail") || !strings.Contains(out.String(), "mailbox full") {
		t.Fatalf("expected failed task in listing:\n%s", out.String())
	}

	out.Reset()
	if err := cmdRequeue(ctx, withArgs("--id", "2"), &out); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !strings.Contains(out.String(), "Requeued task 2 (system.fail)") {
		t.Fatalf("unexpected requeue output: %s", out.String())
	}
	if err := cmdRequeue(ctx, withArgs("--id", "1"), &out); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected succeeded task to be rejected, got %v", err)
	}

	out.Reset()
	if err := cmdStats(ctx, withArgs(), &out); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out.String(), "succeeded") || strings.Contains(out.String(), "[WARN]") {
		t.Fatalf("unexpected stats output:\n%s", out.String())
	}

	out.Reset()
	if err := cmdRun(ctx, withArgs("--group_code", "nightly"), &out); err != nil {
		t.Fatalf("grouped run: %v", err)
	}
	if !strings.Contains(out.String(), "3 loaded in ") {
		t.Fatalf("expected the grouped task to run:\n%s", out.String())
	}
}
