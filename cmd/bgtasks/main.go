package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"background-tasks/internal/config"
	"background-tasks/internal/dispatch"
	"background-tasks/internal/queue"
)

const Version = "0.3.0"

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"run":      cmdRun,
	"schedule": cmdSchedule,
	"enqueue":  cmdEnqueue,
	"failed":   cmdFailed,
	"requeue":  cmdRequeue,
	"stats":    cmdStats,
	"migrate":  cmdMigrate,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("bgtasks version %s\n", Version)
		return
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd(ctx, os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func usage() {
	fmt.Println("usage: bgtasks <run|schedule|enqueue|failed|requeue|stats|migrate|version> [args]")
}

// loadConfig layers defaults, the config file, the environment and finally
// the subcommand's flags.
func loadConfig(name string, args []string, bind func(*config.Config, *flag.FlagSet)) (*config.Config, error) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", configPath, "Path to bgtasks config file")
	cfg.BindFlags(fs)
	if bind != nil {
		bind(cfg, fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (queue.Store, error) {
	return queue.Open(ctx, cfg.Driver, cfg.DatabaseURL, migrate)
}

// buildRegistry registers the built-in handlers plus one command handler per
// configured service binding.
func buildRegistry(cfg *config.Config) (*dispatch.Registry, error) {
	reg := dispatch.NewRegistry()
	registerBuiltins(reg)
	for name, svc := range cfg.Services {
		service, method, err := dispatch.ParseTarget(name)
		if err != nil {
			return nil, err
		}
		reg.Register(service, method, dispatch.CommandHandler(svc.Command, dispatch.CommandOptions{
			Timeout:   svc.Timeout,
			MaxOutput: svc.MaxOutput,
			Dir:       svc.Dir,
			Env:       svc.Env,
		}))
	}
	return reg, nil
}

func cmdMigrate(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := loadConfig("migrate", args, nil)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Fprintf(out, "Schema is up to date (%s)\n", cfg.Driver)
	return nil
}
