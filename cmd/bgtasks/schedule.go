package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io"
	"log/slog"
	"net"
	"strings"

	"background-tasks/internal/config"
	"background-tasks/internal/logging"
	"background-tasks/internal/metrics"
	"background-tasks/internal/web"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// cmdSchedule keeps the process alive and starts a run pass on every tick of
// the cron schedule. A tick is skipped while the previous pass is still busy.
func cmdSchedule(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := loadConfig("schedule", args, func(c *config.Config, fs *flag.FlagSet) {
		c.BindScheduleFlags(fs)
	})
	if err != nil {
		return err
	}
	logger := logging.Init("scheduler", cfg.LogLevel)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		server, err := newMetricsServer(cfg, store, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return server.Start(gctx)
		})
		metrics.StartCollector(gctx, store, 0, logger)
	}

	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(cfg.Schedule, func() {
		rep, err := runPass(gctx, cfg, store, reg, logger, out)
		if err != nil {
			logger.Error("Run pass failed", "error", err, "report", rep)
			return
		}
		logger.Info("Run pass finished", "report", rep)
	}); err != nil {
		return err
	}

	logger.Info("Scheduler started",
		"schedule", cfg.Schedule,
		"status", cfg.Status.String(),
		"group_code", cfg.GroupCode,
		"bunch_size", cfg.BunchSize,
	)
	c.Start()
	g.Go(func() error {
		<-gctx.Done()
		// wait for an in-flight pass to finish its batch
		<-c.Stop().Done()
		logger.Info("Scheduler stopped")
		return nil
	})
	return g.Wait()
}

func newMetricsServer(cfg *config.Config, backend web.Backend, logger *slog.Logger) (*web.Server, error) {
	allowlist, err := web.ParseCIDRAllowlist(cfg.MetricsAllowCIDRs)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := web.BuildTLSConfig(cfg.MetricsTLSCert, cfg.MetricsTLSKey, cfg.MetricsTLSClientCA)
	if err != nil {
		return nil, err
	}
	clientAuth := tlsConfig != nil && tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert
	if cfg.MetricsAuthToken == "" && !isLoopbackAddr(cfg.MetricsAddr) && allowlist == nil && !clientAuth {
		logger.Warn("Metrics endpoint has no auth; bind to localhost or set --metrics-auth-token", "addr", cfg.MetricsAddr)
	}
	return web.NewServer(backend, web.Options{
		Addr:       cfg.MetricsAddr,
		Token:      cfg.MetricsAuthToken,
		AuthLimit:  cfg.MetricsAuthLimit,
		AuthWindow: cfg.MetricsAuthWindow,
		Allowlist:  allowlist,
		TLS:        tlsConfig,
	}, logger), nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
