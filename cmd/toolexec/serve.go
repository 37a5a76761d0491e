package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolexec/internal/gateway/httpapi"
	"github.com/jkaninda/toolexec/internal/gateway/ws"
	"github.com/jkaninda/toolexec/internal/retention"
)

var (
	serveAddr string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, event stream and worker pool",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.ListenAddr = serveAddr
	}
	logger := newLogger(cfg.Log, os.Stderr, "json")
	logger.Info("starting toolexec", slog.String("version", version))

	rt, err := initRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retention job (optional).
	if cfg.Retention != nil {
		job, err := retention.New(retention.Config{
			Schedule: cfg.Retention.CronSchedule(),
			MaxAge:   cfg.Retention.MaxAge(),
			PurgeLog: cfg.Retention.PurgeLog,
		}, rt.Executor, logger)
		if err != nil {
			return err
		}
		job.WithCleaner("security", rt.Security).WithMetrics(retention.NewMetrics(rt.Obs.Registry()))
		if rt.Limiter != nil {
			job.WithCleaner("ratelimit", rt.Limiter)
		}
		stopJob := job.Start(ctx)
		defer stopJob()
		logger.Debug("retention job scheduled",
			slog.String("schedule", cfg.Retention.CronSchedule()),
			slog.Duration("max_age", cfg.Retention.MaxAge()),
		)
	}

	keys := make(map[string]httpapi.Principal, len(cfg.HTTP.APIKeys))
	for k, v := range cfg.HTTP.APIKeys {
		keys[k] = httpapi.Principal{TenantID: v.TenantID, UserID: v.UserID}
	}
	auth := httpapi.NewAuth(keys, cfg.HTTP.JWTSecret)
	if !auth.Enabled() {
		logger.Warn("http authentication disabled: every request runs as the default tenant")
	}

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.HTTP.Addr(),
		EnableDocs:    serveDocs,
		WaitTimeout:   cfg.HTTP.WaitTimeout(),
		HealthChecker: rt.Obs.Health,
		Metrics:       rt.Obs.Metrics,
		MetricsPath:   cfg.Observability.MetricsPath(),
	}
	if rt.Obs.Metrics != nil {
		gwCfg.MetricsRegistry = rt.Obs.Metrics.Registry
	}
	if rt.Obs.Tracer != nil {
		gwCfg.Tracer = rt.Obs.Tracer.Tracer()
	}
	gw := httpapi.NewGateway(gwCfg, rt.Executor, rt.Tools, auth, logger)

	if !cfg.HTTP.DisableEvents {
		stream := ws.NewServer(rt.Events, auth, ws.Config{}, logger)
		gw.WithHandler("/v1/events", stream.Handler())
	}

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return nil
}
