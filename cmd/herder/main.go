package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/herder/internal/audit"
	"github.com/basket/herder/internal/authority"
	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/config"
	"github.com/basket/herder/internal/gateway"
	"github.com/basket/herder/internal/lifecycle"
	otelPkg "github.com/basket/herder/internal/otel"
	"github.com/basket/herder/internal/persistence"
	"github.com/basket/herder/internal/reconcile"
	"github.com/basket/herder/internal/runner"
	"github.com/basket/herder/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	daemon := flag.Bool("daemon", false, "log to file only, no stdout echo")
	flag.Parse()

	// File-only logs when running detached or piped.
	quietLogs := *daemon || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "herder.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	auditLog.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Embedded Docker-backed orchestrator for local loops. When enabled the
	// daemon's own orchestration URL points at it.
	if cfg.Runner.Enabled {
		containerRunner, err := runner.NewContainerRunner(
			cfg.Runner.Image, cfg.Runner.MemoryMB, cfg.Runner.NetworkMode, logger)
		if err != nil {
			fatalStartup(logger, "E_RUNNER_INIT", err)
		}
		defer containerRunner.Close()

		runnerSrv := runner.NewServer(containerRunner, logger)
		containerRunner.SetExitHandler(runnerSrv.NotifyStopped)

		runnerHTTP := &http.Server{Addr: cfg.Runner.BindAddr, Handler: runnerSrv.Handler()}
		go func() {
			if err := runnerHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("runner server failed", "error", err.Error())
			}
		}()
		defer shutdownHTTP(runnerHTTP, logger, "runner")
		logger.Info("startup phase", "phase", "runner_listening", "addr", cfg.Runner.BindAddr)
	}

	if cfg.ServiceURL == "" {
		fatalStartup(logger, "E_CONFIG_LOAD", fmt.Errorf("service_url is not configured and the runner is disabled"))
	}
	orchestrator := authority.NewClient(cfg.ServiceURL, logger)

	engine, err := lifecycle.New(lifecycle.Config{
		Store:        store,
		Orchestrator: orchestrator,
		Logger:       logger,
		Bus:          eventBus,
		Audit:        auditLog,
		Metrics:      metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}

	// Event sync consumes stop notifications from both the webhook and the
	// websocket stream through the same bus topic.
	eventSync := reconcile.NewEventSync(store, eventBus, logger, metrics)
	eventSync.Start(ctx)
	defer eventSync.Stop()

	if cfg.EventStream {
		consumer := authority.NewEventConsumer(cfg.ServiceURL+"/events", eventBus, logger)
		go consumer.Run(ctx)
		logger.Info("startup phase", "phase", "event_stream_enabled", "url", cfg.ServiceURL+"/events")
	}

	scheduler := reconcile.NewScheduler(reconcile.SchedulerConfig{Logger: logger})

	restartSweep := reconcile.NewRestartSweep(store, engine, logger, metrics, cfg.Sweeps.RestartRemoved)
	if err := scheduler.Add("restart", cfg.Sweeps.RestartCron, restartSweep.Run); err != nil {
		fatalStartup(logger, "E_SCHEDULER_ADD", err)
	}

	if cfg.RPCURL != "" {
		chain, err := authority.DialChain(ctx, cfg.RPCURL)
		if err != nil {
			fatalStartup(logger, "E_CHAIN_DIAL", err)
		}
		defer chain.Close()

		removalSweep := reconcile.NewRemovalSweep(reconcile.RemovalSweepConfig{
			Store:     store,
			Engine:    engine,
			Chain:     chain,
			Logger:    logger,
			Metrics:   metrics,
			WindowMin: time.Duration(cfg.Sweeps.RemovalWindowMinHours) * time.Hour,
			WindowMax: time.Duration(cfg.Sweeps.RemovalWindowMaxHours) * time.Hour,
			FailSafe:  cfg.Sweeps.FailSafeRemoval,
		})
		if err := scheduler.Add("removal", cfg.Sweeps.RemovalCron, removalSweep.Run); err != nil {
			fatalStartup(logger, "E_SCHEDULER_ADD", err)
		}
	} else {
		logger.Warn("rpc_url not configured; removal sweep disabled")
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go func() {
			for range confWatcher.Events() {
				// Schedules and bind addresses are fixed at startup.
				logger.Info("config.yaml changed on disk; restart to apply")
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Engine:            engine,
		Store:             store,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Auth:              cfg.Auth,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("startup phase", "phase", "gateway_listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		fatalStartup(logger, "E_GATEWAY_SERVE", err)
	}
	shutdownHTTP(server, logger, "gateway")
}

func shutdownHTTP(server *http.Server, logger *slog.Logger, name string) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "server", name, "error", err.Error())
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"herder","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
