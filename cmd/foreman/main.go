// Command foreman is a supervisor that spawns coding-agent CLIs (claude,
// codex, cursor-agent, gemini, copilot) as managed child processes, feeds
// them through a bounded-concurrency FIFO task queue, and exposes the
// whole thing over a websocket/HTTP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/go-foreman/internal/agentexec"
	"github.com/basket/go-foreman/internal/agentexec/acpexec"
	"github.com/basket/go-foreman/internal/agentexec/claude"
	"github.com/basket/go-foreman/internal/agentexec/codex"
	"github.com/basket/go-foreman/internal/agentexec/cursor"
	"github.com/basket/go-foreman/internal/approval"
	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/cron"
	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/gateway"
	otelpkg "github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/procmgr"
	"github.com/basket/go-foreman/internal/shutdown"
	"github.com/basket/go-foreman/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("foreman " + Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	ctx := context.Background()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{Enabled: os.Getenv("GOFOREMAN_OTEL_ENABLED") == "1"})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New()
	procManager := procmgr.New(logger)
	procManager.SetStore(store)

	router := agentexec.NewRouter()
	router.Register("claude", claude.New(procManager, logger))
	router.Register("codex", codex.New(procManager))
	router.Register("cursor", cursor.New(procManager))
	router.Register("gemini", acpexec.New(procManager, "gemini"))
	router.Register("qwen", acpexec.New(procManager, "qwen"))
	router.Register("copilot", acpexec.New(procManager, "copilot"))

	approvalHandler := approval.NewHandler(nil)
	approvalHandler.SetAuditor(audit.NewRecorder())
	router.SetApprovalService(approvalHandler)

	eng := engine.New(router, engine.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Bus:           eventBus,
		ProcManager:   procManager,
		Store:         store,
		Logger:        logger,
	})
	logger.Info("startup phase", "phase", "engine_started", "max_concurrent", cfg.MaxConcurrent)

	cronSched := cron.NewScheduler(cron.Config{Engine: eng, Logger: logger})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	watcherCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(watcherCtx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go watchConfigReloads(cfgWatcher, eng, logger)
	}

	gw := gateway.New(gateway.Config{
		Engine:            eng,
		Bus:               eventBus,
		Auth:              cfg.HTTP.Auth,
		CORS:              cfg.HTTP.CORS,
		RateLimit:         cfg.HTTP.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	shutdownMgr := shutdown.New(shutdown.Config{
		Logger:       logger,
		GraceTimeout: time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := shutdown.ExitFatalError
	select {
	case sig := <-sigCh:
		signalName := shutdown.SignalName(sig)
		logger.Info("shutdown signal received", "signal", signalName)
		exitCode = runShutdown(shutdownMgr, procManager, server, signalName, logger)
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exitCode = runShutdown(shutdownMgr, procManager, server, "", logger)
	}

	logger.Info("shutdown complete", "exit_code", exitCode)
	os.Exit(exitCode)
}

// runShutdown drains the HTTP listener, registers every still-running
// managed process, and drives the shutdown manager's grace/SIGKILL
// escalation before returning the process's exit code.
func runShutdown(mgr *shutdown.Manager, procManager *procmgr.Manager, server *http.Server, signalName string, logger *slog.Logger) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	for _, p := range procManager.ListActive() {
		mgr.Register(p.ID, procManager)
	}
	result := mgr.Shutdown(shutdownCtx, signalName)
	for _, outcome := range result.Processes {
		if outcome.Escalated {
			logger.Warn("process required SIGKILL", "process_id", outcome.ProcessID)
		}
	}
	return shutdown.ExitCode(signalName)
}

// watchConfigReloads re-reads config.yaml on every change fsnotify reports
// and applies the settings the engine can safely pick up without a
// restart. Anything else (bind address, auth, CORS) still needs a restart.
func watchConfigReloads(w *config.Watcher, eng *engine.Engine, logger *slog.Logger) {
	for range w.Events() {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			continue
		}
		eng.SetMaxConcurrent(cfg.MaxConcurrent)
		logger.Info("config reloaded", "max_concurrent", cfg.MaxConcurrent)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":%q,"level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
