// Command covalentd runs the task engine daemon: it owns the task database,
// drives tasks through the phase pipeline and serves the HTTP control plane
// the covalent CLI talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/config"
	"github.com/throw-if-null/covalent/internal/events"
	"github.com/throw-if-null/covalent/internal/executor"
	"github.com/throw-if-null/covalent/internal/logging"
	"github.com/throw-if-null/covalent/internal/orchestrator"
	"github.com/throw-if-null/covalent/internal/paths"
	"github.com/throw-if-null/covalent/internal/phase"
	"github.com/throw-if-null/covalent/internal/policy"
	"github.com/throw-if-null/covalent/internal/runner"
	"github.com/throw-if-null/covalent/internal/scheduler"
	"github.com/throw-if-null/covalent/internal/server"
	"github.com/throw-if-null/covalent/internal/store"
	"github.com/throw-if-null/covalent/internal/telemetry"
	"github.com/throw-if-null/covalent/internal/version"

	_ "modernc.org/sqlite"
)

// Overridable for tests.
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
)

func main() {
	_ = dotenvLoad()

	repoRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("resolve working directory: %v", err)
	}

	res := config.Load(repoRoot)
	if res.ParseError != nil {
		log.Fatalf("load config %s: %v", res.Path, res.ParseError)
	}
	cfg := res.Config
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	if res.Found {
		logger.Info("config loaded", zap.String("path", res.Path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, shutdown, err := setup(ctx, repoRoot, cfg, logger)
	if err != nil {
		logger.Fatal("setup failed", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("covalentd listening",
			zap.String("addr", addr),
			zap.String("version", version.Version),
			zap.String("commit", version.Commit))
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

// setup wires the engine and returns the HTTP handler plus a shutdown func
// that stops the scheduler and releases everything setup opened. Tasks
// interrupted mid-phase stay in their stored phase and resume on the next
// start.
func setup(ctx context.Context, repoRoot string, cfg config.Config, logger *zap.Logger) (http.Handler, func(context.Context) error, error) {
	shutdownTelemetry, err := telemetryInit(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	// NATS is optional. When the broker is down the bus degrades to
	// in-process delivery instead of refusing to start.
	var nc *nats.Conn
	if cfg.Events.NATSURL != "" {
		nc, err = events.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			logger.Warn("nats unreachable, events stay in-process",
				zap.String("url", cfg.Events.NATSURL),
				zap.Error(err))
			nc = nil
		}
	}
	bus := events.NewBus(logger, events.Options{NATS: nc, SubjectPrefix: cfg.Events.SubjectPrefix})

	db, err := store.Open(filepath.Join(repoRoot, paths.DBPath()))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	st := store.New(db, store.Options{
		Policy:               policy.Policy{ReviewPassThreshold: cfg.Pipeline.ReviewPassThreshold},
		DefaultMaxIterations: cfg.Pipeline.MaxIterations,
	})
	if err := st.Init(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}

	r := runner.New(st, buildExecutor(repoRoot, cfg.Executor, logger), runner.Options{
		Timeouts:      cfg.Pipeline.Timeouts.Map(),
		RetryAttempts: cfg.Executor.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Executor.RetryInitialBackoffMS) * time.Millisecond,
		Logger:        logger,
	})
	orch := orchestrator.New(st, r, bus, logger)
	sched := scheduler.New(st, orch, bus, scheduler.Options{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		PollInterval:       time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		Logger:             logger,
	})
	stopSched := sched.Start(ctx)

	srv := server.NewServer(st, sched, bus, repoRoot, logger)

	shutdown := func(sctx context.Context) error {
		stopSched()
		sched.Wait()
		if nc != nil {
			_ = nc.Drain()
		}
		if cerr := db.Close(); cerr != nil {
			return cerr
		}
		return shutdownTelemetry(sctx)
	}
	return srv.Handler(), shutdown, nil
}

// buildExecutor picks the agent boundary: external commands when any phase
// has one configured, the built-in scripted executor otherwise.
func buildExecutor(repoRoot string, cfg config.ExecutorConfig, logger *zap.Logger) executor.Executor {
	commands := map[phase.Phase][]string{}
	for _, p := range []phase.Phase{phase.Plan, phase.Code, phase.Test, phase.Review} {
		if argv := cfg.CommandFor(p); len(argv) > 0 {
			commands[p] = argv
		}
	}
	if len(commands) == 0 {
		logger.Warn("no agent commands configured, using the scripted executor")
		return executor.NewScripted()
	}
	return executor.NewCommand(repoRoot, commands, nil, logger)
}
