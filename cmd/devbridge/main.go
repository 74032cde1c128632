// Command devbridge runs the development job bridge: a loopback HTTP API that
// queues development jobs and drives a headless coding agent for each of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/bridge"
	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/tracing"
)

const exitPortConflict = 3

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "", "directory containing config.yaml")
	policy := flag.String("on-port-conflict", "", "prompt, force, alternate or abort (overrides server.portConflict)")
	port := flag.Int("port", 0, "API port (overrides server.port)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if *policy != "" {
		cfg.Server.PortConflict = *policy
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	resolver, err := bridge.ResolverForPolicy(cfg.Server.PortConflict, os.Stdin, os.Stdout)
	if err != nil {
		log.Error("Invalid port conflict policy", zap.Error(err))
		return 1
	}

	// 3. Activate
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, bridge.Options{Resolver: resolver}, log)
	if err := b.Activate(ctx); err != nil {
		return reportStartFailure(log, err)
	}
	if st := b.State(); st.Server.Running() {
		log.Info("devbridge ready",
			zap.String("addr", st.Allocation.Addr()),
			zap.String("bind_status", string(st.Allocation.Status)))
	}

	// 4. Wait for shutdown signal
	<-ctx.Done()
	log.Info("Shutting down devbridge...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration()+5*time.Second)
	defer cancel()

	code := 0
	if err := b.Deactivate(shutdownCtx); err != nil {
		log.Error("Deactivation finished with errors", zap.Error(err))
		code = 1
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}
	log.Info("devbridge stopped")
	return code
}

func reportStartFailure(log *logger.Logger, err error) int {
	var conflict *bridge.PortConflictError
	var startup *bridge.StartupError
	var bind *bridge.BindError
	switch {
	case errors.As(err, &startup):
		log.Error("API server could not start after port conflict recovery",
			zap.String("recovery", startup.Recovery.String()), zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n", startup)
		return exitPortConflict
	case errors.As(err, &bind):
		log.Error("API server could not bind", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n", bind)
		return 1
	case errors.As(err, &conflict):
		log.Error("API server port is in use", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n%s\n", conflict, conflict.Remediation())
		return exitPortConflict
	case errors.Is(err, context.Canceled):
		log.Info("Startup interrupted")
		return 1
	default:
		log.Error("Failed to start devbridge", zap.Error(err))
		return 1
	}
}
