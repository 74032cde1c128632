// Package main implements a mock headless agent that speaks the devbridge
// JSON-lines protocol over stdin/stdout. It writes a small static application
// into its working directory so the whole job pipeline can be exercised
// without a real coding agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/pkg/agentproto"
)

func main() {
	port := parsePortFromArgs(os.Args)

	// stdout carries the protocol, so logs go to stderr.
	level := os.Getenv("MOCK_AGENT_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: level, Format: "json", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wd, err := os.Getwd()
	if err != nil {
		log.Error("cannot determine working directory", zap.Error(err))
		os.Exit(1)
	}

	log.Info("mock agent serving", zap.String("dir", wd), zap.String("port", port))
	h := newHandler(wd, port, log)
	if err := agentproto.Serve(ctx, os.Stdin, os.Stdout, h); err != nil && ctx.Err() == nil {
		log.Error("protocol loop failed", zap.Error(err))
		os.Exit(1)
	}
}

// parsePortFromArgs extracts the --port value from the given args slice.
func parsePortFromArgs(args []string) string {
	for i, arg := range args[1:] {
		if arg == "--port" && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, "--port=") {
			return strings.TrimPrefix(arg, "--port=")
		}
	}
	return "0"
}
