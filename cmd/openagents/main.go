// Package main is the network launcher: it loads the server config and the
// network descriptor, builds the network with the built-in mods, and runs
// it until SIGINT/SIGTERM.
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

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/common/tracing"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/network"

	// Built-in mods register themselves with the default loader.
	_ "github.com/openagents/openagents/internal/mods/delegation"
	_ "github.com/openagents/openagents/internal/mods/document"
	_ "github.com/openagents/openagents/internal/mods/forum"
	_ "github.com/openagents/openagents/internal/mods/messaging"
	_ "github.com/openagents/openagents/internal/mods/wiki"
)

// Launcher exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "directory containing config.yaml (default: ., /etc/openagents)")
	descriptorPath := flag.String("descriptor", "network.yaml", "network descriptor file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer log.Sync()
	logger.SetDefault(log)

	descriptor, err := config.LoadDescriptor(*descriptorPath)
	if err != nil {
		log.Error("Failed to load network descriptor", zap.Error(err))
		return exitConfig
	}

	net, err := network.New(descriptor, cfg, mod.DefaultLoader, log)
	if err != nil {
		log.Error("Failed to build network", zap.Error(err))
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := net.Start(ctx); err != nil {
		log.Error("Failed to start network", zap.Error(err))
		if errors.Is(err, network.ErrBindFailure) {
			return exitBind
		}
		return exitConfig
	}
	log.Info("Network running", zap.String("name", descriptor.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	net.Stop(stopCtx)
	if err := tracing.Shutdown(stopCtx); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	return exitOK
}
