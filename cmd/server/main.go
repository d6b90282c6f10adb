// TradeVault - custody and arbitration engine for trade-finance escrows
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/tradevault/internal/config"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/server"
	"github.com/mbd888/tradevault/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.NewWithOptions(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer func() { _ = closeLog.Close() }()

	logger.Info("starting tradevault",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"engine_address", cfg.EngineAddress.Hex(),
		"fee_bps", cfg.FeeBasisPoints,
		"arbitrators", len(cfg.Arbitrators),
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTelEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTraces(flushCtx); err != nil {
		logger.Warn("trace exporter shutdown failed", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}
