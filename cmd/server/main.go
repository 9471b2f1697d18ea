// Command server runs the receipt escrow HTTP API against an Ethereum node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/receiptescrow/internal/config"
	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/internal/server"
)

// Set with -ldflags "-X main.Version=..."
var (
	Version   = ""
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	version := Version
	if version == "" {
		version = server.DefaultVersion
	}
	if *showVersion {
		fmt.Printf("receiptescrow %s (commit %s, built %s)\n", version, Commit, BuildTime)
		return
	}

	if err := run(version); err != nil {
		os.Exit(1)
	}
}

func run(version string) error {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting receiptescrow",
		"version", version,
		"commit", Commit,
		"env", cfg.Env,
		"rpc_url", cfg.RPCURL,
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	return nil
}
