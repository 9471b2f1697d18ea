// Command migrate applies the embedded schema migrations with goose.
//
//	migrate [-dsn URL] [-timeout 2m] <command> [args]
//
// Commands are goose's: up, up-by-one, up-to N, down, down-to N, redo,
// reset, status, version. DATABASE_URL is read from the environment or
// .env when -dsn is absent.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/migrations"
	"github.com/pressly/goose/v3"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: migrate [flags] <up|up-by-one|up-to N|down|down-to N|redo|reset|status|version>\n")
	flag.PrintDefaults()
}

func main() {
	_ = godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	timeout := flag.Duration("timeout", 2*time.Minute, "abort after this long")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Usage = usage
	flag.Parse()

	logger := logging.New(*logLevel, "text")
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	if *dsn == "" {
		logger.Error("no database: set DATABASE_URL or pass -dsn")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err := run(ctx, *dsn, flag.Arg(0), flag.Args()[1:])
	cancel()
	if err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", flag.Arg(0))
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := migrations.Setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
