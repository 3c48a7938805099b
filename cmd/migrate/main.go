package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/campaignkit/metricspipe/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn      = flag.String("database", os.Getenv("METRICSPIPE_DB_DSN"), "PostgreSQL DSN (defaults to METRICSPIPE_DB_DSN)")
		dir      = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		embedded = flag.Bool("embedded", false, "Apply the migrations compiled into the binary instead of -path")
		timeout  = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet    = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or METRICSPIPE_DB_DSN is required")
	}
	if !*embedded && strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "metricspipe-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if *embedded {
			if err := migrations.ApplyEmbedded(ctx, *dsn, logger); err != nil {
				return err
			}
			break
		}
		if err := migrations.Apply(ctx, *dsn, *dir, logger); err != nil {
			return err
		}
	case "down":
		if *embedded {
			return errors.New("down requires -path; embedded migrations only apply forward")
		}
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, *dsn, *dir, steps, logger); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	return nil
}
