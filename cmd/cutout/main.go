package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cutout/internal/cli"
	"cutout/internal/config"
	"cutout/internal/logging"
	"cutout/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cutout: %v\n", err)
		return 1
	}
	if err := cfg.ExpandPaths(); err != nil {
		fmt.Fprintf(os.Stderr, "cutout: %v\n", err)
		return 1
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cutout: %v\n", err)
		return 1
	}

	// The ledger is optional; runs proceed without it.
	store, err := storage.New(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run ledger unavailable", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, log, store, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cutout: %v\n", err)
		return 1
	}
	return 0
}
