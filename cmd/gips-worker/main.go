// gips-worker executes one work tuple and exits. Batch backends write
// scripts that call it once per tuple; everything it needs comes from the
// same environment configuration as the daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/appliedgeo/gips/internal/archive"
	"github.com/appliedgeo/gips/internal/config"
	"github.com/appliedgeo/gips/internal/depend"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/query"
	"github.com/appliedgeo/gips/internal/store"
	"github.com/appliedgeo/gips/internal/worker"
)

func main() {
	if len(os.Args) != 3 {
		log.Fatalf("usage: %s <fetch|process|query|export> <id>", os.Args[0])
	}
	op, arg := os.Args[1], os.Args[2]

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		appLogger.Error("Failed to init DB", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := driver.NewRegistry()
	arch := archive.New(cfg.ArchiveDir)
	resolver := depend.NewResolver(db, registry)
	queryService := query.NewService(db, registry, resolver, appLogger)
	runner := worker.NewRunner(db, registry, arch, queryService, appLogger)

	if err := run(runner, op, arg); err != nil {
		appLogger.Error("Work item failed", "op", op, "arg", arg, "error", err)
		os.Exit(1)
	}
}

func run(runner *worker.Runner, op, arg string) error {
	ctx := context.Background()
	switch op {
	case "query":
		return runner.Query(ctx, arg)
	case "fetch", "process", "export":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("bad id %q: %w", arg, err)
		}
		switch op {
		case "fetch":
			return runner.Fetch(ctx, id)
		case "process":
			return runner.Process(ctx, id)
		default:
			return runner.ExportChunk(ctx, id)
		}
	default:
		return fmt.Errorf("unknown op %q", op)
	}
}
