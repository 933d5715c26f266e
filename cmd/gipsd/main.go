package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/appliedgeo/gips/internal/archive"
	"github.com/appliedgeo/gips/internal/config"
	"github.com/appliedgeo/gips/internal/constants"
	"github.com/appliedgeo/gips/internal/depend"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/httpapp"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/metrics"
	"github.com/appliedgeo/gips/internal/query"
	"github.com/appliedgeo/gips/internal/queue"
	"github.com/appliedgeo/gips/internal/rectify"
	"github.com/appliedgeo/gips/internal/scheduler"
	"github.com/appliedgeo/gips/internal/store"
	"github.com/appliedgeo/gips/internal/worker"
)

func main() {
	cfg := config.Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize Logger
	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// Initialize DB
	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		appLogger.Error("Failed to init DB", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Drivers register here at startup; the core never discovers them.
	registry := driver.NewRegistry()

	arch := archive.New(cfg.ArchiveDir)
	resolver := depend.NewResolver(db, registry)
	queryService := query.NewService(db, registry, resolver, appLogger)
	reconciler := rectify.NewReconciler(db, registry, arch, appLogger)
	runner := worker.NewRunner(db, registry, arch, queryService, appLogger)

	// Queue backend selection
	var taskQueue queue.TaskQueue
	var localQueue *queue.LocalQueue
	switch cfg.QueueBackend {
	case constants.QueueBackendTorque:
		taskQueue = queue.NewTorqueQueue(constants.WorkerCommand, cfg.TorqueQueue, appLogger)
	default:
		localQueue = queue.NewLocalQueue(cfg.LocalWorkers, appLogger)
		runner.RegisterHandlers(localQueue)
		taskQueue = localQueue
	}

	collector := metrics.NewCollector(nil)

	// Scheduler loop
	sched := scheduler.New(db, registry, taskQueue, resolver, collector, appLogger, scheduler.Config{
		FetchBatch:   cfg.FetchBatch,
		PerJob:       cfg.PerJob,
		ChunkSize:    cfg.ChunkSize,
		MaxRetries:   cfg.MaxRetries,
		TickInterval: cfg.TickInterval,
	})
	schedCtx, stopSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	// Initialize Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Routes
	h := httpapp.NewHandler(db, registry, queryService, reconciler, appLogger)
	h.RegisterRoutes(r)

	// Start Server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopSched()
	if localQueue != nil {
		localQueue.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
