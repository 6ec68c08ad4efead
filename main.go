package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-checker/work/api"
	"kptv-checker/work/checker"
	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/tracker"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// Set up logging
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// Open the durable tracker store; a broken store degrades to in-memory
	// tracking instead of refusing to start
	var store tracker.Store
	if sqliteStore, err := tracker.OpenStore(config.DatabasePath()); err != nil {
		logger.Error("Failed to open tracker store, running in-memory: %v", err)
	} else {
		store = sqliteStore
		defer sqliteStore.Close()
	}

	trk := tracker.New(store)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// External API client
	apiClient := api.NewClient(cfg)

	// Create the checker service
	service := checker.New(cfg, apiClient, trk, workerPool)
	service.Start()
	defer service.Stop()

	// Setup HTTP routes
	router := mux.NewRouter()

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin API routes
	setupAPIRoutes(router, service)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting KPTV Stream Checker %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", addr)
	logger.Info("  - Backend URL: %s", cfg.BaseURL)
	logger.Info("  - Pipeline Mode: %s", cfg.PipelineMode)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Global Schedule: enabled=%v %s %02d:%02d",
		cfg.GlobalSchedule.Enabled, cfg.GlobalSchedule.Frequency,
		cfg.GlobalSchedule.Hour, cfg.GlobalSchedule.Minute)
	logger.Info("  - Analysis Duration: %ds", cfg.StreamAnalysis.FFmpegDuration)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{Addr: addr, Handler: router}

	// stop cleanly on SIGINT/SIGTERM so the worker finishes its current
	// channel and the tracker store closes
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received")
		service.Stop()
		server.Close()
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
}
