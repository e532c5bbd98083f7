package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metalgrid/conductor/internal/api"
	"github.com/metalgrid/conductor/internal/cache"
	"github.com/metalgrid/conductor/internal/conductor"
	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/driver/fake"
	"github.com/metalgrid/conductor/internal/lease"
	"github.com/metalgrid/conductor/internal/logger"
	"github.com/metalgrid/conductor/internal/reclaimer"
	"github.com/metalgrid/conductor/internal/repository"
	"github.com/metalgrid/conductor/pkg/httpserver"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New().Error("failed to load configuration",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewWithLevel(logger.ParseLevel(cfg.LogLevel))

	log.Info("configuration loaded",
		"hardware_types", cfg.Drivers.HardwareTypes,
		"classic_drivers", cfg.Drivers.ClassicDrivers,
	)

	host, err := os.Hostname()
	if err != nil {
		log.Error("failed to resolve hostname",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Build the driver registry from configuration
	registry := driver.NewRegistry()
	for _, name := range cfg.Drivers.HardwareTypes {
		registry.Register(fake.HardwareType(name))
	}
	for _, name := range cfg.Drivers.ClassicDrivers {
		registry.RegisterClassic(name, fake.Classic())
	}

	log.Info("driver registry initialized",
		"drivers", registry.Names(),
	)

	// Create node repository and lease store, etcd-backed when an etcd
	// cluster is configured, in-memory otherwise.
	var (
		repo   repository.Repository
		leases lease.Store
	)
	if cfg.Etcd != nil {
		client, err := repository.Connect(cfg.Etcd, log)
		if err != nil {
			log.Error("failed to connect to etcd",
				"error", err.Error(),
			)
			os.Exit(1)
		}
		defer client.Close()

		log.Info("etcd client initialized",
			"endpoints", cfg.Etcd.Endpoints,
		)

		repo = repository.NewEtcdRepository(client, log)
		leases = lease.NewEtcdStore(client, cfg.Lease.TTL, log)
	} else {
		log.Info("no etcd configured, using in-memory stores")
		repo = repository.NewMemoryRepository()
		leases = lease.NewMemoryStore(cfg.Lease.TTL)
	}

	// Create cache
	appCache := cache.New(5 * time.Minute)

	// Create the conductor service
	svc := conductor.New(repo, leases, registry, appCache, cfg, host, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the lease reclaimer
	rec := reclaimer.New(&cfg.Lease, leases, svc, log)
	rec.Start(ctx)

	// Start the power state syncer
	var syncer *conductor.PowerSyncer
	if cfg.PowerSync.Enabled {
		syncer = conductor.NewPowerSyncer(&cfg.PowerSync, repo, leases, registry, log)
		syncer.Start(ctx)
	}

	// Create HTTP handler
	handler := api.NewHandler(svc, &cfg.API, cfg.Server.BasePath, log)

	// Setup signal handling for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Create HTTP server
	srv := httpserver.New(
		cfg.Server.Addr,
		handler.Router(),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		log,
	)

	log.Info("starting conductor service",
		"host", host,
	)

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErrors <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Error("server error",
			"error", err.Error(),
		)
	case sig := <-quit:
		log.Info("received shutdown signal",
			"signal", sig.String(),
		)
	}

	// Graceful shutdown
	if err := srv.Shutdown(30 * time.Second); err != nil {
		log.Error("server shutdown failed",
			"error", err.Error(),
		)
	}

	log.Info("shutting down lease reclaimer")
	cancel()
	rec.Stop()

	if syncer != nil {
		log.Info("shutting down power syncer")
		syncer.Stop()
	}

	log.Info("waiting for in-flight operations")
	svc.Wait()

	log.Info("shutdown complete")
}
