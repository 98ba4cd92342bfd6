package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/images"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/config"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/server"
	"github.com/GriffinCanCode/AetherOS/core/internal/kernel"
	"github.com/GriffinCanCode/AetherOS/core/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aetherd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.Loader.ManifestDir, "manifests", cfg.Loader.ManifestDir, "Manifest directory scanned at boot")
	flag.StringVar(&cfg.Loader.ImageDir, "images", cfg.Loader.ImageDir, "Directory of executable images")
	flag.StringVar(&cfg.Admin.Port, "port", cfg.Admin.Port, "Admin API port")
	flag.StringVar(&cfg.Store.Path, "db", cfg.Store.Path, "Lifecycle journal path")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	journal, err := store.NewSQLiteJournal(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	imageStore := vnode.NewImageStore()
	if err := images.Register(imageStore, cfg.Loader.ImageDir); err != nil {
		_ = journal.Close()
		return fmt.Errorf("register images: %w", err)
	}

	k, err := kernel.New(cfg,
		kernel.WithLogger(logger.Component("kernel")),
		kernel.WithMetrics(metrics),
		kernel.WithJournal(journal),
		kernel.WithImages(imageStore),
	)
	if err != nil {
		_ = journal.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Booting AetherOS kernel",
		zap.String("manifests", cfg.Loader.ManifestDir),
		zap.Int("memory_mb", cfg.Kernel.MemoryMB),
		zap.Float64("cpu_capacity", cfg.Kernel.CPUCapacity),
	)
	if err := k.Boot(ctx); err != nil {
		_ = k.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		srv := server.NewServer(cfg, k, logger.Component("admin"), metrics, reg)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down kernel...")
		return k.Shutdown(context.Background())
	})

	return g.Wait()
}
