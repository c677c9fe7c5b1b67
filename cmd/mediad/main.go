package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/mediactl/internal/admin"
	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/engine/loopback"
	"github.com/danmuck/mediactl/internal/engine/rtpengine"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/observability"
	"github.com/danmuck/mediactl/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "mediad config file (toml)")
	flag.Parse()

	logger := observability.InitLogger("mediad")
	if err := run(*configPath, logger); err != nil {
		fmt.Fprintf(os.Stderr, "mediad: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, logger zerolog.Logger) error {
	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	catalog := config.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = config.LoadCatalog(cfg.CatalogPath); err != nil {
			return err
		}
	}

	factory := engine.NewFactory()
	if err := loopback.Register(factory); err != nil {
		return err
	}
	if err := rtpengine.Register(factory); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	events := admin.NewBroadcaster(cfg.CORSOrigins, logger)

	mgr := manager.New(factory, manager.Options{
		Caps:               cfg.Caps,
		MaxSlotsPerSession: cfg.MaxSlots,
		DeliveryWorkers:    cfg.DeliveryWorkers,
		Metrics:            metrics,
		Observer:           events,
		Catalog:            catalog,
		Logger:             &logger,
	})
	svc, err := server.NewService(mgr, cfg.Service, server.Options{
		Codecs: catalog,
		Calls:  metrics,
		Logger: &logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- svc.Run(ctx) }()
	if cfg.AdminAddr != "" {
		adm := admin.New(mgr, admin.Options{
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CORSOrigins,
			Codecs:      catalog,
			Metrics:     metrics,
			Gatherer:    reg,
			Events:      events,
			Channels:    svc.Clients,
			Logger:      &logger,
		})
		running++
		go func() { errCh <- adm.Run(ctx) }()
	}
	logger.Info().
		Str("network", cfg.Service.Network).
		Str("listen", cfg.Service.ListenAddr).
		Str("admin", cfg.AdminAddr).
		Int("codecs", len(catalog.Codecs)).
		Int("profiles", len(catalog.Profiles)).
		Msg("mediad starting")

	var runErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			if runErr == nil {
				runErr = err
			}
			stop()
		}
	}
	logger.Info().Msg("mediad stopped")
	return runErr
}
