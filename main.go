package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/viewguard/mediagateway/internal/authn"
	"github.com/viewguard/mediagateway/internal/config"
	"github.com/viewguard/mediagateway/internal/consumer"
	"github.com/viewguard/mediagateway/internal/extraction"
	"github.com/viewguard/mediagateway/internal/health"
	"github.com/viewguard/mediagateway/internal/hls"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/orchestrator"
	"github.com/viewguard/mediagateway/internal/portbroker"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/transcoder"
	"github.com/viewguard/mediagateway/internal/webapi"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting media gateway", "version", version, "build_time", buildTime, "git_commit", gitCommit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatal("failed to create database directory", "path", cfg.Database.Path, "error", err.Error())
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", "path", cfg.Database.Path, "error", err.Error())
	}
	defer st.Close()

	for _, dir := range []string{cfg.Storage.RecordingsRoot, cfg.Storage.SnapshotsRoot, cfg.Storage.BookmarksRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("failed to create storage directory", "path", dir, "error", err.Error())
		}
	}

	bus := runtime.NewEventBus()
	ports := portbroker.New(cfg.Ports.Min, cfg.Ports.Max)

	sfuClient := sfu.New(sfu.Config{
		URL:             cfg.SFU.URL,
		CallTimeout:     cfg.SFU.CallTimeout,
		ReconnectMin:    cfg.SFU.ReconnectMin,
		ReconnectMax:    cfg.SFU.ReconnectMax,
		PendingCallCap:  cfg.SFU.PendingCallCap,
		AnnouncedPublic: cfg.SFU.AnnouncedPublic,
	}, log, bus)

	sup, err := transcoder.New(log, bus)
	if err != nil {
		log.Fatal("failed to initialize transcoder supervisor", "error", err.Error())
	}

	consumers := consumer.New(st, sfuClient, bus, log, 30*time.Second)

	pruner := hls.New(cfg.Storage.RecordingsRoot, time.Duration(cfg.Storage.RetentionDays)*24*time.Hour, log)

	pool, err := extraction.New(st, pruner, cfg.Storage.RecordingsRoot, cfg.Extraction.WorkerCount, cfg.Extraction.QueueSize, log)
	if err != nil {
		log.Fatal("failed to initialize extraction pool", "error", err.Error())
	}

	orch := orchestrator.New(st, bus, ports, sfuClient, sup, consumers, pool, orchestrator.Config{
		RecordingsRoot: cfg.Storage.RecordingsRoot,
		SegmentSeconds: int(cfg.Storage.SegmentDuration.Seconds()),
	}, log)
	defer orch.Close()

	healthMonitor := health.New(st, sfuClient, orch.LookupActor, bus, log)

	authIssuer := authn.New(st, cfg.Auth.JWTSigningKey, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	server := webapi.New(cfg.HTTP, st, orch, authIssuer, cfg.Storage.RecordingsRoot, log)

	mgr := runtime.NewManager(log)
	mgr.Register(sfuClient)
	mgr.Register(healthMonitor)
	mgr.Register(server)

	if err := mgr.StartAll(ctx); err != nil {
		log.Fatal("failed to start services", "error", err.Error())
	}

	consumers.Start(ctx)
	defer consumers.Stop()

	pruneCtx, prunerCancel := context.WithCancel(ctx)
	defer prunerCancel()
	go pruner.RunLoop(pruneCtx, cfg.Storage.PrunerInterval)

	if err := orch.Restore(ctx); err != nil {
		log.Error("failed to restore streams from previous run", "error", err.Error())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := mgr.StopAll(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err.Error())
	}
	log.Info("media gateway stopped")
}
