package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"filevault/internal/delivery"
	"filevault/internal/encryption"
	"filevault/internal/events"
	"filevault/internal/files"
	"filevault/internal/lifecycle"
	"filevault/internal/logger"
	"filevault/internal/models"
	"filevault/internal/processing"
	"filevault/internal/provider"
	"filevault/internal/scanner"
	"filevault/internal/server"
	"filevault/internal/storage"
	"filevault/internal/sweep"
	"filevault/internal/upload"
	"filevault/internal/validation"
	"filevault/internal/versioning"
)

func main() {
	cfgPath := "config.yaml"
	if p := os.Getenv("FILEVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := models.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repo storage.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = storage.NewMemStorage()
	default:
		db, err := storage.NewStorage(ctx, cfg.Database, lg)
		if err != nil {
			lg.Fatal("failed to init storage", zap.Error(err))
		}
		repo = db
	}
	defer repo.Close()

	store, err := provider.New(ctx, cfg.Storage, cfg.Server.PublicBaseURL, lg)
	if err != nil {
		lg.Fatal("failed to init object storage", zap.Error(err))
	}

	// Left as nil interfaces unless encryption is enabled.
	var (
		sealer  upload.Sealer
		cipher  processing.Cipher
		vcipher versioning.Cipher
		opener  delivery.Opener
	)
	if cfg.Encryption.Enabled {
		enc, err := encryption.New(cfg.Encryption.Secret, cfg.Encryption.Salt)
		if err != nil {
			lg.Fatal("failed to init encryption", zap.Error(err))
		}
		sealer, cipher, vcipher, opener = enc, enc, enc, enc
	}

	var queue processing.Queue
	switch cfg.Processing.Queue {
	case "memory":
		queue = processing.NewMemQueue(0)
	default:
		queue = processing.NewKafkaQueue(cfg.Processing)
	}
	defer func() { _ = queue.Close() }()

	var bus events.Bus
	switch cfg.Events.Bus {
	case "redis":
		rb, err := events.NewRedisBus(ctx, cfg.Events, lg)
		if err != nil {
			lg.Fatal("failed to init event bus", zap.Error(err))
		}
		bus = rb
	default:
		bus = events.NewLocalBus()
	}
	defer func() { _ = bus.Close() }()

	scan := scanner.New(cfg.Scanner, lg)
	uploads := upload.New(repo, store, validation.New(cfg.Validation), scan, sealer, lg)

	ff := processing.NewFFmpeg(cfg.Processing.FFmpegPath, cfg.Processing.FFprobePath)
	img, err := processing.NewImageOps(cfg.Processing, ff)
	if err != nil {
		lg.Fatal("failed to init image processing", zap.Error(err))
	}
	engine := processing.NewEngine(repo, store, queue, bus, cipher, cfg.Processing, lg)
	engine.RegisterDefaults(img, processing.NewVideoOps(cfg.Processing, ff))

	versions := versioning.New(repo, store, vcipher, cfg.Versioning, lg)
	links := delivery.New(repo, store, opener, delivery.Config{
		TTL:           cfg.Storage.SignedURLTTL,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		TokenSecret:   cfg.Server.TokenSecret,
		CDN:           cfg.CDN,
	}, lg)

	var runners []*sweep.Runner
	if cfg.Lifecycle.Enabled {
		lc := lifecycle.New(repo, store, versions, cfg.Lifecycle, lg)
		lc.OnDelete(links.Invalidate)
		runners = append(runners, sweep.New("lifecycle", cfg.Lifecycle.Interval, repo, func(ctx context.Context) error {
			_, err := lc.Sweep(ctx)
			return err
		}, lg))
	}
	if cfg.Versioning.Enabled {
		runners = append(runners, sweep.New("versions", cfg.Versioning.SweepInterval, repo, func(ctx context.Context) error {
			_, err := versions.SweepExpired(ctx)
			return err
		}, lg))
	}
	for _, r := range runners {
		r.Start(ctx)
	}

	// files.New installs the engine's content-change hooks, so workers start after it.
	svc := files.New(repo, store, uploads, engine, versions, links, lg)
	engine.Start(ctx)
	srv := server.NewServer(cfg, server.Deps{
		Files:    svc,
		Delivery: links,
		Provider: store,
		Repo:     repo,
		Scanner:  scan,
		Events:   bus,
	}, lg)

	go func() {
		if err := srv.Start(); err != nil {
			lg.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	lg.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	for _, r := range runners {
		r.Stop()
	}
	cancel()
	engine.Stop()
	links.Close()
}
