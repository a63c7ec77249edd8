package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"vision-server/internal/config"
	"vision-server/internal/engine"
	"vision-server/internal/infrastructure/archive"
	"vision-server/internal/infrastructure/kafkabus"
	"vision-server/internal/infrastructure/storage"
	"vision-server/internal/network"
	"vision-server/internal/server"
	syncer "vision-server/internal/sync"
	"vision-server/internal/version"
	"vision-server/pkg/api"
	"vision-server/pkg/clock"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func init() {
	logger.Init()
}

// transport - шина синхронизации, которую нужно закрыть при остановке.
type transport interface {
	syncer.Transport
	Close() error
}

func main() {
	// 1. Парсинг конфигурации
	var configPath, restore string
	flag.StringVar(&configPath, "config", "", "Path to YAML config")
	flag.StringVar(&restore, "restore", "", "Comma separated map IDs to restore from the snapshot archive")
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err == nil {
		err = cfg.ApplyFlags(flag.CommandLine)
	}
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid configuration")
	}

	logger.Log.Info("Starting vision server...")
	logger.Log.Info(version.String())

	if err := run(cfg, splitIDs(restore)); err != nil {
		logger.Log.WithError(err).Fatal("Server stopped with error")
	}
	logger.Log.Info("Done.")
}

func run(cfg config.Config, restore []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Хранилище
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	// 3. Синхронизация между узлами
	syncCfg := cfg.SyncConfig()
	bus, err := openTransport(cfg.Kafka, syncCfg.Origin)
	if err != nil {
		return err
	}
	defer bus.Close()

	syn := syncer.New(syncCfg, bus, store, clock.Real{})
	if err := syn.Start(); err != nil {
		return err
	}
	defer syn.Close()

	// 4. Архив снимков
	arch, err := openArchive(cfg.Minio)
	if err != nil {
		return err
	}

	schemas, err := api.NewSchemaValidator()
	if err != nil {
		return fmt.Errorf("load command schemas: %w", err)
	}

	service := engine.NewService(engine.NewConfig(cfg), syn, arch, schemas, clock.Real{})
	srv := server.New(service, syn, schemas, server.Options{
		Port:          cfg.Server.Port,
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Debug:         cfg.Server.Debug,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syn.Run(gctx) })
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	// 5. Восстановление из архива и прогрев карт
	g.Go(func() error {
		for _, id := range restore {
			if err := service.Restore(gctx, id); err != nil {
				return fmt.Errorf("restore %s: %w", id, err)
			}
			logger.Log.WithField("map_id", id).Info("Map restored from archive")
		}
		for _, id := range cfg.Engine.Preload {
			if _, err := service.GetOrCreate(gctx, id); err != nil {
				logger.Log.WithError(err).WithField("map_id", id).Warn("Failed to preload map")
			}
		}
		return nil
	})

	logger.Log.WithFields(logrus.Fields{
		"origin":  syn.Origin(),
		"storage": cfg.Storage.Driver,
		"kafka":   cfg.Kafka.Enabled(),
		"minio":   cfg.Minio.Enabled(),
	}).Info("Vision server is running")

	err = g.Wait()
	logger.Log.Info("Shutting down...")
	return err
}

func openStore(ctx context.Context, cfg config.Storage) (storage.Store, error) {
	if cfg.Driver == "sqlite" {
		store, err := storage.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		return store, nil
	}
	return storage.NewMemoryStore(), nil
}

func openTransport(cfg config.Kafka, origin string) (transport, error) {
	if !cfg.Enabled() {
		return network.NewLocalBus(), nil
	}
	groupID := cfg.GroupID
	if groupID == "" {
		// Своя группа на узел: каждый узел читает все изменения
		groupID = "vision-" + origin
	}
	return kafkabus.New(kafkabus.Config{
		Brokers:     cfg.Brokers,
		TopicPrefix: cfg.TopicPrefix,
		GroupID:     groupID,
		MaxWait:     cfg.MaxWait,
	})
}

func openArchive(cfg config.Minio) (archive.Archive, error) {
	if cfg.Enabled() {
		return archive.NewMinioArchive(archive.MinioConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			UseSSL:          cfg.UseSSL,
		})
	}
	if cfg.LocalDir == "" {
		// Без MinIO и папки архив отключен
		return nil, nil
	}
	return archive.NewDirArchive(cfg.LocalDir)
}

func splitIDs(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
