package main

import (
	"context"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/internal/metadata"
	"github.com/your-org/healthflow/internal/transfer"
	"github.com/your-org/healthflow/pkg/config"
	"github.com/your-org/healthflow/pkg/kafka"
	"github.com/your-org/healthflow/pkg/logger"
	"github.com/your-org/healthflow/pkg/metrics"
	"github.com/your-org/healthflow/pkg/storage"
	"github.com/your-org/healthflow/pkg/storage/backend"
	"github.com/your-org/healthflow/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Name+"-sftp")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name + "-sftp",
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	observer, err := metrics.New(cfg.App.Name, prometheus.DefaultRegisterer)
	if err != nil {
		logr.Fatal("init metrics", zap.Error(err))
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, prometheus.DefaultGatherer, logr); err != nil {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	registry, err := transfer.ParseUsers(cfg.SFTP.Users)
	if err != nil {
		logr.Fatal("parse sftp users", zap.Error(err))
	}
	if err := registry.LoadKeys(cfg.SFTP.KeysDir); err != nil {
		logr.Fatal("load sftp user keys", zap.Error(err))
	}
	hostKey, err := transfer.LoadHostKey(cfg.SFTP.HostKeyPath)
	if err != nil {
		logr.Fatal("load host key", zap.Error(err))
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:         cfg.Kafka.Brokers,
		BatchSize:       cfg.Kafka.BatchSize,
		BatchTimeout:    cfg.Kafka.BatchTimeout,
		Compression:     kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
		RequiredAcks:    kafkago.RequireAll,
		MaxAttempts:     cfg.Kafka.Retries,
		MaxMessageBytes: cfg.Kafka.MaxMessageBytes,
	})

	staging, err := backend.Open(ctx, cfg.Staging.URL, backend.Options{
		Endpoint:    cfg.Storage.Endpoint,
		Region:      cfg.Storage.Region,
		AccessKey:   cfg.Storage.AccessKey,
		SecretKey:   cfg.Storage.SecretKey,
		UseSSL:      cfg.Storage.UseSSL,
		Compression: storage.CompressionNone,
	})
	if err != nil {
		logr.Fatal("init staging backend", zap.Error(err))
	}

	var events ingestion.EventLog
	if cfg.Postgres.DSN != "" {
		pool, err := metadata.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logr.Fatal("init metadata pool", zap.Error(err))
		}
		defer pool.Close()
		store, err := metadata.New(pool)
		if err != nil {
			logr.Fatal("init metadata store", zap.Error(err))
		}
		events = store
	}

	service := ingestion.NewService(ingestion.Params{
		Staging:   staging,
		Publisher: producer,
		Events:    events,
		Logger:    logr,
		Observer:  observer,
		Topics: ingestion.Topics{
			API:   cfg.Kafka.APITopic,
			SFTP:  cfg.Kafka.SFTPTopic,
			Other: cfg.Kafka.OtherTopic,
		},
		Limits:          ingestion.Limits{metadata.SourceSFTP: cfg.SFTP.MaxSizeBytes},
		InlineMaxBytes:  cfg.Staging.InlineMaxBytes,
		MaxMessageBytes: cfg.Kafka.MaxMessageBytes,
	})

	manager, err := transfer.NewManager(transfer.ManagerParams{
		StagingRoot:    cfg.SFTP.StagingDir,
		Acceptor:       service,
		Logger:         logr,
		Observer:       observer,
		MaxSizeBytes:   cfg.SFTP.MaxSizeBytes,
		HandoffTimeout: cfg.SFTP.HandoffTimeout,
	})
	if err != nil {
		logr.Fatal("init session manager", zap.Error(err))
	}
	if err := manager.Sweep(); err != nil {
		logr.Warn("sweep sftp staging", zap.Error(err))
	}

	server, err := transfer.NewServer(transfer.ServerParams{
		Manager:  manager,
		Registry: registry,
		HostKey:  hostKey,
		Logger:   logr,
	})
	if err != nil {
		logr.Fatal("init sftp server", zap.Error(err))
	}

	ln, err := net.Listen("tcp", cfg.SFTP.Addr)
	if err != nil {
		logr.Fatal("listen", zap.String("addr", cfg.SFTP.Addr), zap.Error(err))
	}

	logr.Info("sftp service starting",
		zap.String("addr", cfg.SFTP.Addr),
		zap.Strings("users", registry.Usernames()),
	)
	if err := server.Serve(ctx, ln); err != nil {
		logr.Error("sftp server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Close(shutdownCtx); err != nil {
		logr.Error("service shutdown failed", zap.Error(err))
	}
}
