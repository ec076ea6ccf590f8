package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/internal/metadata"
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

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Name+"-ingestion")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name + "-ingestion",
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

	// The accepted event is audit only, so the front door runs without a
	// database when none is configured.
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
		Limits: ingestion.Limits{
			metadata.SourceAPI:  cfg.Upload.MaxSizeBytes,
			metadata.SourceSFTP: cfg.SFTP.MaxSizeBytes,
		},
		InlineMaxBytes:  cfg.Staging.InlineMaxBytes,
		MaxMessageBytes: cfg.Kafka.MaxMessageBytes,
	})

	handler := ingestion.NewHTTPHandler(service, logr, cfg.Upload.MaxSizeBytes, cfg.Upload.ValidateSyntax)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := service.Close(shutdownCtx); err != nil {
			logr.Error("service shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("ingestion service starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}
