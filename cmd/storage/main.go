package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/healthflow/internal/consumer"
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

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Name+"-storage")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name + "-storage",
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

	pool, err := metadata.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logr.Fatal("init metadata pool", zap.Error(err))
	}
	defer pool.Close()
	store, err := metadata.New(pool)
	if err != nil {
		logr.Fatal("init metadata store", zap.Error(err))
	}
	if err := store.Verify(ctx); err != nil {
		logr.Fatal("verify metadata schema", zap.Error(err))
	}

	compression, err := storage.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		logr.Fatal("parse storage compression", zap.Error(err))
	}
	opts := backend.Options{
		Endpoint:    cfg.Storage.Endpoint,
		Region:      cfg.Storage.Region,
		AccessKey:   cfg.Storage.AccessKey,
		SecretKey:   cfg.Storage.SecretKey,
		UseSSL:      cfg.Storage.UseSSL,
		Compression: compression,
	}
	final, err := backend.Open(ctx, cfg.Storage.URL, opts)
	if err != nil {
		logr.Fatal("init storage backend", zap.Error(err))
	}
	defer final.Close()

	opts.Compression = storage.CompressionNone
	staging, err := backend.Open(ctx, cfg.Staging.URL, opts)
	if err != nil {
		logr.Fatal("init staging backend", zap.Error(err))
	}
	defer staging.Close()

	deadLetter := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:         cfg.Kafka.Brokers,
		BatchSize:       cfg.Kafka.BatchSize,
		BatchTimeout:    cfg.Kafka.BatchTimeout,
		Compression:     kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
		RequiredAcks:    kafkago.RequireAll,
		MaxAttempts:     cfg.Kafka.Retries,
		MaxMessageBytes: cfg.Kafka.MaxMessageBytes,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deadLetter.Close(closeCtx); err != nil {
			logr.Error("dead letter producer shutdown failed", zap.Error(err))
		}
	}()

	handler := consumer.NewHandler(consumer.Params{
		Store:    store,
		Backend:  final,
		Staging:  staging,
		Layout:   consumer.Layout{Prefix: cfg.Storage.Prefix},
		Logger:   logr,
		Observer: observer,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, raw := range cfg.Consumer.Sources {
		src, err := metadata.ParseSource(raw)
		if err != nil {
			logr.Fatal("parse consumer source", zap.Error(err))
		}
		topic, group := route(cfg.Kafka, src)

		for i := 0; i < max(cfg.Consumer.Workers, 1); i++ {
			reader := kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers:        cfg.Kafka.Brokers,
				Topic:          topic,
				GroupID:        group,
				MinBytes:       1,
				MaxBytes:       int(cfg.Kafka.MaxMessageBytes),
				MaxWait:        cfg.Kafka.FetchMaxWait,
				SessionTimeout: cfg.Kafka.SessionTimeout,
			})
			worker := consumer.NewWorker(consumer.WorkerParams{
				Reader:          reader,
				Handler:         handler,
				DeadLetter:      deadLetter,
				DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
				MaxAttempts:     cfg.Consumer.MaxAttempts,
				InitialBackoff:  cfg.Consumer.InitialBackoff,
				MaxBackoff:      cfg.Consumer.MaxBackoff,
				Logger:          logr.With(zap.String("topic", topic), zap.Int("worker", i)),
			})
			g.Go(func() error {
				defer reader.Close()
				return worker.Run(gctx)
			})
		}
		logr.Info("storage consumers started",
			zap.String("source", string(src)),
			zap.String("topic", topic),
			zap.String("group", group),
			zap.Int("workers", cfg.Consumer.Workers),
		)
	}

	if err := g.Wait(); err != nil {
		logr.Fatal("storage consumer stopped", zap.Error(err))
	}
	logr.Info("storage service stopped")
}

func route(k config.KafkaConfig, src metadata.Source) (topic, group string) {
	switch src {
	case metadata.SourceAPI:
		return k.APITopic, k.APIGroup
	case metadata.SourceSFTP:
		return k.SFTPTopic, k.SFTPGroup
	default:
		return k.OtherTopic, k.OtherGroup
	}
}
